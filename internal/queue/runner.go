package queue

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shoplane/chat-gateway/internal/metrics"
)

// Handler processes one job and returns an outcome label ("saved",
// "skipped_duplicate", ...). A returned PermanentError parks the job dead
// without retry; any other error triggers backoff-and-retry.
type Handler func(ctx context.Context, job *Job) (string, error)

type RunnerOptions struct {
	Concurrency       int           // parallel handler slots
	DequeueBackoffMin time.Duration // pause after a dequeue error
	DequeueBackoffMax time.Duration
}

func (o RunnerOptions) normalized() RunnerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.DequeueBackoffMin <= 0 {
		o.DequeueBackoffMin = 200 * time.Millisecond
	}
	if o.DequeueBackoffMax <= 0 {
		o.DequeueBackoffMax = 5 * time.Second
	}
	return o
}

// Runner drives a fixed-size consumer pool over a Queue. Each slot processes
// exactly one job to completion before taking the next.
type Runner struct {
	q   Queue
	h   Handler
	opt RunnerOptions
	log zerolog.Logger
}

func NewRunner(q Queue, h Handler, opt RunnerOptions, log zerolog.Logger) *Runner {
	return &Runner{q: q, h: h, opt: opt.normalized(), log: log}
}

// Run blocks until ctx is cancelled. Shutdown is graceful: cancellation stops
// intake, in-flight handlers run to completion on a detached context, and a
// handler interrupted by a hard kill is safe to redo later because settling
// is idempotent downstream.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(r.opt.Concurrency)
	for i := 0; i < r.opt.Concurrency; i++ {
		go func(slot int) {
			defer wg.Done()
			r.consume(ctx, slot)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) consume(ctx context.Context, slot int) {
	backoff := r.opt.DequeueBackoffMin
	for {
		job, err := r.q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sleep := jitter(backoff, 0.20)
			r.log.Warn().Err(err).Int("slot", slot).Dur("backoff", sleep).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			if backoff < r.opt.DequeueBackoffMax {
				backoff = minDur(r.opt.DequeueBackoffMax, time.Duration(float64(backoff)*1.6))
			}
			continue
		}
		backoff = r.opt.DequeueBackoffMin
		r.process(ctx, job)
	}
}

func (r *Runner) process(ctx context.Context, job *Job) {
	// Let an in-flight job finish settling even while shutting down.
	jctx := context.WithoutCancel(ctx)

	metrics.InFlight.Inc()
	start := time.Now()
	outcome, err := r.h(jctx, job)
	metrics.JobDuration.Observe(time.Since(start).Seconds())
	metrics.InFlight.Dec()

	if err == nil {
		if cerr := r.q.Complete(jctx, job, outcome); cerr != nil {
			r.log.Error().Err(cerr).Str("job", job.ID).Msg("complete failed")
			return
		}
		metrics.JobsProcessed.WithLabelValues(outcome).Inc()
		r.log.Info().Str("job", job.ID).Str("outcome", outcome).Int("attempt", job.Attempts).Msg("job completed")
		return
	}

	permanent := IsPermanent(err)
	if ferr := r.q.Fail(jctx, job, err, permanent); ferr != nil {
		r.log.Error().Err(ferr).Str("job", job.ID).Msg("fail settle failed")
		return
	}
	if permanent || job.Attempts >= job.MaxAttempts {
		metrics.JobsProcessed.WithLabelValues("dead").Inc()
		r.log.Error().Err(err).Str("job", job.ID).Int("attempt", job.Attempts).Msg("job parked dead")
		return
	}
	metrics.JobsProcessed.WithLabelValues("retry").Inc()
	r.log.Warn().Err(err).Str("job", job.ID).Int("attempt", job.Attempts).Msg("job retry scheduled")
}

// SampleDepth exports queue state counts until ctx ends.
func SampleDepth(ctx context.Context, q Queue, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			counts, err := q.Counts(ctx)
			if err != nil {
				continue
			}
			for state, n := range counts {
				metrics.QueueDepth.WithLabelValues(string(state)).Set(float64(n))
			}
		}
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
