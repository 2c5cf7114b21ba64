package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shoplane/chat-gateway/internal/broker"
)

// defaultClaimTimeout bounds how long a dequeued job may sit unsettled in the
// active list before it is presumed orphaned by a dead worker and re-queued.
const defaultClaimTimeout = 30 * time.Second

// Redis is the broker-backed Queue. Layout per queue name:
//
//	q:<name>:waiting   list of job ids, producers LPUSH, consumers BLMOVE
//	q:<name>:active    list of in-flight job ids
//	q:<name>:delayed   zset id → ready-at unix millis
//	q:<name>:completed list of settled ids (only when RemoveOnComplete=false)
//	q:<name>:dead      list of exhausted ids, retained for inspection
//	q:<name>:job:<id>  hash holding the job record
type Redis struct {
	name string
	// Blocking dequeue gets its own duplicated connection so it never shares
	// a socket with request/response commands.
	client   *redis.Client
	blocking *redis.Client

	claimTimeout time.Duration
	reclaimMu    sync.Mutex
	lastReclaim  time.Time
}

func NewRedis(b *broker.Broker, name string) *Redis {
	return &Redis{
		name:         name,
		client:       b.Client,
		blocking:     b.Duplicate().Client,
		claimTimeout: defaultClaimTimeout,
	}
}

func (r *Redis) Close() error { return r.blocking.Close() }

func (r *Redis) key(parts ...string) string {
	k := "q:" + r.name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *Redis) jobKey(id string) string { return r.key("job", id) }

func (r *Redis) Enqueue(ctx context.Context, name string, payload any, opt Options) (string, error) {
	opt = opt.normalized()
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.jobKey(id), map[string]any{
		"name":               name,
		"payload":            raw,
		"state":              string(StateWaiting),
		"attempts":           0,
		"max_attempts":       opt.MaxAttempts,
		"backoff_base_ms":    opt.BackoffBase.Milliseconds(),
		"backoff_cap_ms":     opt.BackoffCap.Milliseconds(),
		"remove_on_complete": boolField(opt.RemoveOnComplete),
		"remove_on_fail":     boolField(opt.RemoveOnFail),
		"enqueued_at":        time.Now().UnixMilli(),
	})
	pipe.LPush(ctx, r.key("waiting"), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

func (r *Redis) Dequeue(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.promoteDue(ctx)
		r.maybeReclaim(ctx)

		id, err := r.blocking.BLMove(ctx, r.key("waiting"), r.key("active"), "RIGHT", "LEFT", time.Second).Result()
		if err == redis.Nil {
			continue // idle timeout, re-check delayed set
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		attempts, err := r.client.HIncrBy(ctx, r.jobKey(id), "attempts", 1).Result()
		if err != nil {
			return nil, err
		}
		r.client.HSet(ctx, r.jobKey(id), "state", string(StateActive), "claimed_at", time.Now().UnixMilli())

		job, err := r.Get(ctx, id)
		if err == ErrJobNotFound {
			// Record pruned underneath us; drop the orphaned id.
			r.client.LRem(ctx, r.key("active"), 1, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		job.State = StateActive
		job.Attempts = int(attempts)
		return job, nil
	}
}

// promoteDue moves delayed jobs whose backoff expired back to waiting.
// ZRem is the claim: only the caller that removes the member re-queues it,
// so concurrent consumers never double-promote.
func (r *Redis) promoteDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := r.client.ZRangeByScore(ctx, r.key("delayed"), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 128,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		removed, err := r.client.ZRem(ctx, r.key("delayed"), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		pipe := r.client.TxPipeline()
		pipe.HSet(ctx, r.jobKey(id), "state", string(StateWaiting))
		pipe.LPush(ctx, r.key("waiting"), id)
		_, _ = pipe.Exec(ctx)
	}
}

// maybeReclaim throttles the active-list sweep so a pool of consumers does
// not scan it on every dequeue.
func (r *Redis) maybeReclaim(ctx context.Context) {
	r.reclaimMu.Lock()
	if time.Since(r.lastReclaim) < r.claimTimeout/2 {
		r.reclaimMu.Unlock()
		return
	}
	r.lastReclaim = time.Now()
	r.reclaimMu.Unlock()
	r.reclaimStale(ctx)
}

// reclaimStale re-queues active jobs whose claim expired: the worker holding
// them died before settling. LRem is the claim, so concurrent sweepers never
// double-queue, and redelivery is safe because the handler dedups. A job
// already out of attempts is parked dead instead of looping forever.
func (r *Redis) reclaimStale(ctx context.Context) {
	ids, err := r.client.LRange(ctx, r.key("active"), 0, -1).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	cutoff := time.Now().Add(-r.claimTimeout).UnixMilli()
	for _, id := range ids {
		vals, err := r.client.HMGet(ctx, r.jobKey(id), "claimed_at", "attempts", "max_attempts").Result()
		if err != nil || len(vals) < 3 {
			continue
		}
		if fieldInt(vals[0]) > cutoff {
			continue
		}
		removed, err := r.client.LRem(ctx, r.key("active"), 1, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		if vals[1] == nil && vals[2] == nil {
			continue // record pruned underneath us; drop the orphaned id
		}
		pipe := r.client.TxPipeline()
		if fieldInt(vals[1]) >= fieldInt(vals[2]) {
			pipe.HSet(ctx, r.jobKey(id), "state", string(StateDead), "last_error", "claim expired")
			pipe.LPush(ctx, r.key("dead"), id)
		} else {
			pipe.HSet(ctx, r.jobKey(id), "state", string(StateWaiting))
			pipe.LPush(ctx, r.key("waiting"), id)
		}
		_, _ = pipe.Exec(ctx)
	}
}

func fieldInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func (r *Redis) Complete(ctx context.Context, job *Job, result string) error {
	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, r.key("active"), 1, job.ID)
	if job.opts.RemoveOnComplete {
		pipe.Del(ctx, r.jobKey(job.ID))
	} else {
		pipe.HSet(ctx, r.jobKey(job.ID), "state", string(StateCompleted), "result", result)
		pipe.RPush(ctx, r.key("completed"), job.ID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Fail(ctx context.Context, job *Job, jobErr error, permanent bool) error {
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, r.key("active"), 1, job.ID)

	if permanent || job.Attempts >= job.MaxAttempts {
		if job.opts.RemoveOnFail {
			pipe.Del(ctx, r.jobKey(job.ID))
		} else {
			pipe.HSet(ctx, r.jobKey(job.ID), "state", string(StateDead), "last_error", msg)
			pipe.LPush(ctx, r.key("dead"), job.ID)
		}
	} else {
		readyAt := time.Now().Add(job.opts.backoff(job.Attempts)).UnixMilli()
		pipe.HSet(ctx, r.jobKey(job.ID), "state", string(StateDelayed), "last_error", msg)
		pipe.ZAdd(ctx, r.key("delayed"), redis.Z{Score: float64(readyAt), Member: job.ID})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Counts(ctx context.Context) (map[State]int64, error) {
	pipe := r.client.Pipeline()
	waiting := pipe.LLen(ctx, r.key("waiting"))
	active := pipe.LLen(ctx, r.key("active"))
	delayed := pipe.ZCard(ctx, r.key("delayed"))
	completed := pipe.LLen(ctx, r.key("completed"))
	dead := pipe.LLen(ctx, r.key("dead"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	return map[State]int64{
		StateWaiting:   waiting.Val(),
		StateActive:    active.Val(),
		StateDelayed:   delayed.Val(),
		StateCompleted: completed.Val(),
		StateDead:      dead.Val(),
	}, nil
}

func (r *Redis) List(ctx context.Context, state State, limit int64) ([]*Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var ids []string
	var err error
	switch state {
	case StateDelayed:
		ids, err = r.client.ZRange(ctx, r.key("delayed"), 0, limit-1).Result()
	case StateWaiting, StateActive, StateCompleted, StateDead:
		ids, err = r.client.LRange(ctx, r.key(string(state)), 0, limit-1).Result()
	default:
		return nil, fmt.Errorf("unknown state %q", state)
	}
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.Get(ctx, id)
		if err == ErrJobNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *Redis) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := r.client.HGetAll(ctx, r.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	job := &Job{
		ID:        id,
		Name:      fields["name"],
		Payload:   []byte(fields["payload"]),
		State:     State(fields["state"]),
		LastError: fields["last_error"],
		Result:    fields["result"],
	}
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	job.EnqueuedAt, _ = strconv.ParseInt(fields["enqueued_at"], 10, 64)

	baseMS, _ := strconv.ParseInt(fields["backoff_base_ms"], 10, 64)
	capMS, _ := strconv.ParseInt(fields["backoff_cap_ms"], 10, 64)
	job.opts = Options{
		MaxAttempts:      job.MaxAttempts,
		BackoffBase:      time.Duration(baseMS) * time.Millisecond,
		BackoffCap:       time.Duration(capMS) * time.Millisecond,
		RemoveOnComplete: fields["remove_on_complete"] == "1",
		RemoveOnFail:     fields["remove_on_fail"] == "1",
	}.normalized()
	return job, nil
}

func (r *Redis) Retry(ctx context.Context, id string) error {
	job, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State != StateDead {
		return ErrNotDead
	}
	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, r.key("dead"), 1, id)
	pipe.HSet(ctx, r.jobKey(id), "state", string(StateWaiting), "attempts", 0, "last_error", "", "result", "")
	pipe.LPush(ctx, r.key("waiting"), id)
	_, err = pipe.Exec(ctx)
	return err
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
