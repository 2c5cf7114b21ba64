// Package queue is a broker-backed durable job queue with at-least-once
// delivery: ordered intake, per-job retry with capped exponential backoff,
// and a retained dead set for jobs that exhaust their attempt budget.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateDead      State = "dead"
)

var (
	ErrJobNotFound = errors.New("job_not_found")
	ErrNotDead     = errors.New("job_not_dead")
)

// Job is a queue-resident wrapper around a payload pending processing.
// Attempts counts handler runs started, including the current one.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  int64           `json:"enqueuedAt"` // unix millis
	LastError   string          `json:"lastError,omitempty"`
	Result      string          `json:"result,omitempty"`

	opts Options
}

// Options control retry policy and retention, per job.
type Options struct {
	MaxAttempts      int           // handler runs before the job is parked dead
	BackoffBase      time.Duration // first retry delay, doubles per attempt
	BackoffCap       time.Duration // upper bound on the retry delay
	RemoveOnComplete bool          // prune completed jobs to bound storage growth
	RemoveOnFail     bool          // false: dead jobs are retained for inspection
}

// DefaultOptions matches the persist-message policy: five attempts,
// exponential backoff from 1s capped at 30s, completed pruned, failed kept.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:      5,
		BackoffBase:      time.Second,
		BackoffCap:       30 * time.Second,
		RemoveOnComplete: true,
		RemoveOnFail:     false,
	}
}

func (o Options) normalized() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
	return o
}

// backoff returns the delay before retry number `attempt` (1-based, the
// attempt that just failed): base, 2*base, 4*base, ... capped.
func (o Options) backoff(attempt int) time.Duration {
	d := o.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= o.BackoffCap {
			return o.BackoffCap
		}
	}
	if d > o.BackoffCap {
		return o.BackoffCap
	}
	return d
}

// Queue is the durable job list shared by the gateway (producer) and the
// persistence worker (consumer). It is an injected dependency, never a
// process-wide global, so tests can swap in the in-memory implementation.
type Queue interface {
	// Enqueue durably records a job and returns its id. It returns only once
	// the job would survive the caller's process dying.
	Enqueue(ctx context.Context, name string, payload any, opt Options) (string, error)
	// Dequeue blocks until a job is ready or ctx is cancelled. The returned
	// job is in the active state with Attempts already incremented.
	Dequeue(ctx context.Context) (*Job, error)
	// Complete settles an active job successfully.
	Complete(ctx context.Context, job *Job, result string) error
	// Fail settles an active job unsuccessfully. Permanent failures and jobs
	// out of attempts are parked dead; the rest re-enter waiting after the
	// backoff delay.
	Fail(ctx context.Context, job *Job, jobErr error, permanent bool) error

	// Introspection for the operator dashboard.
	Counts(ctx context.Context) (map[State]int64, error)
	List(ctx context.Context, state State, limit int64) ([]*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	// Retry moves a dead job back to waiting with its attempt budget reset.
	Retry(ctx context.Context, id string) error
}

func marshalPayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}

// PermanentError marks a handler failure that must not be retried, e.g. a
// malformed payload. Everything else is treated as transient.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error { return &PermanentError{Err: err} }

// IsPermanent reports whether err carries the no-retry marker.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
