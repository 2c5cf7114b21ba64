package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Queue with the same state machine as Redis. It
// serves tests and single-node development; nothing survives a restart.
type Memory struct {
	mu           sync.Mutex
	jobs         map[string]*memJob
	waiting      []string
	active       []string
	done         []string
	dead         []string
	wake         chan struct{}
	claimTimeout time.Duration
}

type memJob struct {
	job       Job
	readyAt   int64 // unix millis, for delayed jobs
	claimedAt int64 // unix millis, set on dequeue
}

func NewMemory() *Memory {
	return &Memory{
		jobs:         make(map[string]*memJob),
		wake:         make(chan struct{}, 1),
		claimTimeout: defaultClaimTimeout,
	}
}

func (m *Memory) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Memory) Enqueue(_ context.Context, name string, payload any, opt Options) (string, error) {
	opt = opt.normalized()
	raw, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()

	m.mu.Lock()
	m.jobs[id] = &memJob{job: Job{
		ID:          id,
		Name:        name,
		Payload:     raw,
		State:       StateWaiting,
		MaxAttempts: opt.MaxAttempts,
		EnqueuedAt:  time.Now().UnixMilli(),
		opts:        opt,
	}}
	m.waiting = append(m.waiting, id)
	m.mu.Unlock()

	m.signal()
	return id, nil
}

func (m *Memory) Dequeue(ctx context.Context) (*Job, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if job := m.tryDequeue(); job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-m.wake:
		case <-ticker.C: // re-check the delayed set
		}
	}
}

func (m *Memory) tryDequeue() *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	// promote due delayed jobs
	now := time.Now().UnixMilli()
	for id, mj := range m.jobs {
		if mj.job.State == StateDelayed && mj.readyAt <= now {
			mj.job.State = StateWaiting
			m.waiting = append(m.waiting, id)
		}
	}

	// reclaim expired claims: the holding worker died before settling
	cutoff := now - m.claimTimeout.Milliseconds()
	for _, id := range append([]string(nil), m.active...) {
		mj, ok := m.jobs[id]
		if !ok {
			m.active = remove(m.active, id)
			continue
		}
		if mj.claimedAt > cutoff {
			continue
		}
		m.active = remove(m.active, id)
		if mj.job.Attempts >= mj.job.MaxAttempts {
			mj.job.State = StateDead
			mj.job.LastError = "claim expired"
			m.dead = append(m.dead, id)
			continue
		}
		mj.job.State = StateWaiting
		m.waiting = append(m.waiting, id)
	}

	if len(m.waiting) == 0 {
		return nil
	}
	id := m.waiting[0]
	m.waiting = m.waiting[1:]
	m.active = append(m.active, id)

	mj := m.jobs[id]
	mj.job.State = StateActive
	mj.job.Attempts++
	mj.claimedAt = now
	cp := mj.job
	return &cp
}

func (m *Memory) Complete(_ context.Context, job *Job, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = remove(m.active, job.ID)
	mj, ok := m.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if mj.job.opts.RemoveOnComplete {
		delete(m.jobs, job.ID)
		return nil
	}
	mj.job.State = StateCompleted
	mj.job.Result = result
	m.done = append(m.done, job.ID)
	return nil
}

func (m *Memory) Fail(_ context.Context, job *Job, jobErr error, permanent bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = remove(m.active, job.ID)
	mj, ok := m.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if jobErr != nil {
		mj.job.LastError = jobErr.Error()
	}
	if permanent || mj.job.Attempts >= mj.job.MaxAttempts {
		if mj.job.opts.RemoveOnFail {
			delete(m.jobs, job.ID)
			return nil
		}
		mj.job.State = StateDead
		m.dead = append(m.dead, job.ID)
		return nil
	}
	mj.job.State = StateDelayed
	mj.readyAt = time.Now().Add(mj.job.opts.backoff(mj.job.Attempts)).UnixMilli()
	return nil
}

func (m *Memory) Counts(_ context.Context) (map[State]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[State]int64{
		StateWaiting:   int64(len(m.waiting)),
		StateActive:    int64(len(m.active)),
		StateCompleted: int64(len(m.done)),
		StateDead:      int64(len(m.dead)),
	}
	for _, mj := range m.jobs {
		if mj.job.State == StateDelayed {
			out[StateDelayed]++
		}
	}
	return out, nil
}

func (m *Memory) List(_ context.Context, state State, limit int64) ([]*Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	switch state {
	case StateWaiting:
		ids = m.waiting
	case StateActive:
		ids = m.active
	case StateCompleted:
		ids = m.done
	case StateDead:
		ids = m.dead
	case StateDelayed:
		for id, mj := range m.jobs {
			if mj.job.State == StateDelayed {
				ids = append(ids, id)
			}
		}
	default:
		return nil, fmt.Errorf("unknown state %q", state)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		if int64(len(jobs)) >= limit {
			break
		}
		if mj, ok := m.jobs[id]; ok {
			cp := mj.job
			jobs = append(jobs, &cp)
		}
	}
	return jobs, nil
}

func (m *Memory) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mj, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := mj.job
	return &cp, nil
}

func (m *Memory) Retry(_ context.Context, id string) error {
	m.mu.Lock()
	mj, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	if mj.job.State != StateDead {
		m.mu.Unlock()
		return ErrNotDead
	}
	m.dead = remove(m.dead, id)
	mj.job.State = StateWaiting
	mj.job.Attempts = 0
	mj.job.LastError = ""
	mj.job.Result = ""
	m.waiting = append(m.waiting, id)
	m.mu.Unlock()

	m.signal()
	return nil
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
