package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/shoplane/chat-gateway/internal/broker"
)

func startTestRedis(t *testing.T) *broker.Broker {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test needs Docker")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("start container: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	mp, err := c.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}

	b, err := broker.Connect(ctx, fmt.Sprintf("redis://%s:%s/0", host, mp.Port()))
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisQueueLifecycle(t *testing.T) {
	b := startTestRedis(t)
	q := NewRedis(b, "test-lifecycle")
	t.Cleanup(func() { _ = q.Close() })
	ctx := context.Background()

	opts := testOptions()
	opts.RemoveOnComplete = false
	id, err := q.Enqueue(ctx, "save-message", map[string]string{"k": "v"}, opts)
	require.NoError(t, err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[StateWaiting])

	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	job, err := q.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	require.Equal(t, 1, job.Attempts)
	require.JSONEq(t, `{"k":"v"}`, string(job.Payload))

	require.NoError(t, q.Complete(ctx, job, "saved"))
	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, got.State)
	require.Equal(t, "saved", got.Result)
}

func TestRedisQueueRetryAndDead(t *testing.T) {
	b := startTestRedis(t)
	q := NewRedis(b, "test-retry")
	t.Cleanup(func() { _ = q.Close() })
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "save-message", nil, testOptions())
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		job, err := q.Dequeue(dctx)
		cancel()
		require.NoError(t, err)
		require.Equal(t, id, job.ID)
		require.Equal(t, attempt, job.Attempts)
		require.NoError(t, q.Fail(ctx, job, errors.New("boom"), false))
	}

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateDead, got.State)
	require.Equal(t, "boom", got.LastError)

	dead, err := q.List(ctx, StateDead, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	require.NoError(t, q.Retry(ctx, id))
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	job, err := q.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	require.Equal(t, 1, job.Attempts) // budget was reset
}

func TestRedisQueueReclaimsStalledJob(t *testing.T) {
	b := startTestRedis(t)
	q := NewRedis(b, "test-stalled")
	q.claimTimeout = 100 * time.Millisecond
	t.Cleanup(func() { _ = q.Close() })
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "save-message", nil, testOptions())
	require.NoError(t, err)

	// claim the job and never settle it: the worker died mid-handler
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	job, err := q.Dequeue(dctx)
	cancel()
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	require.Equal(t, 1, job.Attempts)

	time.Sleep(250 * time.Millisecond)

	// the expired claim is swept back to waiting and redelivered
	dctx, cancel = context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	again, err := q.Dequeue(dctx)
	require.NoError(t, err)
	require.Equal(t, id, again.ID)
	require.Equal(t, 2, again.Attempts)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, counts[StateActive])
	require.Zero(t, counts[StateWaiting])
}

func TestRedisQueueEnqueueIsDurableBeforeReturn(t *testing.T) {
	b := startTestRedis(t)
	q := NewRedis(b, "test-durable")
	t.Cleanup(func() { _ = q.Close() })
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "save-message", nil, testOptions())
	require.NoError(t, err)

	// a second client sees the job immediately: it is recorded broker-side,
	// not buffered in the producer process
	q2 := NewRedis(b, "test-durable")
	t.Cleanup(func() { _ = q2.Close() })
	got, err := q2.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StateWaiting, got.State)
}
