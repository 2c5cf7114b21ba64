package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeBus is an in-process pub/sub shared by routers in a test, standing in
// for the broker so two "processes" can be simulated in one test binary.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string][]func([]byte)
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string][]func([]byte))}
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	handlers := append([]func([]byte){}, b.subs[channel]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], handler)
	b.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// fakeConn records everything sent to it.
type fakeConn struct {
	id   string
	mu   sync.Mutex
	got  []string
	fail bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, payload []byte) error {
	if c.fail {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, event+":"+string(payload))
	return nil
}

func (c *fakeConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.got...)
}

func startRouter(t *testing.T, bus *fakeBus) *Router {
	t.Helper()
	r := NewRouter(bus, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = r.Run(ctx) }()
	// fakeBus registers the subscription synchronously under its lock, but
	// give the goroutine a beat to reach Subscribe.
	time.Sleep(10 * time.Millisecond)
	return r
}

func TestEmitToLocalConnection(t *testing.T) {
	bus := newFakeBus()
	r := startRouter(t, bus)

	c := &fakeConn{id: "c1"}
	r.Register("u2", c)

	n, err := r.EmitTo(context.Background(), "u2", "direct", map[string]string{"text": "hello"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, c.received(), 1)
	require.Contains(t, c.received()[0], `"hello"`)
}

func TestEmitToUnknownIdentityIsSilentNoop(t *testing.T) {
	bus := newFakeBus()
	r := startRouter(t, bus)

	n, err := r.EmitTo(context.Background(), "ghost", "direct", map[string]string{})
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEmitToMultiDevice(t *testing.T) {
	bus := newFakeBus()
	r := startRouter(t, bus)

	phone := &fakeConn{id: "phone"}
	laptop := &fakeConn{id: "laptop"}
	r.Register("u2", phone)
	r.Register("u2", laptop)

	n, err := r.EmitTo(context.Background(), "u2", "direct", "hi")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, phone.received(), 1)
	require.Len(t, laptop.received(), 1)
}

func TestEmitCrossProcessExactlyOnce(t *testing.T) {
	bus := newFakeBus()
	procA := startRouter(t, bus)
	procB := startRouter(t, bus)

	// recipient has a connection on each simulated process
	onA := &fakeConn{id: "on-a"}
	onB := &fakeConn{id: "on-b"}
	procA.Register("u2", onA)
	procB.Register("u2", onB)

	_, err := procA.EmitTo(context.Background(), "u2", "direct", "hello")
	require.NoError(t, err)

	// both connections got the event exactly once: procA delivered locally
	// and skipped its own envelope, procB delivered from the envelope
	require.Len(t, onA.received(), 1)
	require.Len(t, onB.received(), 1)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	bus := newFakeBus()
	r := startRouter(t, bus)

	c := &fakeConn{id: "c1"}
	r.Register("u2", c)
	r.Unregister(c)
	r.Unregister(c) // no-op when already removed

	n, err := r.EmitTo(context.Background(), "u2", "direct", "bye")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, c.received())
	require.Zero(t, r.Local("u2"))
}

func TestFailingConnectionDoesNotAffectOthers(t *testing.T) {
	bus := newFakeBus()
	r := startRouter(t, bus)

	bad := &fakeConn{id: "bad", fail: true}
	good := &fakeConn{id: "good"}
	r.Register("u2", bad)
	r.Register("u2", good)

	n, err := r.EmitTo(context.Background(), "u2", "direct", "hi")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, good.received(), 1)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := envelope{Origin: "i1", To: "u2", Event: "direct", Payload: json.RawMessage(`{"a":1}`)}
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var back envelope
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, env.To, back.To)
	require.JSONEq(t, `{"a":1}`, string(back.Payload))
}
