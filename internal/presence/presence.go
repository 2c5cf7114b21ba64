// Package presence maps authenticated identities to their live connections
// and routes emits to them across every gateway instance in the deployment.
package presence

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shoplane/chat-gateway/internal/metrics"
)

// EmitChannel carries addressed envelopes between gateway instances.
const EmitChannel = "presence:emit"

// Conn is one live client connection. Send must be safe for concurrent use.
type Conn interface {
	ID() string
	Send(event string, payload []byte) error
}

// Transport is the cross-process leg, satisfied by *broker.Broker. A nil
// transport degrades the router to single-process routing.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error
}

// envelope is the wire form of a cross-process emit. Origin lets an instance
// skip its own envelopes, so a connection never receives the same emit twice.
type envelope struct {
	Origin  string          `json:"origin"`
	To      string          `json:"to"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type Router struct {
	instanceID string
	transport  Transport
	log        zerolog.Logger

	mu     sync.RWMutex
	conns  map[string]map[string]Conn // identity → connID → conn
	byConn map[string]string          // connID → identity
}

func NewRouter(transport Transport, log zerolog.Logger) *Router {
	return &Router{
		instanceID: uuid.NewString(),
		transport:  transport,
		log:        log,
		conns:      make(map[string]map[string]Conn),
		byConn:     make(map[string]string),
	}
}

// Run blocks consuming emits addressed to identities whose connections live
// on this instance. It returns when ctx is cancelled or the transport gives
// up; the caller decides whether to terminate the process.
func (r *Router) Run(ctx context.Context) error {
	if r.transport == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return r.transport.Subscribe(ctx, EmitChannel, r.handleEnvelope)
}

func (r *Router) handleEnvelope(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.log.Warn().Err(err).Msg("presence: bad envelope")
		return
	}
	if env.Origin == r.instanceID {
		return // already delivered locally at emit time
	}
	n := r.deliverLocal(env.To, env.Event, env.Payload)
	if n > 0 {
		metrics.PresenceEmits.WithLabelValues("remote").Add(float64(n))
	}
}

// Register associates a live connection with an identity. Idempotent per
// connection; one identity may hold many connections (multi-device).
func (r *Router) Register(identity string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[identity]
	if !ok {
		set = make(map[string]Conn)
		r.conns[identity] = set
	}
	set[c.ID()] = c
	r.byConn[c.ID()] = identity
	metrics.PresenceConnections.Set(float64(len(r.byConn)))
}

// Unregister removes the association on disconnect; no-op if already gone.
func (r *Router) Unregister(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.byConn[c.ID()]
	if !ok {
		return
	}
	delete(r.byConn, c.ID())
	if set := r.conns[identity]; set != nil {
		delete(set, c.ID())
		if len(set) == 0 {
			delete(r.conns, identity)
		}
	}
	metrics.PresenceConnections.Set(float64(len(r.byConn)))
}

// EmitTo delivers event/payload to every connection held by identity, on this
// instance directly and on the others via the transport. Zero live
// connections anywhere is a silent no-op, never an error: the caller has
// already queued the message durably, only the low-latency push is skipped.
// It reports how many local connections were written.
func (r *Router) EmitTo(ctx context.Context, identity, event string, payload any) (int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	n := r.deliverLocal(identity, event, raw)
	if n > 0 {
		metrics.PresenceEmits.WithLabelValues("local").Add(float64(n))
	}

	if r.transport == nil {
		return n, nil
	}
	env, err := json.Marshal(envelope{Origin: r.instanceID, To: identity, Event: event, Payload: raw})
	if err != nil {
		return n, err
	}
	if err := r.transport.Publish(ctx, EmitChannel, env); err != nil {
		return n, err
	}
	return n, nil
}

func (r *Router) deliverLocal(identity, event string, payload []byte) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns[identity]))
	for _, c := range r.conns[identity] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range targets {
		if err := c.Send(event, payload); err != nil {
			// One connection's failure never affects the others.
			r.log.Debug().Err(err).Str("conn", c.ID()).Msg("presence: send failed")
			continue
		}
		n++
	}
	return n
}

// Local reports how many connections this instance holds for identity.
func (r *Router) Local(identity string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[identity])
}
