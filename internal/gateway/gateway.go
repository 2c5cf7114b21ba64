// Package gateway is the realtime ingestion layer: it authenticates
// websocket connections, stamps inbound direct messages, queues them for
// durable persistence and fans them out to the recipient's live connections.
package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/shoplane/chat-gateway/internal/auth"
	"github.com/shoplane/chat-gateway/internal/chat"
	"github.com/shoplane/chat-gateway/internal/metrics"
	"github.com/shoplane/chat-gateway/internal/presence"
	"github.com/shoplane/chat-gateway/internal/queue"
)

// EventDirect is the single event type at the realtime boundary, inbound
// {to, text} and outbound {messageId, from, to, text, ts}.
const EventDirect = "direct"

// JobSaveMessage names the persist-message job consumed by the worker.
const JobSaveMessage = "save-message"

type Options struct {
	// Per-connection send throttle; an over-limit send is dropped like a
	// malformed one, the contract is best-effort signaling either way.
	SendRate  rate.Limit
	SendBurst int
	JobOpts   queue.Options
}

func DefaultOptions() Options {
	return Options{
		SendRate:  rate.Limit(20),
		SendBurst: 40,
		JobOpts:   queue.DefaultOptions(),
	}
}

type Gateway struct {
	verifier auth.Verifier
	router   *presence.Router
	q        queue.Queue
	opt      Options
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(verifier auth.Verifier, router *presence.Router, q queue.Queue, opt Options, log zerolog.Logger) *Gateway {
	return &Gateway{
		verifier: verifier,
		router:   router,
		q:        q,
		opt:      opt,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect cross-origin; auth is the token, not
			// the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS authenticates and upgrades one realtime connection, then serves
// its events until disconnect. The credential is validated before any event
// handler runs; a bad token never reaches the active state.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := g.verifier.Verify(bearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sock, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // upgrader already wrote the response
	}

	c := newWSConn(identity, sock)
	go c.writePump()

	g.router.Register(identity, c)
	g.log.Info().Str("user", identity).Str("conn", c.id).Msg("connected")

	defer func() {
		g.router.Unregister(c)
		c.close()
		g.log.Info().Str("user", identity).Str("conn", c.id).Msg("disconnected")
	}()

	limiter := rate.NewLimiter(g.opt.SendRate, g.opt.SendBurst)

	sock.SetReadLimit(maxFrameBytes)
	_ = sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			// Bad client input is ignored, never a connection error.
			metrics.EventsReceived.WithLabelValues("unknown", "dropped").Inc()
			continue
		}
		switch f.Event {
		case EventDirect:
			g.handleDirect(r, c, limiter, f.Data)
		default:
			metrics.EventsReceived.WithLabelValues(f.Event, "dropped").Inc()
		}
	}
}

func (g *Gateway) handleDirect(r *http.Request, c *wsConn, limiter *rate.Limiter, data json.RawMessage) {
	var in struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &in); err != nil || in.To == "" || in.Text == "" {
		metrics.EventsReceived.WithLabelValues(EventDirect, "dropped").Inc()
		return
	}
	if !limiter.Allow() {
		metrics.EventsReceived.WithLabelValues(EventDirect, "throttled").Inc()
		return
	}

	ctx := r.Context()
	msg := chat.Message{
		MessageID: uuid.NewString(),
		From:      c.identity,
		To:        in.To,
		Text:      in.Text,
		TS:        time.Now().UnixMilli(),
	}

	// Optimistic fan-out first: it is in-memory cheap, and it tells us
	// whether a live recipient got the push before the record is written.
	n, err := g.router.EmitTo(ctx, in.To, EventDirect, msg)
	if err != nil {
		g.log.Warn().Err(err).Str("to", in.To).Msg("emit failed")
	}
	msg.Delivered = n > 0

	// The durable path is what guarantees the message isn't lost; a recipient
	// with zero live connections still sees it on the next history fetch.
	if _, err := g.q.Enqueue(ctx, JobSaveMessage, msg, g.opt.JobOpts); err != nil {
		g.log.Error().Err(err).Str("messageId", msg.MessageID).Msg("enqueue failed")
		metrics.EventsReceived.WithLabelValues(EventDirect, "enqueue_error").Inc()
		return
	}
	metrics.JobsEnqueued.Inc()
	metrics.EventsReceived.WithLabelValues(EventDirect, "accepted").Inc()
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
