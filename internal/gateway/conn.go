package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameBytes  = 16 << 10
	outboundBuffer = 64
)

var errSlowConsumer = errors.New("slow_consumer")

// frame is the wire envelope in both directions: {"event": ..., "data": ...}.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// wsConn is one live websocket connection. It satisfies presence.Conn; Send
// only enqueues, the write pump owns the socket.
type wsConn struct {
	id       string
	identity string
	sock     *websocket.Conn

	out       chan frame
	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(identity string, sock *websocket.Conn) *wsConn {
	return &wsConn{
		id:       uuid.NewString(),
		identity: identity,
		sock:     sock,
		out:      make(chan frame, outboundBuffer),
		done:     make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues an outbound event. A connection that cannot drain its buffer
// is dropped rather than allowed to block the emitter.
func (c *wsConn) Send(event string, payload []byte) error {
	select {
	case <-c.done:
		return errors.New("connection_closed")
	default:
	}
	select {
	case c.out <- frame{Event: event, Data: payload}:
		return nil
	default:
		c.close()
		return errSlowConsumer
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

// writePump owns all writes on the socket, including keepalive pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case f := <-c.out:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
