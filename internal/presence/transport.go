package presence

import (
	"context"

	"github.com/shoplane/chat-gateway/internal/broker"
)

// BrokerTransport pairs a publish connection with a dedicated subscribe
// connection. The blocking subscribe leg must never share a socket with
// request/response traffic, so callers hand in two duplicated brokers.
type BrokerTransport struct {
	Pub *broker.Broker
	Sub *broker.Broker
}

func (t BrokerTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return t.Pub.Publish(ctx, channel, payload)
}

func (t BrokerTransport) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	return t.Sub.Subscribe(ctx, channel, handler)
}
