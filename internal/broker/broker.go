// Package broker wraps the shared Redis connection. Pub/sub and blocking
// reads must not share a socket with request/response commands, so every
// consumer role gets its own duplicated client.
package broker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Broker struct {
	opts   *redis.Options
	Client *redis.Client
}

// Connect dials Redis and verifies the connection with a ping.
func Connect(ctx context.Context, url string) (*Broker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Broker{opts: opts, Client: client}, nil
}

// Duplicate returns an independent connection with the same configuration.
// A blocking subscribe on the duplicate never stalls commands on the parent.
func (b *Broker) Duplicate() *Broker {
	o := *b.opts
	return &Broker{opts: &o, Client: redis.NewClient(&o)}
}

func (b *Broker) Close() error { return b.Client.Close() }

func (b *Broker) Ping(ctx context.Context) error { return b.Client.Ping(ctx).Err() }

func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.Client.Publish(ctx, channel, payload).Err()
}

// Subscribe blocks consuming the channel until ctx is cancelled, invoking
// handler for every payload. Receive errors are retried with capped
// exponential backoff rather than dropped; the subscription is only given up
// when the context ends, so the owner always learns why the loop stopped.
func (b *Broker) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	ps := b.Client.Subscribe(ctx, channel)
	defer func() { _ = ps.Close() }()

	// Confirm the subscription before reporting readiness.
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}

	backoff := time.Second
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		handler([]byte(msg.Payload))
	}
}
