// Package bus replicates local deliveries across server processes through a
// shared publish/subscribe broker and reconstructs deliveries that arrived
// from other instances.
package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Inbound is one raw message received from the broker.
type Inbound struct {
	Channel string
	Payload []byte
}

// Publisher is the write half of a broker connection.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Broker is the fabric's view of the external pub/sub system: publish,
// subscribe to exact channels, subscribe to patterns, close.
type Broker interface {
	Publisher
	Subscribe(ctx context.Context, channels, patterns []string) (<-chan Inbound, error)
	Close() error
}

// RedisBroker implements Broker over two independent Redis connections: one
// for publishing and one dedicated to the subscription, since a subscribed
// Redis connection cannot issue other commands.
type RedisBroker struct {
	pub    *redis.Client
	sub    *redis.Client
	pubsub *redis.PubSub
	logger *slog.Logger
}

var _ Broker = (*RedisBroker)(nil)

func NewRedisBroker(logger *slog.Logger, opt *redis.Options) *RedisBroker {
	subOpt := *opt
	return &RedisBroker{
		pub:    redis.NewClient(opt),
		sub:    redis.NewClient(&subOpt),
		logger: logger.With(slog.String("component", "redis_broker")),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.pub.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to '%s': %w", channel, err)
	}
	return nil
}

// Subscribe opens one pubsub over the dedicated connection, covering the
// exact channels and the wildcard patterns, and pumps everything into a
// single stream.
func (b *RedisBroker) Subscribe(ctx context.Context, channels, patterns []string) (<-chan Inbound, error) {
	pubsub := b.sub.Subscribe(ctx, channels...)
	if len(patterns) > 0 {
		if err := pubsub.PSubscribe(ctx, patterns...); err != nil {
			pubsub.Close()
			return nil, fmt.Errorf("pattern subscribe: %w", err)
		}
	}
	// Force the subscription onto the wire before we report success.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	b.pubsub = pubsub

	out := make(chan Inbound, 256)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- Inbound{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()
	return out, nil
}

func (b *RedisBroker) Close() error {
	if b.pubsub != nil {
		if err := b.pubsub.Close(); err != nil {
			b.logger.Warn("Failed to close pubsub", slog.Any("error", err))
		}
	}
	if err := b.sub.Close(); err != nil {
		b.logger.Warn("Failed to close subscribe connection", slog.Any("error", err))
	}
	return b.pub.Close()
}

// RedisPublisher is the reduced, publish-only broker connection used by the
// remote emitter.
type RedisPublisher struct {
	client *redis.Client
}

var _ Publisher = (*RedisPublisher)(nil)

func NewRedisPublisher(opt *redis.Options) *RedisPublisher {
	return &RedisPublisher{client: redis.NewClient(opt)}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
