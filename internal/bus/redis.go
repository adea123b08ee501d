package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTransport carries the channel over Redis PUBLISH/SUBSCRIBE. Redis
// delivers a client's own publications to its subscriptions, so the local
// process sees its events like everybody else.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport wraps an existing client. Close closes the client.
func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

// Publish sends payload to every subscriber of channel.
func (r *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe opens a dedicated pub/sub connection and waits for the
// subscription to be confirmed.
func (r *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	return &redisSubscription{ps: ps}, nil
}

// Ping checks the connection used for publishing.
func (r *RedisTransport) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisTransport) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Receive(ctx context.Context) ([]byte, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
