package eventbus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTransport uses Redis PUBLISH/SUBSCRIBE.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(ctx context.Context, url string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisTransport{client: client}, nil
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := t.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no publish after return is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}
	out, cancel := forward(ctx, sub.Channel(), func(m *redis.Message) []byte {
		return []byte(m.Payload)
	}, func() { _ = sub.Close() })
	return out, cancel, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}
