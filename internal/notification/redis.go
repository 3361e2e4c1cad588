package notification

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
)

// DefaultChannel is where job events are published.
const DefaultChannel = "pricer:events"

// RedisNotifier publishes every event on a Redis channel.
type RedisNotifier struct {
	client  *goredis.Client
	channel string
}

// NewRedisNotifier creates a publisher on channel (DefaultChannel if empty).
func NewRedisNotifier(client *goredis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (r *RedisNotifier) Send(ctx context.Context, ev Event) error {
	if err := r.client.Publish(ctx, r.channel, ev.JSON()).Err(); err != nil {
		return fmt.Errorf("redis notify: %w", err)
	}
	return nil
}
