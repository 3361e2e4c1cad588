package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundpricer/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// NewClient creates a Redis client and pings the server.
func NewClient(cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, errors.Join(model.ErrStoreUnavailable, err))
	}
	return client, nil
}

// wrapErr tags connectivity failures with model.ErrStoreUnavailable.
// Replies from the server (wrong type, unknown command, ...) are passed through.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var reply goredis.Error
	if errors.As(err, &reply) {
		return fmt.Errorf("redis %s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("redis %s: %w", op, err)
	}
	return fmt.Errorf("redis %s: %w", op, errors.Join(model.ErrStoreUnavailable, err))
}
