package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fundpricer/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// PubSub publishes jobs on a plain Redis channel. Delivery is at-most-once:
// jobs published while no worker listens are lost, and the next refresh
// rediscovers the gap. Ack and Nack are no-ops.
type PubSub struct {
	client  *goredis.Client
	channel string
	poll    time.Duration
	hooks   Hooks
	log     *slog.Logger
}

var _ Bus = (*PubSub)(nil)

// NewPubSub creates the transport. poll bounds how long Run waits between
// liveness checks; it defaults to 2s.
func NewPubSub(client *goredis.Client, channel string, poll time.Duration, hooks Hooks, logger *slog.Logger) *PubSub {
	if channel == "" {
		channel = "pricer"
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PubSub{
		client:  client,
		channel: channel,
		poll:    poll,
		hooks:   hooks,
		log:     logger.With("channel", channel),
	}
}

// Publish sends the job to current subscribers.
func (p *PubSub) Publish(ctx context.Context, job model.FetchJob) error {
	return busErr("publish", p.client.Publish(ctx, p.channel, job.JSON()).Err())
}

// Run subscribes and forwards valid jobs until ctx is done.
func (p *PubSub) Run(ctx context.Context, out chan<- Delivery) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return busErr("subscribe", err)
	}

	return p.consume(ctx, sub.Channel(), out)
}

// consume forwards messages from ch until ctx is done. A closed ch means the
// subscription is gone and nothing would consume jobs, so it is an error.
func (p *PubSub) consume(ctx context.Context, ch <-chan *goredis.Message, out chan<- Delivery) error {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// liveness tick: nothing to do beyond re-checking ctx
		case msg, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("pubsub %s: subscription closed: %w", p.channel, model.ErrBusUnavailable)
			}
			job, d := admit([]byte(msg.Payload), p.hooks)
			if d == reject {
				p.log.Warn("rejected malformed job")
			}
			if d != deliver {
				continue
			}
			select {
			case out <- NewDelivery(job, nil, nil):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Close is a no-op; the client is owned by the caller.
func (p *PubSub) Close() error { return nil }
