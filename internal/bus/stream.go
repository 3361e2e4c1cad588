package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fundpricer/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const payloadField = "data"

// StreamConfig configures the Redis Streams transport.
type StreamConfig struct {
	Stream   string        // stream key, e.g. "pricer:jobs"
	Group    string        // consumer group, e.g. "pricer-workers"
	Consumer string        // unique per process, e.g. hostname-pid
	Block    time.Duration // XREADGROUP block, the poll interval
	Count    int64         // messages per read
	MaxLen   int64         // approximate stream cap, 0 = unbounded

	// Entries pending longer than MinIdle on another consumer are claimed
	// every ReclaimInterval. Zero interval disables reclaiming.
	ReclaimInterval time.Duration
	MinIdle         time.Duration
}

func (c *StreamConfig) defaults() {
	if c.Stream == "" {
		c.Stream = "pricer:jobs"
	}
	if c.Group == "" {
		c.Group = "pricer-workers"
	}
	if c.Consumer == "" {
		c.Consumer = "worker-1"
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.Count <= 0 {
		c.Count = 16
	}
	if c.MinIdle <= 0 {
		c.MinIdle = 5 * time.Minute
	}
}

// Stream is an at-least-once transport over a Redis Streams consumer group.
// Unacked deliveries stay in the group's pending list and are reclaimed.
type Stream struct {
	client *goredis.Client
	cfg    StreamConfig
	hooks  Hooks
	log    *slog.Logger
}

var _ Bus = (*Stream)(nil)

// NewStream creates the transport on an existing client.
func NewStream(client *goredis.Client, cfg StreamConfig, hooks Hooks, logger *slog.Logger) *Stream {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		client: client,
		cfg:    cfg,
		hooks:  hooks,
		log:    logger.With("stream", cfg.Stream, "group", cfg.Group, "consumer", cfg.Consumer),
	}
}

func busErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("redis %s: %w", op, errors.Join(model.ErrBusUnavailable, err))
}

// Publish appends the job to the stream.
func (s *Stream) Publish(ctx context.Context, job model.FetchJob) error {
	args := &goredis.XAddArgs{
		Stream: s.cfg.Stream,
		Values: map[string]interface{}{payloadField: string(job.JSON())},
	}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}
	return busErr("xadd", s.client.XAdd(ctx, args).Err())
}

// EnsureGroup creates the consumer group from the start of the stream, so
// jobs published before the first worker came up are still consumed.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.Stream, s.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return busErr("xgroup create", err)
	}
	return nil
}

// Run recovers this consumer's own pending entries, then reads new ones.
func (s *Stream) Run(ctx context.Context, out chan<- Delivery) error {
	if err := s.EnsureGroup(ctx); err != nil {
		return err
	}
	if err := s.recoverOwn(ctx, out); err != nil {
		return err
	}

	if s.cfg.ReclaimInterval > 0 {
		go s.reclaimLoop(ctx, out)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		results, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, ">"},
			Count:    s.cfg.Count,
			Block:    s.cfg.Block,
		}).Result()
		if err != nil {
			if err == goredis.Nil || ctx.Err() != nil {
				continue
			}
			s.log.Warn("xreadgroup failed", "error", err)
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
			}
			continue
		}
		for _, st := range results {
			if !s.dispatch(ctx, st.Messages, false, out) {
				return nil
			}
		}
	}
}

// recoverOwn re-delivers entries this consumer read but never acked before
// a crash or restart.
func (s *Stream) recoverOwn(ctx context.Context, out chan<- Delivery) error {
	lastID := "0"
	for {
		results, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.Stream, lastID},
			Count:    s.cfg.Count,
			Block:    -1,
		}).Result()
		if err != nil {
			if err == goredis.Nil {
				return nil
			}
			return busErr("xreadgroup pending", err)
		}
		if len(results) == 0 || len(results[0].Messages) == 0 {
			return nil
		}
		msgs := results[0].Messages
		if !s.dispatch(ctx, msgs, true, out) {
			return nil
		}
		lastID = msgs[len(msgs)-1].ID
	}
}

// ReclaimStale claims entries idle longer than MinIdle that belong to other
// consumers and delivers them. Returns how many were delivered.
func (s *Stream) ReclaimStale(ctx context.Context, out chan<- Delivery) (int, error) {
	pending, err := s.client.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: s.cfg.Stream,
		Group:  s.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  50,
		Idle:   s.cfg.MinIdle,
	}).Result()
	if err != nil {
		return 0, busErr("xpending", err)
	}

	var stale []string
	for _, p := range pending {
		if p.Consumer != s.cfg.Consumer {
			stale = append(stale, p.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	claimed, err := s.client.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   s.cfg.Stream,
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		MinIdle:  s.cfg.MinIdle,
		Messages: stale,
	}).Result()
	if err != nil {
		return 0, busErr("xclaim", err)
	}
	s.dispatch(ctx, claimed, true, out)
	s.hooks.reclaimed(len(claimed))
	return len(claimed), nil
}

func (s *Stream) reclaimLoop(ctx context.Context, out chan<- Delivery) {
	ticker := time.NewTicker(s.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ReclaimStale(ctx, out)
			if err != nil {
				s.log.Warn("reclaim failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Info("reclaimed stale jobs", "count", n)
			}
		}
	}
}

// dispatch validates and forwards messages. Malformed and already-acked
// messages are acked so they cannot poison the group. Returns false when
// ctx ended before everything was handed over.
func (s *Stream) dispatch(ctx context.Context, msgs []goredis.XMessage, redelivered bool, out chan<- Delivery) bool {
	for _, msg := range msgs {
		id := msg.ID
		raw, _ := msg.Values[payloadField].(string)
		job, d := admit([]byte(raw), s.hooks)
		if d != deliver {
			if d == reject {
				s.log.Warn("rejected malformed job", "id", id)
			}
			// acked even during shutdown so it cannot come back
			s.ack(context.WithoutCancel(ctx), id)
			continue
		}

		delivery := NewDelivery(job,
			func(ctx context.Context) error {
				return busErr("xack", s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err())
			},
			nil, // stays pending; recovered on restart or reclaimed by a peer
		)
		delivery.Redelivered = redelivered

		select {
		case out <- delivery:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func (s *Stream) ack(ctx context.Context, id string) {
	if err := s.client.XAck(ctx, s.cfg.Stream, s.cfg.Group, id).Err(); err != nil {
		s.log.Warn("xack failed", "id", id, "error", err)
	}
}

// Close is a no-op; the client is owned by the caller.
func (s *Stream) Close() error { return nil }
