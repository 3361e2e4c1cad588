package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"fundpricer/internal/model"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

// Memory is a bounded in-process queue. Messages travel encoded so the
// boundary validation matches the Redis transports. Nack requeues.
type Memory struct {
	queue chan []byte
	hooks Hooks

	mu     sync.RWMutex
	closed bool
}

// NewMemory creates a queue holding up to size messages.
func NewMemory(size int, hooks Hooks) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{queue: make(chan []byte, size), hooks: hooks}
}

// Publish enqueues job, blocking while the queue is full.
func (m *Memory) Publish(ctx context.Context, job model.FetchJob) error {
	return m.publishRaw(ctx, job.JSON())
}

// PublishRaw enqueues an arbitrary payload, for producers that bypass FetchJob.
func (m *Memory) PublishRaw(ctx context.Context, raw []byte) error {
	return m.publishRaw(ctx, raw)
}

func (m *Memory) publishRaw(ctx context.Context, raw []byte) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return fmt.Errorf("memory publish: %w", errors.Join(model.ErrBusUnavailable, ErrClosed))
	}
	return m.push(ctx, raw)
}

func (m *Memory) push(ctx context.Context, raw []byte) error {
	select {
	case m.queue <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued messages.
func (m *Memory) Len() int { return len(m.queue) }

// Run delivers queued messages until ctx is done.
func (m *Memory) Run(ctx context.Context, out chan<- Delivery) error {
	for {
		var raw []byte
		select {
		case <-ctx.Done():
			return nil
		case raw = <-m.queue:
		}

		job, d := admit(raw, m.hooks)
		if d != deliver {
			continue
		}
		payload := raw
		delivery := NewDelivery(job, nil, func(ctx context.Context) error {
			return m.push(ctx, payload)
		})

		select {
		case out <- delivery:
		case <-ctx.Done():
			// not handed over: keep it for the next Run
			m.requeue(raw)
			return nil
		}
	}
}

func (m *Memory) requeue(raw []byte) {
	select {
	case m.queue <- raw:
	default:
	}
}

// Close rejects further publishes. Queued messages stay readable.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
