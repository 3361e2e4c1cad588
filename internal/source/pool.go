package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"fundpricer/internal/model"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("session pool closed")

// Pool hands out at most size sessions at a time. Sessions are created
// lazily and reused; a session released as broken is closed and replaced
// on the next Acquire.
type Pool struct {
	factory Factory
	slots   chan struct{}

	mu     sync.Mutex
	idle   []Session
	closed bool
}

// NewPool creates a pool of up to size sessions.
func NewPool(size int, factory Factory) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		factory: factory,
		slots:   make(chan struct{}, size),
	}
}

// Size returns the maximum number of concurrent sessions.
func (p *Pool) Size() int { return cap(p.slots) }

// Acquire blocks until a session is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s, err := p.factory(ctx)
	if err != nil {
		<-p.slots
		return nil, fmt.Errorf("open session: %w", err)
	}
	return s, nil
}

// Release returns s to the pool. Broken sessions are closed instead.
func (p *Pool) Release(s Session, broken bool) {
	defer func() { <-p.slots }()

	p.mu.Lock()
	if broken || p.closed {
		p.mu.Unlock()
		_ = s.Close()
		return
	}
	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

// With runs fn with a pooled session and releases it on every exit path.
// The session is discarded when fn fails with a transient error.
func (p *Pool) With(ctx context.Context, fn func(Session) error) (err error) {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			p.Release(s, true)
			panic(r)
		}
		p.Release(s, isBroken(err))
	}()
	return fn(s)
}

// Close closes idle sessions; sessions still in use are closed on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range idle {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// isBroken reports whether a session should be discarded after err.
// Timeouts and transport failures may leave a page half-loaded.
func isBroken(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, model.ErrSourceUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
