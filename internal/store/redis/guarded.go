package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundpricer/internal/model"
)

// Guarded routes every store call through a CircuitBreaker. Only
// connectivity failures (model.ErrStoreUnavailable) count toward tripping;
// while open, calls fail fast with model.ErrStoreUnavailable.
type Guarded struct {
	inner model.Store
	cb    *CircuitBreaker
}

var _ model.Store = (*Guarded)(nil)

// NewGuarded wraps inner with cb.
func NewGuarded(inner model.Store, cb *CircuitBreaker) *Guarded {
	if cb.IsFailure == nil {
		cb.IsFailure = func(err error) bool { return errors.Is(err, model.ErrStoreUnavailable) }
	}
	return &Guarded{inner: inner, cb: cb}
}

// Breaker exposes the breaker for state reporting.
func (g *Guarded) Breaker() *CircuitBreaker { return g.cb }

func (g *Guarded) do(fn func() error) error {
	err := g.cb.Execute(fn)
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	return err
}

func (g *Guarded) EnsureSeries(ctx context.Context, key model.SeriesKey) error {
	return g.do(func() error { return g.inner.EnsureSeries(ctx, key) })
}

func (g *Guarded) AppendMany(ctx context.Context, key model.SeriesKey, points []model.Point) (int, error) {
	var n int
	err := g.do(func() error {
		var err error
		n, err = g.inner.AppendMany(ctx, key, points)
		return err
	})
	return n, err
}

func (g *Guarded) Range(ctx context.Context, key model.SeriesKey, from, to time.Time) ([]model.Point, error) {
	var points []model.Point
	err := g.do(func() error {
		var err error
		points, err = g.inner.Range(ctx, key, from, to)
		return err
	})
	return points, err
}

func (g *Guarded) Bounds(ctx context.Context, key model.SeriesKey) (first, last time.Time, ok bool, err error) {
	err = g.do(func() error {
		var err error
		first, last, ok, err = g.inner.Bounds(ctx, key)
		return err
	})
	return first, last, ok, err
}

func (g *Guarded) GetMetadata(ctx context.Context, documentID string) (*model.Snapshot, error) {
	var snap *model.Snapshot
	err := g.do(func() error {
		var err error
		snap, err = g.inner.GetMetadata(ctx, documentID)
		return err
	})
	return snap, err
}

func (g *Guarded) PutMetadata(ctx context.Context, snap *model.Snapshot) error {
	return g.do(func() error { return g.inner.PutMetadata(ctx, snap) })
}

func (g *Guarded) MarkMonths(ctx context.Context, documentID string, months ...model.Month) error {
	return g.do(func() error { return g.inner.MarkMonths(ctx, documentID, months...) })
}

func (g *Guarded) FetchedMonths(ctx context.Context, documentID string) ([]model.Month, error) {
	var months []model.Month
	err := g.do(func() error {
		var err error
		months, err = g.inner.FetchedMonths(ctx, documentID)
		return err
	})
	return months, err
}

func (g *Guarded) Seen(ctx context.Context, jobID string) (bool, error) {
	var seen bool
	err := g.do(func() error {
		var err error
		seen, err = g.inner.Seen(ctx, jobID)
		return err
	})
	return seen, err
}

func (g *Guarded) MarkDone(ctx context.Context, jobID string, ttl time.Duration) error {
	return g.do(func() error { return g.inner.MarkDone(ctx, jobID, ttl) })
}

// Ping bypasses the breaker so health probes can observe recovery.
func (g *Guarded) Ping(ctx context.Context) error { return g.inner.Ping(ctx) }

func (g *Guarded) Close() error { return g.inner.Close() }
