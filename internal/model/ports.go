package model

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ── Storage Port Interfaces ──
// These interfaces decouple the cache logic from concrete storage engines
// (Redis TimeSeries, SQLite). Each backend satisfies all of them.

// Metric names one of the three per-fund series.
type Metric string

const (
	MetricValue    Metric = "value"
	MetricOwners   Metric = "owners"
	MetricNetWorth Metric = "networth"
)

// Metrics lists every series kept per fund.
var Metrics = []Metric{MetricValue, MetricOwners, MetricNetWorth}

// SeriesKey addresses one stored series.
type SeriesKey struct {
	DocumentID string
	Metric     Metric
}

// Point is one timestamp→value pair of a single metric.
type Point struct {
	TS    time.Time
	Value decimal.Decimal
}

// SeriesStore is the key-per-metric ranged time-series store.
type SeriesStore interface {
	// EnsureSeries creates the series if absent. Losing a creation race is not an error.
	EnsureSeries(ctx context.Context, key SeriesKey) error

	// AppendMany inserts points; an existing timestamp is overwritten.
	// Returns the number of points accepted.
	AppendMany(ctx context.Context, key SeriesKey, points []Point) (int, error)

	// Range returns points in [from, to] ascending. Zero from/to mean
	// beginning of time / now. A missing series yields an empty slice.
	Range(ctx context.Context, key SeriesKey, from, to time.Time) ([]Point, error)

	// Bounds returns the first and last stored timestamp.
	Bounds(ctx context.Context, key SeriesKey) (first, last time.Time, ok bool, err error)
}

// MetadataStore keeps the non-series side record of each fund.
type MetadataStore interface {
	// GetMetadata returns nil, nil when the fund was never stored.
	GetMetadata(ctx context.Context, documentID string) (*Snapshot, error)

	// PutMetadata upserts the side record (series and months are ignored).
	PutMetadata(ctx context.Context, snap *Snapshot) error

	// MarkMonths records months as fetched. Set semantics.
	MarkMonths(ctx context.Context, documentID string, months ...Month) error

	// FetchedMonths lists recorded months ascending.
	FetchedMonths(ctx context.Context, documentID string) ([]Month, error)
}

// JobLedger remembers finished job ids for message-level idempotency.
type JobLedger interface {
	// Seen reports whether jobID was already completed.
	Seen(ctx context.Context, jobID string) (bool, error)

	// MarkDone records jobID as completed for ttl.
	MarkDone(ctx context.Context, jobID string, ttl time.Duration) error
}

// Store bundles every port a storage backend provides.
type Store interface {
	SeriesStore
	MetadataStore
	JobLedger

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases underlying resources.
	Close() error
}
