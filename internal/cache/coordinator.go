// Package cache decides what to fetch for a fund and folds fetched months
// into the store.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fundpricer/internal/logger"
	"fundpricer/internal/model"
	"fundpricer/internal/source"

	"golang.org/x/sync/singleflight"
)

// Store is the subset of model.Store the coordinator needs.
type Store interface {
	model.SeriesStore
	model.MetadataStore
}

// Publisher hands gap months to the job bus. Publishing is fire-and-forget:
// a nil error means the jobs were accepted, not processed.
type Publisher interface {
	Publish(ctx context.Context, snap *model.Snapshot, months []model.Month) ([]string, error)
}

// Decision is the outcome of Plan.
type Decision struct {
	Snapshot  *model.Snapshot
	Gaps      []model.Month
	FullFetch bool // the fund was unknown to the cache

	// From and To are the requested bounds after defaults and clamping.
	From, To model.Month
}

// MergeResult reports what one job changed.
type MergeResult struct {
	Month   model.Month
	Fetched int // samples handed in
	Written int // samples new or different from the store
}

// Options tunes the coordinator.
type Options struct {
	// DefaultLookback is how many months a full fetch reaches back when
	// the fund has no known release date. Default 24.
	DefaultLookback int
}

// Coordinator owns every merge decision. The store stays the single source
// of truth; snapshots it returns are read-only views.
type Coordinator struct {
	store     Store
	discover  source.Discoverer
	publisher Publisher
	log       *slog.Logger
	opts      Options
	now       func() time.Time

	group singleflight.Group

	// OnPlan sees every refresh decision (optional, for metrics).
	OnPlan func(d *Decision)
}

// New creates a Coordinator. publisher may be nil for read-only use.
func New(store Store, discover source.Discoverer, publisher Publisher, opts Options, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	if opts.DefaultLookback <= 0 {
		opts.DefaultLookback = 24
	}
	return &Coordinator{
		store:     store,
		discover:  discover,
		publisher: publisher,
		log:       log,
		opts:      opts,
		now:       time.Now,
	}
}

func (c *Coordinator) currentMonth() model.Month { return model.MonthOf(c.now()) }

// Plan works out which months of [from, to] must be fetched. Zero bounds
// default to the release month and the current month.
func (c *Coordinator) Plan(ctx context.Context, documentID string, from, to model.Month) (*Decision, error) {
	meta, err := c.store.GetMetadata(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load metadata %s: %w", documentID, err)
	}

	d := &Decision{}
	var covered []model.Month
	if meta == nil {
		inst, err := c.discover.ResolveInstrument(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", documentID, err)
		}
		inst.DocumentID = documentID
		meta = &model.Snapshot{Instrument: inst}
		if err := c.store.PutMetadata(ctx, meta); err != nil {
			return nil, fmt.Errorf("save metadata %s: %w", documentID, err)
		}
		d.FullFetch = true
	} else {
		covered, err = c.store.FetchedMonths(ctx, documentID)
		if err != nil {
			return nil, fmt.Errorf("load coverage %s: %w", documentID, err)
		}
	}
	d.Snapshot = meta
	meta.FetchedMonths = covered

	current := c.currentMonth()
	if to.IsZero() || to.After(current) {
		to = current
	}
	released := model.Month{}
	if !meta.ReleasedOn.IsZero() {
		released = model.MonthOf(meta.ReleasedOn)
	}
	switch {
	case from.IsZero() && !released.IsZero():
		from = released
	case from.IsZero():
		from = to
		for i := 1; i < c.opts.DefaultLookback; i++ {
			from = from.Prev()
		}
	case !released.IsZero() && from.Before(released):
		from = released
	}

	d.From, d.To = from, to
	d.Gaps = Gaps(covered, from, to, current)
	c.log.Debug("planned refresh",
		"document", documentID,
		"from", from.String(),
		"to", to.String(),
		"covered", len(covered),
		"gaps", len(d.Gaps),
		"full_fetch", d.FullFetch,
	)
	if c.OnPlan != nil {
		c.OnPlan(d)
	}
	return d, nil
}

// GetOrRefresh plans, publishes one job per gap and returns whatever the
// store holds right now within the planned bounds. Partial data is a valid
// answer. Concurrent calls for the same request share one plan.
func (c *Coordinator) GetOrRefresh(ctx context.Context, documentID string, from, to model.Month) (*model.Snapshot, error) {
	key := documentID + "|" + from.Token() + "|" + to.Token()
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		d, err := c.Plan(ctx, documentID, from, to)
		if err != nil {
			return nil, err
		}
		if len(d.Gaps) > 0 && c.publisher != nil {
			ids, err := c.publisher.Publish(ctx, d.Snapshot, d.Gaps)
			if err != nil {
				return nil, fmt.Errorf("publish %s: %w", documentID, err)
			}
			c.log.Info("refresh dispatched",
				"document", documentID,
				"jobs", len(ids),
				"full_fetch", d.FullFetch,
			)
		}
		return c.assemble(ctx, d.Snapshot, d.From.Start(), d.To.End())
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Snapshot), nil
}

// GetCached returns the stored snapshot or model.ErrNotFound.
func (c *Coordinator) GetCached(ctx context.Context, documentID string) (*model.Snapshot, error) {
	meta, err := c.store.GetMetadata(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load metadata %s: %w", documentID, err)
	}
	if meta == nil {
		return nil, fmt.Errorf("document %s: %w", documentID, model.ErrNotFound)
	}
	return c.assemble(ctx, meta, time.Time{}, time.Time{})
}

// assemble loads the series in [from, to], coverage and observed bounds for
// meta. Observed bounds span the whole value series, not just the window.
func (c *Coordinator) assemble(ctx context.Context, meta *model.Snapshot, from, to time.Time) (*model.Snapshot, error) {
	snap := meta.Metadata()
	series, err := c.loadSeries(ctx, snap.DocumentID, from, to)
	if err != nil {
		return nil, err
	}
	snap.Series = series
	if snap.FetchedMonths, err = c.store.FetchedMonths(ctx, snap.DocumentID); err != nil {
		return nil, fmt.Errorf("load coverage %s: %w", snap.DocumentID, err)
	}
	if err := c.observed(ctx, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// observed sets FirstObservedAt/LastObservedAt from the stored value series.
func (c *Coordinator) observed(ctx context.Context, snap *model.Snapshot) error {
	key := model.SeriesKey{DocumentID: snap.DocumentID, Metric: model.MetricValue}
	first, last, ok, err := c.store.Bounds(ctx, key)
	if err != nil {
		return fmt.Errorf("bounds %s: %w", snap.DocumentID, err)
	}
	if ok {
		snap.FirstObservedAt, snap.LastObservedAt = first, last
	}
	return nil
}

func (c *Coordinator) loadSeries(ctx context.Context, documentID string, from, to time.Time) ([]model.Sample, error) {
	points := make(map[model.Metric][]model.Point, len(model.Metrics))
	for _, metric := range model.Metrics {
		p, err := c.store.Range(ctx, model.SeriesKey{DocumentID: documentID, Metric: metric}, from, to)
		if err != nil {
			return nil, fmt.Errorf("range %s %s: %w", metric, documentID, err)
		}
		points[metric] = p
	}
	return model.FromPoints(points[model.MetricValue], points[model.MetricOwners], points[model.MetricNetWorth]), nil
}

// MergeAndPersist folds one fetched month into the store. Only the job's
// month window is read back; only samples that are new or changed are
// appended. The month is recorded as fetched even when it held no rows.
// Running the same job twice leaves the store unchanged the second time.
func (c *Coordinator) MergeAndPersist(ctx context.Context, job model.FetchJob, samples []model.Sample) (MergeResult, error) {
	month, err := job.Month()
	if err != nil {
		return MergeResult{}, fmt.Errorf("%w: %v", model.ErrInvalidJob, err)
	}
	res := MergeResult{Month: month, Fetched: len(samples)}
	log := c.log.With(logger.LogWithTrace(ctx)...)

	incoming := make([]model.Sample, 0, len(samples))
	for _, s := range samples {
		if !month.Contains(s.Timestamp) {
			log.Warn("dropping sample outside job month",
				"document", job.DocumentID,
				"month", month.Token(),
				"timestamp", s.Timestamp,
			)
			continue
		}
		incoming = append(incoming, s)
	}

	existing, err := c.loadSeries(ctx, job.DocumentID, month.Start(), month.End())
	if err != nil {
		return res, err
	}
	changed := model.Changed(existing, model.Merge(existing, incoming))
	res.Written = len(changed)

	if len(changed) > 0 {
		for _, metric := range model.Metrics {
			points := model.ToPoints(changed, metric)
			if len(points) == 0 {
				continue
			}
			key := model.SeriesKey{DocumentID: job.DocumentID, Metric: metric}
			if err := c.store.EnsureSeries(ctx, key); err != nil {
				return res, fmt.Errorf("ensure %s %s: %w", metric, job.DocumentID, err)
			}
			if _, err := c.store.AppendMany(ctx, key, points); err != nil {
				return res, fmt.Errorf("append %s %s: %w", metric, job.DocumentID, err)
			}
		}
	}

	if err := c.store.MarkMonths(ctx, job.DocumentID, month); err != nil {
		return res, fmt.Errorf("mark %s %s: %w", month.Token(), job.DocumentID, err)
	}

	if err := c.observe(ctx, job, changed); err != nil {
		return res, err
	}
	return res, nil
}

// observe rewrites the persisted first/last observed dates from the store.
// Jobs for other months of the same fund may interleave here, so the
// persisted dates are advisory: reads take bounds from the series, and the
// next job to finish rewrites them.
func (c *Coordinator) observe(ctx context.Context, job model.FetchJob, changed []model.Sample) error {
	meta, err := c.store.GetMetadata(ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("load metadata %s: %w", job.DocumentID, err)
	}
	switch {
	case meta == nil:
		meta = &model.Snapshot{Instrument: model.Instrument{DocumentID: job.DocumentID, InternalKey: job.InternalKey}}
	case len(changed) == 0:
		return nil
	}
	if err := c.observed(ctx, meta); err != nil {
		return err
	}
	if err := c.store.PutMetadata(ctx, meta); err != nil {
		return fmt.Errorf("save metadata %s: %w", job.DocumentID, err)
	}
	return nil
}
