package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fundpricer/internal/model"
	"fundpricer/internal/store/sqlite"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mon(y int, m time.Month) model.Month { return model.Month{Year: y, Month: m} }

type fakeDiscoverer map[string]model.Instrument

func (f fakeDiscoverer) ResolveInstrument(ctx context.Context, documentID string) (model.Instrument, error) {
	inst, ok := f[documentID]
	if !ok {
		return model.Instrument{}, fmt.Errorf("document %s: %w", documentID, model.ErrNotFound)
	}
	return inst, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	jobs []model.FetchJob
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, snap *model.Snapshot, months []model.Month) ([]string, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(months))
	for _, m := range months {
		j := model.NewFetchJob(snap.DocumentID, snap.InternalKey, m)
		p.jobs = append(p.jobs, j)
		ids = append(ids, j.JobID)
	}
	return ids, nil
}

func (p *recordingPublisher) drain() []model.FetchJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	jobs := p.jobs
	p.jobs = nil
	return jobs
}

func months(jobs []model.FetchJob) []model.Month {
	out := make([]model.Month, 0, len(jobs))
	for _, j := range jobs {
		m, _ := j.Month()
		out = append(out, m)
	}
	return out
}

var testFunds = fakeDiscoverer{
	"12345": {
		DocumentID:  "12345",
		InternalKey: "132922",
		DisplayName: "ALPHA FIC FIA",
		Active:      true,
		ReleasedOn:  time.Date(2021, 5, 10, 0, 0, 0, 0, time.UTC),
	},
	"old": {DocumentID: "old", InternalKey: "1", ReleasedOn: time.Date(2015, 1, 2, 0, 0, 0, 0, time.UTC)},
}

func newTestCoordinator(t *testing.T) (*Coordinator, *sqlite.Store, *recordingPublisher) {
	t.Helper()
	store, err := sqlite.New(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "cache.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pub := &recordingPublisher{}
	c := New(store, testFunds, pub, Options{}, nil)
	c.now = func() time.Time { return time.Date(2021, 9, 15, 12, 0, 0, 0, time.UTC) }
	return c, store, pub
}

// monthSamples fabricates business-day samples for a month.
func monthSamples(m model.Month, base int64) []model.Sample {
	var out []model.Sample
	for d := m.Start(); m.Contains(d); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		s := model.NewSample(d, decimal.New(base+int64(d.Day()), -2))
		s.OwnerCount = 100 + int64(d.Day())
		s.NetWorth = float64(1_000_000 + d.Day())
		out = append(out, s)
	}
	return out
}

func TestGaps_TrailingOnly(t *testing.T) {
	covered := model.MonthsBetween(mon(2021, time.January), mon(2021, time.June))
	got := Gaps(covered, mon(2021, time.March), mon(2021, time.September), model.Month{})
	assert.Equal(t, []model.Month{mon(2021, time.July), mon(2021, time.August), mon(2021, time.September)}, got)
}

func TestGaps_LeadingAndTrailing(t *testing.T) {
	covered := model.MonthsBetween(mon(2021, time.January), mon(2021, time.June))
	got := Gaps(covered, mon(2020, time.October), mon(2021, time.September), model.Month{})
	assert.Equal(t, []model.Month{
		mon(2020, time.October), mon(2020, time.November), mon(2020, time.December),
		mon(2021, time.July), mon(2021, time.August), mon(2021, time.September),
	}, got)
}

func TestGaps_InteriorAndOpenMonth(t *testing.T) {
	covered := []model.Month{mon(2021, time.January), mon(2021, time.March), mon(2021, time.April)}
	got := Gaps(covered, mon(2021, time.January), mon(2021, time.April), mon(2021, time.April))
	assert.Equal(t, []model.Month{mon(2021, time.February), mon(2021, time.April)}, got)

	assert.Empty(t, Gaps(covered, mon(2021, time.March), mon(2021, time.March), model.Month{}))
	assert.Empty(t, Gaps(nil, mon(2021, time.May), mon(2021, time.March), model.Month{}))
}

func TestPlan_UnknownDocument(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.Plan(context.Background(), "nope", model.Month{}, model.Month{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPlan_FirstSightIsFullFetch(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	ctx := context.Background()

	d, err := c.Plan(ctx, "12345", model.Month{}, model.Month{})
	require.NoError(t, err)
	assert.True(t, d.FullFetch)
	assert.Equal(t, model.MonthsBetween(mon(2021, time.May), mon(2021, time.September)), d.Gaps)

	meta, err := store.GetMetadata(ctx, "12345")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "132922", meta.InternalKey)
}

func TestPlan_ClampsRange(t *testing.T) {
	c, _, _ := newTestCoordinator(t)

	// before release and past the current month
	d, err := c.Plan(context.Background(), "12345", mon(2019, time.January), mon(2030, time.January))
	require.NoError(t, err)
	assert.Equal(t, mon(2021, time.May), d.Gaps[0])
	assert.Equal(t, mon(2021, time.September), d.Gaps[len(d.Gaps)-1])
}

func TestPlan_CoveredRangeNeedsNoFetch(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Plan(ctx, "old", model.Month{}, model.Month{})
	require.NoError(t, err)
	require.NoError(t, store.MarkMonths(ctx, "old", model.MonthsBetween(mon(2021, time.January), mon(2021, time.June))...))

	d, err := c.Plan(ctx, "old", mon(2021, time.February), mon(2021, time.May))
	require.NoError(t, err)
	assert.False(t, d.FullFetch)
	assert.Empty(t, d.Gaps)

	d, err = c.Plan(ctx, "old", mon(2020, time.October), mon(2021, time.September))
	require.NoError(t, err)
	assert.Equal(t, []model.Month{
		mon(2020, time.October), mon(2020, time.November), mon(2020, time.December),
		mon(2021, time.July), mon(2021, time.August), mon(2021, time.September),
	}, d.Gaps)
}

func TestGetCached_NotFound(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.GetCached(context.Background(), "12345")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEndToEnd_FullFetchThenCached(t *testing.T) {
	c, _, pub := newTestCoordinator(t)
	ctx := context.Background()

	snap, err := c.GetOrRefresh(ctx, "12345", model.Month{}, model.Month{})
	require.NoError(t, err)
	assert.Empty(t, snap.Series)
	assert.Equal(t, "ALPHA FIC FIA", snap.DisplayName)

	jobs := pub.drain()
	require.Equal(t, model.MonthsBetween(mon(2021, time.May), mon(2021, time.September)), months(jobs))

	var all []model.Sample
	for _, job := range jobs {
		m, _ := job.Month()
		samples := monthSamples(m, 1000)
		all = append(all, samples...)
		res, err := c.MergeAndPersist(ctx, job, samples)
		require.NoError(t, err)
		assert.Equal(t, len(samples), res.Written)
	}

	cached, err := c.GetCached(ctx, "12345")
	require.NoError(t, err)
	require.Len(t, cached.Series, len(all))
	assert.Equal(t, all[0].Timestamp, cached.FirstObservedAt)
	assert.Equal(t, all[len(all)-1].Timestamp, cached.LastObservedAt)
	assert.True(t, all[3].Equal(cached.Series[3]))
	assert.Len(t, cached.FetchedMonths, 5)

	// a second refresh only re-fetches the open month
	_, err = c.GetOrRefresh(ctx, "12345", model.Month{}, model.Month{})
	require.NoError(t, err)
	assert.Equal(t, []model.Month{mon(2021, time.September)}, months(pub.drain()))
}

func TestMergeAndPersist_Redelivery(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	ctx := context.Background()
	job := model.NewFetchJob("12345", "132922", mon(2021, time.June))
	samples := monthSamples(mon(2021, time.June), 500)

	first, err := c.MergeAndPersist(ctx, job, samples)
	require.NoError(t, err)
	require.Equal(t, len(samples), first.Written)

	second, err := c.MergeAndPersist(ctx, job, samples)
	require.NoError(t, err)
	assert.Equal(t, len(samples), second.Fetched)
	assert.Zero(t, second.Written)

	points, err := store.Range(ctx, model.SeriesKey{DocumentID: "12345", Metric: model.MetricValue}, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, points, len(samples))
}

func TestMergeAndPersist_CorrectionOverwrites(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	m := mon(2021, time.June)
	samples := monthSamples(m, 500)

	_, err := c.MergeAndPersist(ctx, model.NewFetchJob("12345", "132922", m), samples)
	require.NoError(t, err)

	fixed := append([]model.Sample(nil), samples...)
	fixed[2].Value = decimal.RequireFromString("9.99")
	res, err := c.MergeAndPersist(ctx, model.NewFetchJob("12345", "132922", m), fixed)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)

	cached, err := c.GetCached(ctx, "12345")
	require.NoError(t, err)
	assert.True(t, cached.Series[2].Value.Equal(decimal.RequireFromString("9.99")))
}

func TestMergeAndPersist_EmptyMonthAdvancesCoverage(t *testing.T) {
	c, _, pub := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.GetOrRefresh(ctx, "12345", mon(2021, time.June), mon(2021, time.June))
	require.NoError(t, err)
	jobs := pub.drain()
	require.Len(t, jobs, 1)

	res, err := c.MergeAndPersist(ctx, jobs[0], nil)
	require.NoError(t, err)
	assert.Zero(t, res.Written)

	_, err = c.GetOrRefresh(ctx, "12345", mon(2021, time.June), mon(2021, time.June))
	require.NoError(t, err)
	assert.Empty(t, pub.drain())
}

func TestMergeAndPersist_DropsSamplesOutsideMonth(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	m := mon(2021, time.June)
	samples := append(monthSamples(m, 500), monthSamples(mon(2021, time.July), 500)[0])

	res, err := c.MergeAndPersist(ctx, model.NewFetchJob("12345", "132922", m), samples)
	require.NoError(t, err)
	assert.Equal(t, len(samples)-1, res.Written)
}

func TestGetOrRefresh_PublishFailure(t *testing.T) {
	c, _, pub := newTestCoordinator(t)
	pub.err = model.ErrBusUnavailable

	snap, err := c.GetOrRefresh(context.Background(), "12345", model.Month{}, model.Month{})
	assert.ErrorIs(t, err, model.ErrBusUnavailable)
	assert.Nil(t, snap)
}

func TestMergeAndPersist_BlankOptionalMetricsKeepStored(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	m := mon(2021, time.June)
	ts := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)

	stored := model.NewSample(ts, decimal.RequireFromString("1.5"))
	stored.OwnerCount = 10
	stored.NetWorth = 500
	res, err := c.MergeAndPersist(ctx, model.NewFetchJob("12345", "132922", m), []model.Sample{stored})
	require.NoError(t, err)
	require.Equal(t, 1, res.Written)

	blank := model.NewSample(ts, decimal.RequireFromString("1.5"))
	for i := 0; i < 3; i++ {
		res, err := c.MergeAndPersist(ctx, model.NewFetchJob("12345", "132922", m), []model.Sample{blank})
		require.NoError(t, err)
		assert.Zero(t, res.Written, "redelivery %d", i)
	}

	cached, err := c.GetCached(ctx, "12345")
	require.NoError(t, err)
	require.Len(t, cached.Series, 1)
	assert.Equal(t, int64(10), cached.Series[0].OwnerCount)
	assert.Equal(t, 500.0, cached.Series[0].NetWorth)
}

func TestGetOrRefresh_ReturnsRequestedRange(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Plan(ctx, "12345", model.Month{}, model.Month{})
	require.NoError(t, err)
	var all []model.Sample
	for _, m := range model.MonthsBetween(mon(2021, time.June), mon(2021, time.August)) {
		samples := monthSamples(m, 100)
		all = append(all, samples...)
		_, err := c.MergeAndPersist(ctx, model.NewFetchJob("12345", "132922", m), samples)
		require.NoError(t, err)
	}

	snap, err := c.GetOrRefresh(ctx, "12345", mon(2021, time.June), mon(2021, time.July))
	require.NoError(t, err)
	require.NotEmpty(t, snap.Series)
	for _, s := range snap.Series {
		assert.True(t, s.Timestamp.Before(mon(2021, time.August).Start()), "%s outside requested range", s.Timestamp)
	}
	assert.Len(t, snap.Series, len(monthSamples(mon(2021, time.June), 0))+len(monthSamples(mon(2021, time.July), 0)))

	// observed bounds still describe the whole cached series
	assert.Equal(t, all[0].Timestamp, snap.FirstObservedAt)
	assert.Equal(t, all[len(all)-1].Timestamp, snap.LastObservedAt)
}

func TestMergeAndPersist_RewritesStaleObservedDates(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Plan(ctx, "12345", model.Month{}, model.Month{})
	require.NoError(t, err)
	july := monthSamples(mon(2021, time.July), 100)
	_, err = c.MergeAndPersist(ctx, model.NewFetchJob("12345", "132922", mon(2021, time.July)), july)
	require.NoError(t, err)

	// a concurrent job's metadata write landed last with dates for data that is not stored
	meta, err := store.GetMetadata(ctx, "12345")
	require.NoError(t, err)
	meta.FirstObservedAt = time.Date(2021, 8, 2, 0, 0, 0, 0, time.UTC)
	meta.LastObservedAt = time.Date(2021, 8, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.PutMetadata(ctx, meta))

	june := monthSamples(mon(2021, time.June), 100)
	_, err = c.MergeAndPersist(ctx, model.NewFetchJob("12345", "132922", mon(2021, time.June)), june)
	require.NoError(t, err)

	meta, err = store.GetMetadata(ctx, "12345")
	require.NoError(t, err)
	assert.Equal(t, june[0].Timestamp, meta.FirstObservedAt)
	assert.Equal(t, july[len(july)-1].Timestamp, meta.LastObservedAt)
}
