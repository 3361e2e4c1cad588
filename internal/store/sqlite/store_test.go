package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fundpricer/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{DBPath: filepath.Join(t.TempDir(), "pricer.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func day(d int) time.Time { return time.Date(2021, 3, d, 0, 0, 0, 0, time.UTC) }

func pt(d int, v string) model.Point {
	return model.Point{TS: day(d), Value: decimal.RequireFromString(v)}
}

func TestStore_SeriesLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := model.SeriesKey{DocumentID: "123", Metric: model.MetricValue}

	require.NoError(t, s.EnsureSeries(ctx, key))
	require.NoError(t, s.EnsureSeries(ctx, key))

	n, err := s.AppendMany(ctx, key, []model.Point{pt(2, "1.10"), pt(1, "1.00"), pt(3, "1.20")})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.AppendMany(ctx, key, []model.Point{pt(2, "1.15")})
	require.NoError(t, err)

	got, err := s.Range(ctx, key, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, day(1), got[0].TS)
	assert.True(t, got[1].Value.Equal(decimal.RequireFromString("1.15")))
	assert.Equal(t, "1.20", got[2].Value.StringFixed(2))

	window, err := s.Range(ctx, key, day(2), day(2))
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, day(2), window[0].TS)

	first, last, ok, err := s.Bounds(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, day(1), first)
	assert.Equal(t, day(3), last)
}

func TestStore_MissingSeriesIsEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := model.SeriesKey{DocumentID: "nope", Metric: model.MetricOwners}

	got, err := s.Range(ctx, key, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	_, _, ok, err := s.Bounds(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_Metadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snap, err := s.GetMetadata(ctx, "123")
	require.NoError(t, err)
	assert.Nil(t, snap)

	in := &model.Snapshot{
		Instrument: model.Instrument{DocumentID: "123", InternalKey: "9", DisplayName: "FUND", Active: true, ReleasedOn: day(1)},
		Series:     []model.Sample{model.NewSample(day(1), decimal.NewFromInt(1))},

		FirstObservedAt: day(1),
		LastObservedAt:  day(5),
	}
	require.NoError(t, s.PutMetadata(ctx, in))

	out, err := s.GetMetadata(ctx, "123")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, in.Instrument, out.Instrument)
	assert.Equal(t, day(1), out.FirstObservedAt)
	assert.Equal(t, day(5), out.LastObservedAt)
	assert.Nil(t, out.Series)
}

func TestStore_FetchedMonths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jan := model.Month{Year: 2021, Month: time.January}
	feb := model.Month{Year: 2021, Month: time.February}

	require.NoError(t, s.MarkMonths(ctx, "123", feb))
	require.NoError(t, s.MarkMonths(ctx, "123", jan, feb))

	months, err := s.FetchedMonths(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, []model.Month{jan, feb}, months)
}

func TestStore_JobLedgerExpires(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.MarkDone(ctx, "job-1", time.Hour))
	seen, err := s.Seen(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, seen)

	now = now.Add(2 * time.Hour)
	seen, err = s.Seen(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestStore_ClosedIsUnavailable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.FetchedMonths(context.Background(), "123")
	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
}
