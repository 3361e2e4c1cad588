// Package source defines the fetch-adapter ports and the session pool the
// worker borrows automation sessions from.
package source

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"fundpricer/internal/model"
)

// Source fetches raw monthly quotations for one fund.
//
// Errors are tagged with model.ErrSourceUnavailable (transient),
// model.ErrPermanentSource or model.ErrNotFound.
type Source interface {
	// ListAvailableMonths returns the months the source publishes, ascending.
	ListAvailableMonths(ctx context.Context, internalKey string) ([]model.Month, error)

	// FetchMonth returns the samples of one month, ascending.
	FetchMonth(ctx context.Context, internalKey string, month model.Month) ([]model.Sample, error)
}

// Discoverer maps a public document id to the source's instrument record.
type Discoverer interface {
	// ResolveInstrument fails with model.ErrNotFound for unknown documents.
	ResolveInstrument(ctx context.Context, documentID string) (model.Instrument, error)
}

// Session is one automation session. It is not safe for concurrent use;
// callers obtain one from a Pool for the duration of a job.
type Session interface {
	Source
	Close() error
}

// Factory opens a new session.
type Factory func(ctx context.Context) (Session, error)

// ParseRows converts raw table rows into samples. Malformed rows are logged,
// skipped and counted in the second result; rows without a quote are skipped
// silently. The samples are ascending and unique by timestamp, later rows winning.
func ParseRows(month model.Month, rows [][]string, logger *slog.Logger) ([]model.Sample, int) {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]model.Sample, 0, len(rows))
	malformed := 0
	for i, fields := range rows {
		s, err := model.ParseRow(month, fields)
		if err != nil {
			if errors.Is(err, model.ErrNoQuote) {
				continue
			}
			logger.Warn("skipping malformed row",
				"month", month.Token(),
				"row", i,
				"error", err,
			)
			malformed++
			continue
		}
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	deduped := out[:0]
	for _, s := range out {
		if n := len(deduped); n > 0 && deduped[n-1].Timestamp.Equal(s.Timestamp) {
			deduped[n-1] = s
			continue
		}
		deduped = append(deduped, s)
	}
	return deduped, malformed
}
