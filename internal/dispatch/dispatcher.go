// Package dispatch turns gap months into FetchJobs on the bus.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"fundpricer/internal/bus"
	"fundpricer/internal/model"
)

// Dispatcher publishes one job per month. It never waits for workers.
type Dispatcher struct {
	pub bus.Publisher
	log *slog.Logger

	// OnPublished is called once per accepted job (optional, for metrics).
	OnPublished func(job model.FetchJob)
	// OnFailed is called when the bus refuses a job (optional).
	OnFailed func(job model.FetchJob, err error)
}

// New creates a Dispatcher on pub.
func New(pub bus.Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{pub: pub, log: logger}
}

// Publish emits a job with a fresh id for every month, oldest first, and
// returns the ids accepted by the bus. On error the ids published so far
// are returned with it; the remaining months are picked up by the next
// refresh.
func (d *Dispatcher) Publish(ctx context.Context, snap *model.Snapshot, months []model.Month) ([]string, error) {
	if snap == nil || snap.DocumentID == "" || snap.InternalKey == "" {
		return nil, fmt.Errorf("%w: snapshot without document or internal key", model.ErrInvalidJob)
	}

	ids := make([]string, 0, len(months))
	for _, m := range months {
		job := model.NewFetchJob(snap.DocumentID, snap.InternalKey, m)
		if err := d.pub.Publish(ctx, job); err != nil {
			d.log.Error("publish failed",
				"document", snap.DocumentID,
				"month", job.MonthToken,
				"published", len(ids),
				"remaining", len(months)-len(ids),
				"error", err,
			)
			if d.OnFailed != nil {
				d.OnFailed(job, err)
			}
			return ids, fmt.Errorf("publish %s %s: %w", snap.DocumentID, job.MonthToken, err)
		}
		if d.OnPublished != nil {
			d.OnPublished(job)
		}
		d.log.Debug("job published", "job_id", job.JobID, "document", job.DocumentID, "month", job.MonthToken)
		ids = append(ids, job.JobID)
	}
	return ids, nil
}
