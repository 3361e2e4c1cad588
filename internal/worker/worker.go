// Package worker executes FetchJobs: fetch one month through a pooled
// session, merge it into the store and record the job as done.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fundpricer/internal/cache"
	"fundpricer/internal/logger"
	"fundpricer/internal/model"
	"fundpricer/internal/notification"
	"fundpricer/internal/source"

	"github.com/cenkalti/backoff/v4"
)

// Outcome classifies how a job ended.
type Outcome string

const (
	OutcomeDone        Outcome = "done"
	OutcomeDuplicate   Outcome = "duplicate"    // already in the ledger
	OutcomeInvalid     Outcome = "invalid"      // failed validation
	OutcomeTransient   Outcome = "transient"    // source unavailable or timed out; dropped
	OutcomePermanent   Outcome = "permanent"    // source rejected the job; dropped
	OutcomeStoreFailed Outcome = "store_failed" // append retries exhausted
	OutcomeCanceled    Outcome = "canceled"     // shutdown; leave for redelivery
)

// Ack reports whether the bus message should be acknowledged.
func (o Outcome) Ack() bool { return o != OutcomeCanceled }

// Merger folds fetched samples into the store.
type Merger interface {
	MergeAndPersist(ctx context.Context, job model.FetchJob, samples []model.Sample) (cache.MergeResult, error)
}

// Config tunes a Worker.
type Config struct {
	FetchTimeout  time.Duration // hard bound per fetch, default 60s
	LedgerTTL     time.Duration // how long finished job ids are remembered, default 7 days
	AppendRetries uint64        // store retries after the first attempt, default 5
	RetryInitial  time.Duration // first backoff, default 200ms
	RetryMax      time.Duration // backoff cap, default 5s
}

func (c *Config) defaults() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 60 * time.Second
	}
	if c.LedgerTTL <= 0 {
		c.LedgerTTL = 7 * 24 * time.Hour
	}
	if c.AppendRetries == 0 {
		c.AppendRetries = 5
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 200 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Second
	}
}

// Worker processes one job at a time per call; the pool bounds how many
// sessions run concurrently across calls.
type Worker struct {
	pool     *source.Pool
	merger   Merger
	ledger   model.JobLedger
	notifier notification.Notifier
	cfg      Config
	log      *slog.Logger

	// Optional hooks for metrics.
	OnFetch   func(d time.Duration, err error)
	OnMerge   func(res cache.MergeResult, d time.Duration)
	OnOutcome func(o Outcome)
}

// New creates a Worker. notifier may be nil.
func New(pool *source.Pool, merger Merger, ledger model.JobLedger, notifier notification.Notifier, cfg Config, log *slog.Logger) *Worker {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		pool:     pool,
		merger:   merger,
		ledger:   ledger,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
	}
}

// Process runs one job end to end. The returned error is informational;
// the outcome decides whether the message is acknowledged.
func (w *Worker) Process(ctx context.Context, job model.FetchJob) (Outcome, error) {
	ctx = logger.WithTraceID(ctx, job.JobID)
	log := w.log.With(logger.LogWithTrace(ctx)...).With("document", job.DocumentID, "month", job.MonthToken)
	start := time.Now()

	outcome, res, err := w.process(ctx, job, log)

	if w.OnOutcome != nil {
		w.OnOutcome(outcome)
	}
	w.notify(ctx, job, outcome, res, err, time.Since(start), log)
	return outcome, err
}

func (w *Worker) process(ctx context.Context, job model.FetchJob, log *slog.Logger) (Outcome, cache.MergeResult, error) {
	var res cache.MergeResult
	if err := job.Validate(); err != nil {
		log.Warn("invalid job", "error", err)
		return OutcomeInvalid, res, err
	}
	month, _ := job.Month()

	seen, err := w.ledger.Seen(ctx, job.JobID)
	if err != nil {
		// merging is idempotent, so a missing ledger only costs a refetch
		log.Warn("ledger lookup failed", "error", err)
	} else if seen {
		log.Info("job already done, skipping")
		return OutcomeDuplicate, res, nil
	}

	samples, err := w.fetch(ctx, job.InternalKey, month)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		log.Info("job canceled during fetch")
		return OutcomeCanceled, res, ctx.Err()
	case errors.Is(err, model.ErrNotFound):
		// month not published: record it as empty so coverage advances
		log.Info("month not published by source, recording as empty")
		samples = nil
	case errors.Is(err, model.ErrPermanentSource):
		log.Warn("permanent source error, dropping job", "error", err)
		return OutcomePermanent, res, err
	default:
		log.Warn("transient source error, dropping job", "error", err)
		return OutcomeTransient, res, err
	}

	res, err = w.persist(ctx, job, samples, log)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCanceled, res, ctx.Err()
		}
		log.Error("store write failed, fetched data lost", "samples", len(samples), "error", err)
		return OutcomeStoreFailed, res, err
	}

	if err := w.ledger.MarkDone(context.WithoutCancel(ctx), job.JobID, w.cfg.LedgerTTL); err != nil {
		log.Warn("ledger write failed", "error", err)
	}
	attrs := []any{"fetched", res.Fetched, "written", res.Written}
	if first, last, ok := model.Bounds(samples); ok {
		attrs = append(attrs, "first", first.Format(time.DateOnly), "last", last.Format(time.DateOnly))
	}
	log.Info("job done", attrs...)
	return OutcomeDone, res, nil
}

// fetch runs FetchMonth on a pooled session under FetchTimeout.
func (w *Worker) fetch(ctx context.Context, internalKey string, month model.Month) ([]model.Sample, error) {
	start := time.Now()
	var samples []model.Sample
	err := w.pool.With(ctx, func(s source.Session) error {
		fctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer cancel()
		var err error
		samples, err = s.FetchMonth(fctx, internalKey, month)
		if err != nil && fctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("fetch %s %s: %w", internalKey, month.Token(),
				errors.Join(model.ErrSourceUnavailable, context.DeadlineExceeded))
		}
		return err
	})
	if w.OnFetch != nil {
		w.OnFetch(time.Since(start), err)
	}
	return samples, err
}

// persist retries MergeAndPersist while the store is unavailable. The
// samples stay in memory between attempts.
func (w *Worker) persist(ctx context.Context, job model.FetchJob, samples []model.Sample, log *slog.Logger) (cache.MergeResult, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = w.cfg.RetryInitial
	eb.MaxInterval = w.cfg.RetryMax
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, w.cfg.AppendRetries), ctx)

	start := time.Now()
	var res cache.MergeResult
	op := func() error {
		var err error
		res, err = w.merger.MergeAndPersist(ctx, job, samples)
		if err != nil && !errors.Is(err, model.ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Warn("store write failed, retrying", "retry_in", next, "error", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return res, err
	}
	if w.OnMerge != nil {
		w.OnMerge(res, time.Since(start))
	}
	return res, nil
}

func (w *Worker) notify(ctx context.Context, job model.FetchJob, o Outcome, res cache.MergeResult, err error, d time.Duration, log *slog.Logger) {
	if w.notifier == nil || o == OutcomeCanceled {
		return
	}
	ev := notification.Event{
		Level:      levelOf(o),
		JobID:      job.JobID,
		DocumentID: job.DocumentID,
		MonthToken: job.MonthToken,
		Outcome:    string(o),
		Fetched:    res.Fetched,
		Written:    res.Written,
		Duration:   d.Seconds(),
		At:         time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.notifier.Send(nctx, ev); err != nil {
		log.Warn("notify failed", "error", err)
	}
}

func levelOf(o Outcome) notification.Level {
	switch o {
	case OutcomeStoreFailed:
		return notification.LevelCritical
	case OutcomeTransient, OutcomePermanent, OutcomeInvalid:
		return notification.LevelWarning
	default:
		return notification.LevelInfo
	}
}
