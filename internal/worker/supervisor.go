package worker

import (
	"context"
	"log/slog"
	"time"

	"fundpricer/internal/bus"

	"golang.org/x/sync/errgroup"
)

// SupervisorConfig tunes the worker pool.
type SupervisorConfig struct {
	Workers       int           // concurrent jobs, default 1
	QueueSize     int           // deliveries buffered ahead of the workers, default 2*Workers
	ShutdownGrace time.Duration // time in-flight jobs get after cancel, default 30s
}

// Supervisor runs the subscription loop and a bounded pool of workers.
type Supervisor struct {
	sub    bus.Subscriber
	worker *Worker
	cfg    SupervisorConfig
	log    *slog.Logger

	// OnQueueDepth is called with the queue length whenever a job is taken (optional).
	OnQueueDepth func(n int)
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(sub bus.Subscriber, w *Worker, cfg SupervisorConfig, log *slog.Logger) *Supervisor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 2 * cfg.Workers
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{sub: sub, worker: w, cfg: cfg, log: log}
}

// Run blocks until ctx is cancelled or the subscription fails.
//
// On cancel it stops receiving, lets in-flight jobs finish within
// ShutdownGrace, then cancels them. Queued jobs that never started are
// handed back to the bus unacknowledged.
func (s *Supervisor) Run(ctx context.Context) error {
	queue := make(chan bus.Delivery, s.cfg.QueueSize)

	// in-flight jobs outlive ctx until the grace period ends
	jobCtx, forceCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer forceCancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.sub.Run(gctx, queue)
	})
	for i := 0; i < s.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			s.loop(gctx, jobCtx, id, queue)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	s.log.Info("supervisor started", "workers", s.cfg.Workers, "queue", s.cfg.QueueSize)

	var err error
	select {
	case err = <-done:
		if err != nil {
			s.log.Error("subscription failed", "error", err)
		}
	case <-ctx.Done():
		s.log.Info("shutting down, waiting for in-flight jobs", "grace", s.cfg.ShutdownGrace)
		timer := time.NewTimer(s.cfg.ShutdownGrace)
		select {
		case err = <-done:
			timer.Stop()
		case <-timer.C:
			s.log.Warn("grace period expired, cancelling in-flight jobs")
			forceCancel()
			err = <-done
		}
	}

	dropped := s.drain(queue)
	s.log.Info("supervisor stopped", "requeued", dropped)
	return err
}

// loop takes deliveries until stop is done. Jobs run under jobCtx.
func (s *Supervisor) loop(stop, jobCtx context.Context, id int, queue <-chan bus.Delivery) {
	log := s.log.With("worker", id)
	for {
		select {
		case <-stop.Done():
			return
		case d := <-queue:
			if stop.Err() != nil {
				s.release(d)
				return
			}
			if s.OnQueueDepth != nil {
				s.OnQueueDepth(len(queue))
			}
			if d.Redelivered {
				log.Info("processing redelivered job", "job_id", d.Job.JobID)
			}
			outcome, _ := s.worker.Process(jobCtx, d.Job)
			if !outcome.Ack() {
				s.release(d)
				continue
			}
			if err := d.Ack(context.WithoutCancel(jobCtx)); err != nil {
				log.Warn("ack failed", "job_id", d.Job.JobID, "error", err)
			}
		}
	}
}

// drain hands every queued, unstarted delivery back to the bus.
func (s *Supervisor) drain(queue chan bus.Delivery) int {
	n := 0
	for {
		select {
		case d := <-queue:
			s.release(d)
			n++
		default:
			return n
		}
	}
}

func (s *Supervisor) release(d bus.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Nack(ctx); err != nil {
		s.log.Debug("nack failed", "job_id", d.Job.JobID, "error", err)
	}
}
