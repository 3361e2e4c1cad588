// Package bus carries FetchJobs from the dispatcher to workers.
//
// Three transports share one wire format (model.FetchJob JSON):
//   - Stream: Redis Streams consumer group, at-least-once with redelivery
//   - PubSub: plain Redis channel, at-most-once, compatible with older producers
//   - Memory: in-process queue for single-binary mode and tests
package bus

import (
	"context"

	"fundpricer/internal/model"
)

// Publisher sends one job. It does not wait for processing.
type Publisher interface {
	Publish(ctx context.Context, job model.FetchJob) error
}

// Subscriber delivers validated jobs to out until ctx is done. Run blocks at
// most one poll interval between liveness checks of ctx.
type Subscriber interface {
	Run(ctx context.Context, out chan<- Delivery) error
}

// Bus is a transport that both publishes and subscribes.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Delivery is one received job. Ack after the job is done; Nack hands it
// back to the transport for redelivery where the transport supports it.
type Delivery struct {
	Job         model.FetchJob
	Redelivered bool

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// NewDelivery builds a Delivery from transport callbacks; nil callbacks are no-ops.
func NewDelivery(job model.FetchJob, ack, nack func(ctx context.Context) error) Delivery {
	return Delivery{Job: job, ack: ack, nack: nack}
}

// Ack confirms the job.
func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack releases the job without confirming it.
func (d Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// Hooks observe the bus boundary. All fields are optional.
type Hooks struct {
	// OnRejected sees every malformed message dropped at the boundary.
	OnRejected func(err error)
	// OnSkipped sees messages already marked acked.
	OnSkipped func(job model.FetchJob)
	// OnReclaimed counts stale entries claimed from dead consumers.
	OnReclaimed func(count int)
}

func (h Hooks) rejected(err error) {
	if h.OnRejected != nil {
		h.OnRejected(err)
	}
}

func (h Hooks) skipped(job model.FetchJob) {
	if h.OnSkipped != nil {
		h.OnSkipped(job)
	}
}

func (h Hooks) reclaimed(n int) {
	if h.OnReclaimed != nil && n > 0 {
		h.OnReclaimed(n)
	}
}

// decision is what the boundary does with one raw message.
type decision int

const (
	deliver decision = iota
	reject
	skip
)

// admit validates a raw message.
func admit(raw []byte, hooks Hooks) (model.FetchJob, decision) {
	job, err := model.DecodeJob(raw)
	if err != nil {
		hooks.rejected(err)
		return model.FetchJob{}, reject
	}
	if job.Acked {
		hooks.skipped(job)
		return job, skip
	}
	return job, deliver
}
