// Package reminder runs the firing workers: each due job is re-checked against
// the booking registry and, when the booking is still current, fanned out.
package reminder

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ms-reminders/internal/delay"
	"ms-reminders/internal/models"
	"ms-reminders/internal/queue"
	"ms-reminders/internal/registry"
	"ms-reminders/internal/telemetry"
)

// Firing outcomes reported to telemetry
const (
	OutcomeFired     = "fired"
	OutcomeStale     = "stale"
	OutcomeReleased  = "released"
	OutcomeDuplicate = "duplicate"
)

// Notifier delivers a fired reminder to the job's parties
type Notifier interface {
	Notify(ctx context.Context, job models.ReminderJob) error
}

// DeliveryGuard remembers delivered jobs so a redelivered lease is not
// fanned out twice
type DeliveryGuard interface {
	Delivered(ctx context.Context, jobID string) (bool, error)
	MarkDelivered(ctx context.Context, job models.ReminderJob) error
}

// ProcessorOptions tunes the worker pool
type ProcessorOptions struct {
	Workers       int
	LookupTimeout time.Duration
	// ErrorBackoff is the pause after a failed Dequeue
	ErrorBackoff time.Duration
	Guard        DeliveryGuard
}

// Processor consumes due reminder jobs from the delayed queue
type Processor struct {
	queue    queue.Queue
	registry registry.Registry
	notifier Notifier
	calc     *delay.Calculator
	signals  telemetry.Reporter
	logger   *zap.Logger
	opts     ProcessorOptions
}

func NewProcessor(
	q queue.Queue,
	reg registry.Registry,
	notifier Notifier,
	calc *delay.Calculator,
	signals telemetry.Reporter,
	logger *zap.Logger,
	opts ProcessorOptions,
) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 10 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 5 * time.Second
	}
	return &Processor{
		queue:    q,
		registry: reg,
		notifier: notifier,
		calc:     calc,
		signals:  signals,
		logger:   logger,
		opts:     opts,
	}
}

// Run starts the workers and blocks until ctx is cancelled or the queue is
// closed
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("starting reminder workers", zap.Int("workers", p.opts.Workers))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			return p.work(ctx, i)
		})
	}
	err := g.Wait()
	p.logger.Info("reminder workers stopped")
	return err
}

func (p *Processor) work(ctx context.Context, worker int) error {
	logger := p.logger.With(zap.Int("worker", worker))
	for {
		lease, err := p.queue.Dequeue(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			return nil
		default:
			logger.Error("error dequeuing reminder jobs", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.opts.ErrorBackoff):
			}
			continue
		}

		outcome := p.Handle(ctx, lease)
		p.signals.Firing(ctx, outcome)
	}
}

// Handle processes one leased job and settles the lease. It returns the
// firing outcome.
func (p *Processor) Handle(ctx context.Context, lease queue.Lease) string {
	job := lease.Job()
	logger := p.logger.With(
		zap.String("job_id", job.JobID),
		zap.String("entity_id", job.EntityID),
		zap.String("kind", string(job.Kind)))

	if p.opts.Guard != nil {
		delivered, err := p.opts.Guard.Delivered(ctx, job.JobID)
		if err != nil {
			logger.Warn("delivery guard lookup failed, continuing", zap.Error(err))
		} else if delivered {
			logger.Info("reminder already delivered, consuming duplicate")
			p.ack(ctx, lease, logger)
			return OutcomeDuplicate
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, p.opts.LookupTimeout)
	state, err := p.registry.Lookup(lookupCtx, job.EntityID)
	cancel()
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		logger.Warn("booking registry lookup failed, releasing job for redelivery", zap.Error(err))
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			logger.Error("failed to release reminder job", zap.Error(rerr))
		}
		return OutcomeReleased
	}

	if reason := p.staleReason(job, state, err); reason != "" {
		logger.Info("discarding stale reminder", zap.String("reason", reason))
		p.ack(ctx, lease, logger)
		return OutcomeStale
	}

	if err := p.notifier.Notify(ctx, job); err != nil {
		// per-party failures are already reported by the fan-out
		logger.Warn("reminder delivered with failures", zap.Error(err))
	} else {
		logger.Info("reminder delivered", zap.Int("parties", len(job.Parties)))
	}

	if p.opts.Guard != nil {
		if err := p.opts.Guard.MarkDelivered(ctx, job); err != nil {
			logger.Warn("failed to record delivery", zap.Error(err))
		}
	}
	p.ack(ctx, lease, logger)
	return OutcomeFired
}

func (p *Processor) staleReason(job models.ReminderJob, state models.EntityState, lookupErr error) string {
	switch {
	case errors.Is(lookupErr, registry.ErrNotFound):
		return "entity not found"
	case state.Status != models.EntityStatusActive:
		return "entity " + string(state.Status)
	case state.ScheduledAt != nil && !p.calc.Same(*state.ScheduledAt, job.ScheduledAt):
		return "entity rescheduled to " + state.ScheduledAt.String()
	}
	return ""
}

func (p *Processor) ack(ctx context.Context, lease queue.Lease, logger *zap.Logger) {
	// settle the lease even when shutdown has started
	if err := lease.Ack(context.WithoutCancel(ctx)); err != nil {
		logger.Error("failed to ack reminder job, it may be redelivered", zap.Error(err))
	}
}
