// Package scheduler owns the reminder job lifecycle: it turns entity
// created/rescheduled/cancelled events into queue mutations and keeps the
// correlation index in step with the queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ms-reminders/internal/clock"
	"ms-reminders/internal/correlation"
	"ms-reminders/internal/delay"
	"ms-reminders/internal/models"
	"ms-reminders/internal/queue"
	"ms-reminders/internal/telemetry"
)

var (
	// ErrQueueUnavailable is returned when a queue mutation still fails after
	// retries. The booking itself is unaffected.
	ErrQueueUnavailable = errors.New("reminder queue unavailable")
	ErrMissingEntityID  = errors.New("entity id is required")
)

// Coordinator schedules, replaces and removes reminder jobs for entities.
// All work for one entity is serialized through the index's entity lock.
type Coordinator struct {
	calc    *delay.Calculator
	queue   queue.Queue
	index   *correlation.Index
	clock   clock.Clock
	guard   *Guard
	signals telemetry.Reporter
	logger  *zap.Logger
	newID   func() string
}

type Option func(*Coordinator)

// WithIDGenerator replaces the uuid job id generator
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

func NewCoordinator(
	calc *delay.Calculator,
	q queue.Queue,
	index *correlation.Index,
	clk clock.Clock,
	guard *Guard,
	signals telemetry.Reporter,
	logger *zap.Logger,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		calc:    calc,
		queue:   q,
		index:   index,
		clock:   clk,
		guard:   guard,
		signals: signals,
		logger:  logger,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnEntityCreated schedules the entity's future reminders. Reminders whose
// fire time already passed are skipped, which is not an error. An entity that
// already has pending jobs keeps them: the topics carry no ordering, so a
// created event seen after a reschedule must not undo it.
func (c *Coordinator) OnEntityCreated(ctx context.Context, entity models.ScheduledEntity) ([]models.ReminderJob, error) {
	if entity.EntityID == "" {
		return nil, ErrMissingEntityID
	}
	unlock := c.index.Lock(entity.EntityID)
	defer unlock()

	if !entity.Active() {
		c.logger.Info("entity is not active, no reminders scheduled",
			zap.String("entity_id", entity.EntityID),
			zap.String("status", string(entity.Status)))
		return nil, nil
	}

	existing, err := c.pendingRefs(ctx, entity.EntityID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		c.logger.Info("entity already has reminders, created event ignored",
			zap.String("entity_id", entity.EntityID),
			zap.Int("pending", len(existing)))
		return nil, nil
	}
	return c.schedule(ctx, entity)
}

// OnEntityRescheduled removes every pending job of the entity and schedules
// fresh ones from the new time and payload. Nothing new is scheduled if the
// removal fails, so a stale job is never joined by a duplicate.
func (c *Coordinator) OnEntityRescheduled(ctx context.Context, entity models.ScheduledEntity) ([]models.ReminderJob, error) {
	if entity.EntityID == "" {
		return nil, ErrMissingEntityID
	}
	unlock := c.index.Lock(entity.EntityID)
	defer unlock()

	removed, err := c.removeAll(ctx, entity.EntityID)
	if err != nil {
		return nil, err
	}
	c.logger.Info("removed reminders for rescheduled entity",
		zap.String("entity_id", entity.EntityID),
		zap.Int("removed", removed))

	if !entity.Active() {
		return nil, nil
	}
	return c.schedule(ctx, entity)
}

// OnEntityCancelled removes every pending job of the entity. An entity with
// no pending jobs is a no-op. A job already leased by a worker cannot be
// retracted; the worker's status check drops it.
func (c *Coordinator) OnEntityCancelled(ctx context.Context, entityID string) error {
	if entityID == "" {
		return ErrMissingEntityID
	}
	unlock := c.index.Lock(entityID)
	defer unlock()

	removed, err := c.removeAll(ctx, entityID)
	if err != nil {
		return err
	}
	c.logger.Info("removed reminders for cancelled entity",
		zap.String("entity_id", entityID),
		zap.Int("removed", removed))
	return nil
}

// PendingJobs lists what the queue holds for an entity
func (c *Coordinator) PendingJobs(ctx context.Context, entityID string) ([]models.ReminderJob, error) {
	return c.queue.Pending(ctx, entityID)
}

// RebuildIndex reloads the correlation index from the queue. Queues that
// cannot list their contents leave the index as is. The snapshot only names
// the entities to visit: each one is re-read from the queue under its entity
// lock, so a mutation that lands while the snapshot is taken is never
// overwritten by stale refs.
func (c *Coordinator) RebuildIndex(ctx context.Context) error {
	snap, ok := c.queue.(queue.Snapshotter)
	if !ok {
		c.logger.Info("queue backend cannot be listed, skipping index rebuild")
		return nil
	}

	var jobs []models.ReminderJob
	err := c.guard.Do(ctx, "snapshot", func(ctx context.Context) error {
		var err error
		jobs, err = snap.PendingAll(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to rebuild correlation index: %w", err)
	}

	seen := make(map[string]struct{}, len(jobs))
	var ids []string
	for _, id := range c.index.Entities() {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, job := range jobs {
		if _, ok := seen[job.EntityID]; !ok {
			seen[job.EntityID] = struct{}{}
			ids = append(ids, job.EntityID)
		}
	}

	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.reloadEntity(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("entity %s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to rebuild correlation index: %w", errors.Join(errs...))
	}

	c.logger.Info("rebuilt correlation index",
		zap.Int("visited", len(ids)),
		zap.Int("entities", c.index.Len()))
	return nil
}

func (c *Coordinator) reloadEntity(ctx context.Context, entityID string) error {
	unlock := c.index.Lock(entityID)
	defer unlock()

	var pending []models.ReminderJob
	err := c.guard.Do(ctx, "lookup", func(ctx context.Context) error {
		var err error
		pending, err = c.queue.Pending(ctx, entityID)
		return err
	})
	if err != nil {
		return err
	}
	c.index.Reset(entityID, pending)
	return nil
}

func (c *Coordinator) schedule(ctx context.Context, entity models.ScheduledEntity) ([]models.ReminderJob, error) {
	log := c.logger.With(zap.String("entity_id", entity.EntityID), zap.String("scheduled_at", entity.ScheduledAt.String()))

	fires, err := c.calc.Compute(entity.ScheduledAt, c.clock.Now())
	if err != nil {
		log.Warn("cannot compute reminder times, entity proceeds without reminders", zap.Error(err))
		return nil, err
	}
	if len(fires) == 0 {
		log.Info("all reminder times are in the past, nothing scheduled")
		return nil, nil
	}

	var (
		jobs []models.ReminderJob
		errs []error
	)
	for _, kind := range models.ReminderKinds {
		fireAt, ok := fires[kind]
		if !ok {
			log.Info("reminder time already passed, skipping", zap.String("kind", string(kind)))
			continue
		}

		if prev, ok := c.index.Get(entity.EntityID, kind); ok {
			if err := c.cancel(ctx, prev); err != nil {
				errs = append(errs, err)
				continue
			}
		}

		job := models.ReminderJob{
			JobID:       c.newID(),
			EntityID:    entity.EntityID,
			EntityKind:  entity.EntityKind,
			Kind:        kind,
			FireAt:      fireAt.UTC(),
			ScheduledAt: entity.ScheduledAt,
			Parties:     append([]models.Party(nil), entity.Parties...),
			Payload:     entity.Payload,
		}
		err := c.guard.Do(ctx, "enqueue", func(ctx context.Context) error {
			return c.queue.Enqueue(ctx, job)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}

		c.index.Put(job.Ref())
		jobs = append(jobs, job)
		log.Info("scheduled reminder",
			zap.String("job_id", job.JobID),
			zap.String("kind", string(kind)),
			zap.Time("fire_at", job.FireAt))
	}

	if len(errs) > 0 {
		return jobs, c.degraded(ctx, "schedule", entity.EntityID, errors.Join(errs...))
	}
	return jobs, nil
}

// pendingRefs returns the entity's indexed jobs. With nothing indexed it asks
// the queue, since the index may be behind after a restart.
func (c *Coordinator) pendingRefs(ctx context.Context, entityID string) ([]models.JobRef, error) {
	refs := c.index.Jobs(entityID)
	if len(refs) > 0 {
		return refs, nil
	}

	var pending []models.ReminderJob
	err := c.guard.Do(ctx, "lookup", func(ctx context.Context) error {
		var err error
		pending, err = c.queue.Pending(ctx, entityID)
		return err
	})
	if err != nil {
		return nil, c.degraded(ctx, "lookup", entityID, err)
	}
	for _, job := range pending {
		refs = append(refs, job.Ref())
	}
	return refs, nil
}

// removeAll cancels every pending job of the entity
func (c *Coordinator) removeAll(ctx context.Context, entityID string) (int, error) {
	refs, err := c.pendingRefs(ctx, entityID)
	if err != nil || len(refs) == 0 {
		return 0, err
	}

	var errs []error
	removed := 0
	for _, ref := range refs {
		if err := c.cancel(ctx, ref); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, c.degraded(ctx, "cancel", entityID, errors.Join(errs...))
	}
	return removed, nil
}

func (c *Coordinator) cancel(ctx context.Context, ref models.JobRef) error {
	err := c.guard.Do(ctx, "cancel", func(ctx context.Context) error {
		return c.queue.Cancel(ctx, ref)
	})
	if err != nil {
		return err
	}
	c.index.Remove(ref)
	return nil
}

func (c *Coordinator) degraded(ctx context.Context, operation, entityID string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	c.signals.Degraded(ctx, operation, entityID, err)
	if errors.Is(err, queue.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	return err
}
