// Package events validates inbound entity events and routes them to the
// scheduling coordinator. Kafka and HTTP both enter here.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"ms-reminders/internal/delay"
	"ms-reminders/internal/models"
	"ms-reminders/internal/scheduler"
)

// ErrInvalidEvent marks events that can never be processed
var ErrInvalidEvent = errors.New("invalid entity event")

// Coordinator is the part of scheduler.Coordinator the dispatcher drives
type Coordinator interface {
	OnEntityCreated(ctx context.Context, entity models.ScheduledEntity) ([]models.ReminderJob, error)
	OnEntityRescheduled(ctx context.Context, entity models.ScheduledEntity) ([]models.ReminderJob, error)
	OnEntityCancelled(ctx context.Context, entityID string) error
}

// Result reports what an event changed
type Result struct {
	Type      models.EventType     `json:"type"`
	EntityID  string               `json:"entityId"`
	Scheduled []models.ReminderJob `json:"scheduled"`
}

type Dispatcher struct {
	coord    Coordinator
	validate *validator.Validate
	logger   *zap.Logger
}

func NewDispatcher(coord Coordinator, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		coord:    coord,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// Decode parses an event envelope. fallback is used when the envelope carries
// no type, as on per-type Kafka topics.
func (d *Dispatcher) Decode(data []byte, fallback models.EventType) (models.EntityEvent, error) {
	var evt models.EntityEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return evt, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if evt.Type == "" {
		evt.Type = fallback
	}
	return evt, nil
}

// Validate checks the fields each event type needs
func (d *Dispatcher) Validate(evt models.EntityEvent) error {
	if !evt.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, evt.Type)
	}
	if evt.Type == models.EventEntityCancelled {
		if err := d.validate.Var(evt.Entity.EntityID, "required"); err != nil {
			return fmt.Errorf("%w: entityId is required", ErrInvalidEvent)
		}
		return nil
	}
	if err := d.validate.Struct(evt.Entity); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, describe(err))
	}
	return nil
}

// Dispatch validates evt and applies it. Scheduling failures are logged here
// and returned so the caller can report them; they never affect the booking.
func (d *Dispatcher) Dispatch(ctx context.Context, evt models.EntityEvent) (Result, error) {
	res := Result{Type: evt.Type, EntityID: evt.Entity.EntityID}
	logger := d.logger.With(
		zap.String("event_type", string(evt.Type)),
		zap.String("entity_id", evt.Entity.EntityID))

	if err := d.Validate(evt); err != nil {
		logger.Warn("rejecting entity event", zap.Error(err))
		return res, err
	}

	var err error
	switch evt.Type {
	case models.EventEntityCreated:
		res.Scheduled, err = d.coord.OnEntityCreated(ctx, evt.Entity)
	case models.EventEntityRescheduled:
		res.Scheduled, err = d.coord.OnEntityRescheduled(ctx, evt.Entity)
	case models.EventEntityCancelled:
		err = d.coord.OnEntityCancelled(ctx, evt.Entity.EntityID)
	}

	switch {
	case err == nil:
		logger.Info("entity event applied", zap.Int("scheduled", len(res.Scheduled)))
	case errors.Is(err, delay.ErrInvalidTimeFormat):
		logger.Warn("entity has an unparseable schedule, no reminders created",
			zap.String("scheduled_at", evt.Entity.ScheduledAt.String()),
			zap.Error(err))
	case errors.Is(err, scheduler.ErrQueueUnavailable):
		logger.Error("reminders not scheduled, queue unavailable", zap.Error(err))
	default:
		logger.Error("failed to apply entity event", zap.Error(err))
	}
	return res, err
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msg := ""
	for i, fe := range verrs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	}
	return msg
}
