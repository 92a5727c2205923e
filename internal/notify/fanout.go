// Package notify delivers a fired reminder to every party of a booking: one
// in-app notification each, plus an email where a contact address is known.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ms-reminders/internal/email"
	"ms-reminders/internal/models"
	"ms-reminders/internal/telemetry"
)

const (
	ChannelSink  = "sink"
	ChannelEmail = "email"
)

// ErrPartialFanout matches any fan-out where at least one party was missed
var ErrPartialFanout = errors.New("reminder fan-out partially failed")

// Sink persists in-app notifications
type Sink interface {
	Insert(ctx context.Context, userID, title, message string) error
}

// Emailer queues an email for asynchronous delivery
type Emailer interface {
	Submit(ctx context.Context, to string, kind email.EmailType, data email.TemplateData) error
}

// PartyFailure is one party and channel that could not be notified
type PartyFailure struct {
	PartyID string
	Channel string
	Err     error
}

// PartialFanoutError lists every missed party. Other parties were notified.
type PartialFanoutError struct {
	Failures []PartyFailure
}

func (e *PartialFanoutError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s/%s: %v", f.PartyID, f.Channel, f.Err))
	}
	return fmt.Sprintf("%s: %s", ErrPartialFanout, strings.Join(parts, "; "))
}

func (e *PartialFanoutError) Is(target error) bool {
	return target == ErrPartialFanout
}

// Fanout notifies parties independently: a failure for one party is recorded
// and never prevents delivery to the others. There are no inline retries.
type Fanout struct {
	sink     Sink
	emailer  Emailer
	signals  telemetry.Reporter
	logger   *zap.Logger
	parallel int
}

// NewFanout builds a fan-out. emailer may be nil to disable email.
func NewFanout(sink Sink, emailer Emailer, signals telemetry.Reporter, logger *zap.Logger, parallel int) *Fanout {
	if parallel <= 0 {
		parallel = 4
	}
	return &Fanout{sink: sink, emailer: emailer, signals: signals, logger: logger, parallel: parallel}
}

// Notify delivers job's reminder to each of job.Parties. The job carries the
// payload, reminder kind and entity kind the messages are rendered from.
func (f *Fanout) Notify(ctx context.Context, job models.ReminderJob) error {
	var (
		mu       sync.Mutex
		failures []PartyFailure
	)
	record := func(party models.Party, channel string, err error) {
		mu.Lock()
		failures = append(failures, PartyFailure{PartyID: party.PartyID, Channel: channel, Err: err})
		mu.Unlock()
		f.signals.FanoutFailure(ctx, telemetry.FanoutFailure{
			JobID:    job.JobID,
			EntityID: job.EntityID,
			PartyID:  party.PartyID,
			Channel:  channel,
			Err:      err,
		})
	}

	emailType, emailErr := email.ReminderEmailType(job.Kind, job.EntityKind)

	var g errgroup.Group
	g.SetLimit(f.parallel)
	for _, party := range job.Parties {
		g.Go(func() error {
			msg := Compose(job.Kind, job.EntityKind, party.Role, job.Payload)
			if err := f.sink.Insert(ctx, party.PartyID, msg.Title, msg.Body); err != nil {
				record(party, ChannelSink, err)
			}

			address := job.Payload.Contacts[party.PartyID]
			if address == "" || f.emailer == nil {
				return nil
			}
			if emailErr != nil {
				record(party, ChannelEmail, emailErr)
				return nil
			}
			data := email.TemplateData{Role: party.Role, Payload: job.Payload}
			if err := f.emailer.Submit(ctx, address, emailType, data); err != nil {
				record(party, ChannelEmail, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) > 0 {
		return &PartialFanoutError{Failures: failures}
	}
	f.logger.Debug("reminder fanned out",
		zap.String("job_id", job.JobID),
		zap.String("entity_id", job.EntityID),
		zap.Int("parties", len(job.Parties)))
	return nil
}
