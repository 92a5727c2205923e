package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"ms-reminders/internal/events"
	"ms-reminders/internal/models"
)

// Topics maps each entity event topic to the event type it carries
type Topics struct {
	Created     string
	Rescheduled string
	Cancelled   string
}

func (t Topics) list() []string {
	var out []string
	for _, topic := range []string{t.Created, t.Rescheduled, t.Cancelled} {
		if topic != "" {
			out = append(out, topic)
		}
	}
	return out
}

func (t Topics) typeOf(topic string) models.EventType {
	switch topic {
	case t.Created:
		return models.EventEntityCreated
	case t.Rescheduled:
		return models.EventEntityRescheduled
	case t.Cancelled:
		return models.EventEntityCancelled
	}
	return ""
}

// EventDispatcher is implemented by events.Dispatcher
type EventDispatcher interface {
	Decode(data []byte, fallback models.EventType) (models.EntityEvent, error)
	Dispatch(ctx context.Context, evt models.EntityEvent) (events.Result, error)
}

// EntityConsumer feeds booking lifecycle events to the dispatcher
type EntityConsumer struct {
	BaseConsumer
	topics     Topics
	dispatcher EventDispatcher
}

// NewEntityConsumer creates a consumer group reader over the entity topics
func NewEntityConsumer(brokers []string, groupID string, topics Topics, dispatcher EventDispatcher, logger *zap.Logger) *EntityConsumer {
	base := NewBaseConsumer(ReaderSettings{Brokers: brokers, GroupID: groupID, Topics: topics.list()}, logger)
	return &EntityConsumer{
		BaseConsumer: *base,
		topics:       topics,
		dispatcher:   dispatcher,
	}
}

// StartConsuming blocks until ctx is cancelled or the reader is closed
func (c *EntityConsumer) StartConsuming(ctx context.Context) error {
	c.logger.Info("starting entity event consumer", zap.Strings("topics", c.topics.list()))
	c.ConsumeMessages(ctx, c.processEntityEvent)
	return nil
}

// processEntityEvent never asks for redelivery: scheduling failures are
// logged by the dispatcher and degrade to no reminder.
func (c *EntityConsumer) processEntityEvent(ctx context.Context, msg kafka.Message) error {
	evt, err := c.dispatcher.Decode(msg.Value, c.topics.typeOf(msg.Topic))
	if err != nil {
		return err
	}
	_, err = c.dispatcher.Dispatch(ctx, evt)
	return err
}
