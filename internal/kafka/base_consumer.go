package kafka

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageReader is the part of *kafka.Reader the consumer loop needs
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// BaseConsumer provides the fetch, handle, commit loop shared by consumers
type BaseConsumer struct {
	Reader MessageReader
	logger *zap.Logger
	// retryDelay is the pause after a failed fetch
	retryDelay time.Duration
}

// ReaderSettings configures the consumer group reader
type ReaderSettings struct {
	Brokers []string
	GroupID string
	Topics  []string
}

// NewBaseConsumer creates a consumer group reader over every topic. It
// returns a consumer with a nil reader when brokers or topics are missing.
func NewBaseConsumer(settings ReaderSettings, logger *zap.Logger) *BaseConsumer {
	if len(settings.Brokers) == 0 || len(settings.Topics) == 0 {
		logger.Warn("empty Kafka brokers or topics provided, skipping consumer creation")
		return &BaseConsumer{logger: logger, retryDelay: time.Second}
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        settings.Brokers,
		GroupID:        settings.GroupID,
		GroupTopics:    settings.Topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})

	return &BaseConsumer{Reader: reader, logger: logger, retryDelay: time.Second}
}

// Close closes the Kafka reader
func (c *BaseConsumer) Close() error {
	if c.Reader == nil {
		return nil
	}
	return c.Reader.Close()
}

// ConsumeMessages fetches messages and passes them to handler, committing each
// one after it is handled. Handler errors are logged and the message is still
// committed so one bad event cannot block the partition.
func (c *BaseConsumer) ConsumeMessages(ctx context.Context, handler func(context.Context, kafka.Message) error) {
	if c.Reader == nil {
		c.logger.Warn("Kafka reader not configured, consumer not started")
		return
	}
	for {
		msg, err := c.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("context cancelled, stopping consumer")
				return
			}
			if errors.Is(err, io.EOF) {
				c.logger.Info("Kafka reader closed, stopping consumer")
				return
			}
			c.logger.Error("error reading from Kafka", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryDelay):
			}
			continue
		}

		c.logger.Debug("received Kafka message",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset))

		if err := handler(ctx, msg); err != nil {
			c.logger.Warn("error processing message",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}

		if err := c.Reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			c.logger.Error("failed to commit Kafka message",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}
