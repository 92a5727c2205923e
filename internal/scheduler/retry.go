package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"ms-reminders/internal/queue"
)

// RetryPolicy bounds how long a queue operation is retried
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// BreakerPolicy trips the breaker after consecutive queue outages
type BreakerPolicy struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// Guard runs queue operations with exponential backoff behind a circuit
// breaker. Only queue.ErrUnavailable is retried or counted by the breaker.
type Guard struct {
	policy  RetryPolicy
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *zap.Logger
}

func NewGuard(policy RetryPolicy, breaker BreakerPolicy, logger *zap.Logger) *Guard {
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = 200 * time.Millisecond
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = 5 * time.Second
	}
	if breaker.ConsecutiveFailures == 0 {
		breaker.ConsecutiveFailures = 5
	}
	if breaker.OpenTimeout <= 0 {
		breaker.OpenTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "reminder-queue",
		MaxRequests: 1,
		Timeout:     breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breaker.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, queue.ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Guard{policy: policy, breaker: cb, logger: logger}
}

// Do runs fn until it succeeds, fails permanently or the retries run out
func (g *Guard) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.policy.InitialInterval
	b.MaxInterval = g.policy.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, g.policy.MaxRetries), ctx)

	attempt := func() error {
		_, err := g.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, fn(ctx)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%s: %w: %w", op, queue.ErrUnavailable, err))
		case errors.Is(err, queue.ErrUnavailable):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	return backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		g.logger.Warn("retrying reminder queue operation",
			zap.String("operation", op),
			zap.Duration("backoff", wait),
			zap.Error(err))
	})
}

// State exposes the breaker state for health reporting
func (g *Guard) State() gobreaker.State {
	return g.breaker.State()
}
