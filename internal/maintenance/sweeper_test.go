package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSweeper_RunsTasksOnSchedule(t *testing.T) {
	s := NewSweeper(zap.NewNop())
	var runs atomic.Int32
	require.NoError(t, s.Add(Task{
		Name:     "rebuild-index",
		Schedule: "@every 1s",
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start()
	defer s.Stop()
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, s.Next("rebuild-index").IsZero())
}

func TestSweeper_RejectsBadSchedule(t *testing.T) {
	s := NewSweeper(zap.NewNop())
	err := s.Add(Task{Name: "bad", Schedule: "every now and then", Run: func(context.Context) error { return nil }})
	assert.Error(t, err)
	assert.True(t, s.Next("bad").IsZero())
}

func TestSweeper_RunNowAppliesTimeout(t *testing.T) {
	s := NewSweeper(zap.NewNop())
	var got error
	s.RunNow(Task{
		Name:    "purge",
		Timeout: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			got = ctx.Err()
			return got
		},
	})
	assert.True(t, errors.Is(got, context.DeadlineExceeded))
}

func TestSweeper_StopCancelsRunningTasks(t *testing.T) {
	s := NewSweeper(zap.NewNop())
	started := make(chan struct{})
	var cancelled atomic.Bool
	require.NoError(t, s.Add(Task{
		Name:     "slow",
		Schedule: "@every 1s",
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			cancelled.Store(true)
			return ctx.Err()
		},
	}))
	s.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}
	s.Stop()
	assert.True(t, cancelled.Load())
}
