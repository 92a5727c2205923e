// Package maintenance runs periodic upkeep: correlation index reconciliation
// and delivered-marker purging.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Task is one periodic job
type Task struct {
	Name     string
	Schedule string // cron spec or descriptor such as "@every 10m"
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Sweeper runs tasks on cron schedules. Overlapping runs of one task are
// skipped.
type Sweeper struct {
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewSweeper(logger *zap.Logger) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers a task
func (s *Sweeper) Add(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(task.Schedule, func() { s.RunNow(task) })
	if err != nil {
		return fmt.Errorf("failed to add %s task: %w", task.Name, err)
	}
	s.entries[task.Name] = id
	s.logger.Info("added maintenance task", zap.String("task", task.Name), zap.String("schedule", task.Schedule))
	return nil
}

// RunNow executes task once, synchronously
func (s *Sweeper) RunNow(task Task) {
	ctx := s.ctx
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	start := time.Now()
	if err := task.Run(ctx); err != nil {
		s.logger.Error("maintenance task failed", zap.String("task", task.Name), zap.Error(err))
		return
	}
	s.logger.Debug("maintenance task finished",
		zap.String("task", task.Name),
		zap.Duration("took", time.Since(start)))
}

// Next reports when a task runs next; zero when unknown
func (s *Sweeper) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop cancels running tasks and waits for them to return
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("maintenance sweeper stopped")
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
