package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"ms-reminders/internal/models"
)

// TypeReminder is the asynq task type carrying a reminder job
const TypeReminder = "reminder:fire"

var errReleased = errors.New("reminder job released for redelivery")

// AsynqOptions configures the Redis backed queue
type AsynqOptions struct {
	Queue       string
	Concurrency int
	MaxRetry    int
	RetryDelay  time.Duration
}

// Asynq keeps reminder jobs as scheduled asynq tasks in Redis. The task id is
// the job id, and the asynq server hands due tasks to Dequeue as leases.
type Asynq struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	server    *asynq.Server
	opts      AsynqOptions
	logger    *zap.Logger

	leases chan *asynqLease
}

func NewAsynq(redisURL string, opts AsynqOptions, logger *zap.Logger) (*Asynq, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if opts.Queue == "" {
		opts.Queue = "reminders"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxRetry <= 0 {
		opts.MaxRetry = 25
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}

	q := &Asynq{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		opts:      opts,
		logger:    logger,
		leases:    make(chan *asynqLease),
	}
	q.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    opts.Concurrency,
		Queues:         map[string]int{opts.Queue: 1},
		Logger:         logger.Sugar(),
		RetryDelayFunc: q.retryDelay,
		ErrorHandler:   asynq.ErrorHandlerFunc(q.handleError),
	})
	return q, nil
}

func (q *Asynq) retryDelay(n int, err error, t *asynq.Task) time.Duration {
	return q.opts.RetryDelay
}

// handleError runs after every failed attempt. Once asynq stops retrying the
// task is archived and the reminder will not fire.
func (q *Asynq) handleError(ctx context.Context, t *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		maxRetry = q.opts.MaxRetry
	}
	id, _ := asynq.GetTaskID(ctx)
	q.reportFailure(id, err, retried, maxRetry)
}

func (q *Asynq) reportFailure(taskID string, err error, retried, maxRetry int) {
	fields := []zap.Field{
		zap.String("task_id", taskID),
		zap.Int("retried", retried),
		zap.Int("max_retry", maxRetry),
		zap.Error(err),
	}
	if errors.Is(err, asynq.SkipRetry) || retried >= maxRetry {
		q.logger.Error("reminder task archived, it will not be delivered", fields...)
		return
	}
	q.logger.Warn("reminder task failed, retrying", append(fields, zap.Duration("retry_in", q.opts.RetryDelay))...)
}

// Start runs the asynq server that feeds Dequeue
func (q *Asynq) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeReminder, q.handle)
	return q.server.Start(mux)
}

func (q *Asynq) Close() error {
	q.server.Shutdown()
	if err := q.inspector.Close(); err != nil {
		q.logger.Warn("failed to close asynq inspector", zap.Error(err))
	}
	return q.client.Close()
}

func (q *Asynq) Enqueue(ctx context.Context, job models.ReminderJob) error {
	body, err := EncodeJob(job)
	if err != nil {
		return err
	}

	task := asynq.NewTask(TypeReminder, body)
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.TaskID(job.JobID),
		asynq.ProcessAt(job.FireAt),
		asynq.Queue(q.opts.Queue),
		asynq.MaxRetry(q.opts.MaxRetry),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return Unavailable("enqueue asynq task", err)
	}

	q.logger.Debug("enqueued reminder task",
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
		zap.Time("process_at", info.NextProcessAt))
	return nil
}

// Cancel deletes the task unless it is already running in a worker
func (q *Asynq) Cancel(ctx context.Context, ref models.JobRef) error {
	info, err := q.inspector.GetTaskInfo(q.opts.Queue, ref.JobID)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	if err != nil {
		return Unavailable("inspect asynq task", err)
	}
	if info.State == asynq.TaskStateActive {
		return nil
	}

	err = q.inspector.DeleteTask(q.opts.Queue, ref.JobID)
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return Unavailable("delete asynq task", err)
	}
	return nil
}

func (q *Asynq) Pending(ctx context.Context, entityID string) ([]models.ReminderJob, error) {
	all, err := q.PendingAll(ctx)
	if err != nil {
		return nil, err
	}
	var jobs []models.ReminderJob
	for _, job := range all {
		if job.EntityID == entityID {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// PendingAll pages through scheduled and retry tasks
func (q *Asynq) PendingAll(ctx context.Context) ([]models.ReminderJob, error) {
	const pageSize = 200
	listers := []func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error){
		q.inspector.ListScheduledTasks,
		q.inspector.ListRetryTasks,
		q.inspector.ListPendingTasks,
	}

	var jobs []models.ReminderJob
	for _, list := range listers {
		for page := 1; ; page++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			tasks, err := list(q.opts.Queue, asynq.PageSize(pageSize), asynq.Page(page))
			if errors.Is(err, asynq.ErrQueueNotFound) {
				break
			}
			if err != nil {
				return nil, Unavailable("list asynq tasks", err)
			}
			for _, t := range tasks {
				job, err := DecodeJob(t.Payload)
				if err != nil {
					q.logger.Warn("skipping undecodable reminder task", zap.String("task_id", t.ID), zap.Error(err))
					continue
				}
				jobs = append(jobs, job)
			}
			if len(tasks) < pageSize {
				break
			}
		}
	}
	return jobs, nil
}

func (q *Asynq) Dequeue(ctx context.Context) (Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l := <-q.leases:
		return l, nil
	}
}

// handle blocks the asynq worker until the lease is acked or released
func (q *Asynq) handle(ctx context.Context, t *asynq.Task) error {
	job, err := DecodeJob(t.Payload())
	if err != nil {
		q.logger.Error("dropping malformed reminder task", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	l := &asynqLease{job: job, done: make(chan error, 1)}
	select {
	case q.leases <- l:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-l.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type asynqLease struct {
	job  models.ReminderJob
	done chan error
}

func (l *asynqLease) Job() models.ReminderJob { return l.job }

func (l *asynqLease) Ack(ctx context.Context) error {
	l.finish(nil)
	return nil
}

func (l *asynqLease) Release(ctx context.Context) error {
	l.finish(errReleased)
	return nil
}

func (l *asynqLease) finish(err error) {
	select {
	case l.done <- err:
	default:
	}
}
