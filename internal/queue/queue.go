// Package queue defines the delayed task queue used for reminder jobs and
// its in-memory, PostgreSQL and Redis backends.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ms-reminders/internal/models"
)

var (
	// ErrUnavailable marks transient backend failures worth retrying
	ErrUnavailable = errors.New("delayed queue unavailable")
	// ErrClosed is returned by Dequeue after the queue is shut down
	ErrClosed = errors.New("delayed queue closed")
)

// Queue is a durable, at-least-once store of reminder jobs. A leased job is
// delivered to at most one consumer at a time.
type Queue interface {
	// Enqueue stores a job to become due at job.FireAt
	Enqueue(ctx context.Context, job models.ReminderJob) error
	// Cancel removes a pending job. Unknown jobs are not an error.
	Cancel(ctx context.Context, ref models.JobRef) error
	// Pending lists the pending jobs of one entity
	Pending(ctx context.Context, entityID string) ([]models.ReminderJob, error)
	// Dequeue blocks until a job is due or ctx is done
	Dequeue(ctx context.Context) (Lease, error)
}

// Snapshotter lists every pending job; used to rebuild the correlation index
type Snapshotter interface {
	PendingAll(ctx context.Context) ([]models.ReminderJob, error)
}

// Lease is a dequeued job held by one consumer until it is acked or released
type Lease interface {
	Job() models.ReminderJob
	// Ack consumes the job terminally
	Ack(ctx context.Context) error
	// Release hands the job back for redelivery
	Release(ctx context.Context) error
}

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// EncodeJob is the persisted form shared by the remote backends
func EncodeJob(job models.ReminderJob) ([]byte, error) {
	job.FireAt = job.FireAt.UTC()
	return json.Marshal(job)
}

func DecodeJob(data []byte) (models.ReminderJob, error) {
	var job models.ReminderJob
	if err := json.Unmarshal(data, &job); err != nil {
		return job, fmt.Errorf("failed to decode reminder job: %w", err)
	}
	if job.JobID == "" || job.EntityID == "" || !job.Kind.Valid() {
		return job, fmt.Errorf("failed to decode reminder job: missing id, entity or kind")
	}
	return job, nil
}
