package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"ms-reminders/internal/clock"
	"ms-reminders/internal/models"
)

// PostgresOptions tunes the PostgreSQL queue
type PostgresOptions struct {
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// Postgres stores reminder jobs in the reminder_jobs table. Dequeue leases
// rows with FOR UPDATE SKIP LOCKED so concurrent workers never share a job.
type Postgres struct {
	db     *sql.DB
	clock  clock.Clock
	opts   PostgresOptions
	logger *zap.Logger
}

func NewPostgres(db *sql.DB, c clock.Clock, opts PostgresOptions, logger *zap.Logger) *Postgres {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Postgres{db: db, clock: c, opts: opts, logger: logger}
}

const jobColumns = `job_id, entity_id, entity_kind, kind, fire_at, scheduled_date, scheduled_time, parties, payload`

// Enqueue inserts the job. A leftover row for the same (entity, kind) pair is
// replaced so the table never holds two pending jobs for one pair.
func (p *Postgres) Enqueue(ctx context.Context, job models.ReminderJob) error {
	parties, err := json.Marshal(job.Parties)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO reminder_jobs (` + jobColumns + `, status, lease_until, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'pending', NULL, 0)
		ON CONFLICT (entity_id, kind) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			entity_kind = EXCLUDED.entity_kind,
			fire_at = EXCLUDED.fire_at,
			scheduled_date = EXCLUDED.scheduled_date,
			scheduled_time = EXCLUDED.scheduled_time,
			parties = EXCLUDED.parties,
			payload = EXCLUDED.payload,
			status = 'pending',
			lease_until = NULL,
			attempts = 0,
			updated_at = NOW()
	`
	_, err = p.db.ExecContext(ctx, query,
		job.JobID, job.EntityID, string(job.EntityKind), string(job.Kind), job.FireAt.UTC(),
		job.ScheduledAt.Date, job.ScheduledAt.Time, parties, payload,
	)
	return Unavailable("enqueue reminder job", err)
}

func (p *Postgres) Cancel(ctx context.Context, ref models.JobRef) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM reminder_jobs WHERE job_id = $1`, ref.JobID)
	return Unavailable("cancel reminder job", err)
}

func (p *Postgres) Pending(ctx context.Context, entityID string) ([]models.ReminderJob, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM reminder_jobs WHERE entity_id = $1 ORDER BY fire_at`, entityID)
	if err != nil {
		return nil, Unavailable("list pending reminder jobs", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (p *Postgres) PendingAll(ctx context.Context) ([]models.ReminderJob, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM reminder_jobs ORDER BY fire_at`)
	if err != nil {
		return nil, Unavailable("list reminder jobs", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// Dequeue polls for a due job until one is leased or ctx is done
func (p *Postgres) Dequeue(ctx context.Context) (Lease, error) {
	for {
		lease, err := p.lease(ctx)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Warn("failed to lease reminder job", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.opts.PollInterval):
		}
	}
}

func (p *Postgres) lease(ctx context.Context) (*postgresLease, error) {
	now := p.clock.Now().UTC()
	// postgres keeps microseconds; the lease is matched by equality later
	leaseUntil := now.Add(p.opts.VisibilityTimeout).Truncate(time.Microsecond)

	query := `
		UPDATE reminder_jobs SET status = 'leased', lease_until = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE job_id = (
			SELECT job_id FROM reminder_jobs
			WHERE fire_at <= $1 AND (status = 'pending' OR (status = 'leased' AND lease_until < $1))
			ORDER BY fire_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns
	row := p.db.QueryRowContext(ctx, query, now, leaseUntil)

	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	return &postgresLease{queue: p, job: job, leaseUntil: leaseUntil}, nil
}

type postgresLease struct {
	queue      *Postgres
	job        models.ReminderJob
	leaseUntil time.Time
}

func (l *postgresLease) Job() models.ReminderJob { return l.job }

// Ack deletes the row only while this lease still owns it
func (l *postgresLease) Ack(ctx context.Context) error {
	_, err := l.queue.db.ExecContext(ctx,
		`DELETE FROM reminder_jobs WHERE job_id = $1 AND status = 'leased' AND lease_until = $2`,
		l.job.JobID, l.leaseUntil)
	return Unavailable("ack reminder job", err)
}

func (l *postgresLease) Release(ctx context.Context) error {
	_, err := l.queue.db.ExecContext(ctx,
		`UPDATE reminder_jobs SET status = 'pending', lease_until = NULL, updated_at = NOW()
		 WHERE job_id = $1 AND status = 'leased' AND lease_until = $2`,
		l.job.JobID, l.leaseUntil)
	return Unavailable("release reminder job", err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.ReminderJob, error) {
	var (
		job              models.ReminderJob
		entityKind, kind string
		parties, payload []byte
	)
	err := row.Scan(&job.JobID, &job.EntityID, &entityKind, &kind, &job.FireAt,
		&job.ScheduledAt.Date, &job.ScheduledAt.Time, &parties, &payload)
	if err != nil {
		return job, err
	}
	job.EntityKind = models.EntityKind(entityKind)
	job.Kind = models.ReminderKind(kind)
	job.FireAt = job.FireAt.UTC()
	if len(parties) > 0 {
		if err := json.Unmarshal(parties, &job.Parties); err != nil {
			return job, err
		}
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return job, err
		}
	}
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]models.ReminderJob, error) {
	var jobs []models.ReminderJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, Unavailable("scan reminder jobs", err)
	}
	return jobs, nil
}
