package reminder

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ms-reminders/internal/models"
)

// PostgresDeliveryGuard records delivered job ids in delivered_reminders
type PostgresDeliveryGuard struct {
	db *sql.DB
}

func NewPostgresDeliveryGuard(db *sql.DB) *PostgresDeliveryGuard {
	return &PostgresDeliveryGuard{db: db}
}

func (g *PostgresDeliveryGuard) Delivered(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM delivered_reminders WHERE job_id = $1)`
	if err := g.db.QueryRowContext(ctx, query, jobID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check delivery of %s: %w", jobID, err)
	}
	return exists, nil
}

func (g *PostgresDeliveryGuard) MarkDelivered(ctx context.Context, job models.ReminderJob) error {
	query := `
		INSERT INTO delivered_reminders (job_id, entity_id, kind)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO NOTHING
	`
	if _, err := g.db.ExecContext(ctx, query, job.JobID, job.EntityID, string(job.Kind)); err != nil {
		return fmt.Errorf("failed to record delivery of %s: %w", job.JobID, err)
	}
	return nil
}

// Purge deletes markers older than retention and returns how many went
func (g *PostgresDeliveryGuard) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC()
	res, err := g.db.ExecContext(ctx, `DELETE FROM delivered_reminders WHERE delivered_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge delivered reminders: %w", err)
	}
	return res.RowsAffected()
}
