package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PostgresSink writes in-app notifications to the notifications table
type PostgresSink struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresSink bounds every insert by timeout so a slow database never
// stalls a firing worker for long
func NewPostgresSink(db *sql.DB, timeout time.Duration) *PostgresSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresSink{db: db, timeout: timeout}
}

func (s *PostgresSink) Insert(ctx context.Context, userID, title, message string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `INSERT INTO notifications (user_id, title, message) VALUES ($1, $2, $3)`
	if _, err := s.db.ExecContext(ctx, query, userID, title, message); err != nil {
		return fmt.Errorf("failed to insert notification for %s: %w", userID, err)
	}
	return nil
}

// LogSink records in-app notifications in the log. It stands in for the
// notifications table when no database is configured.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Insert(_ context.Context, userID, title, message string) error {
	s.Logger.Info("in-app notification",
		zap.String("user_id", userID),
		zap.String("title", title),
		zap.String("message", message))
	return nil
}
