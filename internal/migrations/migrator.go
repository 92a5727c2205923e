package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

//go:embed sql/*.sql
var embedded embed.FS

// Files returns the migrations compiled into the binary
func Files() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

type Migrator struct {
	DB     *sql.DB
	files  fs.FS
	logger *zap.Logger
}

type Migration struct {
	Version   string
	Name      string
	FilePath  string
	AppliedAt *time.Time
}

// NewMigrator reads *.sql files from files, usually Files()
func NewMigrator(db *sql.DB, files fs.FS, logger *zap.Logger) *Migrator {
	return &Migrator{DB: db, files: files, logger: logger}
}

// CreateMigrationsTable creates the migrations tracking table
func (m *Migrator) CreateMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS migrations (
			version VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP DEFAULT NOW()
		)
	`
	if _, err := m.DB.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// GetAppliedMigrations returns the applied migrations by version
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[string]Migration, error) {
	rows, err := m.DB.QueryContext(ctx, `SELECT version, name, applied_at FROM migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]Migration)
	for rows.Next() {
		var migration Migration
		if err := rows.Scan(&migration.Version, &migration.Name, &migration.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		applied[migration.Version] = migration
	}
	return applied, rows.Err()
}

// Available lists every migration file in version order
func (m *Migrator) Available() ([]Migration, error) {
	files, err := fs.Glob(m.files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read migration files: %w", err)
	}

	migrations := make([]Migration, 0, len(files))
	for _, file := range files {
		filename := path.Base(file)
		migrations = append(migrations, Migration{
			Version:  extractVersionFromFilename(filename),
			Name:     extractNameFromFilename(filename),
			FilePath: file,
		})
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// GetPendingMigrations returns migrations that need to be applied
func (m *Migrator) GetPendingMigrations(ctx context.Context) ([]Migration, error) {
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	available, err := m.Available()
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, migration := range available {
		if _, exists := applied[migration.Version]; !exists {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}

// RunMigrations applies all pending migrations, each in its own transaction
func (m *Migrator) RunMigrations(ctx context.Context) error {
	if err := m.CreateMigrationsTable(ctx); err != nil {
		return err
	}

	pending, err := m.GetPendingMigrations(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		m.logger.Info("no pending migrations to apply")
		return nil
	}

	m.logger.Info("applying migrations", zap.Int("count", len(pending)))
	for _, migration := range pending {
		if err := m.applyMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		m.logger.Info("applied migration",
			zap.String("version", migration.Version),
			zap.String("name", migration.Name))
	}
	return nil
}

func (m *Migrator) applyMigration(ctx context.Context, migration Migration) error {
	content, err := fs.ReadFile(m.files, migration.FilePath)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO migrations (version, name) VALUES ($1, $2)`,
		migration.Version, migration.Name,
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// extractVersionFromFilename extracts version from filename like "001_initial_schema.sql"
func extractVersionFromFilename(filename string) string {
	parts := strings.Split(filename, "_")
	if len(parts) > 0 {
		return parts[0]
	}
	return filename
}

// extractNameFromFilename extracts name from filename like "001_initial_schema.sql"
func extractNameFromFilename(filename string) string {
	name := strings.TrimSuffix(filename, ".sql")
	parts := strings.Split(name, "_")
	if len(parts) > 1 {
		return strings.Join(parts[1:], "_")
	}
	return name
}

// Status summarises applied and pending migrations
func (m *Migrator) Status(ctx context.Context) (applied []Migration, pending []Migration, err error) {
	if err := m.CreateMigrationsTable(ctx); err != nil {
		return nil, nil, err
	}
	byVersion, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, migration := range byVersion {
		applied = append(applied, migration)
	}
	sort.Slice(applied, func(i, j int) bool { return applied[i].Version < applied[j].Version })

	pending, err = m.GetPendingMigrations(ctx)
	return applied, pending, err
}
