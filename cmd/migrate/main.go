package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"ms-reminders/internal/config"
	"ms-reminders/internal/logging"
	"ms-reminders/internal/migrations"
)

func main() {
	var command = flag.String("command", "up", "Migration command: up, status")
	flag.Parse()

	config.LoadEnv()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	logger, err := logging.New("info", "console")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	migrator := migrations.NewMigrator(db, migrations.Files(), logger)

	switch *command {
	case "up":
		logger.Info("running migrations")
		if err := migrator.RunMigrations(ctx); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		logger.Info("migrations completed successfully")

	case "status":
		applied, pending, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal("failed to get migration status", zap.Error(err))
		}
		for _, m := range applied {
			logger.Info("applied", zap.String("version", m.Version), zap.String("name", m.Name))
		}
		for _, m := range pending {
			logger.Info("pending", zap.String("version", m.Version), zap.String("name", m.Name))
		}
		logger.Info("migration status", zap.Int("applied", len(applied)), zap.Int("pending", len(pending)))

	default:
		logger.Error("unknown command, available commands: up, status", zap.String("command", *command))
		os.Exit(1)
	}
}
