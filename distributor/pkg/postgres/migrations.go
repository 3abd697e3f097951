package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"

	"github.com/ideepx/proofengine/distributor"
)

const migrationsDir = "db/postgres/migrations"

// slogGooseLogger adapts slog.Logger to goose.Logger interface
type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// goose keeps its dialect and filesystem in package state.
var gooseMu sync.Mutex

func withGoose(log *slog.Logger, connStr string, fn func(db *sql.DB) error) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(distributor.PostgresMigrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return fn(db)
}

// Up runs all pending migrations.
func Up(ctx context.Context, log *slog.Logger, connStr string) error {
	log.Info("running PostgreSQL migrations (up)")
	err := withGoose(log, connStr, func(db *sql.DB) error {
		return goose.UpContext(ctx, db, migrationsDir)
	})
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("PostgreSQL migrations completed successfully")
	return nil
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, log *slog.Logger, connStr string) error {
	log.Info("rolling back PostgreSQL migration (down)")
	err := withGoose(log, connStr, func(db *sql.DB) error {
		return goose.DownContext(ctx, db, migrationsDir)
	})
	if err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// Status logs the status of all migrations.
func Status(ctx context.Context, log *slog.Logger, connStr string) error {
	return withGoose(log, connStr, func(db *sql.DB) error {
		return goose.StatusContext(ctx, db, migrationsDir)
	})
}

// Version returns the current schema version.
func Version(ctx context.Context, log *slog.Logger, connStr string) (int64, error) {
	var version int64
	err := withGoose(log, connStr, func(db *sql.DB) error {
		v, err := goose.GetDBVersionContext(ctx, db)
		version = v
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get version: %w", err)
	}
	return version, nil
}
