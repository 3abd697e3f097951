package clickhouse

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/pressly/goose/v3"

	"github.com/ideepx/proofengine/distributor"
)

const migrationsDir = "db/clickhouse/migrations"

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

func withGoose(log *slog.Logger, cfg Config, fn func(db *sql.DB) error) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()

	db := clickhouse.OpenDB(cfg.options())
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(distributor.ClickHouseMigrationsFS)
	if err := goose.SetDialect("clickhouse"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return fn(db)
}

// Up runs all pending migrations.
func Up(ctx context.Context, log *slog.Logger, cfg Config) error {
	log.Info("running ClickHouse migrations (up)")
	err := withGoose(log, cfg, func(db *sql.DB) error {
		return goose.UpContext(ctx, db, migrationsDir)
	})
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("ClickHouse migrations completed successfully")
	return nil
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, log *slog.Logger, cfg Config) error {
	log.Info("rolling back ClickHouse migration (down)")
	err := withGoose(log, cfg, func(db *sql.DB) error {
		return goose.DownContext(ctx, db, migrationsDir)
	})
	if err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

func Status(ctx context.Context, log *slog.Logger, cfg Config) error {
	return withGoose(log, cfg, func(db *sql.DB) error {
		return goose.StatusContext(ctx, db, migrationsDir)
	})
}
