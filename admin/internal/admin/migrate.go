package admin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ideepx/proofengine/distributor/pkg/clickhouse"
	"github.com/ideepx/proofengine/distributor/pkg/postgres"
)

type MigrateCommand string

const (
	MigrateUp     MigrateCommand = "up"
	MigrateDown   MigrateCommand = "down"
	MigrateStatus MigrateCommand = "status"
)

func ParseMigrateCommand(s string) (MigrateCommand, error) {
	switch c := MigrateCommand(s); c {
	case MigrateUp, MigrateDown, MigrateStatus:
		return c, nil
	default:
		return "", fmt.Errorf("migration command must be 'up', 'down' or 'status', got: %s", s)
	}
}

// PgMigrate runs cmd against the PostgreSQL schema.
func PgMigrate(ctx context.Context, log *slog.Logger, cfg postgres.Config, cmd MigrateCommand) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	connStr := cfg.ConnString()
	switch cmd {
	case MigrateUp:
		return postgres.Up(ctx, log, connStr)
	case MigrateDown:
		return postgres.Down(ctx, log, connStr)
	case MigrateStatus:
		return postgres.Status(ctx, log, connStr)
	}
	return fmt.Errorf("unknown migration command %q", cmd)
}

// ClickHouseMigrate runs cmd against the analytics schema.
func ClickHouseMigrate(ctx context.Context, log *slog.Logger, cfg clickhouse.Config, cmd MigrateCommand) error {
	switch cmd {
	case MigrateUp:
		return clickhouse.Up(ctx, log, cfg)
	case MigrateDown:
		return clickhouse.Down(ctx, log, cfg)
	case MigrateStatus:
		return clickhouse.Status(ctx, log, cfg)
	}
	return fmt.Errorf("unknown migration command %q", cmd)
}
