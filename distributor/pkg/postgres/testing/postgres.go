package pgtesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

type DBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "test"
	}
	if cfg.Password == "" {
		cfg.Password = "test"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// DB is a PostgreSQL test container.
type DB struct {
	log       *slog.Logger
	connStr   string
	container *tcpostgres.PostgresContainer
}

func (db *DB) ConnStr() string {
	return db.connStr
}

func (db *DB) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(ctx); err != nil {
		db.log.Error("failed to terminate PostgreSQL container", "error", err)
	}
}

// NewDB starts a PostgreSQL container, retrying start-up flakes.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	var container *tcpostgres.PostgresContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcpostgres.Run(ctx,
			cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("pgx"),
		)
		if err == nil {
			break
		}
		lastErr = err
		if !isRetryableContainerStartErr(err) || attempt == 3 {
			return nil, fmt.Errorf("failed to start PostgreSQL container after retries: %w", lastErr)
		}
		time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get PostgreSQL connection string: %w", err)
	}
	return &DB{log: log, connStr: connStr, container: container}, nil
}

func isRetryableContainerStartErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded")
}
