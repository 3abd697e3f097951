package chtesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"
)

type DBConfig struct {
	Database       string
	Username       string
	Password       string
	Port           string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.Port == "" {
		cfg.Port = "9000"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	addr      string
	container *tcch.ClickHouseContainer
}

// Addr returns the native protocol address (host:port).
func (db *DB) Addr() string     { return db.addr }
func (db *DB) Username() string { return db.cfg.Username }
func (db *DB) Password() string { return db.cfg.Password }

func (db *DB) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(ctx); err != nil {
		db.log.Error("failed to terminate ClickHouse container", "error", err)
	}
}

// CreateDatabase creates a randomly named database that is dropped when the
// test ends.
func (db *DB) CreateDatabase(t *testing.T) string {
	t.Helper()
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{db.addr},
		Auth: clickhouse.Auth{Database: db.cfg.Database, Username: db.cfg.Username, Password: db.cfg.Password},
	})
	require.NoError(t, err)

	// The server may need a moment after start before it accepts queries.
	var pingErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if pingErr = conn.Ping(t.Context()); pingErr == nil {
			break
		}
		time.Sleep(time.Duration(attempt) * 500 * time.Millisecond)
	}
	require.NoError(t, pingErr)

	name := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	require.NoError(t, conn.Exec(t.Context(), fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", name)))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := conn.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", name)); err != nil {
			db.log.Error("failed to drop test database", "database", name, "error", err)
		}
		conn.Close()
	})
	return name
}

func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	var container *tcch.ClickHouseContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
		if err == nil {
			break
		}
		lastErr = err
		if !isRetryableContainerStartErr(err) || attempt == 3 {
			return nil, fmt.Errorf("failed to start ClickHouse container after retries: %w", lastErr)
		}
		time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container host: %w", err)
	}
	mappedPort, err := container.MappedPort(ctx, nat.Port(cfg.Port+"/tcp"))
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container mapped port: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		addr:      fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		container: container,
	}, nil
}

func isRetryableContainerStartErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded")
}
