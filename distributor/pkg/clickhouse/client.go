// Package clickhouse exports published weekly results to ClickHouse for
// analytics.
package clickhouse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ContextWithSyncInsert returns a context configured for synchronous inserts.
// Use this when you need to read data immediately after inserting.
func ContextWithSyncInsert(ctx context.Context) context.Context {
	return clickhouse.Context(ctx, clickhouse.WithSettings(clickhouse.Settings{
		"async_insert":                  0,
		"wait_for_async_insert":         1,
		"insert_deduplicate":            0,
		"select_sequential_consistency": 1,
	}))
}

type Config struct {
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
}

func (cfg *Config) Validate() error {
	if cfg.Addr == "" {
		return errors.New("addr is required")
	}
	if cfg.Database == "" {
		cfg.Database = "default"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	return nil
}

func (cfg Config) options() *clickhouse.Options {
	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
	}
	// ClickHouse Cloud serves TLS on 9440.
	if cfg.Secure {
		options.TLS = &tls.Config{}
	}
	return options
}

// Conn is the subset of the driver connection the exporter uses.
type Conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

// NewConn opens a connection and pings it.
func NewConn(ctx context.Context, log *slog.Logger, cfg Config) (driver.Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := clickhouse.Open(cfg.options())
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	log.Info("clickhouse: connected", "addr", cfg.Addr, "database", cfg.Database, "secure", cfg.Secure)
	return conn, nil
}
