// Package postgres persists the network, reserve, proof records and balance
// deltas in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ideepx/proofengine/utils/pkg/dberror"
)

type Config struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
	MaxConns int32
	MinConns int32
}

func (cfg *Config) Validate() error {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	if cfg.Database == "" {
		return errors.New("database is required")
	}
	if cfg.Username == "" {
		return errors.New("username is required")
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	if cfg.MinConns == 0 {
		cfg.MinConns = 2
	}
	return nil
}

func (cfg Config) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     cfg.Host + ":" + cfg.Port,
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=" + url.QueryEscape(cfg.SSLMode),
	}
	return u.String()
}

// NewPool opens a pool and waits until the server answers.
func NewPool(ctx context.Context, log *slog.Logger, cfg Config) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewPoolFromConnString(ctx, log, cfg.ConnString(), cfg.MaxConns, cfg.MinConns)
}

func NewPoolFromConnString(ctx context.Context, log *slog.Logger, connStr string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	if minConns > 0 {
		poolConfig.MinConns = minConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	_, err = dberror.Retry(ctx, dberror.DefaultRetryConfig(), func() (struct{}, error) {
		return struct{}{}, pool.Ping(ctx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info("postgres: connected",
		"host", poolConfig.ConnConfig.Host,
		"database", poolConfig.ConnConfig.Database,
		"max_conns", poolConfig.MaxConns,
	)
	return pool, nil
}

func parseDecimal(column, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s %q: %w", column, s, err)
	}
	return d, nil
}
