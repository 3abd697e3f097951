package neo4jtesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
)

type DBConfig struct {
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "neo4j:5-community"
	}
	return nil
}

// DB is a Neo4j test container. Community edition serves one database, so
// tests sharing it must clean up after themselves.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	boltURL   string
	container *tcneo4j.Neo4jContainer
}

func (db *DB) BoltURL() string  { return db.boltURL }
func (db *DB) Username() string { return "neo4j" }
func (db *DB) Password() string { return db.cfg.Password }

func (db *DB) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(ctx); err != nil {
		db.log.Error("failed to terminate Neo4j container", "error", err)
	}
}

func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	var container *tcneo4j.Neo4jContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcneo4j.Run(ctx, cfg.ContainerImage, tcneo4j.WithAdminPassword(cfg.Password))
		if err == nil {
			break
		}
		lastErr = err
		if !isRetryableContainerStartErr(err) || attempt == 3 {
			return nil, fmt.Errorf("failed to start Neo4j container after retries: %w", lastErr)
		}
		time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
	}

	boltURL, err := container.BoltUrl(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get Neo4j bolt url: %w", err)
	}
	return &DB{log: log, cfg: cfg, boltURL: boltURL, container: container}, nil
}

func isRetryableContainerStartErr(err error) bool {
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded")
}
