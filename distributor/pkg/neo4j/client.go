// Package neo4j reads the sponsor forest from a graph of
// (:User)-[:SPONSORED_BY]->(:User) relationships.
package neo4j

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

const DefaultDatabase = "neo4j"

type Config struct {
	URI      string
	Database string
	Username string
	Password string
}

func (cfg *Config) Validate() error {
	if cfg.URI == "" {
		return errors.New("uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Username == "" {
		cfg.Username = "neo4j"
	}
	return nil
}

// NewDriver opens a driver and verifies connectivity.
func NewDriver(ctx context.Context, log *slog.Logger, cfg Config) (neo4j.DriverWithContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
	}
	log.Info("neo4j: connected", "uri", cfg.URI, "database", cfg.Database)
	return driver, nil
}

var schema = []string{
	"CREATE CONSTRAINT user_id IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE",
	"CREATE CONSTRAINT user_wallet IF NOT EXISTS FOR (u:User) REQUIRE u.wallet IS UNIQUE",
	"CREATE INDEX performance_week IF NOT EXISTS FOR (p:WeeklyPerformance) ON (p.week)",
}

// InitializeSchema creates the constraints and indexes the source relies on.
func InitializeSchema(ctx context.Context, driver neo4j.DriverWithContext, database string) error {
	session := driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: database, AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	for _, stmt := range schema {
		res, err := session.Run(ctx, stmt, nil)
		if err != nil {
			return fmt.Errorf("failed to apply %q: %w", stmt, err)
		}
		if _, err := res.Consume(ctx); err != nil {
			return fmt.Errorf("failed to apply %q: %w", stmt, err)
		}
	}
	return nil
}
