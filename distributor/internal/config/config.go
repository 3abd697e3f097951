// Package config loads the distributor's configuration from flags and
// environment variables. Backends left unconfigured fall back to in-memory
// implementations.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ideepx/proofengine/distributor/pkg/clickhouse"
	"github.com/ideepx/proofengine/distributor/pkg/neo4j"
	"github.com/ideepx/proofengine/distributor/pkg/postgres"
	"github.com/ideepx/proofengine/distributor/pkg/schedule"
	"github.com/ideepx/proofengine/distributor/pkg/week"
)

// NetworkBackend selects where users and weekly performance are read from.
type NetworkBackend string

const (
	NetworkPostgres NetworkBackend = "postgres"
	NetworkNeo4j    NetworkBackend = "neo4j"
	NetworkMemory   NetworkBackend = "memory"
)

// Flags are the command line values that env vars may override.
type Flags struct {
	HTTPAddr    string
	MetricsAddr string
	Network     string
	Verbose     bool
	DryRun      bool
}

type Config struct {
	HTTPAddr    string
	MetricsAddr string
	Verbose     bool
	DryRun      bool

	SentryDSN   string
	Environment string

	// Nil when the backend is not configured.
	Postgres   *postgres.Config
	ClickHouse *clickhouse.Config
	Neo4j      *neo4j.Config

	Network NetworkBackend

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3Endpoint string

	SolanaRPCURL   string
	SolanaPayerKey string
	SolanaRPS      float64

	// SignerKey is the backend principal's base58 ed25519 private key.
	// PrincipalPublicKey defaults to the signer's public key.
	SignerKey          string
	PrincipalPublicKey string
	MaxSignatureSkew   time.Duration

	RulebookPath string
	RulebookHash string
	Calendar     week.Calendar

	MinSolvencyPct  decimal.Decimal
	WarnSolvencyPct decimal.Decimal

	RunWeekSpec  string
	FinalizeSpec string

	AllowedOrigins []string
}

// LoadFromEnv loads configuration from environment variables and flags.
func LoadFromEnv(flags Flags) (*Config, error) {
	cfg := &Config{
		HTTPAddr:    envOr("HTTP_ADDR", flags.HTTPAddr),
		MetricsAddr: envOr("METRICS_ADDR", flags.MetricsAddr),
		Verbose:     flags.Verbose || os.Getenv("VERBOSE") == "true",
		DryRun:      flags.DryRun || os.Getenv("DRY_RUN") == "true",

		SentryDSN:   os.Getenv("SENTRY_DSN"),
		Environment: envOr("ENVIRONMENT", "development"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		S3Bucket:   os.Getenv("S3_BUCKET"),
		S3Prefix:   envOr("S3_PREFIX", "snapshots"),
		S3Region:   os.Getenv("AWS_REGION"),
		S3Endpoint: os.Getenv("S3_ENDPOINT"),

		SolanaRPCURL:   os.Getenv("SOLANA_RPC_URL"),
		SolanaPayerKey: os.Getenv("SOLANA_PAYER_KEY"),

		SignerKey:          os.Getenv("BACKEND_PRIVATE_KEY"),
		PrincipalPublicKey: os.Getenv("BACKEND_PUBLIC_KEY"),

		RulebookPath: os.Getenv("RULEBOOK_PATH"),
		RulebookHash: os.Getenv("RULEBOOK_HASH"),

		RunWeekSpec:  envOr("RUN_WEEK_SCHEDULE", schedule.DefaultRunWeekSpec),
		FinalizeSpec: envOr("FINALIZE_SCHEDULE", schedule.DefaultFinalizeSpec),
	}

	var err error
	if cfg.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.SolanaRPS, err = envFloat("SOLANA_RPS", 5); err != nil {
		return nil, err
	}
	if cfg.MaxSignatureSkew, err = envDuration("MAX_SIGNATURE_SKEW", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.MinSolvencyPct, err = envDecimal("SOLVENCY_MIN_PCT", decimal.NewFromInt(110)); err != nil {
		return nil, err
	}
	if cfg.WarnSolvencyPct, err = envDecimal("SOLVENCY_WARN_PCT", decimal.NewFromInt(130)); err != nil {
		return nil, err
	}

	cfg.Calendar = week.Default()
	if s := os.Getenv("WEEK_EPOCH"); s != "" {
		epoch, err := time.Parse(time.DateOnly, s)
		if err != nil {
			return nil, fmt.Errorf("invalid WEEK_EPOCH (use YYYY-MM-DD): %w", err)
		}
		if cfg.Calendar, err = week.NewCalendar(epoch); err != nil {
			return nil, fmt.Errorf("invalid WEEK_EPOCH: %w", err)
		}
	}

	if s := os.Getenv("CORS_ALLOWED_ORIGINS"); s != "" {
		for _, origin := range strings.Split(s, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}

	if db := os.Getenv("POSTGRES_DB"); db != "" {
		cfg.Postgres = &postgres.Config{
			Host:     os.Getenv("POSTGRES_HOST"),
			Port:     os.Getenv("POSTGRES_PORT"),
			Database: db,
			Username: os.Getenv("POSTGRES_USER"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			SSLMode:  os.Getenv("POSTGRES_SSLMODE"),
		}
		if err := cfg.Postgres.Validate(); err != nil {
			return nil, fmt.Errorf("invalid postgres config: %w", err)
		}
	}

	if addr := os.Getenv("CLICKHOUSE_ADDR_TCP"); addr != "" {
		cfg.ClickHouse = &clickhouse.Config{
			Addr:     addr,
			Database: os.Getenv("CLICKHOUSE_DATABASE"),
			Username: os.Getenv("CLICKHOUSE_USERNAME"),
			Password: os.Getenv("CLICKHOUSE_PASSWORD"),
			Secure:   os.Getenv("CLICKHOUSE_SECURE") == "true",
		}
		if err := cfg.ClickHouse.Validate(); err != nil {
			return nil, fmt.Errorf("invalid clickhouse config: %w", err)
		}
	}

	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		cfg.Neo4j = &neo4j.Config{
			URI:      uri,
			Database: os.Getenv("NEO4J_DATABASE"),
			Username: os.Getenv("NEO4J_USERNAME"),
			Password: os.Getenv("NEO4J_PASSWORD"),
		}
		if err := cfg.Neo4j.Validate(); err != nil {
			return nil, fmt.Errorf("invalid neo4j config: %w", err)
		}
	}

	cfg.Network = NetworkBackend(envOr("NETWORK_SOURCE", flags.Network))
	if cfg.Network == "" {
		switch {
		case cfg.Postgres != nil:
			cfg.Network = NetworkPostgres
		case cfg.Neo4j != nil:
			cfg.Network = NetworkNeo4j
		default:
			cfg.Network = NetworkMemory
		}
	}
	switch cfg.Network {
	case NetworkPostgres:
		if cfg.Postgres == nil {
			return nil, fmt.Errorf("POSTGRES_DB is required for network source %q", cfg.Network)
		}
	case NetworkNeo4j:
		if cfg.Neo4j == nil {
			return nil, fmt.Errorf("NEO4J_URI is required for network source %q", cfg.Network)
		}
	case NetworkMemory:
	default:
		return nil, fmt.Errorf("network source must be 'postgres', 'neo4j' or 'memory', got: %s", cfg.Network)
	}

	if cfg.SolanaRPCURL != "" && cfg.SolanaPayerKey == "" {
		return nil, fmt.Errorf("SOLANA_PAYER_KEY is required when SOLANA_RPC_URL is set")
	}
	if cfg.RulebookPath != "" && cfg.RulebookHash != "" {
		return nil, fmt.Errorf("set only one of RULEBOOK_PATH and RULEBOOK_HASH")
	}
	if cfg.RulebookHash != "" && cfg.Postgres == nil {
		return nil, fmt.Errorf("POSTGRES_DB is required to load RULEBOOK_HASH")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func envDecimal(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
