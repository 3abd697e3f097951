package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ideepx/proofengine/distributor/pkg/schedule"
	"github.com/ideepx/proofengine/distributor/pkg/week"
)

var envVars = []string{
	"HTTP_ADDR", "METRICS_ADDR", "VERBOSE", "DRY_RUN", "SENTRY_DSN", "ENVIRONMENT",
	"POSTGRES_DB", "POSTGRES_HOST", "POSTGRES_PORT", "POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_SSLMODE",
	"CLICKHOUSE_ADDR_TCP", "CLICKHOUSE_DATABASE", "CLICKHOUSE_USERNAME", "CLICKHOUSE_PASSWORD", "CLICKHOUSE_SECURE",
	"NEO4J_URI", "NEO4J_DATABASE", "NEO4J_USERNAME", "NEO4J_PASSWORD",
	"NETWORK_SOURCE", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"S3_BUCKET", "S3_PREFIX", "AWS_REGION", "S3_ENDPOINT",
	"SOLANA_RPC_URL", "SOLANA_PAYER_KEY", "SOLANA_RPS",
	"BACKEND_PRIVATE_KEY", "BACKEND_PUBLIC_KEY", "MAX_SIGNATURE_SKEW",
	"RULEBOOK_PATH", "RULEBOOK_HASH", "WEEK_EPOCH",
	"SOLVENCY_MIN_PCT", "SOLVENCY_WARN_PCT",
	"RUN_WEEK_SCHEDULE", "FINALIZE_SCHEDULE", "CORS_ALLOWED_ORIGINS",
}

func TestProofEngine_Config_LoadFromEnv(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		flags       Flags
		errContains string
		check       func(*testing.T, *Config)
	}{
		{
			name:  "defaults",
			flags: Flags{HTTPAddr: "0.0.0.0:8080", MetricsAddr: "0.0.0.0:0"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr)
				require.Equal(t, NetworkMemory, cfg.Network)
				require.Nil(t, cfg.Postgres)
				require.Nil(t, cfg.ClickHouse)
				require.Nil(t, cfg.Neo4j)
				require.Equal(t, "110", cfg.MinSolvencyPct.String())
				require.Equal(t, "130", cfg.WarnSolvencyPct.String())
				require.Equal(t, schedule.DefaultRunWeekSpec, cfg.RunWeekSpec)
				require.Equal(t, week.DefaultEpoch, cfg.Calendar.Epoch())
				require.Equal(t, 5*time.Minute, cfg.MaxSignatureSkew)
				require.Equal(t, "snapshots", cfg.S3Prefix)
			},
		},
		{
			name: "env overrides flags",
			env: map[string]string{
				"HTTP_ADDR":            "127.0.0.1:9000",
				"DRY_RUN":              "true",
				"CORS_ALLOWED_ORIGINS": "https://a.example, https://b.example,",
				"SOLVENCY_MIN_PCT":     "120.5",
				"SOLVENCY_WARN_PCT":    "150",
				"WEEK_EPOCH":           "2025-01-06",
				"REDIS_DB":             "3",
			},
			flags: Flags{HTTPAddr: "0.0.0.0:8080"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, "127.0.0.1:9000", cfg.HTTPAddr)
				require.True(t, cfg.DryRun)
				require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
				require.Equal(t, "120.5", cfg.MinSolvencyPct.String())
				require.Equal(t, time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), cfg.Calendar.Epoch())
				require.Equal(t, 3, cfg.RedisDB)
			},
		},
		{
			name: "postgres selects postgres network",
			env: map[string]string{
				"POSTGRES_DB":   "distributor",
				"POSTGRES_USER": "engine",
				"NEO4J_URI":     "bolt://localhost:7687",
			},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, NetworkPostgres, cfg.Network)
				require.NotNil(t, cfg.Postgres)
				require.Equal(t, "localhost", cfg.Postgres.Host)
				require.Equal(t, "5432", cfg.Postgres.Port)
				require.NotNil(t, cfg.Neo4j)
				require.Equal(t, "neo4j", cfg.Neo4j.Database)
			},
		},
		{
			name:  "neo4j network by flag",
			env:   map[string]string{"NEO4J_URI": "bolt://localhost:7687"},
			flags: Flags{Network: "neo4j"},
			check: func(t *testing.T, cfg *Config) {
				require.Equal(t, NetworkNeo4j, cfg.Network)
			},
		},
		{
			name:        "postgres network without postgres",
			env:         map[string]string{"NETWORK_SOURCE": "postgres"},
			errContains: "POSTGRES_DB is required",
		},
		{
			name:        "unknown network",
			flags:       Flags{Network: "mysql"},
			errContains: "network source must be",
		},
		{
			name:        "postgres without user",
			env:         map[string]string{"POSTGRES_DB": "distributor"},
			errContains: "username is required",
		},
		{
			name:        "solana without payer",
			env:         map[string]string{"SOLANA_RPC_URL": "https://api.devnet.solana.com"},
			errContains: "SOLANA_PAYER_KEY is required",
		},
		{
			name:        "epoch not monday",
			env:         map[string]string{"WEEK_EPOCH": "2025-01-07"},
			errContains: "epoch must be a Monday",
		},
		{
			name:        "bad decimal",
			env:         map[string]string{"SOLVENCY_MIN_PCT": "lots"},
			errContains: "invalid SOLVENCY_MIN_PCT",
		},
		{
			name:        "rulebook hash needs postgres",
			env:         map[string]string{"RULEBOOK_HASH": "abc"},
			errContains: "POSTGRES_DB is required to load RULEBOOK_HASH",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range envVars {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := LoadFromEnv(tt.flags)
			if tt.errContains != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}
