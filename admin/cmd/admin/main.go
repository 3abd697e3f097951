package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mr-tron/base58"
	flag "github.com/spf13/pflag"

	"github.com/ideepx/proofengine/admin/internal/admin"
	"github.com/ideepx/proofengine/distributor/pkg/clickhouse"
	"github.com/ideepx/proofengine/distributor/pkg/contentstore"
	"github.com/ideepx/proofengine/distributor/pkg/ledger"
	"github.com/ideepx/proofengine/distributor/pkg/neo4j"
	"github.com/ideepx/proofengine/distributor/pkg/postgres"
	"github.com/ideepx/proofengine/distributor/pkg/proof"
	"github.com/ideepx/proofengine/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	envFileFlag := flag.String("env-file", ".env", "file to load environment variables from, if it exists")

	// PostgreSQL configuration
	pgHostFlag := flag.String("postgres-host", "localhost", "PostgreSQL host (or set POSTGRES_HOST env var)")
	pgPortFlag := flag.String("postgres-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	pgDatabaseFlag := flag.String("postgres-db", "", "PostgreSQL database (or set POSTGRES_DB env var)")
	pgUserFlag := flag.String("postgres-user", "", "PostgreSQL user (or set POSTGRES_USER env var)")
	pgPasswordFlag := flag.String("postgres-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	pgSSLModeFlag := flag.String("postgres-sslmode", "disable", "PostgreSQL sslmode (or set POSTGRES_SSLMODE env var)")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Neo4j configuration
	neo4jURIFlag := flag.String("neo4j-uri", "", "Neo4j bolt URI (or set NEO4J_URI env var)")
	neo4jDatabaseFlag := flag.String("neo4j-database", neo4j.DefaultDatabase, "Neo4j database (or set NEO4J_DATABASE env var)")
	neo4jUsernameFlag := flag.String("neo4j-username", "neo4j", "Neo4j username (or set NEO4J_USERNAME env var)")
	neo4jPasswordFlag := flag.String("neo4j-password", "", "Neo4j password (or set NEO4J_PASSWORD env var)")

	// Content store configuration (for export backfill)
	s3BucketFlag := flag.String("s3-bucket", "", "bucket holding published snapshots (or set S3_BUCKET env var)")
	s3PrefixFlag := flag.String("s3-prefix", "snapshots", "key prefix of published snapshots (or set S3_PREFIX env var)")
	s3EndpointFlag := flag.String("s3-endpoint", "", "S3-compatible endpoint (or set S3_ENDPOINT env var)")
	awsRegionFlag := flag.String("aws-region", "", "AWS region (or set AWS_REGION env var)")

	// Commands
	pgMigrateFlag := flag.String("pg-migrate", "", "run PostgreSQL migrations: up, down or status")
	clickhouseMigrateFlag := flag.String("clickhouse-migrate", "", "run ClickHouse migrations: up, down or status")
	resetAnalyticsFlag := flag.Bool("reset-analytics", false, "drop the exported weekly tables from ClickHouse")
	backfillExportsFlag := flag.Bool("backfill-exports", false, "re-export finalized weeks to ClickHouse")
	syncGraphFlag := flag.Bool("sync-graph", false, "copy users and performance from PostgreSQL to Neo4j")
	pendingDeltasFlag := flag.Bool("pending-deltas", false, "list balance deltas not yet applied")

	// Command options
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")
	startWeekFlag := flag.Uint64("start-week", 0, "first week for export backfill (0 = oldest)")
	endWeekFlag := flag.Uint64("end-week", 0, "last week for export backfill (0 = newest)")
	weeksFlag := flag.String("weeks", "", "comma separated weeks whose performance --sync-graph copies")
	limitFlag := flag.Int("limit", 1000, "maximum number of records to read")
	maxConcurrencyFlag := flag.Int("max-concurrency", 4, "maximum concurrent week exports during backfill")

	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	for flagPtr, env := range map[*string]string{
		pgHostFlag:             "POSTGRES_HOST",
		pgPortFlag:             "POSTGRES_PORT",
		pgDatabaseFlag:         "POSTGRES_DB",
		pgUserFlag:             "POSTGRES_USER",
		pgPasswordFlag:         "POSTGRES_PASSWORD",
		pgSSLModeFlag:          "POSTGRES_SSLMODE",
		clickhouseAddrFlag:     "CLICKHOUSE_ADDR_TCP",
		clickhouseDatabaseFlag: "CLICKHOUSE_DATABASE",
		clickhouseUsernameFlag: "CLICKHOUSE_USERNAME",
		clickhousePasswordFlag: "CLICKHOUSE_PASSWORD",
		neo4jURIFlag:           "NEO4J_URI",
		neo4jDatabaseFlag:      "NEO4J_DATABASE",
		neo4jUsernameFlag:      "NEO4J_USERNAME",
		neo4jPasswordFlag:      "NEO4J_PASSWORD",
		s3BucketFlag:           "S3_BUCKET",
		s3PrefixFlag:           "S3_PREFIX",
		s3EndpointFlag:         "S3_ENDPOINT",
		awsRegionFlag:          "AWS_REGION",
	} {
		if v := os.Getenv(env); v != "" {
			*flagPtr = v
		}
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}

	pgCfg := postgres.Config{
		Host:     *pgHostFlag,
		Port:     *pgPortFlag,
		Database: *pgDatabaseFlag,
		Username: *pgUserFlag,
		Password: *pgPasswordFlag,
		SSLMode:  *pgSSLModeFlag,
	}
	chCfg := clickhouse.Config{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Execute commands
	if *pgMigrateFlag != "" {
		cmd, err := admin.ParseMigrateCommand(*pgMigrateFlag)
		if err != nil {
			return err
		}
		return admin.PgMigrate(ctx, log, pgCfg, cmd)
	}

	if *clickhouseMigrateFlag != "" {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate")
		}
		cmd, err := admin.ParseMigrateCommand(*clickhouseMigrateFlag)
		if err != nil {
			return err
		}
		return admin.ClickHouseMigrate(ctx, log, chCfg, cmd)
	}

	if *resetAnalyticsFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --reset-analytics")
		}
		conn, err := clickhouse.NewConn(ctx, log, chCfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		return admin.ResetAnalytics(ctx, log, conn, chCfg.Database, admin.ResetAnalyticsConfig{
			DryRun:      *dryRunFlag,
			SkipConfirm: *yesFlag,
			In:          os.Stdin,
			Out:         os.Stdout,
		})
	}

	if *backfillExportsFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --backfill-exports")
		}
		if *s3BucketFlag == "" {
			return fmt.Errorf("--s3-bucket is required for --backfill-exports")
		}
		pool, err := postgres.NewPool(ctx, log, pgCfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		store, err := postgres.NewProofStore(log, pool)
		if err != nil {
			return err
		}
		s3Client, err := contentstore.NewS3Client(ctx, *awsRegionFlag, *s3EndpointFlag)
		if err != nil {
			return err
		}
		content, err := contentstore.NewS3Store(contentstore.S3Config{Logger: log, Client: s3Client, Bucket: *s3BucketFlag, Prefix: *s3PrefixFlag})
		if err != nil {
			return err
		}
		// Verification reads stored records and documents only, so the
		// publisher needs no real ledger or principal.
		auth, err := readOnlyAuthorizer()
		if err != nil {
			return err
		}
		pub, err := proof.NewPublisher(proof.PublisherConfig{
			Logger:     log,
			Store:      store,
			Content:    content,
			Ledger:     ledger.NewMemoryLedger(),
			Authorizer: auth,
		})
		if err != nil {
			return err
		}
		conn, err := clickhouse.NewConn(ctx, log, chCfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		exporter, err := clickhouse.NewExporter(clickhouse.ExporterConfig{Logger: log, Conn: conn})
		if err != nil {
			return err
		}
		_, err = admin.BackfillExports(ctx, log, admin.BackfillExportsConfig{
			Proofs:         store,
			Verifier:       pub,
			Exporter:       exporter,
			StartWeek:      *startWeekFlag,
			EndWeek:        *endWeekFlag,
			Limit:          *limitFlag,
			MaxConcurrency: *maxConcurrencyFlag,
			DryRun:         *dryRunFlag,
			Out:            os.Stdout,
		})
		return err
	}

	if *syncGraphFlag {
		if *neo4jURIFlag == "" {
			return fmt.Errorf("--neo4j-uri is required for --sync-graph")
		}
		weeks, err := parseWeeks(*weeksFlag)
		if err != nil {
			return err
		}
		pool, err := postgres.NewPool(ctx, log, pgCfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		source, err := postgres.NewNetworkSource(postgres.NetworkSourceConfig{Logger: log, Pool: pool})
		if err != nil {
			return err
		}
		neoCfg := neo4j.Config{URI: *neo4jURIFlag, Database: *neo4jDatabaseFlag, Username: *neo4jUsernameFlag, Password: *neo4jPasswordFlag}
		driver, err := neo4j.NewDriver(ctx, log, neoCfg)
		if err != nil {
			return err
		}
		defer driver.Close(context.WithoutCancel(ctx))
		if err := neo4j.InitializeSchema(ctx, driver, neoCfg.Database); err != nil {
			return err
		}
		graph, err := neo4j.NewNetworkSource(neo4j.NetworkSourceConfig{Logger: log, Driver: driver, Database: neoCfg.Database})
		if err != nil {
			return err
		}
		_, err = admin.SyncGraph(ctx, log, admin.SyncGraphConfig{
			Source: source,
			Graph:  graph,
			Weeks:  weeks,
			DryRun: *dryRunFlag,
			Out:    os.Stdout,
		})
		return err
	}

	if *pendingDeltasFlag {
		pool, err := postgres.NewPool(ctx, log, pgCfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		deltas, err := postgres.NewDeltaWriter(log, pool)
		if err != nil {
			return err
		}
		_, err = admin.ReportPendingDeltas(ctx, deltas, *limitFlag, os.Stdout)
		return err
	}

	flag.Usage()
	return nil
}

func parseWeeks(s string) ([]uint64, error) {
	var weeks []uint64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		w, err := strconv.ParseUint(part, 10, 64)
		if err != nil || w == 0 {
			return nil, fmt.Errorf("invalid week %q in --weeks", part)
		}
		weeks = append(weeks, w)
	}
	return weeks, nil
}

// readOnlyAuthorizer returns an authorizer whose principal is BACKEND_PUBLIC_KEY
// when set, and a throwaway key otherwise.
func readOnlyAuthorizer() (*proof.Authorizer, error) {
	principal := os.Getenv("BACKEND_PUBLIC_KEY")
	if principal == "" {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		principal = base58.Encode(pub)
	}
	return proof.NewAuthorizer(principal, nil, 0)
}
