package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	neo4jdriver "github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ideepx/proofengine/distributor/internal/config"
	"github.com/ideepx/proofengine/distributor/pkg/clickhouse"
	"github.com/ideepx/proofengine/distributor/pkg/commission"
	"github.com/ideepx/proofengine/distributor/pkg/contentstore"
	"github.com/ideepx/proofengine/distributor/pkg/eligibility"
	"github.com/ideepx/proofengine/distributor/pkg/ledger"
	"github.com/ideepx/proofengine/distributor/pkg/lock"
	"github.com/ideepx/proofengine/distributor/pkg/neo4j"
	"github.com/ideepx/proofengine/distributor/pkg/network"
	"github.com/ideepx/proofengine/distributor/pkg/postgres"
	"github.com/ideepx/proofengine/distributor/pkg/proof"
	"github.com/ideepx/proofengine/distributor/pkg/rulebook"
	"github.com/ideepx/proofengine/distributor/pkg/runner"
	"github.com/ideepx/proofengine/distributor/pkg/snapshot"
	"github.com/ideepx/proofengine/distributor/pkg/solvency"
)

// deps holds the backend connections and the engine built on them.
type deps struct {
	log   *slog.Logger
	pool  *pgxpool.Pool
	redis *redis.Client
	ch    chdriver.Conn
	neo   neo4jdriver.DriverWithContext

	publisher *proof.Publisher
	runner    *runner.Runner
}

func newDeps(ctx context.Context, log *slog.Logger, cfg *config.Config) (d *deps, err error) {
	d = &deps{log: log}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()
	clock := clockwork.NewRealClock()

	if cfg.Postgres != nil {
		if d.pool, err = postgres.NewPool(ctx, log, *cfg.Postgres); err != nil {
			return nil, err
		}
	}
	if cfg.RedisAddr != "" {
		if d.redis, err = lock.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
			return nil, err
		}
	}
	if cfg.ClickHouse != nil {
		if d.ch, err = clickhouse.NewConn(ctx, log, *cfg.ClickHouse); err != nil {
			return nil, err
		}
	}
	if cfg.Neo4j != nil {
		if d.neo, err = neo4j.NewDriver(ctx, log, *cfg.Neo4j); err != nil {
			return nil, err
		}
	}

	rb, err := d.loadRulebook(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rb.MustVerify()
	log.Info("distributor: rulebook loaded", "version", rb.Version(), "content_hash", rb.ContentHash())

	var (
		source network.Source
		levels network.LevelWriter
	)
	switch cfg.Network {
	case config.NetworkPostgres:
		src, err := postgres.NewNetworkSource(postgres.NetworkSourceConfig{Logger: log, Pool: d.pool})
		if err != nil {
			return nil, err
		}
		source, levels = src, src
	case config.NetworkNeo4j:
		if err := neo4j.InitializeSchema(ctx, d.neo, cfg.Neo4j.Database); err != nil {
			return nil, err
		}
		src, err := neo4j.NewNetworkSource(neo4j.NetworkSourceConfig{Logger: log, Driver: d.neo, Database: cfg.Neo4j.Database})
		if err != nil {
			return nil, err
		}
		source, levels = src, src
	default:
		log.Warn("distributor: no network backend configured, using an empty in-memory network")
		src := network.NewMemorySource(nil, nil)
		source, levels = src, src
	}

	var reserve solvency.ReserveSource
	if d.pool != nil {
		if reserve, err = postgres.NewReserveSource(d.pool); err != nil {
			return nil, err
		}
	} else {
		log.Warn("distributor: no reserve backend configured, using zero balances")
		reserve = solvency.NewStaticSource(decimal.Zero, decimal.Zero)
	}

	var store proof.Store = proof.NewMemoryStore()
	if d.pool != nil {
		if store, err = postgres.NewProofStore(log, d.pool); err != nil {
			return nil, err
		}
	}

	content, err := d.contentStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	l, err := d.ledger(cfg)
	if err != nil {
		return nil, err
	}

	var locker lock.Locker = lock.NewMemoryLocker(clock)
	if d.redis != nil {
		if locker, err = lock.NewRedisLocker(lock.RedisLockerConfig{Logger: log, Client: d.redis}); err != nil {
			return nil, err
		}
	}

	signer, err := d.signer(cfg, clock)
	if err != nil {
		return nil, err
	}
	principal := cfg.PrincipalPublicKey
	if principal == "" {
		principal = signer.PublicKey()
	}
	auth, err := proof.NewAuthorizer(principal, clock, cfg.MaxSignatureSkew)
	if err != nil {
		return nil, err
	}

	if d.publisher, err = proof.NewPublisher(proof.PublisherConfig{
		Logger:     log,
		Store:      store,
		Content:    content,
		Ledger:     l,
		Authorizer: auth,
		Clock:      clock,
	}); err != nil {
		return nil, err
	}
	if _, err := d.publisher.RestoreLedger(ctx); err != nil {
		return nil, err
	}

	elig, err := eligibility.NewEngine(eligibility.EngineConfig{Logger: log, Rulebook: rb})
	if err != nil {
		return nil, err
	}
	calc, err := commission.NewCalculator(commission.CalculatorConfig{Logger: log, Rulebook: rb})
	if err != nil {
		return nil, err
	}
	assembler, err := snapshot.NewAssembler(snapshot.AssemblerConfig{Logger: log, Rulebook: rb, Calendar: cfg.Calendar})
	if err != nil {
		return nil, err
	}
	guard, err := solvency.NewGuard(solvency.GuardConfig{
		Logger:  log,
		Source:  reserve,
		MinPct:  cfg.MinSolvencyPct,
		WarnPct: cfg.WarnSolvencyPct,
	})
	if err != nil {
		return nil, err
	}

	rcfg := runner.Config{
		Logger:      log,
		Clock:       clock,
		Source:      source,
		Eligibility: elig,
		Calculator:  calc,
		Assembler:   assembler,
		Solvency:    guard,
		Publisher:   d.publisher,
		Signer:      signer,
		Locker:      locker,
		Levels:      levels,
		DryRun:      cfg.DryRun,
	}
	if d.pool != nil {
		if rcfg.Deltas, err = postgres.NewDeltaWriter(log, d.pool); err != nil {
			return nil, err
		}
	}
	if d.ch != nil {
		if rcfg.Exporter, err = clickhouse.NewExporter(clickhouse.ExporterConfig{Logger: log, Conn: d.ch, Clock: clock}); err != nil {
			return nil, err
		}
	}
	if d.runner, err = runner.New(rcfg); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *deps) loadRulebook(ctx context.Context, cfg *config.Config) (*rulebook.Rulebook, error) {
	var (
		rb  *rulebook.Rulebook
		err error
	)
	switch {
	case cfg.RulebookHash != "":
		return postgres.LoadRulebook(ctx, d.pool, cfg.RulebookHash)
	case cfg.RulebookPath != "":
		if rb, err = rulebook.Load(cfg.RulebookPath); err != nil {
			return nil, err
		}
	default:
		rb = rulebook.Default()
	}
	if d.pool != nil {
		if err := postgres.SaveRulebook(ctx, d.pool, rb); err != nil {
			return nil, err
		}
	}
	return rb, nil
}

func (d *deps) contentStore(ctx context.Context, cfg *config.Config) (contentstore.Store, error) {
	if cfg.S3Bucket == "" {
		d.log.Warn("distributor: no content bucket configured, snapshots are kept in memory")
		return contentstore.NewMemoryStore(), nil
	}
	client, err := contentstore.NewS3Client(ctx, cfg.S3Region, cfg.S3Endpoint)
	if err != nil {
		return nil, err
	}
	return contentstore.NewS3Store(contentstore.S3Config{
		Logger: d.log,
		Client: client,
		Bucket: cfg.S3Bucket,
		Prefix: cfg.S3Prefix,
	})
}

func (d *deps) ledger(cfg *config.Config) (ledger.Ledger, error) {
	if cfg.SolanaRPCURL == "" {
		d.log.Warn("distributor: no ledger configured, commitments are kept in memory")
		return ledger.NewMemoryLedger(), nil
	}
	payer, err := solana.PrivateKeyFromBase58(cfg.SolanaPayerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse solana payer key: %w", err)
	}
	return ledger.NewSolanaLedger(ledger.SolanaConfig{
		Logger:            d.log,
		RPC:               solanarpc.New(cfg.SolanaRPCURL),
		Payer:             payer,
		RequestsPerSecond: cfg.SolanaRPS,
	})
}

func (d *deps) signer(cfg *config.Config, clock clockwork.Clock) (*proof.Signer, error) {
	if cfg.SignerKey == "" {
		if cfg.PrincipalPublicKey != "" {
			return nil, errors.New("BACKEND_PRIVATE_KEY is required when BACKEND_PUBLIC_KEY is set")
		}
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		signer, err := proof.NewSigner(key, clock)
		if err != nil {
			return nil, err
		}
		d.log.Warn("distributor: no backend key configured, using an ephemeral principal", "public_key", signer.PublicKey())
		return signer, nil
	}
	key, err := proof.ParsePrivateKey(cfg.SignerKey)
	if err != nil {
		return nil, err
	}
	return proof.NewSigner(key, clock)
}

// Ready pings every configured backend.
func (d *deps) Ready(ctx context.Context) error {
	if d.pool != nil {
		if err := d.pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if d.redis != nil {
		if err := d.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	if d.ch != nil {
		if err := d.ch.Ping(ctx); err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
	}
	if d.neo != nil {
		if err := d.neo.VerifyConnectivity(ctx); err != nil {
			return fmt.Errorf("neo4j: %w", err)
		}
	}
	return nil
}

func (d *deps) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			d.log.Warn("distributor: failed to close redis", "error", err)
		}
	}
	if d.ch != nil {
		if err := d.ch.Close(); err != nil {
			d.log.Warn("distributor: failed to close clickhouse", "error", err)
		}
	}
	if d.neo != nil {
		if err := d.neo.Close(context.Background()); err != nil {
			d.log.Warn("distributor: failed to close neo4j", "error", err)
		}
	}
}
