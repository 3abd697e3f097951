package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/ideepx/proofengine/distributor/internal/config"
	"github.com/ideepx/proofengine/distributor/pkg/metrics"
	"github.com/ideepx/proofengine/distributor/pkg/runner"
	"github.com/ideepx/proofengine/distributor/pkg/schedule"
	"github.com/ideepx/proofengine/distributor/pkg/server"
	"github.com/ideepx/proofengine/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr = "0.0.0.0:0"
	defaultHTTPAddr    = "0.0.0.0:8080"
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
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics (or set METRICS_ADDR env var)")
	httpAddrFlag := flag.String("http-addr", defaultHTTPAddr, "address to listen on for the proof API (or set HTTP_ADDR env var)")
	networkFlag := flag.String("network-source", "", "where to read the network from: postgres, neo4j or memory (or set NETWORK_SOURCE env var)")
	dryRunFlag := flag.Bool("dry-run", false, "compute and check weeks without drafting, submitting or finalizing (or set DRY_RUN=true env var)")

	// One-shot commands
	runWeekFlag := flag.Uint64("run-week", 0, "generate, draft and submit the given week, then exit")
	submitWeekFlag := flag.Uint64("submit-week", 0, "submit the existing draft of the given week, then exit")
	finalizeWeekFlag := flag.Uint64("finalize-week", 0, "finalize the given submitted week, then exit")
	generateWeekFlag := flag.Uint64("generate-week", 0, "compute the given week and print its summary without storing it, then exit")

	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}

	cfg, err := config.LoadFromEnv(config.Flags{
		HTTPAddr:    *httpAddrFlag,
		MetricsAddr: *metricsAddrFlag,
		Network:     *networkFlag,
		Verbose:     *verboseFlag,
		DryRun:      *dryRunFlag,
	})
	if err != nil {
		return err
	}

	log := logger.New(cfg.Verbose)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 1.0,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(5 * time.Second)
		log.Info("sentry initialized", "environment", cfg.Environment)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	d, err := newDeps(ctx, log, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	switch {
	case *generateWeekFlag != 0:
		gen, err := d.runner.Generate(ctx, *generateWeekFlag)
		if err != nil {
			return err
		}
		s := gen.Snapshot.Summary
		log.Info("week generated",
			"week", gen.Week,
			"users", s.TotalUsers,
			"profits", s.TotalProfits,
			"commissions", s.TotalCommissions,
			"forfeited", s.TotalForfeited,
			"solvency_ratio_pct", gen.Solvency.RatioPct.StringFixed(2),
			"skipped_users", len(gen.Skipped),
		)
		return nil
	case *runWeekFlag != 0:
		return report(log, "run", func() (runner.Outcome, error) { return d.runner.RunWeek(ctx, *runWeekFlag) })
	case *submitWeekFlag != 0:
		return report(log, "submit", func() (runner.Outcome, error) { return d.runner.Submit(ctx, *submitWeekFlag) })
	case *finalizeWeekFlag != 0:
		return report(log, "finalize", func() (runner.Outcome, error) { return d.runner.Finalize(ctx, *finalizeWeekFlag) })
	}

	// Start metrics server
	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	sched, err := schedule.New(schedule.Config{
		Logger:       log,
		Calendar:     cfg.Calendar,
		Runner:       d.runner,
		RunWeekSpec:  cfg.RunWeekSpec,
		FinalizeSpec: cfg.FinalizeSpec,
	})
	if err != nil {
		return err
	}
	srv, err := server.New(server.Config{
		Logger:         log,
		Proofs:         d.publisher,
		Finalizer:      d.runner,
		Ready:          d.Ready,
		Version:        version,
		Commit:         commit,
		Date:           date,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	log.Info("distributor starting", "version", version, "network", cfg.Network, "dry_run", cfg.DryRun)

	if err := sched.Start(ctx); err != nil {
		return err
	}
	err = srv.ListenAndServe(ctx, cfg.HTTPAddr)
	cancel()
	sched.Stop()
	log.Info("distributor stopped")
	return err
}

func report(log *slog.Logger, action string, fn func() (runner.Outcome, error)) error {
	out, err := fn()
	if err != nil {
		return fmt.Errorf("%s week %d: %w", action, out.Week, err)
	}
	log.Info(action+" complete",
		"week", out.Week,
		"run_id", out.RunID,
		"state", out.Record.State,
		"content_hash", out.Record.ContentHash,
		"locator", out.Record.Locator,
		"skipped", out.Skipped,
		"dry_run", out.DryRun,
	)
	return nil
}
