package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ideepx/proofengine/distributor/pkg/proof"
	"github.com/ideepx/proofengine/distributor/pkg/snapshot"
)

const defaultBackfillMaxConcurrency = 4

type ProofLister interface {
	List(ctx context.Context, limit int) ([]proof.Record, error)
}

type WeekVerifier interface {
	VerifyWeek(ctx context.Context, week uint64) (*snapshot.Snapshot, proof.Record, error)
}

type Exporter interface {
	Export(ctx context.Context, s *snapshot.Snapshot, contentHash string) error
}

// BackfillExportsConfig holds the configuration for the export backfill.
type BackfillExportsConfig struct {
	Proofs   ProofLister
	Verifier WeekVerifier
	Exporter Exporter

	StartWeek      uint64 // 0 means the oldest stored week
	EndWeek        uint64 // 0 means the newest stored week
	Limit          int
	MaxConcurrency int
	DryRun         bool
	Out            io.Writer
}

type BackfillExportsResult struct {
	Exported int64
	Failed   int64
	Weeks    []uint64
}

// BackfillExports re-exports finalized weeks to ClickHouse. Each document is
// fetched from the content store and verified before it is exported, and
// export replaces earlier rows, so the backfill can be repeated.
func BackfillExports(ctx context.Context, log *slog.Logger, cfg BackfillExportsConfig) (BackfillExportsResult, error) {
	var res BackfillExportsResult
	if cfg.Proofs == nil || cfg.Verifier == nil || cfg.Exporter == nil {
		return res, errors.New("proofs, verifier and exporter are required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultBackfillMaxConcurrency
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}

	recs, err := cfg.Proofs.List(ctx, cfg.Limit)
	if err != nil {
		return res, fmt.Errorf("failed to list proofs: %w", err)
	}
	for _, rec := range recs {
		if !rec.Finalized() {
			continue
		}
		if cfg.StartWeek != 0 && rec.Week < cfg.StartWeek {
			continue
		}
		if cfg.EndWeek != 0 && rec.Week > cfg.EndWeek {
			continue
		}
		res.Weeks = append(res.Weeks, rec.Week)
	}

	fmt.Fprintf(cfg.Out, "Backfill Exports\n")
	fmt.Fprintf(cfg.Out, "  Finalized weeks: %d\n", len(res.Weeks))
	fmt.Fprintf(cfg.Out, "  Max concurrency: %d\n", cfg.MaxConcurrency)
	fmt.Fprintf(cfg.Out, "  Dry run:         %v\n\n", cfg.DryRun)

	if len(res.Weeks) == 0 {
		fmt.Fprintln(cfg.Out, "No finalized weeks to export.")
		return res, nil
	}
	if cfg.DryRun {
		fmt.Fprintf(cfg.Out, "[DRY RUN] Would export weeks %v\n", res.Weeks)
		return res, nil
	}

	var exported, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrency)
	for _, week := range res.Weeks {
		g.Go(func() error {
			s, rec, err := cfg.Verifier.VerifyWeek(gctx, week)
			if err == nil {
				err = cfg.Exporter.Export(gctx, s, rec.ContentHash)
			}
			if err != nil {
				// A week that fails verification must not stop the others.
				failed.Add(1)
				log.Error("admin: failed to export week", "week", week, "error", err)
				return nil
			}
			exported.Add(1)
			log.Info("admin: week exported", "week", week, "users", len(s.Users))
			return nil
		})
	}
	_ = g.Wait()

	res.Exported, res.Failed = exported.Load(), failed.Load()
	fmt.Fprintf(cfg.Out, "Exported %d week(s), %d failed\n", res.Exported, res.Failed)
	if res.Failed > 0 {
		return res, fmt.Errorf("%d week(s) failed to export", res.Failed)
	}
	return res, nil
}
