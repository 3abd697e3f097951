// Package runner drives one week through generation, solvency, drafting,
// submission and finalization.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ideepx/proofengine/distributor/pkg/commission"
	"github.com/ideepx/proofengine/distributor/pkg/eligibility"
	"github.com/ideepx/proofengine/distributor/pkg/lock"
	"github.com/ideepx/proofengine/distributor/pkg/metrics"
	"github.com/ideepx/proofengine/distributor/pkg/network"
	"github.com/ideepx/proofengine/distributor/pkg/proof"
	"github.com/ideepx/proofengine/distributor/pkg/snapshot"
	"github.com/ideepx/proofengine/distributor/pkg/solvency"
)

const lockKey = "weekly-distribution"

// DeltaWriter records per-user balance changes of a finalized week.
type DeltaWriter interface {
	WriteDeltas(ctx context.Context, week uint64, deltas []snapshot.Delta) (int, error)
}

// Exporter copies a published snapshot to an analytics store.
type Exporter interface {
	Export(ctx context.Context, s *snapshot.Snapshot, contentHash string) error
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Source      network.Source
	Eligibility *eligibility.Engine
	Calculator  *commission.Calculator
	Assembler   *snapshot.Assembler
	Solvency    *solvency.Guard
	Publisher   *proof.Publisher
	Signer      *proof.Signer
	Locker      lock.Locker

	// Optional collaborators.
	Levels   network.LevelWriter
	Deltas   DeltaWriter
	Exporter Exporter

	LockTTL time.Duration
	DryRun  bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("network source is required")
	}
	if cfg.Eligibility == nil {
		return errors.New("eligibility engine is required")
	}
	if cfg.Calculator == nil {
		return errors.New("calculator is required")
	}
	if cfg.Assembler == nil {
		return errors.New("assembler is required")
	}
	if cfg.Solvency == nil {
		return errors.New("solvency guard is required")
	}
	if cfg.Publisher == nil {
		return errors.New("publisher is required")
	}
	if cfg.Signer == nil {
		return errors.New("signer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewMemoryLocker(cfg.Clock)
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Minute
	}
	return nil
}

type Runner struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{log: cfg.Logger, cfg: cfg}, nil
}

func (r *Runner) DryRun() bool { return r.cfg.DryRun }

// Generation is the computed, validated result for a week before anything
// is published.
type Generation struct {
	Week     uint64
	Snapshot *snapshot.Snapshot
	Solvency solvency.Report
	Skipped  []*commission.InputError
}

// Outcome describes what a run did.
type Outcome struct {
	RunID      string
	Week       uint64
	Record     proof.Record
	Generation *Generation
	// Skipped is set when the week had already reached the target state.
	Skipped bool
	DryRun  bool
}

func observe(stage string, start time.Time, status string) {
	metrics.RunTotal.WithLabelValues(stage, status).Inc()
	metrics.RunDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func status(err error, out Outcome) string {
	switch {
	case errors.Is(err, solvency.ErrInsolvent):
		return "blocked"
	case err != nil:
		return "error"
	case out.Skipped:
		return "skipped"
	case out.DryRun:
		return "dry_run"
	default:
		return "success"
	}
}

// withLock runs fn while holding the distribution lock. A lock held by
// another run is reported as a *proof.DuplicateWeekError for week.
func (r *Runner) withLock(ctx context.Context, week uint64, fn func(ctx context.Context) error) error {
	lease, err := r.cfg.Locker.Acquire(ctx, lockKey, r.cfg.LockTTL)
	if errors.Is(err, lock.ErrHeld) {
		return fmt.Errorf("failed to acquire distribution lock: %w: %w", &proof.DuplicateWeekError{Week: week, Running: true}, err)
	}
	if err != nil {
		return fmt.Errorf("failed to acquire distribution lock: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			r.log.Error("runner: failed to release distribution lock", "error", err)
		}
	}()
	return fn(ctx)
}

// Generate computes and validates the snapshot for week. Recomputed unlocked
// levels are persisted unless the runner is in dry-run mode.
func (r *Runner) Generate(ctx context.Context, week uint64) (gen *Generation, err error) {
	start := time.Now()
	defer func() {
		observe("generate", start, status(err, Outcome{DryRun: r.cfg.DryRun}))
	}()

	span := sentry.StartSpan(ctx, "distributor.generate", sentry.WithDescription(fmt.Sprintf("week %d", week)))
	defer span.Finish()
	ctx = span.Context()

	net, perf, err := network.Load(ctx, r.cfg.Source, week)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return nil, err
	}
	if err := net.DetectCycles(); err != nil {
		span.Status = sentry.SpanStatusInternalError
		return nil, err
	}

	elig, err := r.cfg.Eligibility.Evaluate(ctx, net, perf)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return nil, fmt.Errorf("failed to evaluate eligibility: %w", err)
	}
	if changes := elig.Changes(); len(changes) > 0 {
		if r.cfg.DryRun || r.cfg.Levels == nil {
			r.log.Info("runner: unlocked level changes not persisted", "week", week, "changes", len(changes), "dry_run", r.cfg.DryRun)
		} else if err := r.cfg.Levels.SaveUnlockedLevels(ctx, changes); err != nil {
			span.Status = sentry.SpanStatusInternalError
			return nil, fmt.Errorf("failed to save unlocked levels: %w", err)
		}
	}
	net = net.WithUnlockedLevels(elig.Levels())

	res, err := r.cfg.Calculator.CalculateWeek(ctx, net, perf)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return nil, err
	}

	s, err := r.cfg.Assembler.Assemble(res, elig, network.Population(net, perf))
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return nil, err
	}

	rep, err := r.cfg.Solvency.Check(ctx, week, s.Summary.TotalCommissions)
	if err != nil {
		span.Status = sentry.SpanStatusFailedPrecondition
		return nil, err
	}

	span.Status = sentry.SpanStatusOK
	r.log.Info("runner: week generated",
		"week", week,
		"users", s.Summary.TotalUsers,
		"entries", s.Summary.TotalEntries,
		"total_commissions", s.Summary.TotalCommissions.String(),
		"solvency_pct", rep.RatioPct.StringFixed(2),
		"skipped", len(res.Skipped),
	)
	return &Generation{Week: week, Snapshot: s, Solvency: rep, Skipped: res.Skipped}, nil
}

// RunWeek generates, drafts and submits week. A week that is already
// submitted or finalized is skipped. An unclaimed draft left by an earlier
// run is regenerated and submitted.
func (r *Runner) RunWeek(ctx context.Context, week uint64) (out Outcome, err error) {
	start := time.Now()
	out = Outcome{RunID: uuid.NewString(), Week: week, DryRun: r.cfg.DryRun}
	defer func() { observe("run_week", start, status(err, out)) }()

	log := r.log.With("week", week, "run_id", out.RunID)
	err = r.withLock(ctx, week, func(ctx context.Context) error {
		if rec, err := r.cfg.Publisher.Get(ctx, week); err == nil && rec.State >= proof.StateSubmitted {
			log.Info("runner: week already published, skipping", "state", rec.State)
			out.Record = rec
			out.Skipped = true
			return nil
		} else if err != nil && !errors.Is(err, proof.ErrNotFound) {
			return fmt.Errorf("failed to read proof record: %w", err)
		}

		gen, err := r.Generate(ctx, week)
		if err != nil {
			return err
		}
		out.Generation = gen
		if r.cfg.DryRun {
			log.Info("runner: dry run, nothing published", "total_commissions", gen.Snapshot.Summary.TotalCommissions.String())
			return nil
		}

		if _, err := r.cfg.Publisher.Draft(ctx, gen.Snapshot, out.RunID); err != nil {
			return fmt.Errorf("failed to draft week %d: %w", week, err)
		}
		rec, err := r.cfg.Publisher.Submit(ctx, r.cfg.Signer.Sign(proof.ActionSubmit, week), week)
		if err != nil {
			return fmt.Errorf("failed to submit week %d: %w", week, err)
		}
		out.Record = rec
		return nil
	})
	if err != nil {
		log.Error("runner: run failed", "error", err)
		if errors.Is(err, proof.ErrReconciliation) {
			sentry.CaptureException(err)
		}
	}
	return out, err
}

// Submit submits an existing draft without regenerating it.
func (r *Runner) Submit(ctx context.Context, week uint64) (out Outcome, err error) {
	start := time.Now()
	out = Outcome{RunID: uuid.NewString(), Week: week, DryRun: r.cfg.DryRun}
	defer func() { observe("submit", start, status(err, out)) }()

	err = r.withLock(ctx, week, func(ctx context.Context) error {
		rec, err := r.cfg.Publisher.Get(ctx, week)
		if err != nil {
			return err
		}
		if rec.State >= proof.StateSubmitted {
			out.Record = rec
			out.Skipped = true
			return nil
		}
		if r.cfg.DryRun {
			out.Record = rec
			return nil
		}
		out.Record, err = r.cfg.Publisher.Submit(ctx, r.cfg.Signer.Sign(proof.ActionSubmit, week), week)
		return err
	})
	if err != nil {
		r.log.Error("runner: submit failed", "week", week, "error", err)
	}
	return out, err
}

// Finalize finalizes a submitted week, then writes its balance deltas and
// exports it. Deltas and export are idempotent and are retried on a later
// call for a week that is already finalized.
func (r *Runner) Finalize(ctx context.Context, week uint64) (Outcome, error) {
	return r.finalize(ctx, week, nil)
}

// FinalizeSigned finalizes week with a request signed outside the engine.
// Unlike Finalize, a week that is already finalized is reported as a
// duplicate.
func (r *Runner) FinalizeSigned(ctx context.Context, req proof.SignedRequest, week uint64) (Outcome, error) {
	return r.finalize(ctx, week, &req)
}

func (r *Runner) finalize(ctx context.Context, week uint64, req *proof.SignedRequest) (out Outcome, err error) {
	start := time.Now()
	out = Outcome{RunID: uuid.NewString(), Week: week, DryRun: r.cfg.DryRun}
	defer func() { observe("finalize", start, status(err, out)) }()

	span := sentry.StartSpan(ctx, "distributor.finalize", sentry.WithDescription(fmt.Sprintf("week %d", week)))
	defer span.Finish()
	ctx = span.Context()

	log := r.log.With("week", week, "run_id", out.RunID)
	err = r.withLock(ctx, week, func(ctx context.Context) error {
		rec, err := r.cfg.Publisher.Get(ctx, week)
		if err != nil {
			return err
		}
		switch {
		case rec.State == proof.StateFinalized && req == nil:
			out.Skipped = true
		case rec.State == proof.StateSubmitted && r.cfg.DryRun:
			out.Record = rec
			log.Info("runner: dry run, week not finalized")
			return nil
		case rec.State == proof.StateSubmitted || req != nil:
			signed := req
			if signed == nil {
				s := r.cfg.Signer.Sign(proof.ActionFinalize, week)
				signed = &s
			}
			if rec, err = r.cfg.Publisher.Finalize(ctx, *signed, week); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: week %d is %s", proof.ErrInvalidTransition, week, rec.State)
		}
		out.Record = rec
		if r.cfg.DryRun {
			return nil
		}
		return r.afterFinalize(ctx, week)
	})
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		log.Error("runner: finalize failed", "error", err)
		if errors.Is(err, proof.ErrReconciliation) {
			sentry.CaptureException(err)
		}
		return out, err
	}
	span.Status = sentry.SpanStatusOK
	return out, nil
}

func (r *Runner) afterFinalize(ctx context.Context, week uint64) error {
	if r.cfg.Deltas == nil && r.cfg.Exporter == nil {
		return nil
	}
	s, rec, err := r.cfg.Publisher.VerifyWeek(ctx, week)
	if err != nil {
		return fmt.Errorf("failed to load finalized snapshot: %w", err)
	}
	if r.cfg.Deltas != nil {
		n, err := r.cfg.Deltas.WriteDeltas(ctx, week, s.Deltas())
		if err != nil {
			return fmt.Errorf("failed to write balance deltas: %w", err)
		}
		r.log.Info("runner: balance deltas recorded", "week", week, "written", n)
	}
	if r.cfg.Exporter != nil {
		// Best effort. A failed export is repeated by the admin backfill.
		if err := r.cfg.Exporter.Export(ctx, s, rec.ContentHash); err != nil {
			r.log.Warn("runner: analytics export failed", "week", week, "error", err)
		}
	}
	return nil
}
