// Package solvency blocks publication when the reserve cannot cover the
// liabilities a week would create.
package solvency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/shopspring/decimal"

	"github.com/ideepx/proofengine/distributor/pkg/metrics"
)

var (
	ErrInsolvent = errors.New("solvency ratio below threshold")

	hundred = decimal.NewFromInt(100)
)

// Balances are the figures the guard compares.
type Balances struct {
	// Reserve is the amount available to pay out.
	Reserve decimal.Decimal
	// Liabilities is the sum of every user's internal balance before this week.
	Liabilities decimal.Decimal
}

type ReserveSource interface {
	Balances(ctx context.Context) (Balances, error)
}

// Report is the outcome of one check.
type Report struct {
	Week           uint64
	Reserve        decimal.Decimal
	Existing       decimal.Decimal
	NewCommitments decimal.Decimal
	Liabilities    decimal.Decimal
	// RatioPct is reserve / liabilities in percent. It is zero when Unbounded.
	RatioPct  decimal.Decimal
	Unbounded bool
	Warning   bool
}

type ViolationError struct {
	Report       Report
	ThresholdPct decimal.Decimal
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("week %d blocked for manual review: solvency ratio %s%% below %s%% (reserve %s, liabilities %s)",
		e.Report.Week, e.Report.RatioPct.StringFixed(2), e.ThresholdPct, e.Report.Reserve, e.Report.Liabilities)
}

func (e *ViolationError) Unwrap() error { return ErrInsolvent }

type GuardConfig struct {
	Logger  *slog.Logger
	Source  ReserveSource
	MinPct  decimal.Decimal
	WarnPct decimal.Decimal
}

func (cfg *GuardConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("reserve source is required")
	}
	if cfg.MinPct.IsZero() {
		cfg.MinPct = decimal.NewFromInt(110)
	}
	if cfg.WarnPct.IsZero() {
		cfg.WarnPct = decimal.NewFromInt(130)
	}
	if cfg.MinPct.IsNegative() {
		return errors.New("minimum ratio must not be negative")
	}
	if cfg.WarnPct.LessThan(cfg.MinPct) {
		return errors.New("warning ratio must not be below minimum ratio")
	}
	return nil
}

type Guard struct {
	log *slog.Logger
	cfg GuardConfig
}

func NewGuard(cfg GuardConfig) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Guard{log: cfg.Logger, cfg: cfg}, nil
}

// Check compares the reserve with the existing liabilities plus
// newCommitments. A ratio below the minimum returns a *ViolationError, which
// is never retried.
func (g *Guard) Check(ctx context.Context, week uint64, newCommitments decimal.Decimal) (Report, error) {
	bal, err := g.cfg.Source.Balances(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to load reserve balances: %w", err)
	}

	rep := Report{
		Week:           week,
		Reserve:        bal.Reserve,
		Existing:       bal.Liabilities,
		NewCommitments: newCommitments,
		Liabilities:    bal.Liabilities.Add(newCommitments),
	}
	if !rep.Liabilities.IsPositive() {
		rep.Unbounded = true
		g.log.Debug("solvency: no liabilities", "week", week, "reserve", rep.Reserve.String())
		return rep, nil
	}
	rep.RatioPct = rep.Reserve.Mul(hundred).Div(rep.Liabilities)
	ratio, _ := rep.RatioPct.Float64()
	metrics.SolvencyRatio.Set(ratio)

	if rep.RatioPct.LessThan(g.cfg.MinPct) {
		verr := &ViolationError{Report: rep, ThresholdPct: g.cfg.MinPct}
		g.log.Error("solvency: run blocked",
			"week", week,
			"ratio_pct", rep.RatioPct.StringFixed(2),
			"threshold_pct", g.cfg.MinPct.String(),
			"reserve", rep.Reserve.String(),
			"liabilities", rep.Liabilities.String(),
		)
		alert(ctx, verr)
		return rep, verr
	}
	if rep.RatioPct.LessThan(g.cfg.WarnPct) {
		rep.Warning = true
		g.log.Warn("solvency: ratio below warning level",
			"week", week,
			"ratio_pct", rep.RatioPct.StringFixed(2),
			"warning_pct", g.cfg.WarnPct.String(),
		)
		return rep, nil
	}
	g.log.Info("solvency: check passed", "week", week, "ratio_pct", rep.RatioPct.StringFixed(2))
	return rep, nil
}

func alert(ctx context.Context, err error) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "solvency")
		scope.SetLevel(sentry.LevelFatal)
		hub.CaptureException(err)
	})
}

// StaticSource returns fixed balances. It backs dry runs and tests.
type StaticSource struct {
	mu  sync.Mutex
	bal Balances
}

func NewStaticSource(reserve, liabilities decimal.Decimal) *StaticSource {
	return &StaticSource{bal: Balances{Reserve: reserve, Liabilities: liabilities}}
}

func (s *StaticSource) Balances(ctx context.Context) (Balances, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bal, nil
}

func (s *StaticSource) Set(bal Balances) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bal = bal
}
