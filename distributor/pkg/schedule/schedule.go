// Package schedule runs the weekly distribution jobs on a cron schedule.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/ideepx/proofengine/distributor/pkg/metrics"
	"github.com/ideepx/proofengine/distributor/pkg/runner"
	"github.com/ideepx/proofengine/distributor/pkg/week"
)

const (
	JobRunWeek  = "run_week"
	JobFinalize = "finalize"

	// DefaultRunWeekSpec fires on Sunday 23:00 UTC, inside the week being closed.
	DefaultRunWeekSpec = "0 23 * * 0"
	// DefaultFinalizeSpec fires on Monday 01:00 UTC, just after the week ended.
	DefaultFinalizeSpec = "0 1 * * 1"
)

// Runner is the part of runner.Runner the scheduler drives.
type Runner interface {
	RunWeek(ctx context.Context, week uint64) (runner.Outcome, error)
	Finalize(ctx context.Context, week uint64) (runner.Outcome, error)
}

type Config struct {
	Logger       *slog.Logger
	Clock        clockwork.Clock
	Calendar     week.Calendar
	Runner       Runner
	RunWeekSpec  string
	FinalizeSpec string
	// JobTimeout bounds one job invocation.
	JobTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Runner == nil {
		return errors.New("runner is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Calendar.Epoch().IsZero() {
		cfg.Calendar = week.Default()
	}
	if cfg.RunWeekSpec == "" {
		cfg.RunWeekSpec = DefaultRunWeekSpec
	}
	if cfg.FinalizeSpec == "" {
		cfg.FinalizeSpec = DefaultFinalizeSpec
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Hour
	}
	return nil
}

type Scheduler struct {
	log  *slog.Logger
	cfg  Config
	cron *cron.Cron
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		log:  cfg.Logger,
		cfg:  cfg,
		cron: cron.New(cron.WithLocation(time.UTC)),
	}
	return s, nil
}

// Start registers the jobs and starts the cron loop. Jobs run until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.RunWeekSpec, func() { s.safeTick(ctx, JobRunWeek) }); err != nil {
		return fmt.Errorf("invalid run-week schedule %q: %w", s.cfg.RunWeekSpec, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.FinalizeSpec, func() { s.safeTick(ctx, JobFinalize) }); err != nil {
		return fmt.Errorf("invalid finalize schedule %q: %w", s.cfg.FinalizeSpec, err)
	}
	s.cron.Start()
	s.log.Info("schedule: started", "run_week", s.cfg.RunWeekSpec, "finalize", s.cfg.FinalizeSpec)
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop stops scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// TargetWeek returns the week a job acts on at t: the current week for the
// run job and the last completed week for finalize.
func (s *Scheduler) TargetWeek(job string, t time.Time) uint64 {
	if job == JobFinalize {
		return s.cfg.Calendar.Previous(t)
	}
	return s.cfg.Calendar.Number(t)
}

func (s *Scheduler) safeTick(ctx context.Context, job string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("schedule: job panicked", "job", job, "panic", r)
			metrics.SchedulerTickTotal.WithLabelValues(job, "panic").Inc()
		}
	}()
	if err := s.Tick(ctx, job); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("schedule: job failed", "job", job, "error", err)
	}
}

// Tick runs job once for the week it targets now.
func (s *Scheduler) Tick(ctx context.Context, job string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	target := s.TargetWeek(job, s.cfg.Clock.Now())
	if target == 0 {
		metrics.SchedulerTickTotal.WithLabelValues(job, "skipped").Inc()
		return nil
	}

	var (
		out runner.Outcome
		err error
	)
	switch job {
	case JobRunWeek:
		out, err = s.cfg.Runner.RunWeek(ctx, target)
	case JobFinalize:
		out, err = s.cfg.Runner.Finalize(ctx, target)
	default:
		return fmt.Errorf("unknown job %q", job)
	}

	status := "success"
	switch {
	case err != nil:
		status = "error"
	case out.Skipped:
		status = "skipped"
	}
	metrics.SchedulerTickTotal.WithLabelValues(job, status).Inc()
	if err != nil {
		return fmt.Errorf("%s for week %d: %w", job, target, err)
	}
	s.log.Info("schedule: job done", "job", job, "week", target, "skipped", out.Skipped, "dry_run", out.DryRun)
	return nil
}
