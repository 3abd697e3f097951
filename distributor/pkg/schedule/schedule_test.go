package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ideepx/proofengine/distributor/pkg/runner"
	enginetesting "github.com/ideepx/proofengine/utils/pkg/testing"
)

type call struct {
	job  string
	week uint64
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []call
	err   error
	panic bool
}

func (f *fakeRunner) record(job string, week uint64) (runner.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("boom")
	}
	f.calls = append(f.calls, call{job, week})
	return runner.Outcome{Week: week}, f.err
}

func (f *fakeRunner) RunWeek(ctx context.Context, week uint64) (runner.Outcome, error) {
	return f.record(JobRunWeek, week)
}

func (f *fakeRunner) Finalize(ctx context.Context, week uint64) (runner.Outcome, error) {
	return f.record(JobFinalize, week)
}

func newScheduler(t *testing.T, at time.Time, r Runner) *Scheduler {
	t.Helper()
	s, err := New(Config{
		Logger: enginetesting.NewLogger(),
		Clock:  clockwork.NewFakeClockAt(at),
		Runner: r,
	})
	require.NoError(t, err)
	return s
}

func TestProofEngine_Schedule_New(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Runner: &fakeRunner{}})
	require.Error(t, err)
	_, err = New(Config{Logger: enginetesting.NewLogger()})
	require.Error(t, err)

	s, err := New(Config{Logger: enginetesting.NewLogger(), Runner: &fakeRunner{}, RunWeekSpec: "not a spec"})
	require.NoError(t, err)
	require.Error(t, s.Start(t.Context()))
}

func TestProofEngine_Schedule_TargetWeek(t *testing.T) {
	t.Parallel()

	s := newScheduler(t, time.Time{}, &fakeRunner{})

	// Week 42 of the default calendar is 2025-08-25 .. 2025-08-31.
	sunday := time.Date(2025, 8, 31, 23, 0, 0, 0, time.UTC)
	monday := time.Date(2025, 9, 1, 1, 0, 0, 0, time.UTC)
	require.Equal(t, uint64(42), s.TargetWeek(JobRunWeek, sunday))
	require.Equal(t, uint64(42), s.TargetWeek(JobFinalize, monday))
	require.Equal(t, uint64(0), s.TargetWeek(JobFinalize, time.Date(2024, 11, 12, 0, 0, 0, 0, time.UTC)))
}

func TestProofEngine_Schedule_Tick(t *testing.T) {
	t.Parallel()

	t.Run("run week on sunday", func(t *testing.T) {
		t.Parallel()
		r := &fakeRunner{}
		s := newScheduler(t, time.Date(2025, 8, 31, 23, 0, 0, 0, time.UTC), r)
		require.NoError(t, s.Tick(t.Context(), JobRunWeek))
		require.Equal(t, []call{{JobRunWeek, 42}}, r.calls)
	})

	t.Run("finalize on monday", func(t *testing.T) {
		t.Parallel()
		r := &fakeRunner{}
		s := newScheduler(t, time.Date(2025, 9, 1, 1, 0, 0, 0, time.UTC), r)
		require.NoError(t, s.Tick(t.Context(), JobFinalize))
		require.Equal(t, []call{{JobFinalize, 42}}, r.calls)
	})

	t.Run("nothing to finalize in first week", func(t *testing.T) {
		t.Parallel()
		r := &fakeRunner{}
		s := newScheduler(t, time.Date(2024, 11, 12, 1, 0, 0, 0, time.UTC), r)
		require.NoError(t, s.Tick(t.Context(), JobFinalize))
		require.Empty(t, r.calls)
	})

	t.Run("runner error", func(t *testing.T) {
		t.Parallel()
		r := &fakeRunner{err: errors.New("rpc down")}
		s := newScheduler(t, time.Date(2025, 8, 31, 23, 0, 0, 0, time.UTC), r)
		err := s.Tick(t.Context(), JobRunWeek)
		require.ErrorContains(t, err, "rpc down")
	})

	t.Run("unknown job", func(t *testing.T) {
		t.Parallel()
		s := newScheduler(t, time.Date(2025, 8, 31, 23, 0, 0, 0, time.UTC), &fakeRunner{})
		require.Error(t, s.Tick(t.Context(), "nope"))
	})

	t.Run("panic is recovered", func(t *testing.T) {
		t.Parallel()
		s := newScheduler(t, time.Date(2025, 8, 31, 23, 0, 0, 0, time.UTC), &fakeRunner{panic: true})
		require.NotPanics(t, func() { s.safeTick(t.Context(), JobRunWeek) })
	})
}
