package runner

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ideepx/proofengine/distributor/pkg/commission"
	"github.com/ideepx/proofengine/distributor/pkg/contentstore"
	"github.com/ideepx/proofengine/distributor/pkg/eligibility"
	"github.com/ideepx/proofengine/distributor/pkg/ledger"
	"github.com/ideepx/proofengine/distributor/pkg/lock"
	"github.com/ideepx/proofengine/distributor/pkg/network"
	"github.com/ideepx/proofengine/distributor/pkg/proof"
	"github.com/ideepx/proofengine/distributor/pkg/rulebook"
	"github.com/ideepx/proofengine/distributor/pkg/snapshot"
	"github.com/ideepx/proofengine/distributor/pkg/solvency"
	enginetesting "github.com/ideepx/proofengine/utils/pkg/testing"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeDeltas struct {
	mu      sync.Mutex
	calls   int
	written map[network.UserID]decimal.Decimal
}

func (f *fakeDeltas) WriteDeltas(ctx context.Context, week uint64, deltas []snapshot.Delta) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.written == nil {
		f.written = make(map[network.UserID]decimal.Decimal)
	}
	n := 0
	for _, dl := range deltas {
		if _, ok := f.written[dl.UserID]; !ok {
			f.written[dl.UserID] = dl.Amount
			n++
		}
	}
	return n, nil
}

type fakeExporter struct {
	mu     sync.Mutex
	hashes []string
	err    error
}

func (f *fakeExporter) Export(ctx context.Context, s *snapshot.Snapshot, contentHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes = append(f.hashes, contentHash)
	return f.err
}

type fixture struct {
	runner   *Runner
	source   *network.MemorySource
	reserve  *solvency.StaticSource
	ledger   *ledger.MemoryLedger
	content  *contentstore.MemoryStore
	store    *proof.MemoryStore
	deltas   *fakeDeltas
	exporter *fakeExporter
	locker   *lock.MemoryLocker
}

// newFixture wires 1 <- {2, 3}. Both directs are active and bring 1100 of
// volume, which unlocks the basic tier for user 1.
func newFixture(t *testing.T, dryRun bool) *fixture {
	t.Helper()
	log := enginetesting.NewLogger()
	rb := rulebook.Default()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 9, 1, 1, 0, 0, 0, time.UTC))

	f := &fixture{
		source: network.NewMemorySource([]network.User{
			{ID: 1, Wallet: "w1", Active: true},
			{ID: 2, Wallet: "w2", SponsorID: 1, Active: true},
			{ID: 3, Wallet: "w3", SponsorID: 1, Active: true},
		}, []network.Performance{
			{UserID: 2, Week: 42, NetProfit: d("1000"), Volume: d("600")},
			{UserID: 3, Week: 42, NetProfit: d("400"), Volume: d("500")},
		}),
		reserve:  solvency.NewStaticSource(d("10000"), d("1000")),
		ledger:   ledger.NewMemoryLedger(),
		content:  contentstore.NewMemoryStore(),
		store:    proof.NewMemoryStore(),
		deltas:   &fakeDeltas{},
		exporter: &fakeExporter{},
		locker:   lock.NewMemoryLocker(clock),
	}

	engine, err := eligibility.NewEngine(eligibility.EngineConfig{Logger: log, Rulebook: rb})
	require.NoError(t, err)
	calc, err := commission.NewCalculator(commission.CalculatorConfig{Logger: log, Rulebook: rb})
	require.NoError(t, err)
	asm, err := snapshot.NewAssembler(snapshot.AssemblerConfig{Logger: log, Rulebook: rb})
	require.NoError(t, err)
	guard, err := solvency.NewGuard(solvency.GuardConfig{Logger: log, Source: f.reserve})
	require.NoError(t, err)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := proof.NewSigner(priv, clock)
	require.NoError(t, err)
	auth, err := proof.NewAuthorizer(signer.PublicKey(), clock, time.Minute)
	require.NoError(t, err)
	pub, err := proof.NewPublisher(proof.PublisherConfig{
		Logger:     log,
		Store:      f.store,
		Content:    f.content,
		Ledger:     f.ledger,
		Authorizer: auth,
		Clock:      clock,
	})
	require.NoError(t, err)

	f.runner, err = New(Config{
		Logger:      log,
		Clock:       clock,
		Source:      f.source,
		Levels:      f.source,
		Eligibility: engine,
		Calculator:  calc,
		Assembler:   asm,
		Solvency:    guard,
		Publisher:   pub,
		Signer:      signer,
		Locker:      f.locker,
		Deltas:      f.deltas,
		Exporter:    f.exporter,
		DryRun:      dryRun,
	})
	require.NoError(t, err)
	return f
}

func unlockedLevel(t *testing.T, src *network.MemorySource, id network.UserID) int {
	t.Helper()
	users, err := src.LoadUsers(context.Background())
	require.NoError(t, err)
	for _, u := range users {
		if u.ID == id {
			return u.UnlockedLevel
		}
	}
	t.Fatalf("user %d not found", id)
	return 0
}

func TestProofEngine_Runner_New(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{Logger: enginetesting.NewLogger()})
	require.Error(t, err)
}

func TestProofEngine_Runner_Generate(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	gen, err := f.runner.Generate(t.Context(), 42)
	require.NoError(t, err)

	s := gen.Snapshot
	require.Equal(t, uint64(42), s.WeekNumber)
	// 1000 * 0.65 * 0.25 * 0.08 + 400 * 0.65 * 0.25 * 0.08
	require.True(t, s.Summary.TotalCommissions.Equal(d("18.2")), s.Summary.TotalCommissions.String())
	require.False(t, gen.Solvency.Unbounded)
	require.Empty(t, gen.Skipped)
	require.Equal(t, 5, unlockedLevel(t, f.source, 1))
	require.NoError(t, snapshot.Validate(s))
}

func TestProofEngine_Runner_RunWeekAndFinalize(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	ctx := t.Context()

	out, err := f.runner.RunWeek(ctx, 42)
	require.NoError(t, err)
	require.False(t, out.Skipped)
	require.NotEmpty(t, out.RunID)
	require.Equal(t, proof.StateSubmitted, out.Record.State)
	require.Equal(t, 1, f.content.Len())
	c, ok := f.ledger.Commitment(42)
	require.True(t, ok)
	require.Equal(t, out.Record.ContentHash, c.ContentHash)

	again, err := f.runner.RunWeek(ctx, 42)
	require.NoError(t, err)
	require.True(t, again.Skipped)
	require.Len(t, f.ledger.Memos(), 1)

	fin, err := f.runner.Finalize(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, proof.StateFinalized, fin.Record.State)
	require.Len(t, f.ledger.Memos(), 2)
	require.Equal(t, 1, f.deltas.calls)
	require.Len(t, f.deltas.written, 3)
	require.True(t, f.deltas.written[2].Equal(d("631")))
	require.Equal(t, []string{out.Record.ContentHash}, f.exporter.hashes)

	// A repeated finalize only replays the idempotent follow-ups.
	fin, err = f.runner.Finalize(ctx, 42)
	require.NoError(t, err)
	require.True(t, fin.Skipped)
	require.Len(t, f.ledger.Memos(), 2)
	require.Equal(t, 2, f.deltas.calls)
	require.Len(t, f.deltas.written, 3)
}

func TestProofEngine_Runner_DryRun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	ctx := t.Context()

	out, err := f.runner.RunWeek(ctx, 42)
	require.NoError(t, err)
	require.True(t, out.DryRun)
	require.NotNil(t, out.Generation)
	require.Zero(t, f.content.Len())
	require.Empty(t, f.ledger.Memos())
	require.Equal(t, 0, unlockedLevel(t, f.source, 1))

	_, err = f.store.Get(ctx, 42)
	require.ErrorIs(t, err, proof.ErrNotFound)
}

func TestProofEngine_Runner_SolvencyBlocks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.reserve.Set(solvency.Balances{Reserve: d("1000"), Liabilities: d("1000")})

	_, err := f.runner.RunWeek(t.Context(), 42)
	require.ErrorIs(t, err, solvency.ErrInsolvent)
	var violation *solvency.ViolationError
	require.True(t, errors.As(err, &violation))

	_, err = f.store.Get(t.Context(), 42)
	require.ErrorIs(t, err, proof.ErrNotFound)
	require.Empty(t, f.ledger.Memos())
}

func TestProofEngine_Runner_FinalizePreconditions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	ctx := t.Context()

	_, err := f.runner.Finalize(ctx, 42)
	require.ErrorIs(t, err, proof.ErrNotFound)

	gen, err := f.runner.Generate(ctx, 42)
	require.NoError(t, err)
	_, err = f.runner.cfg.Publisher.Draft(ctx, gen.Snapshot, "manual")
	require.NoError(t, err)

	_, err = f.runner.Finalize(ctx, 42)
	require.ErrorIs(t, err, proof.ErrInvalidTransition)

	out, err := f.runner.Submit(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, proof.StateSubmitted, out.Record.State)

	out, err = f.runner.Submit(ctx, 42)
	require.NoError(t, err)
	require.True(t, out.Skipped)
}

func TestProofEngine_Runner_LockHeld(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	lease, err := f.locker.Acquire(t.Context(), lockKey, time.Minute)
	require.NoError(t, err)
	defer lease.Release(context.Background())

	_, err = f.runner.RunWeek(t.Context(), 42)
	require.ErrorIs(t, err, lock.ErrHeld)
	require.ErrorIs(t, err, proof.ErrWeekInProgress)
	var dup *proof.DuplicateWeekError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, uint64(42), dup.Week)
	require.True(t, dup.Running)
	require.False(t, dup.Resumable())
	require.Empty(t, f.ledger.Memos())

	_, err = f.runner.Finalize(t.Context(), 42)
	require.ErrorIs(t, err, proof.ErrWeekInProgress)
}

func TestProofEngine_Runner_ExportFailureDoesNotFailFinalize(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.exporter.err = errors.New("clickhouse down")
	ctx := t.Context()

	_, err := f.runner.RunWeek(ctx, 42)
	require.NoError(t, err)
	out, err := f.runner.Finalize(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, proof.StateFinalized, out.Record.State)
	require.Equal(t, 1, f.deltas.calls)
}
