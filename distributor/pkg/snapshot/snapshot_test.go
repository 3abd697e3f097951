package snapshot

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ideepx/proofengine/distributor/pkg/commission"
	"github.com/ideepx/proofengine/distributor/pkg/eligibility"
	"github.com/ideepx/proofengine/distributor/pkg/network"
	"github.com/ideepx/proofengine/distributor/pkg/rulebook"
	enginetesting "github.com/ideepx/proofengine/utils/pkg/testing"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testRulebook(t *testing.T) *rulebook.Rulebook {
	t.Helper()
	rb, err := rulebook.New(rulebook.Plan{
		Version: "test",
		LevelPercentages: []decimal.Decimal{
			d("10"), d("5"), d("4"), d("3"), d("2"), d("2"), d("2"), d("1"), d("0.5"), d("0.5"),
		},
		ClientSharePct:        d("60"),
		CompanyFeePct:         d("40"),
		MLMBasePct:            d("40"),
		WeeklySubscriptionFee: d("19"),
		Basic:                 rulebook.Tier{Name: "basic", MinActiveDirects: 1, MinCombinedVolume: d("100"), UnlockedLevel: 5},
		Advanced:              rulebook.Tier{Name: "advanced", MinActiveDirects: 5, MinCombinedVolume: d("5000"), UnlockedLevel: 10},
	})
	require.NoError(t, err)
	return rb
}

// assemble runs 1 <- 2 <- 3 with profits on 2 and 3 plus a record for an
// unknown user 77.
func assemble(t *testing.T) *Snapshot {
	t.Helper()
	rb := testRulebook(t)
	log := enginetesting.NewLogger()

	net, err := network.New([]network.User{
		{ID: 1, Wallet: "w1", Active: true, UnlockedLevel: 10},
		{ID: 2, Wallet: "w2", SponsorID: 1, Active: true, UnlockedLevel: 1},
		{ID: 3, Wallet: "w3", SponsorID: 2, Active: true},
	})
	require.NoError(t, err)
	perf := network.NewPerformanceSet(42, []network.Performance{
		{UserID: 3, Week: 42, NetProfit: d("1000"), Volume: d("1000")},
		{UserID: 2, Week: 42, NetProfit: d("500"), Volume: d("500")},
		{UserID: 77, Week: 42, NetProfit: d("10")},
	})

	engine, err := eligibility.NewEngine(eligibility.EngineConfig{Logger: log, Rulebook: rb, Monotonic: true})
	require.NoError(t, err)
	elig, err := engine.Evaluate(context.Background(), net, perf)
	require.NoError(t, err)

	calc, err := commission.NewCalculator(commission.CalculatorConfig{Logger: log, Rulebook: rb})
	require.NoError(t, err)
	res, err := calc.CalculateWeek(context.Background(), net, perf)
	require.NoError(t, err)

	a, err := NewAssembler(AssemblerConfig{Logger: log, Rulebook: rb})
	require.NoError(t, err)
	s, err := a.Assemble(res, elig, network.Population(net, perf))
	require.NoError(t, err)
	return s
}

func TestProofEngine_Snapshot_Assemble(t *testing.T) {
	t.Parallel()

	s := assemble(t)

	t.Run("header", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, FormatVersion, s.FormatVersion)
		require.Equal(t, uint64(42), s.WeekNumber)
		require.Equal(t, "2025-08-25", s.WeekStart)
		require.Equal(t, "2025-08-31", s.WeekEnd)
		require.Equal(t, "test", s.Rulebook.Version)
		require.Len(t, s.BusinessModel.LevelPercentages, 10)
	})

	t.Run("summary", func(t *testing.T) {
		t.Parallel()
		require.Equal(t, 4, s.Summary.TotalUsers)
		require.Equal(t, 3, s.Summary.ActiveUsers)
		require.Equal(t, 2, s.Summary.ProfitableUsers)
		require.Equal(t, 1, s.Summary.SkippedUsers)
		require.Equal(t, 3, s.Summary.TotalEntries)
		require.True(t, s.Summary.TotalProfits.Equal(d("1500")))
		require.True(t, s.Summary.TotalMLMPool.Equal(d("360")))
		require.True(t, s.Summary.TotalCommissions.Equal(d("48")))
		require.True(t, s.Summary.TotalUnallocated.Equal(d("60")))
		require.Equal(t, []Unlisted{{UserID: 77, Reason: commission.ErrUnknownUser.Error()}}, s.Unlisted)
	})

	t.Run("levels", func(t *testing.T) {
		t.Parallel()
		require.Len(t, s.Levels, 10)
		require.True(t, s.Levels[0].TotalPaid.Equal(d("36")))
		require.Equal(t, 2, s.Levels[0].Entries)
		require.Equal(t, 2, s.Levels[0].Recipients)
		require.True(t, s.Levels[0].Percentage.Equal(d("10")))
		require.True(t, s.Levels[1].TotalPaid.Equal(d("12")))
		require.True(t, s.Levels[1].Unreached.Equal(d("6")))
		require.True(t, s.Levels[2].Unreached.Equal(d("14.4")))
	})

	t.Run("users", func(t *testing.T) {
		t.Parallel()
		require.Len(t, s.Users, 3)
		u1, u2, u3 := s.Users[0], s.Users[1], s.Users[2]
		require.Equal(t, network.UserID(1), u1.UserID)
		require.True(t, u1.CommissionsReceived.Equal(d("24")))
		require.True(t, u1.NetReceived.Equal(d("5")))
		require.True(t, u2.NetReceived.Equal(d("305")))
		require.True(t, u3.NetReceived.Equal(d("581")))
		require.Equal(t, "basic", u2.Tier)
		require.Equal(t, "none", u3.Tier)
		require.NotEmpty(t, u3.QualificationReason)
		require.NotNil(t, u1.Entries)
	})

	t.Run("validation block", func(t *testing.T) {
		t.Parallel()
		require.True(t, s.Validation.ChecksumsPassed)
		require.Equal(t, 4, s.Validation.Checksums.Population)
		require.Equal(t, 4, s.Validation.Checksums.UsersProcessed)
		require.True(t, s.Validation.TotalSubscriptionCharges.Equal(d("57")))
		require.True(t, s.Validation.TotalNetPayments.Equal(d("891")))
		require.NoError(t, Validate(s))
	})

	t.Run("deltas and totals", func(t *testing.T) {
		t.Parallel()
		deltas := s.Deltas()
		require.Len(t, deltas, 3)
		require.Equal(t, "w3", deltas[2].Wallet)
		totals := s.Totals()
		require.Equal(t, 4, totals.Users)
		require.True(t, totals.Commissions.Equal(d("48")))
	})
}

func TestProofEngine_Snapshot_Canonical(t *testing.T) {
	t.Parallel()

	a, err := Canonical(assemble(t))
	require.NoError(t, err)
	b, err := Canonical(assemble(t))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, ContentHash(a), ContentHash(b))
	require.Len(t, ContentHash(a), 64)

	decoded, err := Decode(a)
	require.NoError(t, err)
	require.NoError(t, Validate(decoded))
	again, err := Canonical(decoded)
	require.NoError(t, err)
	require.Equal(t, string(a), string(again))

	_, err = Decode([]byte("{"))
	require.Error(t, err)
}

func TestProofEngine_Snapshot_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		tamper func(s *Snapshot)
		check  string
	}{
		{
			name:   "level total changed",
			tamper: func(s *Snapshot) { s.Levels[0].TotalPaid = s.Levels[0].TotalPaid.Add(d("0.000001")) },
			check:  "total commission",
		},
		{
			name:   "entry dropped",
			tamper: func(s *Snapshot) { s.Users[2].Entries = nil },
			check:  "entry count",
		},
		{
			name:   "user removed",
			tamper: func(s *Snapshot) { s.Users = s.Users[:2] },
			check:  "",
		},
		{
			name:   "population changed",
			tamper: func(s *Snapshot) { s.Validation.Checksums.Population = 5 },
			check:  "users processed",
		},
		{
			name:   "summary changed",
			tamper: func(s *Snapshot) { s.Summary.TotalCommissions = d("49") },
			check:  "summary total commission",
		},
		{
			name:   "flag cleared",
			tamper: func(s *Snapshot) { s.Validation.ChecksumsPassed = false },
			check:  "checksums passed flag",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := assemble(t)
			tt.tamper(s)
			err := Validate(s)
			require.ErrorIs(t, err, ErrChecksumMismatch)
			var ce *ChecksumError
			require.ErrorAs(t, err, &ce)
			if tt.check != "" {
				require.Equal(t, tt.check, ce.Name)
			}
		})
	}
}

func TestProofEngine_Snapshot_NewAssembler(t *testing.T) {
	t.Parallel()

	_, err := NewAssembler(AssemblerConfig{})
	require.ErrorContains(t, err, "logger is required")
	_, err = NewAssembler(AssemblerConfig{Logger: enginetesting.NewLogger()})
	require.ErrorContains(t, err, "rulebook is required")

	a, err := NewAssembler(AssemblerConfig{Logger: enginetesting.NewLogger(), Rulebook: testRulebook(t)})
	require.NoError(t, err)
	_, err = a.Assemble(nil, nil, 0)
	require.Error(t, err)
}

func TestProofEngine_Snapshot_AssemblePopulation(t *testing.T) {
	t.Parallel()
	rb := testRulebook(t)
	log := enginetesting.NewLogger()

	net, err := network.New([]network.User{
		{ID: 1, Wallet: "w1", Active: true, UnlockedLevel: 10},
		{ID: 2, Wallet: "w2", SponsorID: 1, Active: true},
	})
	require.NoError(t, err)
	perf := network.NewPerformanceSet(42, []network.Performance{
		{UserID: 2, Week: 42, NetProfit: d("1000")},
	})
	calc, err := commission.NewCalculator(commission.CalculatorConfig{Logger: log, Rulebook: rb})
	require.NoError(t, err)
	a, err := NewAssembler(AssemblerConfig{Logger: log, Rulebook: rb})
	require.NoError(t, err)

	t.Run("dropped user is refused", func(t *testing.T) {
		t.Parallel()
		res, err := calc.CalculateWeek(context.Background(), net, perf)
		require.NoError(t, err)
		res.Users = res.Users[1:]
		res.Users[0].Entries = nil
		_, err = a.Assemble(res, nil, network.Population(net, perf))
		var cerr *ChecksumError
		require.ErrorAs(t, err, &cerr)
		require.Equal(t, "users processed", cerr.Name)
		require.ErrorIs(t, err, ErrChecksumMismatch)
	})

	t.Run("matching population passes", func(t *testing.T) {
		t.Parallel()
		res, err := calc.CalculateWeek(context.Background(), net, perf)
		require.NoError(t, err)
		s, err := a.Assemble(res, nil, network.Population(net, perf))
		require.NoError(t, err)
		require.Equal(t, 2, s.Validation.Checksums.Population)
		require.Equal(t, 2, s.Validation.Checksums.UsersProcessed)
	})
}
