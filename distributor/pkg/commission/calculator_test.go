package commission

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ideepx/proofengine/distributor/pkg/network"
	"github.com/ideepx/proofengine/distributor/pkg/rulebook"
	enginetesting "github.com/ideepx/proofengine/utils/pkg/testing"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func examplePlan() rulebook.Plan {
	return rulebook.Plan{
		Version: "test",
		LevelPercentages: []decimal.Decimal{
			d("10"), d("5"), d("4"), d("3"), d("2"), d("2"), d("2"), d("1"), d("0.5"), d("0.5"),
		},
		ClientSharePct: d("60"),
		CompanyFeePct:  d("40"),
		MLMBasePct:     d("40"),
		Basic:          rulebook.Tier{Name: "basic", MinActiveDirects: 1, MinCombinedVolume: d("100"), UnlockedLevel: 5},
		Advanced:       rulebook.Tier{Name: "advanced", MinActiveDirects: 5, MinCombinedVolume: d("5000"), UnlockedLevel: 10},
	}
}

func newCalculator(t *testing.T) *Calculator {
	t.Helper()
	rb, err := rulebook.New(examplePlan())
	require.NoError(t, err)
	c, err := NewCalculator(CalculatorConfig{Logger: enginetesting.NewLogger(), Rulebook: rb, Concurrency: 4})
	require.NoError(t, err)
	return c
}

// exampleNetwork is A(3) sponsored by B(2) sponsored by C(1). B has level 1
// unlocked and C has nothing unlocked.
func exampleNetwork(t *testing.T) *network.Network {
	t.Helper()
	net, err := network.New([]network.User{
		{ID: 1, Active: true, UnlockedLevel: 0},
		{ID: 2, SponsorID: 1, Active: true, UnlockedLevel: 1},
		{ID: 3, SponsorID: 2, Active: true, UnlockedLevel: 0},
	})
	require.NoError(t, err)
	return net
}

func TestProofEngine_Commission_NewCalculator(t *testing.T) {
	t.Parallel()

	_, err := NewCalculator(CalculatorConfig{})
	require.ErrorContains(t, err, "logger is required")

	_, err = NewCalculator(CalculatorConfig{Logger: enginetesting.NewLogger()})
	require.ErrorContains(t, err, "rulebook is required")

	c, err := NewCalculator(CalculatorConfig{Logger: enginetesting.NewLogger(), Rulebook: rulebook.Default()})
	require.NoError(t, err)
	require.Positive(t, c.cfg.Concurrency)
}

func TestProofEngine_Commission_CalculateUser(t *testing.T) {
	t.Parallel()

	t.Run("worked example", func(t *testing.T) {
		t.Parallel()
		c := newCalculator(t)
		res, err := c.CalculateUser(exampleNetwork(t), 3, d("1000"))
		require.NoError(t, err)

		require.True(t, res.ClientShare.Equal(d("600")))
		require.True(t, res.CompanyFee.Equal(d("400")))
		require.True(t, res.MLMPool.Equal(d("240")))

		require.Len(t, res.Entries, 1)
		require.Equal(t, Entry{FromUser: 3, ToUser: 2, Level: 1, Amount: res.Entries[0].Amount, Qualified: true}, res.Entries[0])
		require.True(t, res.Entries[0].Amount.Equal(d("24")))

		require.Len(t, res.Forfeits, 1)
		require.Equal(t, 2, res.Forfeits[0].Level)
		require.Equal(t, network.UserID(1), res.Forfeits[0].Candidate)
		require.Equal(t, ForfeitLocked, res.Forfeits[0].Reason)
		require.True(t, res.Forfeits[0].Amount.Equal(d("12")))

		// Levels 3..10 have no ancestor.
		require.True(t, res.Unallocated.Equal(d("36")))
		require.True(t, res.Distributed.Equal(d("24")))
		require.True(t, res.Distributed.Add(res.Forfeited).Add(res.Unallocated).LessThanOrEqual(res.MLMPool))
	})

	t.Run("inactive ancestor forfeits", func(t *testing.T) {
		t.Parallel()
		net, err := network.New([]network.User{
			{ID: 1, Active: false, UnlockedLevel: 10},
			{ID: 2, SponsorID: 1, Active: true},
		})
		require.NoError(t, err)
		res, err := newCalculator(t).CalculateUser(net, 2, d("100"))
		require.NoError(t, err)
		require.Empty(t, res.Entries)
		require.Len(t, res.Forfeits, 1)
		require.Equal(t, ForfeitInactive, res.Forfeits[0].Reason)
	})

	t.Run("zero profit generates nothing", func(t *testing.T) {
		t.Parallel()
		res, err := newCalculator(t).CalculateUser(exampleNetwork(t), 3, decimal.Zero)
		require.NoError(t, err)
		require.True(t, res.HasProfit)
		require.Empty(t, res.Entries)
		require.Empty(t, res.Forfeits)
	})

	t.Run("negative profit is an input error", func(t *testing.T) {
		t.Parallel()
		_, err := newCalculator(t).CalculateUser(exampleNetwork(t), 3, d("-1"))
		require.ErrorIs(t, err, ErrNegativeProfit)
	})

	t.Run("unknown user", func(t *testing.T) {
		t.Parallel()
		_, err := newCalculator(t).CalculateUser(exampleNetwork(t), 42, d("1"))
		require.ErrorIs(t, err, ErrUnknownUser)
	})

	t.Run("missing sponsor is an input error", func(t *testing.T) {
		t.Parallel()
		net, err := network.New([]network.User{
			{ID: 1, Active: true},
			{ID: 5, SponsorID: 99, Active: true},
		})
		require.NoError(t, err)
		_, err = newCalculator(t).CalculateUser(net, 5, d("1000"))
		var inErr *InputError
		require.ErrorAs(t, err, &inErr)
		require.Equal(t, network.UserID(5), inErr.UserID)
		require.ErrorIs(t, err, network.ErrBrokenSponsorChain)
	})

	t.Run("amounts are truncated", func(t *testing.T) {
		t.Parallel()
		net, err := network.New([]network.User{
			{ID: 1, Active: true, UnlockedLevel: 10},
			{ID: 2, SponsorID: 1, Active: true},
		})
		require.NoError(t, err)
		res, err := newCalculator(t).CalculateUser(net, 2, d("0.0000333"))
		require.NoError(t, err)
		// pool = 0.0000333 * 0.6 * 0.4 = 0.000007992, level 1 = 0.0000007992.
		require.Empty(t, res.Entries)
		require.True(t, res.Distributed.IsZero())
	})
}

func TestProofEngine_Commission_CalculateWeek(t *testing.T) {
	t.Parallel()

	t.Run("aggregates received commissions", func(t *testing.T) {
		t.Parallel()
		perf := network.NewPerformanceSet(42, []network.Performance{
			{UserID: 3, Week: 42, NetProfit: d("1000")},
			{UserID: 2, Week: 42, NetProfit: d("500")},
		})
		res, err := newCalculator(t).CalculateWeek(context.Background(), exampleNetwork(t), perf)
		require.NoError(t, err)
		require.Equal(t, uint64(42), res.Week)
		require.Len(t, res.Users, 3)
		require.Empty(t, res.Skipped)

		// User 2's profit reaches user 1 at level 1, but user 1 has nothing unlocked.
		require.Len(t, res.Entries(), 1)
		require.True(t, res.Users[1].Received.Equal(d("24")))
		require.Equal(t, 1, res.Users[1].ReceivedEntries)
		require.True(t, res.Users[0].Received.IsZero())
		require.False(t, res.Users[0].HasProfit)
		require.True(t, res.TotalDistributed().Equal(d("24")))
		require.True(t, res.TotalPool().Equal(d("360")))
		require.True(t, res.ByRecipient()[2].Equal(d("24")))
	})

	t.Run("broken sponsor chain skips only that user", func(t *testing.T) {
		t.Parallel()
		net, err := network.New([]network.User{
			{ID: 1, Active: true, UnlockedLevel: 10},
			{ID: 2, SponsorID: 1, Active: true, UnlockedLevel: 10},
			{ID: 5, SponsorID: 99, Active: true, UnlockedLevel: 10},
			{ID: 6, SponsorID: 5, Active: true},
		})
		require.NoError(t, err)
		perf := network.NewPerformanceSet(42, []network.Performance{
			{UserID: 2, Week: 42, NetProfit: d("1000")},
			{UserID: 5, Week: 42, NetProfit: d("1000")},
			{UserID: 6, Week: 42, NetProfit: d("1000")},
		})
		res, err := newCalculator(t).CalculateWeek(context.Background(), net, perf)
		require.NoError(t, err)
		require.Len(t, res.Users, 4)

		require.Len(t, res.Skipped, 2)
		require.Equal(t, network.UserID(5), res.Skipped[0].UserID)
		require.ErrorIs(t, res.Skipped[0], network.ErrBrokenSponsorChain)
		require.Equal(t, network.UserID(6), res.Skipped[1].UserID)
		require.ErrorIs(t, res.Skipped[1], network.ErrBrokenSponsorChain)

		u5 := res.Users[2]
		require.Equal(t, network.UserID(5), u5.UserID)
		require.ErrorIs(t, u5.Excluded, network.ErrBrokenSponsorChain)
		require.False(t, u5.HasProfit)
		require.True(t, u5.Unallocated.IsZero())
		require.Empty(t, u5.Entries)
		require.True(t, res.Users[3].Unallocated.IsZero())

		// User 2's chain is intact and pays user 1 at level 1.
		require.Len(t, res.Entries(), 1)
		require.Equal(t, network.UserID(1), res.Entries()[0].ToUser)
	})

	t.Run("bad input skips only that user", func(t *testing.T) {
		t.Parallel()
		perf := network.NewPerformanceSet(42, []network.Performance{
			{UserID: 3, Week: 42, NetProfit: d("-5")},
			{UserID: 2, Week: 42, NetProfit: d("100")},
			{UserID: 2, Week: 42, NetProfit: d("200")},
			{UserID: 77, Week: 42, NetProfit: d("10")},
		})
		res, err := newCalculator(t).CalculateWeek(context.Background(), exampleNetwork(t), perf)
		require.NoError(t, err)
		require.Len(t, res.Users, 3)
		require.Len(t, res.Skipped, 3)
		require.Equal(t, network.UserID(2), res.Skipped[0].UserID)
		require.Equal(t, network.UserID(3), res.Skipped[1].UserID)
		require.ErrorIs(t, res.Skipped[1], ErrNegativeProfit)
		require.Equal(t, network.UserID(77), res.Skipped[2].UserID)
		require.ErrorIs(t, res.Skipped[2], ErrUnknownUser)
		require.Empty(t, res.Entries())
		require.Error(t, res.Users[2].Excluded)
	})

	t.Run("cycle is fatal", func(t *testing.T) {
		t.Parallel()
		users := []network.User{
			{ID: 1, Active: true},
			{ID: 2, SponsorID: 3, Active: true},
			{ID: 3, SponsorID: 2, Active: true},
		}
		net, err := network.New(users)
		require.NoError(t, err)
		_, err = newCalculator(t).CalculateWeek(context.Background(), net, network.NewPerformanceSet(1, nil))
		require.ErrorIs(t, err, network.ErrCycleDetected)
	})

	t.Run("deterministic and never overpays", func(t *testing.T) {
		t.Parallel()
		var users []network.User
		var perf []network.Performance
		for i := 1; i <= 200; i++ {
			u := network.User{ID: network.UserID(i), Active: i%7 != 0, UnlockedLevel: i % 11}
			if i > 1 {
				u.SponsorID = network.UserID(i / 2)
			}
			users = append(users, u)
			perf = append(perf, network.Performance{UserID: u.ID, Week: 9, NetProfit: decimal.NewFromInt(int64(i * 37 % 1000)).Div(d("3"))})
		}
		net, err := network.New(users)
		require.NoError(t, err)
		set := network.NewPerformanceSet(9, perf)

		c := newCalculator(t)
		first, err := c.CalculateWeek(context.Background(), net, set)
		require.NoError(t, err)
		second, err := c.CalculateWeek(context.Background(), net, set)
		require.NoError(t, err)
		require.Equal(t, first.Entries(), second.Entries())

		for _, u := range first.Users {
			require.True(t, u.Distributed.LessThanOrEqual(u.MLMPool), "user %d", u.UserID)
			for _, e := range u.Entries {
				require.True(t, e.Amount.Equal(e.Amount.Truncate(AmountPlaces)), "amount %s", e.Amount)
			}
		}
		require.True(t, first.TotalDistributed().LessThanOrEqual(first.TotalPool()))
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		perf := network.NewPerformanceSet(42, []network.Performance{{UserID: 3, Week: 42, NetProfit: d("1")}})
		_, err := newCalculator(t).CalculateWeek(ctx, exampleNetwork(t), perf)
		require.ErrorIs(t, err, context.Canceled)
	})
}
