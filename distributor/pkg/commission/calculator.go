// Package commission walks the sponsor forest and turns each user's weekly
// profit into per-level commission entries.
package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ideepx/proofengine/distributor/pkg/metrics"
	"github.com/ideepx/proofengine/distributor/pkg/network"
	"github.com/ideepx/proofengine/distributor/pkg/rulebook"
)

type CalculatorConfig struct {
	Logger      *slog.Logger
	Rulebook    *rulebook.Rulebook
	Concurrency int
}

func (cfg *CalculatorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Rulebook == nil {
		return errors.New("rulebook is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}
	return nil
}

type Calculator struct {
	log *slog.Logger
	cfg CalculatorConfig
	rb  *rulebook.Rulebook
}

func NewCalculator(cfg CalculatorConfig) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{log: cfg.Logger, cfg: cfg, rb: cfg.Rulebook}, nil
}

// CalculateUser computes the entries generated by one user's profit. It is a
// pure function of the network, the rulebook and the profit.
func (c *Calculator) CalculateUser(net *network.Network, id network.UserID, netProfit decimal.Decimal) (UserResult, error) {
	if err := c.rb.Verify(); err != nil {
		return UserResult{}, err
	}
	u, ok := net.User(id)
	if !ok {
		return UserResult{}, &InputError{UserID: id, Err: ErrUnknownUser}
	}
	res := baseResult(u)
	if err := c.applyProfit(net, &res, netProfit); err != nil {
		return UserResult{}, err
	}
	return res, nil
}

// CalculateWeek processes every user in the network. A sponsor cycle anywhere
// in the forest fails the whole week; bad profit input or a broken sponsor
// chain only excludes that user's own profit.
func (c *Calculator) CalculateWeek(ctx context.Context, net *network.Network, perf *network.PerformanceSet) (*WeekResult, error) {
	if err := c.rb.Verify(); err != nil {
		return nil, err
	}
	if err := net.DetectCycles(); err != nil {
		return nil, err
	}
	for _, id := range net.Orphans() {
		u, _ := net.User(id)
		c.log.Warn("commission: sponsor not found", "week", perf.Week, "user_id", int64(id), "sponsor_id", int64(u.SponsorID))
	}

	users := net.Users()
	results := make([]UserResult, len(users))
	inputErrs := make([]*InputError, len(users))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, u := range users {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := baseResult(u)
			p, ok, err := perf.Get(u.ID)
			if err != nil {
				res.Excluded = err
				results[i] = res
				inputErrs[i] = &InputError{UserID: u.ID, Err: err}
				return nil
			}
			if ok {
				if err := c.applyProfit(net, &res, p.NetProfit); err != nil {
					var inErr *InputError
					if !errors.As(err, &inErr) {
						return err
					}
					res = baseResult(u)
					res.Excluded = inErr.Err
					inputErrs[i] = inErr
				}
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to calculate commissions for week %d: %w", perf.Week, err)
	}

	week := &WeekResult{Week: perf.Week, Users: results}
	for _, e := range inputErrs {
		if e != nil {
			week.Skipped = append(week.Skipped, e)
		}
	}
	for _, id := range perf.UserIDs() {
		if _, ok := net.User(id); !ok {
			week.Skipped = append(week.Skipped, &InputError{UserID: id, Err: ErrUnknownUser})
		}
	}
	slices.SortStableFunc(week.Skipped, func(a, b *InputError) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	for _, s := range week.Skipped {
		c.log.Warn("commission: user profit skipped", "week", perf.Week, "user_id", int64(s.UserID), "error", s.Err)
	}

	// Aggregation is the only serial step.
	index := make(map[network.UserID]int, len(week.Users))
	for i, u := range week.Users {
		index[u.UserID] = i
	}
	entries := 0
	for _, u := range week.Users {
		for _, e := range u.Entries {
			r := &week.Users[index[e.ToUser]]
			r.Received = r.Received.Add(e.Amount)
			r.ReceivedEntries++
			entries++
		}
	}
	metrics.CommissionEntriesTotal.Add(float64(entries))

	c.log.Info("commission: week calculated",
		"week", perf.Week,
		"users", len(week.Users),
		"entries", entries,
		"skipped", len(week.Skipped),
		"distributed", week.TotalDistributed().String(),
	)
	return week, nil
}

func baseResult(u network.User) UserResult {
	return UserResult{
		UserID:        u.ID,
		Wallet:        u.Wallet,
		SponsorID:     u.SponsorID,
		Active:        u.Active,
		UnlockedLevel: u.UnlockedLevel,
		NetProfit:     decimal.Zero,
		ClientShare:   decimal.Zero,
		CompanyFee:    decimal.Zero,
		MLMPool:       decimal.Zero,
		Distributed:   decimal.Zero,
		Forfeited:     decimal.Zero,
		Unallocated:   decimal.Zero,
		Received:      decimal.Zero,
	}
}

func (c *Calculator) applyProfit(net *network.Network, res *UserResult, netProfit decimal.Decimal) error {
	if netProfit.IsNegative() {
		return &InputError{UserID: res.UserID, Err: ErrNegativeProfit}
	}
	res.HasProfit = true
	res.NetProfit = netProfit
	res.ClientShare = netProfit.Mul(c.rb.ClientShareRate())
	res.CompanyFee = netProfit.Sub(res.ClientShare)
	res.MLMPool = res.ClientShare.Mul(c.rb.MLMBaseRate())
	if res.MLMPool.IsZero() {
		return nil
	}

	levels := c.rb.Levels()
	chain, err := net.SponsorChain(res.UserID, levels)
	if errors.Is(err, network.ErrBrokenSponsorChain) {
		return &InputError{UserID: res.UserID, Err: err}
	}
	if err != nil {
		return err
	}
	res.Depth = len(chain)

	for level := 1; level <= levels; level++ {
		amount := res.MLMPool.Mul(c.rb.LevelRate(level)).Truncate(AmountPlaces)
		if level > len(chain) {
			res.Unallocated = res.Unallocated.Add(amount)
			continue
		}
		ancestor := chain[level-1]
		switch {
		case !ancestor.Active:
			res.Forfeits = append(res.Forfeits, Forfeit{Level: level, Candidate: ancestor.ID, Amount: amount, Reason: ForfeitInactive})
			res.Forfeited = res.Forfeited.Add(amount)
		case ancestor.UnlockedLevel < level:
			res.Forfeits = append(res.Forfeits, Forfeit{Level: level, Candidate: ancestor.ID, Amount: amount, Reason: ForfeitLocked})
			res.Forfeited = res.Forfeited.Add(amount)
		default:
			if amount.IsZero() {
				continue
			}
			res.Entries = append(res.Entries, Entry{
				FromUser:  res.UserID,
				ToUser:    ancestor.ID,
				Level:     level,
				Amount:    amount,
				Qualified: true,
			})
			res.Distributed = res.Distributed.Add(amount)
		}
	}
	return nil
}
