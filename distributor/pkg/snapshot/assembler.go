package snapshot

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/ideepx/proofengine/distributor/pkg/commission"
	"github.com/ideepx/proofengine/distributor/pkg/eligibility"
	"github.com/ideepx/proofengine/distributor/pkg/network"
	"github.com/ideepx/proofengine/distributor/pkg/rulebook"
	"github.com/ideepx/proofengine/distributor/pkg/week"
)

type AssemblerConfig struct {
	Logger   *slog.Logger
	Rulebook *rulebook.Rulebook
	Calendar week.Calendar
}

func (cfg *AssemblerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Rulebook == nil {
		return errors.New("rulebook is required")
	}
	if cfg.Calendar.Epoch().IsZero() {
		cfg.Calendar = week.Default()
	}
	return nil
}

type Assembler struct {
	log *slog.Logger
	cfg AssemblerConfig
	rb  *rulebook.Rulebook
}

func NewAssembler(cfg AssemblerConfig) (*Assembler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Assembler{log: cfg.Logger, cfg: cfg, rb: cfg.Rulebook}, nil
}

// Assemble builds the snapshot for one week and validates its checksums. A
// snapshot is only returned when every checksum matches. population is the
// number of distinct users in the week's inputs, counted independently of res.
func (a *Assembler) Assemble(res *commission.WeekResult, elig *eligibility.Results, population int) (*Snapshot, error) {
	if err := a.rb.Verify(); err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("commission result is required")
	}

	start, end := a.cfg.Calendar.Dates(res.Week)
	plan := a.rb.Plan()
	s := &Snapshot{
		FormatVersion: FormatVersion,
		WeekNumber:    res.Week,
		WeekStart:     start,
		WeekEnd:       end,
		Rulebook:      RulebookRef{Version: a.rb.Version(), ContentHash: a.rb.ContentHash()},
		BusinessModel: BusinessModel{
			ClientSharePct:        plan.ClientSharePct,
			CompanyFeePct:         plan.CompanyFeePct,
			MLMBasePct:            plan.MLMBasePct,
			WeeklySubscriptionFee: plan.WeeklySubscriptionFee,
			LevelPercentages:      plan.LevelPercentages,
		},
		Users: make([]UserRecord, 0, len(res.Users)),
	}

	levels := a.levelBreakdown(res)
	s.Levels = levels

	sum := Summary{
		TotalProfits:     decimal.Zero,
		TotalMLMPool:     decimal.Zero,
		TotalCommissions: decimal.Zero,
		TotalForfeited:   decimal.Zero,
		TotalUnallocated: decimal.Zero,
	}
	val := Validation{
		TotalClientShares:        decimal.Zero,
		TotalCompanyFees:         decimal.Zero,
		TotalCommissions:         decimal.Zero,
		TotalSubscriptionCharges: decimal.Zero,
		TotalNetPayments:         decimal.Zero,
		TotalUnallocated:         decimal.Zero,
	}
	fee := a.rb.WeeklySubscriptionFee()

	for _, u := range res.Users {
		rec := UserRecord{
			UserID:               u.UserID,
			Wallet:               u.Wallet,
			SponsorID:            u.SponsorID,
			Active:               u.Active,
			UnlockedLevel:        u.UnlockedLevel,
			Tier:                 eligibility.TierNone.String(),
			NetProfit:            u.NetProfit,
			ClientShare:          u.ClientShare,
			CompanyFee:           u.CompanyFee,
			MLMPool:              u.MLMPool,
			CommissionsGenerated: u.Distributed,
			Entries:              u.Entries,
			Forfeits:             u.Forfeits,
			Forfeited:            u.Forfeited,
			Unallocated:          u.Unallocated,
			CommissionsReceived:  u.Received,
			ReceivedEntries:      u.ReceivedEntries,
			SubscriptionCharge:   decimal.Zero,
		}
		if rec.Entries == nil {
			rec.Entries = []commission.Entry{}
		}
		if elig != nil {
			if r, ok := elig.Get(u.UserID); ok {
				rec.Tier = r.Tier.String()
				rec.QualificationReason = r.Reason
			}
		}
		if u.Active {
			rec.SubscriptionCharge = fee
			sum.ActiveUsers++
		}
		if u.Excluded != nil {
			rec.Skipped = u.Excluded.Error()
			sum.SkippedUsers++
		}
		if u.HasProfit && u.NetProfit.IsPositive() {
			sum.ProfitableUsers++
		}
		rec.NetReceived = rec.ClientShare.Add(rec.CommissionsReceived).Sub(rec.SubscriptionCharge)

		sum.TotalEntries += len(u.Entries)
		sum.TotalProfits = sum.TotalProfits.Add(u.NetProfit)
		sum.TotalMLMPool = sum.TotalMLMPool.Add(u.MLMPool)
		sum.TotalCommissions = sum.TotalCommissions.Add(u.Received)
		sum.TotalForfeited = sum.TotalForfeited.Add(u.Forfeited)
		sum.TotalUnallocated = sum.TotalUnallocated.Add(u.Unallocated)

		val.TotalClientShares = val.TotalClientShares.Add(rec.ClientShare)
		val.TotalCompanyFees = val.TotalCompanyFees.Add(rec.CompanyFee)
		val.TotalSubscriptionCharges = val.TotalSubscriptionCharges.Add(rec.SubscriptionCharge)
		val.TotalNetPayments = val.TotalNetPayments.Add(rec.NetReceived)

		s.Users = append(s.Users, rec)
	}

	known := make(map[network.UserID]struct{}, len(res.Users))
	for _, u := range res.Users {
		known[u.UserID] = struct{}{}
	}
	for _, skipped := range res.Skipped {
		if _, ok := known[skipped.UserID]; ok {
			continue
		}
		s.Unlisted = append(s.Unlisted, Unlisted{UserID: skipped.UserID, Reason: skipped.Err.Error()})
		sum.SkippedUsers++
	}
	sum.TotalUsers = len(s.Users) + len(s.Unlisted)

	val.TotalCommissions = sum.TotalCommissions
	val.TotalUnallocated = sum.TotalUnallocated
	s.Summary = sum

	val.Checksums = ComputeChecksums(s, population)
	val.ChecksumsPassed = true
	s.Validation = val

	if err := Validate(s); err != nil {
		s.Validation.ChecksumsPassed = false
		a.log.Error("snapshot: checksum validation failed", "week", res.Week, "error", err)
		return nil, fmt.Errorf("snapshot for week %d refused: %w", res.Week, err)
	}

	a.log.Info("snapshot: assembled",
		"week", res.Week,
		"users", sum.TotalUsers,
		"entries", sum.TotalEntries,
		"commissions", sum.TotalCommissions.String(),
	)
	return s, nil
}

func (a *Assembler) levelBreakdown(res *commission.WeekResult) []Level {
	n := a.rb.Levels()
	levels := make([]Level, n)
	recipients := make([]map[network.UserID]struct{}, n)
	for i := range levels {
		levels[i] = Level{
			Level:      i + 1,
			Percentage: a.rb.LevelPercentage(i + 1),
			TotalPaid:  decimal.Zero,
			Forfeited:  decimal.Zero,
			Unreached:  decimal.Zero,
		}
		recipients[i] = make(map[network.UserID]struct{})
	}
	for _, u := range res.Users {
		for _, e := range u.Entries {
			l := &levels[e.Level-1]
			l.TotalPaid = l.TotalPaid.Add(e.Amount)
			l.Entries++
			recipients[e.Level-1][e.ToUser] = struct{}{}
		}
		for _, f := range u.Forfeits {
			l := &levels[f.Level-1]
			l.Forfeited = l.Forfeited.Add(f.Amount)
		}
		if u.MLMPool.IsZero() {
			continue
		}
		for level := u.Depth + 1; level <= n; level++ {
			amount := u.MLMPool.Mul(a.rb.LevelRate(level)).Truncate(commission.AmountPlaces)
			levels[level-1].Unreached = levels[level-1].Unreached.Add(amount)
		}
	}
	for i := range levels {
		levels[i].Recipients = len(recipients[i])
	}
	return levels
}
