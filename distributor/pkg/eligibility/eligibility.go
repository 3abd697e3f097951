// Package eligibility computes each user's unlocked commission level from the
// current network state.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ideepx/proofengine/distributor/pkg/network"
	"github.com/ideepx/proofengine/distributor/pkg/rulebook"
)

type Tier int

const (
	TierNone Tier = iota
	TierBasic
	TierAdvanced
)

func (t Tier) String() string {
	switch t {
	case TierBasic:
		return "basic"
	case TierAdvanced:
		return "advanced"
	default:
		return "none"
	}
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Result is the qualification outcome for one user.
type Result struct {
	UserID         network.UserID
	Tier           Tier
	UnlockedLevel  int
	PreviousLevel  int
	ActiveDirects  int
	CombinedVolume decimal.Decimal
	Reason         string
}

// Changed reports whether the stored level must be updated.
func (r Result) Changed() bool { return r.UnlockedLevel != r.PreviousLevel }

// Results holds one Result per user, ordered by user id.
type Results struct {
	list  []Result
	index map[network.UserID]int
}

func (r *Results) All() []Result { return r.list }

func (r *Results) Get(id network.UserID) (Result, bool) {
	i, ok := r.index[id]
	if !ok {
		return Result{}, false
	}
	return r.list[i], true
}

// Levels returns the unlocked level of every user.
func (r *Results) Levels() map[network.UserID]int {
	out := make(map[network.UserID]int, len(r.list))
	for _, res := range r.list {
		out[res.UserID] = res.UnlockedLevel
	}
	return out
}

// Changes returns only the levels that differ from the stored ones.
func (r *Results) Changes() map[network.UserID]int {
	out := make(map[network.UserID]int)
	for _, res := range r.list {
		if res.Changed() {
			out[res.UserID] = res.UnlockedLevel
		}
	}
	return out
}

type EngineConfig struct {
	Logger      *slog.Logger
	Rulebook    *rulebook.Rulebook
	Concurrency int

	// Monotonic floors every result at the user's stored level.
	Monotonic bool
}

func (cfg *EngineConfig) Validate() error {
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

type Engine struct {
	log *slog.Logger
	cfg EngineConfig
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

// Evaluate recomputes every user's level. Users are independent, so the work
// is spread over a bounded pool and each worker writes only its own slot.
func (e *Engine) Evaluate(ctx context.Context, net *network.Network, perf *network.PerformanceSet) (*Results, error) {
	if err := e.cfg.Rulebook.Verify(); err != nil {
		return nil, err
	}

	users := net.Users()
	list := make([]Result, len(users))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, u := range users {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			list[i] = e.evaluateUser(net, perf, u)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to evaluate eligibility: %w", err)
	}

	results := &Results{list: list, index: make(map[network.UserID]int, len(list))}
	var upgraded, downgraded int
	for i, r := range list {
		results.index[r.UserID] = i
		switch {
		case r.UnlockedLevel > r.PreviousLevel:
			upgraded++
		case r.UnlockedLevel < r.PreviousLevel:
			downgraded++
		}
	}
	e.log.Debug("eligibility: evaluated", "users", len(list), "upgraded", upgraded, "downgraded", downgraded)
	return results, nil
}

// EvaluateUser computes a single user's result.
func (e *Engine) EvaluateUser(net *network.Network, perf *network.PerformanceSet, id network.UserID) (Result, error) {
	u, ok := net.User(id)
	if !ok {
		return Result{}, fmt.Errorf("unknown user %d", id)
	}
	return e.evaluateUser(net, perf, u), nil
}

func (e *Engine) evaluateUser(net *network.Network, perf *network.PerformanceSet, u network.User) Result {
	res := Result{
		UserID:         u.ID,
		PreviousLevel:  u.UnlockedLevel,
		CombinedVolume: decimal.Zero,
	}

	if !u.Active {
		res.Reason = "subscription inactive"
		return e.floor(res)
	}

	for _, d := range net.Directs(u.ID) {
		if !d.Active {
			continue
		}
		res.ActiveDirects++
		res.CombinedVolume = res.CombinedVolume.Add(perf.Volume(d.ID))
	}

	basic, advanced := e.cfg.Rulebook.Basic(), e.cfg.Rulebook.Advanced()
	switch {
	case meets(res, advanced):
		res.Tier = TierAdvanced
		res.UnlockedLevel = advanced.UnlockedLevel
		res.Reason = "qualified for all levels"
	case meets(res, basic):
		res.Tier = TierBasic
		res.UnlockedLevel = basic.UnlockedLevel
		res.Reason = shortfall(res, advanced)
	default:
		res.Reason = shortfall(res, basic)
	}
	return e.floor(res)
}

func (e *Engine) floor(res Result) Result {
	if e.cfg.Monotonic && res.PreviousLevel > res.UnlockedLevel {
		res.UnlockedLevel = res.PreviousLevel
	}
	return res
}

func meets(res Result, tier rulebook.Tier) bool {
	return res.ActiveDirects >= tier.MinActiveDirects && res.CombinedVolume.GreaterThanOrEqual(tier.MinCombinedVolume)
}

func shortfall(res Result, tier rulebook.Tier) string {
	if res.ActiveDirects < tier.MinActiveDirects {
		return fmt.Sprintf("needs %d active directs for %s", tier.MinActiveDirects, tier.Name)
	}
	return fmt.Sprintf("needs %s combined volume for %s", tier.MinCombinedVolume, tier.Name)
}
