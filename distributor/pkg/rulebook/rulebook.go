// Package rulebook holds the immutable commission plan.
//
// A Rulebook is built once from a Plan, validated, and hashed. The hash is a
// Keccak-256 digest of the plan's canonical JSON so it can be compared with
// commitments produced by EVM tooling. Every consumer calls Verify before use;
// a mismatch means the in-memory plan no longer matches what was hashed.
package rulebook

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
)

var ErrRulebookCorrupted = errors.New("rulebook content hash mismatch")

var (
	hundred = decimal.NewFromInt(100)
)

// Tier is an eligibility qualification tier.
type Tier struct {
	Name              string          `json:"name"`
	MinActiveDirects  int             `json:"minActiveDirects"`
	MinCombinedVolume decimal.Decimal `json:"minCombinedVolume"`
	UnlockedLevel     int             `json:"unlockedLevel"`
}

// Plan is the serializable commission plan. Percentages are expressed in
// percent (10 means 10%).
type Plan struct {
	Version               string            `json:"version"`
	LevelPercentages      []decimal.Decimal `json:"levelPercentages"`
	ClientSharePct        decimal.Decimal   `json:"clientSharePct"`
	CompanyFeePct         decimal.Decimal   `json:"companyFeePct"`
	MLMBasePct            decimal.Decimal   `json:"mlmBasePct"`
	WeeklySubscriptionFee decimal.Decimal   `json:"weeklySubscriptionFee"`
	Basic                 Tier              `json:"basic"`
	Advanced              Tier              `json:"advanced"`
}

func (p Plan) Validate() error {
	if p.Version == "" {
		return errors.New("version is required")
	}
	if len(p.LevelPercentages) == 0 {
		return errors.New("at least one level percentage is required")
	}
	sum := decimal.Zero
	for i, pct := range p.LevelPercentages {
		if pct.IsNegative() {
			return fmt.Errorf("level %d percentage must not be negative", i+1)
		}
		sum = sum.Add(pct)
	}
	if sum.GreaterThan(hundred) {
		return fmt.Errorf("level percentages sum to %s%%, must be at most 100%%", sum)
	}
	for _, share := range []struct {
		name string
		pct  decimal.Decimal
	}{
		{"client share", p.ClientSharePct},
		{"company fee", p.CompanyFeePct},
		{"mlm base", p.MLMBasePct},
	} {
		if share.pct.IsNegative() || share.pct.GreaterThan(hundred) {
			return fmt.Errorf("%s percentage must be within 0..100, got %s", share.name, share.pct)
		}
	}
	if !p.ClientSharePct.Add(p.CompanyFeePct).Equal(hundred) {
		return fmt.Errorf("client share and company fee must sum to 100%%, got %s%%", p.ClientSharePct.Add(p.CompanyFeePct))
	}
	if p.WeeklySubscriptionFee.IsNegative() {
		return errors.New("weekly subscription fee must not be negative")
	}
	n := len(p.LevelPercentages)
	for _, tier := range []Tier{p.Basic, p.Advanced} {
		if tier.MinActiveDirects < 0 || tier.MinCombinedVolume.IsNegative() {
			return fmt.Errorf("tier %q thresholds must not be negative", tier.Name)
		}
		if tier.UnlockedLevel < 1 || tier.UnlockedLevel > n {
			return fmt.Errorf("tier %q unlocked level must be within 1..%d", tier.Name, n)
		}
	}
	if p.Advanced.MinActiveDirects < p.Basic.MinActiveDirects ||
		p.Advanced.MinCombinedVolume.LessThan(p.Basic.MinCombinedVolume) ||
		p.Advanced.UnlockedLevel < p.Basic.UnlockedLevel {
		return errors.New("advanced tier must not be below basic tier")
	}
	return nil
}

func (p Plan) clone() Plan {
	c := p
	c.LevelPercentages = slices.Clone(p.LevelPercentages)
	return c
}

// Rulebook is an immutable, hashed Plan.
type Rulebook struct {
	plan Plan
	hash string
}

// New validates plan and hashes it.
func New(plan Plan) (*Rulebook, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rulebook: %w", err)
	}
	plan = plan.clone()
	hash, err := Hash(plan)
	if err != nil {
		return nil, err
	}
	return &Rulebook{plan: plan, hash: hash}, nil
}

// Load reads a JSON plan from path.
func Load(path string) (*Rulebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rulebook: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Rulebook, error) {
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode rulebook: %w", err)
	}
	return New(plan)
}

// DefaultPlan is the production commission plan.
func DefaultPlan() Plan {
	return Plan{
		Version: "1.0.0",
		LevelPercentages: []decimal.Decimal{
			decimal.NewFromInt(8),
			decimal.NewFromInt(3),
			decimal.NewFromInt(2),
			decimal.NewFromInt(1),
			decimal.NewFromInt(1),
			decimal.NewFromInt(2),
			decimal.NewFromInt(2),
			decimal.NewFromInt(2),
			decimal.NewFromInt(2),
			decimal.NewFromInt(2),
		},
		ClientSharePct:        decimal.NewFromInt(65),
		CompanyFeePct:         decimal.NewFromInt(35),
		MLMBasePct:            decimal.NewFromInt(25),
		WeeklySubscriptionFee: decimal.NewFromInt(19),
		Basic: Tier{
			Name:              "basic",
			MinActiveDirects:  2,
			MinCombinedVolume: decimal.NewFromInt(1000),
			UnlockedLevel:     5,
		},
		Advanced: Tier{
			Name:              "advanced",
			MinActiveDirects:  5,
			MinCombinedVolume: decimal.NewFromInt(5000),
			UnlockedLevel:     10,
		},
	}
}

func Default() *Rulebook {
	rb, err := New(DefaultPlan())
	if err != nil {
		panic(fmt.Sprintf("default rulebook is invalid: %v", err))
	}
	return rb
}

// Hash returns the 0x-prefixed Keccak-256 of the plan's canonical JSON.
func Hash(plan Plan) (string, error) {
	data, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("failed to encode rulebook: %w", err)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return "0x" + hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the content hash and compares it with the one taken at load.
func (r *Rulebook) Verify() error {
	hash, err := Hash(r.plan)
	if err != nil {
		return err
	}
	if hash != r.hash {
		return fmt.Errorf("%w: expected %s, got %s", ErrRulebookCorrupted, r.hash, hash)
	}
	return nil
}

// MustVerify panics when the rulebook no longer matches its content hash.
func (r *Rulebook) MustVerify() {
	if err := r.Verify(); err != nil {
		panic(err)
	}
}

func (r *Rulebook) ContentHash() string { return r.hash }
func (r *Rulebook) Version() string     { return r.plan.Version }
func (r *Rulebook) Levels() int         { return len(r.plan.LevelPercentages) }

// Plan returns a copy of the underlying plan.
func (r *Rulebook) Plan() Plan { return r.plan.clone() }

// LevelRate returns the fraction of the MLM pool paid at level (1-based).
func (r *Rulebook) LevelRate(level int) decimal.Decimal {
	if level < 1 || level > len(r.plan.LevelPercentages) {
		return decimal.Zero
	}
	return r.plan.LevelPercentages[level-1].Div(hundred)
}

func (r *Rulebook) LevelPercentage(level int) decimal.Decimal {
	return r.LevelRate(level).Mul(hundred)
}

func (r *Rulebook) ClientShareRate() decimal.Decimal { return r.plan.ClientSharePct.Div(hundred) }
func (r *Rulebook) CompanyFeeRate() decimal.Decimal  { return r.plan.CompanyFeePct.Div(hundred) }
func (r *Rulebook) MLMBaseRate() decimal.Decimal     { return r.plan.MLMBasePct.Div(hundred) }

func (r *Rulebook) WeeklySubscriptionFee() decimal.Decimal { return r.plan.WeeklySubscriptionFee }

func (r *Rulebook) Basic() Tier    { return r.plan.Basic }
func (r *Rulebook) Advanced() Tier { return r.plan.Advanced }
