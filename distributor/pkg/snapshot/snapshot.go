// Package snapshot assembles a week's commission results into one canonical,
// self-checking document.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ideepx/proofengine/distributor/pkg/commission"
	"github.com/ideepx/proofengine/distributor/pkg/network"
)

// FormatVersion is bumped on any change to the serialized layout.
const FormatVersion = "1"

type RulebookRef struct {
	Version     string `json:"version"`
	ContentHash string `json:"contentHash"`
}

type BusinessModel struct {
	ClientSharePct        decimal.Decimal   `json:"clientSharePct"`
	CompanyFeePct         decimal.Decimal   `json:"companyFeePct"`
	MLMBasePct            decimal.Decimal   `json:"mlmBasePct"`
	WeeklySubscriptionFee decimal.Decimal   `json:"weeklySubscriptionFee"`
	LevelPercentages      []decimal.Decimal `json:"levelPercentages"`
}

type Summary struct {
	TotalUsers      int `json:"totalUsers"`
	ActiveUsers     int `json:"activeUsers"`
	ProfitableUsers int `json:"profitableUsers"`
	SkippedUsers    int `json:"skippedUsers"`
	TotalEntries    int `json:"totalEntries"`

	TotalProfits     decimal.Decimal `json:"totalProfits"`
	TotalMLMPool     decimal.Decimal `json:"totalMlmPool"`
	TotalCommissions decimal.Decimal `json:"totalCommissions"`
	TotalForfeited   decimal.Decimal `json:"totalForfeited"`
	TotalUnallocated decimal.Decimal `json:"totalUnallocated"`
}

// Level is the per-level breakdown.
type Level struct {
	Level      int             `json:"level"`
	Percentage decimal.Decimal `json:"percentage"`
	TotalPaid  decimal.Decimal `json:"totalPaid"`
	Entries    int             `json:"entries"`
	Recipients int             `json:"recipients"`
	Forfeited  decimal.Decimal `json:"forfeited"`
	Unreached  decimal.Decimal `json:"unreached"`
}

// UserRecord is one user's line in the snapshot.
type UserRecord struct {
	UserID              network.UserID `json:"userId"`
	Wallet              string         `json:"wallet"`
	SponsorID           network.UserID `json:"sponsorId,omitempty"`
	Active              bool           `json:"active"`
	UnlockedLevel       int            `json:"unlockedLevel"`
	Tier                string         `json:"tier"`
	QualificationReason string         `json:"qualificationReason,omitempty"`

	NetProfit   decimal.Decimal `json:"netProfit"`
	ClientShare decimal.Decimal `json:"clientShare"`
	CompanyFee  decimal.Decimal `json:"companyFee"`
	MLMPool     decimal.Decimal `json:"mlmPool"`

	CommissionsGenerated decimal.Decimal      `json:"commissionsGenerated"`
	Entries              []commission.Entry   `json:"entries"`
	Forfeits             []commission.Forfeit `json:"forfeits,omitempty"`
	Forfeited            decimal.Decimal      `json:"forfeited"`
	Unallocated          decimal.Decimal      `json:"unallocated"`

	CommissionsReceived decimal.Decimal `json:"commissionsReceived"`
	ReceivedEntries     int             `json:"receivedEntries"`
	SubscriptionCharge  decimal.Decimal `json:"subscriptionCharge"`
	NetReceived         decimal.Decimal `json:"netReceived"`

	Skipped string `json:"skipped,omitempty"`
}

// Unlisted is a performance record whose user is not in the network.
type Unlisted struct {
	UserID network.UserID `json:"userId"`
	Reason string         `json:"reason"`
}

// Checksums holds both sides of every self-consistency check so a reader can
// see what was compared.
type Checksums struct {
	EntryCount           int             `json:"entryCount"`
	EntryCountByUser     int             `json:"entryCountByUser"`
	TotalCommission      decimal.Decimal `json:"totalCommission"`
	TotalCommissionLevel decimal.Decimal `json:"totalCommissionByLevel"`
	UsersProcessed       int             `json:"usersProcessed"`
	Population           int             `json:"population"`
}

type Validation struct {
	TotalClientShares        decimal.Decimal `json:"totalClientShares"`
	TotalCompanyFees         decimal.Decimal `json:"totalCompanyFees"`
	TotalCommissions         decimal.Decimal `json:"totalCommissions"`
	TotalSubscriptionCharges decimal.Decimal `json:"totalSubscriptionCharges"`
	TotalNetPayments         decimal.Decimal `json:"totalNetPayments"`
	TotalUnallocated         decimal.Decimal `json:"totalUnallocated"`
	Checksums                Checksums       `json:"checksums"`
	ChecksumsPassed          bool            `json:"checksumsPassed"`
}

// Snapshot is the published weekly document. It carries no wall-clock
// timestamps so that identical inputs serialize to identical bytes.
type Snapshot struct {
	FormatVersion string        `json:"formatVersion"`
	WeekNumber    uint64        `json:"weekNumber"`
	WeekStart     string        `json:"weekStart"`
	WeekEnd       string        `json:"weekEnd"`
	Rulebook      RulebookRef   `json:"rulebook"`
	BusinessModel BusinessModel `json:"businessModel"`
	Summary       Summary       `json:"summary"`
	Levels        []Level       `json:"levels"`
	Users         []UserRecord  `json:"users"`
	Unlisted      []Unlisted    `json:"unlisted,omitempty"`
	Validation    Validation    `json:"validation"`
}

// Canonical serializes s deterministically. Field order is fixed by the struct
// definitions and every slice is already ordered by the assembler.
func Canonical(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// Decode parses a published document.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &s, nil
}

// ContentHash is the lowercase hex SHA-256 of a serialized document.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Totals are the figures anchored on the ledger for a week.
type Totals struct {
	Users       int             `json:"totalUsers"`
	Commissions decimal.Decimal `json:"totalCommissions"`
	Profits     decimal.Decimal `json:"totalProfits"`
}

func (s *Snapshot) Totals() Totals {
	return Totals{
		Users:       s.Summary.TotalUsers,
		Commissions: s.Summary.TotalCommissions,
		Profits:     s.Summary.TotalProfits,
	}
}

// Deltas returns the netReceived of every user, ordered by user id.
func (s *Snapshot) Deltas() []Delta {
	out := make([]Delta, 0, len(s.Users))
	for _, u := range s.Users {
		out = append(out, Delta{UserID: u.UserID, Wallet: u.Wallet, Amount: u.NetReceived})
	}
	return out
}

// Delta is the balance change owed to one user once the week is finalized.
type Delta struct {
	UserID network.UserID
	Wallet string
	Amount decimal.Decimal
}
