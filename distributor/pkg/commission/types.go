package commission

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ideepx/proofengine/distributor/pkg/network"
)

// AmountPlaces is the precision of every paid or forfeited amount. Amounts are
// truncated, never rounded up, so a user's entries never exceed their pool.
const AmountPlaces = 6

var (
	ErrNegativeProfit = errors.New("negative net profit")
	ErrUnknownUser    = errors.New("performance for unknown user")
)

// Entry is one paid commission. Entries are immutable once created.
type Entry struct {
	FromUser  network.UserID  `json:"fromUser"`
	ToUser    network.UserID  `json:"toUser"`
	Level     int             `json:"level"`
	Amount    decimal.Decimal `json:"amount"`
	Qualified bool            `json:"qualified"`
}

type ForfeitReason string

const (
	ForfeitInactive ForfeitReason = "inactive"
	ForfeitLocked   ForfeitReason = "level_locked"
)

// Forfeit is a level portion that was not paid to the ancestor at that level.
type Forfeit struct {
	Level     int             `json:"level"`
	Candidate network.UserID  `json:"candidate"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    ForfeitReason   `json:"reason"`
}

// InputError marks a user whose own profit could not be processed.
type InputError struct {
	UserID network.UserID
	Err    error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("user %d: %v", e.UserID, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// UserResult is everything the week's calculation produced for one user.
type UserResult struct {
	UserID        network.UserID
	Wallet        string
	SponsorID     network.UserID
	Active        bool
	UnlockedLevel int
	HasProfit     bool

	NetProfit   decimal.Decimal
	ClientShare decimal.Decimal
	CompanyFee  decimal.Decimal
	MLMPool     decimal.Decimal

	// Entries and forfeits generated by this user's profit, in level order.
	Entries     []Entry
	Forfeits    []Forfeit
	Distributed decimal.Decimal
	Forfeited   decimal.Decimal
	Unallocated decimal.Decimal

	// Depth is the number of levels that had an ancestor to consider.
	Depth int

	// Commissions paid to this user by other users' profits.
	Received        decimal.Decimal
	ReceivedEntries int

	// Excluded is set when the user's own profit was skipped.
	Excluded error
}

// WeekResult is the calculator output for one week.
type WeekResult struct {
	Week uint64

	// Users holds one result per network user, ordered by id.
	Users []UserResult

	// Skipped lists every input inconsistency, ordered by user id.
	Skipped []*InputError
}

// Entries returns every entry ordered by generating user then level.
func (w *WeekResult) Entries() []Entry {
	var out []Entry
	for _, u := range w.Users {
		out = append(out, u.Entries...)
	}
	return out
}

// TotalDistributed sums every paid entry.
func (w *WeekResult) TotalDistributed() decimal.Decimal {
	total := decimal.Zero
	for _, u := range w.Users {
		total = total.Add(u.Distributed)
	}
	return total
}

// TotalPool sums the MLM pool of every processed user.
func (w *WeekResult) TotalPool() decimal.Decimal {
	total := decimal.Zero
	for _, u := range w.Users {
		total = total.Add(u.MLMPool)
	}
	return total
}

// ByRecipient groups paid amounts by receiving user.
func (w *WeekResult) ByRecipient() map[network.UserID]decimal.Decimal {
	out := make(map[network.UserID]decimal.Decimal)
	for _, u := range w.Users {
		for _, e := range u.Entries {
			out[e.ToUser] = out[e.ToUser].Add(e.Amount)
		}
	}
	return out
}
