// Package ledger anchors weekly proof commitments on an append-only ledger.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// MicroPlaces is the number of decimals in ledger amounts.
const MicroPlaces = 6

var (
	ErrAlreadySubmitted = errors.New("week already submitted")
	ErrAlreadyFinalized = errors.New("week already finalized")
	ErrNotSubmitted     = errors.New("week not submitted")
)

// Commitment is what gets anchored for a week.
type Commitment struct {
	Week             uint64
	Locator          string
	ContentHash      string
	TotalUsers       int
	TotalCommissions decimal.Decimal
	TotalProfits     decimal.Decimal
}

// TxRef identifies a ledger transaction.
type TxRef string

type Ledger interface {
	SubmitProof(ctx context.Context, c Commitment) (TxRef, error)
	FinalizeProof(ctx context.Context, week uint64) (TxRef, error)
}

// MicroUnits converts an amount to integer micro-units, truncating.
func MicroUnits(d decimal.Decimal) (uint64, error) {
	if d.IsNegative() {
		return 0, fmt.Errorf("amount %s must not be negative", d)
	}
	n := d.Shift(MicroPlaces).Truncate(0).BigInt()
	if !n.IsUint64() {
		return 0, fmt.Errorf("amount %s overflows micro-units", d)
	}
	return n.Uint64(), nil
}

// memo is the JSON payload written on chain.
type memo struct {
	App         string `json:"app"`
	Op          string `json:"op"`
	Week        uint64 `json:"week"`
	Locator     string `json:"locator,omitempty"`
	Hash        string `json:"hash,omitempty"`
	Users       int    `json:"users,omitempty"`
	Commissions uint64 `json:"commissions,omitempty"`
	Profits     uint64 `json:"profits,omitempty"`
}

const memoApp = "ideepx-proof"

func submitMemo(c Commitment) ([]byte, error) {
	commissions, err := MicroUnits(c.TotalCommissions)
	if err != nil {
		return nil, err
	}
	profits, err := MicroUnits(c.TotalProfits)
	if err != nil {
		return nil, err
	}
	return json.Marshal(memo{
		App:         memoApp,
		Op:          "submit",
		Week:        c.Week,
		Locator:     c.Locator,
		Hash:        c.ContentHash,
		Users:       c.TotalUsers,
		Commissions: commissions,
		Profits:     profits,
	})
}

func finalizeMemo(week uint64) ([]byte, error) {
	return json.Marshal(memo{App: memoApp, Op: "finalize", Week: week})
}

// weekGuard rejects out-of-order or repeated operations for a week.
type weekGuard struct {
	mu        sync.Mutex
	submitted map[uint64]Commitment
	finalized map[uint64]bool
}

func newWeekGuard() *weekGuard {
	return &weekGuard{submitted: make(map[uint64]Commitment), finalized: make(map[uint64]bool)}
}

func (g *weekGuard) beginSubmit(c Commitment) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalized[c.Week] {
		return fmt.Errorf("%w: %d", ErrAlreadyFinalized, c.Week)
	}
	if _, ok := g.submitted[c.Week]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadySubmitted, c.Week)
	}
	g.submitted[c.Week] = c
	return nil
}

func (g *weekGuard) abortSubmit(week uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.submitted, week)
}

func (g *weekGuard) beginFinalize(week uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalized[week] {
		return fmt.Errorf("%w: %d", ErrAlreadyFinalized, week)
	}
	if _, ok := g.submitted[week]; !ok {
		return fmt.Errorf("%w: %d", ErrNotSubmitted, week)
	}
	g.finalized[week] = true
	return nil
}

func (g *weekGuard) abortFinalize(week uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.finalized, week)
}

func (g *weekGuard) commitment(week uint64) (Commitment, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.submitted[week]
	return c, ok
}

// Restore marks weeks as already submitted or finalized, so a restarted
// process keeps rejecting duplicates.
func (g *weekGuard) restore(c Commitment, finalized bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitted[c.Week] = c
	if finalized {
		g.finalized[c.Week] = true
	}
}

// MemoryLedger is an in-process ledger for tests and dry runs.
type MemoryLedger struct {
	guard *weekGuard
	mu    sync.Mutex
	txs   []string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{guard: newWeekGuard()}
}

func (l *MemoryLedger) SubmitProof(ctx context.Context, c Commitment) (TxRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := submitMemo(c)
	if err != nil {
		return "", err
	}
	if err := l.guard.beginSubmit(c); err != nil {
		return "", err
	}
	return l.append(data), nil
}

func (l *MemoryLedger) FinalizeProof(ctx context.Context, week uint64) (TxRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := finalizeMemo(week)
	if err != nil {
		return "", err
	}
	if err := l.guard.beginFinalize(week); err != nil {
		return "", err
	}
	return l.append(data), nil
}

func (l *MemoryLedger) append(data []byte) TxRef {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs = append(l.txs, string(data))
	return TxRef(fmt.Sprintf("mem-%d", len(l.txs)))
}

// Commitment returns what was anchored for week.
func (l *MemoryLedger) Commitment(week uint64) (Commitment, bool) {
	return l.guard.commitment(week)
}

// Memos returns every memo written, in order.
func (l *MemoryLedger) Memos() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.txs...)
}

func (l *MemoryLedger) Restore(c Commitment, finalized bool) {
	l.guard.restore(c, finalized)
}
