// Package proof moves each week's snapshot through draft, submission and
// finalization, and lets anyone verify a published snapshot.
package proof

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound             = errors.New("proof not found")
	ErrWeekInProgress       = errors.New("week already exists in draft")
	ErrWeekAlreadySubmitted = errors.New("week already submitted")
	ErrWeekFinalized        = errors.New("week already finalized")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrReconciliation       = errors.New("week requires manual reconciliation")
)

// Record is the WeeklyProof for one week.
type Record struct {
	Week             uint64          `json:"weekNumber"`
	State            State           `json:"state"`
	ContentHash      string          `json:"contentHash"`
	Locator          string          `json:"contentLocator,omitempty"`
	RulebookHash     string          `json:"rulebookHash"`
	TotalUsers       int             `json:"totalUsers"`
	TotalCommissions decimal.Decimal `json:"totalCommissions"`
	TotalProfits     decimal.Decimal `json:"totalProfits"`
	SubmitTx         string          `json:"submitTx,omitempty"`
	FinalizeTx       string          `json:"finalizeTx,omitempty"`
	SubmittedBy      string          `json:"submittedBy,omitempty"`
	FinalizedBy      string          `json:"finalizedBy,omitempty"`
	RunID            string          `json:"runId,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	SubmittedAt      *time.Time      `json:"submittedAt,omitempty"`
	FinalizedAt      *time.Time      `json:"finalizedAt,omitempty"`

	// Claim is set while a submission is talking to the content store and
	// ledger.
	Claim string `json:"-"`
	// Document holds the canonical snapshot bytes until publication.
	Document []byte `json:"-"`
}

func (r Record) Finalized() bool { return r.State == StateFinalized }

// DuplicateWeekError reports that a week already has a proof record or is
// being processed by another run.
type DuplicateWeekError struct {
	Week    uint64
	State   State
	Claimed bool
	// Running is set when another run holds the distribution lock.
	Running bool
}

func (e *DuplicateWeekError) Error() string {
	switch {
	case e.Running:
		return fmt.Sprintf("week %d is being processed by another run", e.Week)
	case e.State == StateFinalized:
		return fmt.Sprintf("week %d already finalized", e.Week)
	case e.State == StateSubmitted || e.Claimed:
		return fmt.Sprintf("week %d already submitted", e.Week)
	default:
		return fmt.Sprintf("week %d already exists in draft", e.Week)
	}
}

func (e *DuplicateWeekError) Unwrap() error {
	switch {
	case e.Running:
		return ErrWeekInProgress
	case e.State == StateFinalized:
		return ErrWeekFinalized
	case e.State == StateSubmitted || e.Claimed:
		return ErrWeekAlreadySubmitted
	default:
		return ErrWeekInProgress
	}
}

// Resumable reports whether the run can continue from the existing record.
func (e *DuplicateWeekError) Resumable() bool {
	return e.State == StateDraft && !e.Claimed && !e.Running
}

// Store persists proof records. Every state change is conditional on the
// current state so concurrent callers cannot both succeed.
type Store interface {
	// CreateDraft inserts a draft. It returns a *DuplicateWeekError if the
	// week already has a record.
	CreateDraft(ctx context.Context, rec Record) error
	// UpdateDraft replaces the content of an unclaimed draft.
	UpdateDraft(ctx context.Context, rec Record) error
	// ClaimSubmission marks an unclaimed draft as being submitted.
	ClaimSubmission(ctx context.Context, week uint64, claim string) error
	// ReleaseClaim clears a claim after a failed submission.
	ReleaseClaim(ctx context.Context, week uint64, claim string) error
	MarkSubmitted(ctx context.Context, week uint64, claim string, locator, tx, by string, at time.Time) error
	MarkFinalized(ctx context.Context, week uint64, tx, by string, at time.Time) error
	Get(ctx context.Context, week uint64) (Record, error)
	Latest(ctx context.Context) (Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
}
