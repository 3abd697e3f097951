package proof

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ideepx/proofengine/distributor/pkg/contentstore"
	"github.com/ideepx/proofengine/distributor/pkg/ledger"
	"github.com/ideepx/proofengine/distributor/pkg/metrics"
	"github.com/ideepx/proofengine/distributor/pkg/snapshot"
)

type PublisherConfig struct {
	Logger     *slog.Logger
	Store      Store
	Content    contentstore.Store
	Ledger     ledger.Ledger
	Authorizer *Authorizer
	Clock      clockwork.Clock
}

func (cfg *PublisherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("proof store is required")
	}
	if cfg.Content == nil {
		return errors.New("content store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Authorizer == nil {
		return errors.New("authorizer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Publisher struct {
	log *slog.Logger
	cfg PublisherConfig
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Publisher{log: cfg.Logger, cfg: cfg}, nil
}

func observe(to State, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ProofTransitionsTotal.WithLabelValues(to.String(), status).Inc()
}

// Draft records a validated snapshot as the week's draft. An existing
// unclaimed draft is replaced, so a rerun resumes instead of failing.
func (p *Publisher) Draft(ctx context.Context, s *snapshot.Snapshot, runID string) (rec Record, err error) {
	defer func() { observe(StateDraft, err) }()

	if err := snapshot.Validate(s); err != nil {
		return Record{}, err
	}
	doc, err := snapshot.Canonical(s)
	if err != nil {
		return Record{}, err
	}
	totals := s.Totals()
	rec = Record{
		Week:             s.WeekNumber,
		State:            StateDraft,
		ContentHash:      snapshot.ContentHash(doc),
		RulebookHash:     s.Rulebook.ContentHash,
		TotalUsers:       totals.Users,
		TotalCommissions: totals.Commissions,
		TotalProfits:     totals.Profits,
		RunID:            runID,
		CreatedAt:        p.cfg.Clock.Now().UTC(),
		Document:         doc,
	}

	err = p.cfg.Store.CreateDraft(ctx, rec)
	var dup *DuplicateWeekError
	switch {
	case err == nil:
		p.log.Info("proof: draft created", "week", rec.Week, "content_hash", rec.ContentHash, "run_id", runID)
		return rec, nil
	case errors.As(err, &dup) && dup.Resumable():
		if err := p.cfg.Store.UpdateDraft(ctx, rec); err != nil {
			return Record{}, fmt.Errorf("failed to update draft for week %d: %w", rec.Week, err)
		}
		p.log.Info("proof: draft resumed", "week", rec.Week, "content_hash", rec.ContentHash, "run_id", runID)
		return rec, nil
	default:
		return Record{}, err
	}
}

// Submit publishes the week's draft to the content store and anchors the
// commitment on the ledger. Failures before the ledger accepts the commitment
// leave the week in draft and may be retried.
func (p *Publisher) Submit(ctx context.Context, req SignedRequest, week uint64) (rec Record, err error) {
	defer func() { observe(StateSubmitted, err) }()

	principal, err := p.cfg.Authorizer.Authorize(req, ActionSubmit, week)
	if err != nil {
		p.log.Warn("proof: unauthorized submit", "week", week, "error", err)
		return Record{}, err
	}

	rec, err = p.cfg.Store.Get(ctx, week)
	if err != nil {
		return Record{}, err
	}
	if rec.State != StateDraft || rec.Claim != "" {
		return Record{}, &DuplicateWeekError{Week: week, State: rec.State, Claimed: rec.Claim != ""}
	}
	if err := checkDocument(rec.Document, rec); err != nil {
		return Record{}, fmt.Errorf("draft for week %d failed verification: %w", week, err)
	}

	claim := uuid.NewString()
	if err := p.cfg.Store.ClaimSubmission(ctx, week, claim); err != nil {
		return Record{}, err
	}
	release := func() {
		if err := p.cfg.Store.ReleaseClaim(context.WithoutCancel(ctx), week, claim); err != nil {
			p.log.Error("proof: failed to release submission claim", "week", week, "error", err)
		}
	}

	loc, err := p.cfg.Content.Put(ctx, rec.Document)
	if err != nil {
		release()
		return Record{}, fmt.Errorf("failed to publish snapshot for week %d: %w", week, err)
	}

	tx, err := p.cfg.Ledger.SubmitProof(ctx, commitment(rec, loc.String()))
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadySubmitted) || errors.Is(err, ledger.ErrAlreadyFinalized) {
			p.log.Error("proof: ledger already holds a commitment for a draft week", "week", week, "error", err)
			return Record{}, fmt.Errorf("%w: week %d: %w", ErrReconciliation, week, err)
		}
		release()
		return Record{}, err
	}

	now := p.cfg.Clock.Now().UTC()
	if err := p.cfg.Store.MarkSubmitted(context.WithoutCancel(ctx), week, claim, loc.String(), string(tx), principal, now); err != nil {
		p.log.Error("proof: commitment anchored but record not updated", "week", week, "tx", tx, "locator", loc, "error", err)
		return Record{}, fmt.Errorf("%w: week %d anchored in %s: %w", ErrReconciliation, week, tx, err)
	}

	rec.State = StateSubmitted
	rec.Locator = loc.String()
	rec.SubmitTx = string(tx)
	rec.SubmittedBy = principal
	rec.SubmittedAt = &now
	rec.Claim = ""
	rec.Document = nil
	p.log.Info("proof: submitted", "week", week, "locator", loc, "tx", tx)
	return rec, nil
}

// Finalize makes a submitted week immutable. Once the ledger call starts it
// is not cancelled; on failure the week stays submitted.
func (p *Publisher) Finalize(ctx context.Context, req SignedRequest, week uint64) (rec Record, err error) {
	defer func() { observe(StateFinalized, err) }()

	principal, err := p.cfg.Authorizer.Authorize(req, ActionFinalize, week)
	if err != nil {
		p.log.Warn("proof: unauthorized finalize", "week", week, "error", err)
		return Record{}, err
	}

	rec, err = p.cfg.Store.Get(ctx, week)
	if err != nil {
		return Record{}, err
	}
	if rec.State == StateFinalized {
		return Record{}, &DuplicateWeekError{Week: week, State: rec.State}
	}
	if err := Transition(rec.State, StateFinalized); err != nil {
		return Record{}, err
	}

	ctx = context.WithoutCancel(ctx)
	tx, err := p.cfg.Ledger.FinalizeProof(ctx, week)
	if err != nil {
		if errors.Is(err, ledger.ErrAlreadyFinalized) {
			p.log.Error("proof: ledger already finalized a submitted week", "week", week)
			return Record{}, fmt.Errorf("%w: week %d: %w", ErrReconciliation, week, err)
		}
		return Record{}, fmt.Errorf("failed to finalize week %d: %w", week, err)
	}

	now := p.cfg.Clock.Now().UTC()
	if err := p.cfg.Store.MarkFinalized(ctx, week, string(tx), principal, now); err != nil {
		p.log.Error("proof: finalized on ledger but record not updated", "week", week, "tx", tx, "error", err)
		return Record{}, fmt.Errorf("%w: week %d finalized in %s: %w", ErrReconciliation, week, tx, err)
	}

	rec.State = StateFinalized
	rec.FinalizeTx = string(tx)
	rec.FinalizedBy = principal
	rec.FinalizedAt = &now
	p.log.Info("proof: finalized", "week", week, "tx", tx)
	return rec, nil
}

func commitment(rec Record, locator string) ledger.Commitment {
	return ledger.Commitment{
		Week:             rec.Week,
		Locator:          locator,
		ContentHash:      rec.ContentHash,
		TotalUsers:       rec.TotalUsers,
		TotalCommissions: rec.TotalCommissions,
		TotalProfits:     rec.TotalProfits,
	}
}

// guardRestorer is a ledger that keeps an in-process duplicate guard.
type guardRestorer interface {
	Restore(c ledger.Commitment, finalized bool)
}

const restoreLimit = 1 << 20

// RestoreLedger seeds the ledger's duplicate guard from every submitted or
// finalized record, so a restarted process keeps rejecting repeated anchors.
// It returns the number of weeks restored.
func (p *Publisher) RestoreLedger(ctx context.Context) (int, error) {
	r, ok := p.cfg.Ledger.(guardRestorer)
	if !ok {
		return 0, nil
	}
	recs, err := p.cfg.Store.List(ctx, restoreLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list proofs for ledger restore: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if rec.State < StateSubmitted {
			continue
		}
		r.Restore(commitment(rec, rec.Locator), rec.State == StateFinalized)
		n++
	}
	p.log.Info("proof: ledger guard restored", "weeks", n)
	return n, nil
}

func (p *Publisher) Get(ctx context.Context, week uint64) (Record, error) {
	return p.cfg.Store.Get(ctx, week)
}

func (p *Publisher) Latest(ctx context.Context) (Record, error) {
	return p.cfg.Store.Latest(ctx)
}

// VerifyWeek fetches a published week's document and verifies it against
// the record.
func (p *Publisher) VerifyWeek(ctx context.Context, week uint64) (*snapshot.Snapshot, Record, error) {
	rec, err := p.cfg.Store.Get(ctx, week)
	if err != nil {
		return nil, Record{}, err
	}
	if rec.State < StateSubmitted {
		return nil, rec, fmt.Errorf("%w: week %d is not published", ErrNotFound, week)
	}
	start := time.Now()
	doc, err := p.cfg.Content.Get(ctx, contentstore.Locator(rec.Locator))
	metrics.ExternalCallDuration.WithLabelValues("content_get").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, rec, fmt.Errorf("failed to fetch snapshot for week %d: %w", week, err)
	}
	s, err := Verify(doc, rec)
	return s, rec, err
}
