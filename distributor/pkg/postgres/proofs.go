package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ideepx/proofengine/distributor/pkg/proof"
	"github.com/ideepx/proofengine/utils/pkg/dberror"
)

// ProofStore implements proof.Store. The primary key on week and the
// conditional updates below are the single-flight guard for a week.
type ProofStore struct {
	log   *slog.Logger
	pool  *pgxpool.Pool
	retry dberror.RetryConfig
}

func NewProofStore(log *slog.Logger, pool *pgxpool.Pool) (*ProofStore, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &ProofStore{log: log, pool: pool, retry: dberror.DefaultRetryConfig()}, nil
}

const proofColumns = `
	week, state, content_hash, locator, rulebook_hash, total_users,
	total_commissions::text, total_profits::text, submit_tx, finalize_tx,
	submitted_by, finalized_by, run_id, claim, document, created_at,
	submitted_at, finalized_at`

func scanProof(row pgx.Row) (proof.Record, error) {
	var (
		rec                  proof.Record
		week                 int64
		state                string
		commissions, profits string
	)
	err := row.Scan(&week, &state, &rec.ContentHash, &rec.Locator, &rec.RulebookHash, &rec.TotalUsers,
		&commissions, &profits, &rec.SubmitTx, &rec.FinalizeTx,
		&rec.SubmittedBy, &rec.FinalizedBy, &rec.RunID, &rec.Claim, &rec.Document, &rec.CreatedAt,
		&rec.SubmittedAt, &rec.FinalizedAt)
	if err != nil {
		return proof.Record{}, err
	}
	rec.Week = uint64(week)
	if rec.State, err = proof.ParseState(state); err != nil {
		return proof.Record{}, err
	}
	if rec.TotalCommissions, err = parseDecimal("total_commissions", commissions); err != nil {
		return proof.Record{}, err
	}
	if rec.TotalProfits, err = parseDecimal("total_profits", profits); err != nil {
		return proof.Record{}, err
	}
	return rec, nil
}

// conflict reads the current row and turns it into the error a rejected
// conditional write should return.
func (s *ProofStore) conflict(ctx context.Context, week uint64) error {
	cur, err := s.Get(ctx, week)
	if err != nil {
		return err
	}
	return &proof.DuplicateWeekError{Week: week, State: cur.State, Claimed: cur.Claim != ""}
}

func (s *ProofStore) CreateDraft(ctx context.Context, rec proof.Record) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO weekly_proofs (week, state, content_hash, rulebook_hash, total_users,
			total_commissions, total_profits, run_id, document, created_at)
		VALUES ($1, 'draft', $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9)
		ON CONFLICT (week) DO NOTHING
	`, int64(rec.Week), rec.ContentHash, rec.RulebookHash, rec.TotalUsers,
		numeric(rec.TotalCommissions), numeric(rec.TotalProfits), rec.RunID, rec.Document, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create draft for week %d: %w", rec.Week, err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, rec.Week)
	}
	return nil
}

func (s *ProofStore) UpdateDraft(ctx context.Context, rec proof.Record) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE weekly_proofs SET
			content_hash = $2, rulebook_hash = $3, total_users = $4,
			total_commissions = $5::numeric, total_profits = $6::numeric,
			run_id = $7, document = $8
		WHERE week = $1 AND state = 'draft' AND claim = ''
	`, int64(rec.Week), rec.ContentHash, rec.RulebookHash, rec.TotalUsers,
		numeric(rec.TotalCommissions), numeric(rec.TotalProfits), rec.RunID, rec.Document)
	if err != nil {
		return fmt.Errorf("failed to update draft for week %d: %w", rec.Week, err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, rec.Week)
	}
	return nil
}

func (s *ProofStore) ClaimSubmission(ctx context.Context, week uint64, claim string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE weekly_proofs SET claim = $2
		WHERE week = $1 AND state = 'draft' AND claim = ''
	`, int64(week), claim)
	if err != nil {
		return fmt.Errorf("failed to claim week %d: %w", week, err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, week)
	}
	return nil
}

func (s *ProofStore) ReleaseClaim(ctx context.Context, week uint64, claim string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE weekly_proofs SET claim = ''
		WHERE week = $1 AND state = 'draft' AND claim = $2
	`, int64(week), claim)
	if err != nil {
		return fmt.Errorf("failed to release claim on week %d: %w", week, err)
	}
	return nil
}

// MarkSubmitted moves a claimed draft to submitted. A retried update whose
// earlier attempt committed finds the row already submitted with the same
// transaction and succeeds.
func (s *ProofStore) MarkSubmitted(ctx context.Context, week uint64, claim string, locator, tx, by string, at time.Time) error {
	_, err := dberror.Retry(ctx, s.retry, func() (struct{}, error) {
		tag, err := s.pool.Exec(ctx, `
			UPDATE weekly_proofs SET
				state = 'submitted', claim = '', locator = $3, submit_tx = $4,
				submitted_by = $5, submitted_at = $6, document = NULL
			WHERE week = $1 AND state = 'draft' AND claim = $2
		`, int64(week), claim, locator, tx, by, at)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to mark week %d submitted: %w", week, err)
		}
		if tag.RowsAffected() == 0 {
			cur, err := s.Get(ctx, week)
			if err != nil {
				return struct{}{}, err
			}
			if cur.State == proof.StateSubmitted && cur.SubmitTx == tx && cur.Locator == locator {
				s.log.Warn("postgres: week already marked submitted by this transaction", "week", week, "tx", tx)
				return struct{}{}, nil
			}
			return struct{}{}, &proof.DuplicateWeekError{Week: week, State: cur.State, Claimed: cur.Claim != ""}
		}
		return struct{}{}, nil
	})
	return err
}

// MarkFinalized moves a submitted week to finalized. Like MarkSubmitted it
// treats a row already finalized by the same transaction as success.
func (s *ProofStore) MarkFinalized(ctx context.Context, week uint64, tx, by string, at time.Time) error {
	_, err := dberror.Retry(ctx, s.retry, func() (struct{}, error) {
		tag, err := s.pool.Exec(ctx, `
			UPDATE weekly_proofs SET
				state = 'finalized', finalize_tx = $2, finalized_by = $3, finalized_at = $4
			WHERE week = $1 AND state = 'submitted'
		`, int64(week), tx, by, at)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to mark week %d finalized: %w", week, err)
		}
		if tag.RowsAffected() == 0 {
			cur, err := s.Get(ctx, week)
			if err != nil {
				return struct{}{}, err
			}
			if cur.State == proof.StateFinalized && cur.FinalizeTx == tx {
				s.log.Warn("postgres: week already marked finalized by this transaction", "week", week, "tx", tx)
				return struct{}{}, nil
			}
			if cur.State == proof.StateFinalized {
				return struct{}{}, &proof.DuplicateWeekError{Week: week, State: cur.State}
			}
			return struct{}{}, proof.Transition(cur.State, proof.StateFinalized)
		}
		return struct{}{}, nil
	})
	return err
}

func (s *ProofStore) Get(ctx context.Context, week uint64) (proof.Record, error) {
	return dberror.Retry(ctx, s.retry, func() (proof.Record, error) {
		rec, err := scanProof(s.pool.QueryRow(ctx, `SELECT `+proofColumns+` FROM weekly_proofs WHERE week = $1`, int64(week)))
		if errors.Is(err, pgx.ErrNoRows) {
			return proof.Record{}, fmt.Errorf("%w: week %d", proof.ErrNotFound, week)
		}
		if err != nil {
			return proof.Record{}, fmt.Errorf("failed to get proof for week %d: %w", week, err)
		}
		return rec, nil
	})
}

// Latest returns the highest published week.
func (s *ProofStore) Latest(ctx context.Context) (proof.Record, error) {
	return dberror.Retry(ctx, s.retry, func() (proof.Record, error) {
		rec, err := scanProof(s.pool.QueryRow(ctx, `
			SELECT `+proofColumns+` FROM weekly_proofs
			WHERE state IN ('submitted', 'finalized')
			ORDER BY week DESC
			LIMIT 1
		`))
		if errors.Is(err, pgx.ErrNoRows) {
			return proof.Record{}, proof.ErrNotFound
		}
		if err != nil {
			return proof.Record{}, fmt.Errorf("failed to get latest proof: %w", err)
		}
		return rec, nil
	})
}

// List returns records newest first without their draft documents.
func (s *ProofStore) List(ctx context.Context, limit int) ([]proof.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return dberror.Retry(ctx, s.retry, func() ([]proof.Record, error) {
		rows, err := s.pool.Query(ctx, `SELECT `+proofColumns+` FROM weekly_proofs ORDER BY week DESC LIMIT $1`, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list proofs: %w", err)
		}
		defer rows.Close()
		var out []proof.Record
		for rows.Next() {
			rec, err := scanProof(rows)
			if err != nil {
				return nil, fmt.Errorf("failed to scan proof: %w", err)
			}
			rec.Document = nil
			out = append(out, rec)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate proofs: %w", err)
		}
		return out, nil
	})
}
