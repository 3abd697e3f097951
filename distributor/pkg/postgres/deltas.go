package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ideepx/proofengine/distributor/pkg/network"
	"github.com/ideepx/proofengine/distributor/pkg/snapshot"
	"github.com/ideepx/proofengine/utils/pkg/dberror"
)

// DeltaWriter records the per-user balance changes of a finalized week for
// the wallet service to apply.
type DeltaWriter struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewDeltaWriter(log *slog.Logger, pool *pgxpool.Pool) (*DeltaWriter, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &DeltaWriter{log: log, pool: pool}, nil
}

// WriteDeltas inserts the deltas for week. Rows already present are left
// alone, so replaying a week writes nothing new.
func (w *DeltaWriter) WriteDeltas(ctx context.Context, week uint64, deltas []snapshot.Delta) (int, error) {
	if len(deltas) == 0 {
		return 0, nil
	}
	var written int
	err := pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
		var state string
		if err := tx.QueryRow(ctx, `SELECT state FROM weekly_proofs WHERE week = $1`, int64(week)).Scan(&state); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("no proof recorded for week %d", week)
			}
			return fmt.Errorf("failed to read proof state: %w", err)
		}
		if state != "finalized" {
			return fmt.Errorf("week %d is %s, deltas are written after finalization", week, state)
		}

		batch := &pgx.Batch{}
		for _, d := range deltas {
			batch.Queue(`
				INSERT INTO balance_deltas (week, user_id, wallet, amount)
				VALUES ($1, $2, $3, $4::numeric)
				ON CONFLICT (week, user_id) DO NOTHING
			`, int64(week), int64(d.UserID), d.Wallet, numeric(d.Amount))
		}
		br := tx.SendBatch(ctx, batch)
		for range deltas {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return fmt.Errorf("failed to insert balance delta: %w", err)
			}
			written += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	w.log.Info("postgres: balance deltas written", "week", week, "written", written, "total", len(deltas))
	return written, nil
}

// PendingDelta is a delta not yet applied to the user's balance.
type PendingDelta struct {
	snapshot.Delta
	Week      uint64
	CreatedAt time.Time
}

func (w *DeltaWriter) Pending(ctx context.Context, limit int) ([]PendingDelta, error) {
	if limit <= 0 {
		limit = 1000
	}
	return dberror.Retry(ctx, dberror.DefaultRetryConfig(), func() ([]PendingDelta, error) {
		rows, err := w.pool.Query(ctx, `
			SELECT week, user_id, wallet, amount::text, created_at
			FROM balance_deltas
			WHERE applied_at IS NULL
			ORDER BY week, user_id
			LIMIT $1
		`, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to query pending deltas: %w", err)
		}
		defer rows.Close()
		var out []PendingDelta
		for rows.Next() {
			var (
				p      PendingDelta
				week   int64
				userID int64
				amount string
			)
			if err := rows.Scan(&week, &userID, &p.Wallet, &amount, &p.CreatedAt); err != nil {
				return nil, fmt.Errorf("failed to scan delta: %w", err)
			}
			p.Week = uint64(week)
			p.UserID = network.UserID(userID)
			if p.Amount, err = parseDecimal("amount", amount); err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate deltas: %w", err)
		}
		return out, nil
	})
}

// MarkApplied stamps a week's deltas as applied.
func (w *DeltaWriter) MarkApplied(ctx context.Context, week uint64, at time.Time) (int64, error) {
	tag, err := w.pool.Exec(ctx, `
		UPDATE balance_deltas SET applied_at = $2
		WHERE week = $1 AND applied_at IS NULL
	`, int64(week), at)
	if err != nil {
		return 0, fmt.Errorf("failed to mark deltas applied: %w", err)
	}
	return tag.RowsAffected(), nil
}
