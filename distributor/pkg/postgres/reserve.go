package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ideepx/proofengine/distributor/pkg/solvency"
	"github.com/ideepx/proofengine/utils/pkg/dberror"
)

// ReserveSource reads the latest recorded reserve and the sum of internal
// balances.
type ReserveSource struct {
	pool  *pgxpool.Pool
	retry dberror.RetryConfig
}

func NewReserveSource(pool *pgxpool.Pool) (*ReserveSource, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &ReserveSource{pool: pool, retry: dberror.DefaultRetryConfig()}, nil
}

func (s *ReserveSource) Balances(ctx context.Context) (solvency.Balances, error) {
	return dberror.Retry(ctx, s.retry, func() (solvency.Balances, error) {
		var reserve, liabilities string
		err := s.pool.QueryRow(ctx, `
			SELECT
				COALESCE((SELECT amount FROM reserve_balances ORDER BY recorded_at DESC, id DESC LIMIT 1), 0)::text,
				COALESCE((SELECT SUM(internal_balance) FROM users), 0)::text
		`).Scan(&reserve, &liabilities)
		if err != nil {
			return solvency.Balances{}, fmt.Errorf("failed to query balances: %w", err)
		}
		var bal solvency.Balances
		if bal.Reserve, err = parseDecimal("reserve", reserve); err != nil {
			return solvency.Balances{}, err
		}
		if bal.Liabilities, err = parseDecimal("liabilities", liabilities); err != nil {
			return solvency.Balances{}, err
		}
		return bal, nil
	})
}

// RecordReserve appends a reserve figure. The newest one is authoritative.
func (s *ReserveSource) RecordReserve(ctx context.Context, amount decimal.Decimal) error {
	if _, err := s.pool.Exec(ctx, `INSERT INTO reserve_balances (amount) VALUES ($1::numeric)`, numeric(amount)); err != nil {
		return fmt.Errorf("failed to record reserve: %w", err)
	}
	return nil
}
