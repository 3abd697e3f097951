package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ideepx/proofengine/distributor/pkg/network"
	"github.com/ideepx/proofengine/utils/pkg/dberror"
)

type NetworkSourceConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
	Retry  dberror.RetryConfig
}

func (cfg *NetworkSourceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = dberror.DefaultRetryConfig()
	}
	return nil
}

// NetworkSource reads users and weekly performance and writes unlocked levels.
type NetworkSource struct {
	log *slog.Logger
	cfg NetworkSourceConfig
}

func NewNetworkSource(cfg NetworkSourceConfig) (*NetworkSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &NetworkSource{log: cfg.Logger, cfg: cfg}, nil
}

func (s *NetworkSource) LoadUsers(ctx context.Context) ([]network.User, error) {
	return dberror.Retry(ctx, s.cfg.Retry, func() ([]network.User, error) {
		rows, err := s.cfg.Pool.Query(ctx, `
			SELECT id, wallet, COALESCE(sponsor_id, 0), active, unlocked_level,
				monthly_volume::text, total_earned::text, internal_balance::text
			FROM users
			ORDER BY id
		`)
		if err != nil {
			return nil, fmt.Errorf("failed to query users: %w", err)
		}
		defer rows.Close()

		var users []network.User
		for rows.Next() {
			var (
				u                       network.User
				id, sponsor             int64
				volume, earned, balance string
			)
			if err := rows.Scan(&id, &u.Wallet, &sponsor, &u.Active, &u.UnlockedLevel, &volume, &earned, &balance); err != nil {
				return nil, fmt.Errorf("failed to scan user: %w", err)
			}
			u.ID = network.UserID(id)
			u.SponsorID = network.UserID(sponsor)
			if u.MonthlyVolume, err = parseDecimal("monthly_volume", volume); err != nil {
				return nil, err
			}
			if u.TotalEarned, err = parseDecimal("total_earned", earned); err != nil {
				return nil, err
			}
			if u.InternalBalance, err = parseDecimal("internal_balance", balance); err != nil {
				return nil, err
			}
			users = append(users, u)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate users: %w", err)
		}
		s.log.Debug("postgres: loaded users", "count", len(users))
		return users, nil
	})
}

func (s *NetworkSource) LoadPerformance(ctx context.Context, week uint64) ([]network.Performance, error) {
	return dberror.Retry(ctx, s.cfg.Retry, func() ([]network.Performance, error) {
		rows, err := s.cfg.Pool.Query(ctx, `
			SELECT user_id, net_profit::text, volume::text
			FROM weekly_performance
			WHERE week = $1
			ORDER BY user_id
		`, int64(week))
		if err != nil {
			return nil, fmt.Errorf("failed to query performance: %w", err)
		}
		defer rows.Close()

		var out []network.Performance
		for rows.Next() {
			var (
				id             int64
				profit, volume string
			)
			if err := rows.Scan(&id, &profit, &volume); err != nil {
				return nil, fmt.Errorf("failed to scan performance: %w", err)
			}
			p := network.Performance{UserID: network.UserID(id), Week: week}
			if p.NetProfit, err = parseDecimal("net_profit", profit); err != nil {
				return nil, err
			}
			if p.Volume, err = parseDecimal("volume", volume); err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate performance: %w", err)
		}
		s.log.Debug("postgres: loaded performance", "week", week, "count", len(out))
		return out, nil
	})
}

// SaveUnlockedLevels writes the given levels in one transaction.
func (s *NetworkSource) SaveUnlockedLevels(ctx context.Context, levels map[network.UserID]int) error {
	if len(levels) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.cfg.Pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for id, level := range levels {
			batch.Queue(`UPDATE users SET unlocked_level = $2, updated_at = NOW() WHERE id = $1`, int64(id), level)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to update unlocked levels: %w", err)
		}
		s.log.Info("postgres: unlocked levels saved", "count", len(levels))
		return nil
	})
}

// UpsertUsers inserts or replaces users. Sponsors are not required to exist.
func (s *NetworkSource) UpsertUsers(ctx context.Context, users []network.User) error {
	return pgx.BeginFunc(ctx, s.cfg.Pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, u := range users {
			var sponsor *int64
			if u.SponsorID != 0 {
				v := int64(u.SponsorID)
				sponsor = &v
			}
			batch.Queue(`
				INSERT INTO users (id, wallet, sponsor_id, active, unlocked_level, monthly_volume, total_earned, internal_balance)
				VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric)
				ON CONFLICT (id) DO UPDATE SET
					wallet = EXCLUDED.wallet,
					sponsor_id = EXCLUDED.sponsor_id,
					active = EXCLUDED.active,
					unlocked_level = EXCLUDED.unlocked_level,
					monthly_volume = EXCLUDED.monthly_volume,
					total_earned = EXCLUDED.total_earned,
					internal_balance = EXCLUDED.internal_balance,
					updated_at = NOW()
			`, int64(u.ID), u.Wallet, sponsor, u.Active, u.UnlockedLevel,
				numeric(u.MonthlyVolume), numeric(u.TotalEarned), numeric(u.InternalBalance))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to upsert users: %w", err)
		}
		return nil
	})
}

// UpsertPerformance records weekly performance, replacing existing rows.
func (s *NetworkSource) UpsertPerformance(ctx context.Context, records []network.Performance) error {
	return pgx.BeginFunc(ctx, s.cfg.Pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range records {
			batch.Queue(`
				INSERT INTO weekly_performance (user_id, week, net_profit, volume)
				VALUES ($1, $2, $3::numeric, $4::numeric)
				ON CONFLICT (week, user_id) DO UPDATE SET
					net_profit = EXCLUDED.net_profit,
					volume = EXCLUDED.volume
			`, int64(p.UserID), int64(p.Week), numeric(p.NetProfit), numeric(p.Volume))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to upsert performance: %w", err)
		}
		return nil
	})
}

func numeric(d decimal.Decimal) string {
	return d.String()
}
