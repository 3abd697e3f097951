package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/ideepx/proofengine/distributor/pkg/metrics"
	"github.com/ideepx/proofengine/distributor/pkg/snapshot"
)

type ExporterConfig struct {
	Logger *slog.Logger
	Conn   Conn
	Clock  clockwork.Clock
}

func (cfg *ExporterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("conn is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Exporter writes per-user and per-level results of a published snapshot.
// Tables are ReplacingMergeTree keyed by week, so exporting a week again
// replaces its rows.
type Exporter struct {
	log *slog.Logger
	cfg ExporterConfig
}

func NewExporter(cfg ExporterConfig) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Exporter{log: cfg.Logger, cfg: cfg}, nil
}

func (e *Exporter) Export(ctx context.Context, s *snapshot.Snapshot, contentHash string) error {
	start := time.Now()
	defer func() {
		metrics.ExternalCallDuration.WithLabelValues("clickhouse").Observe(time.Since(start).Seconds())
	}()

	now := e.cfg.Clock.Now().UTC()

	users, err := e.cfg.Conn.PrepareBatch(ctx, `INSERT INTO weekly_user_results (
		week, user_id, wallet, sponsor_id, active, unlocked_level, tier,
		net_profit, client_share, company_fee, mlm_pool, commissions_generated,
		commissions_received, forfeited, unallocated, subscription_charge,
		net_received, skip_reason, content_hash, exported_at)`)
	if err != nil {
		return fmt.Errorf("failed to prepare user batch: %w", err)
	}
	for _, u := range s.Users {
		err := users.Append(
			s.WeekNumber, int64(u.UserID), u.Wallet, int64(u.SponsorID), u.Active, uint8(u.UnlockedLevel), u.Tier,
			u.NetProfit, u.ClientShare, u.CompanyFee, u.MLMPool, u.CommissionsGenerated,
			u.CommissionsReceived, u.Forfeited, u.Unallocated, u.SubscriptionCharge,
			u.NetReceived, u.Skipped, contentHash, now,
		)
		if err != nil {
			users.Abort()
			return fmt.Errorf("failed to append user %d: %w", u.UserID, err)
		}
	}
	if err := users.Send(); err != nil {
		return fmt.Errorf("failed to send user batch: %w", err)
	}

	levels, err := e.cfg.Conn.PrepareBatch(ctx, `INSERT INTO weekly_level_results (
		week, level, percentage, total_paid, entries, recipients, forfeited,
		unreached, content_hash, exported_at)`)
	if err != nil {
		return fmt.Errorf("failed to prepare level batch: %w", err)
	}
	for _, l := range s.Levels {
		err := levels.Append(
			s.WeekNumber, uint8(l.Level), l.Percentage, l.TotalPaid, uint32(l.Entries), uint32(l.Recipients),
			l.Forfeited, l.Unreached, contentHash, now,
		)
		if err != nil {
			levels.Abort()
			return fmt.Errorf("failed to append level %d: %w", l.Level, err)
		}
	}
	if err := levels.Send(); err != nil {
		return fmt.Errorf("failed to send level batch: %w", err)
	}

	e.log.Info("clickhouse: week exported", "week", s.WeekNumber, "users", len(s.Users), "levels", len(s.Levels))
	return nil
}

// WeekSummary aggregates one exported week.
type WeekSummary struct {
	Week             uint64
	Users            uint64
	TotalProfits     decimal.Decimal
	TotalCommissions decimal.Decimal
	TotalNetReceived decimal.Decimal
	ContentHash      string
}

// Summaries returns the most recent exported weeks, newest first.
func (e *Exporter) Summaries(ctx context.Context, limit int) ([]WeekSummary, error) {
	if limit <= 0 {
		limit = 12
	}
	rows, err := e.cfg.Conn.Query(ctx, `
		SELECT
			week,
			count() AS users,
			sum(net_profit) AS profits,
			sum(commissions_received) AS commissions,
			sum(net_received) AS net_received,
			any(content_hash) AS content_hash
		FROM weekly_user_results FINAL
		GROUP BY week
		ORDER BY week DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query week summaries: %w", err)
	}
	defer rows.Close()

	var out []WeekSummary
	for rows.Next() {
		var s WeekSummary
		if err := rows.Scan(&s.Week, &s.Users, &s.TotalProfits, &s.TotalCommissions, &s.TotalNetReceived, &s.ContentHash); err != nil {
			return nil, fmt.Errorf("failed to scan week summary: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate week summaries: %w", err)
	}
	return out, nil
}
