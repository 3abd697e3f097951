package neo4j

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/shopspring/decimal"

	"github.com/ideepx/proofengine/distributor/pkg/network"
)

type NetworkSourceConfig struct {
	Logger   *slog.Logger
	Driver   neo4j.DriverWithContext
	Database string
}

func (cfg *NetworkSourceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Driver == nil {
		return errors.New("driver is required")
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	return nil
}

// NetworkSource implements network.Source and network.LevelWriter on the
// graph. Amounts are stored as decimal strings.
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

func (s *NetworkSource) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.cfg.Driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.cfg.Database, AccessMode: mode})
}

func (s *NetworkSource) LoadUsers(ctx context.Context) ([]network.User, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (u:User)
			OPTIONAL MATCH (u)-[:SPONSORED_BY]->(s:User)
			RETURN u.id AS id, u.wallet AS wallet, s.id AS sponsor, u.active AS active,
				u.unlockedLevel AS unlockedLevel, u.monthlyVolume AS monthlyVolume,
				u.totalEarned AS totalEarned, u.internalBalance AS internalBalance
			ORDER BY u.id
		`, nil)
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		users := make([]network.User, 0, len(records))
		for _, rec := range records {
			u, err := userFromRecord(rec)
			if err != nil {
				return nil, err
			}
			users = append(users, u)
		}
		return users, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load users from graph: %w", err)
	}
	users := out.([]network.User)
	s.log.Debug("neo4j: loaded users", "count", len(users))
	return users, nil
}

func userFromRecord(rec *neo4j.Record) (network.User, error) {
	var u network.User
	id, _, err := neo4j.GetRecordValue[int64](rec, "id")
	if err != nil {
		return u, fmt.Errorf("invalid user id: %w", err)
	}
	u.ID = network.UserID(id)
	if u.Wallet, _, err = neo4j.GetRecordValue[string](rec, "wallet"); err != nil {
		return u, fmt.Errorf("invalid wallet for user %d: %w", id, err)
	}
	sponsor, isNil, err := neo4j.GetRecordValue[int64](rec, "sponsor")
	if err != nil && !isNil {
		return u, fmt.Errorf("invalid sponsor for user %d: %w", id, err)
	}
	u.SponsorID = network.UserID(sponsor)
	active, _, _ := neo4j.GetRecordValue[bool](rec, "active")
	u.Active = active
	level, _, _ := neo4j.GetRecordValue[int64](rec, "unlockedLevel")
	u.UnlockedLevel = int(level)

	for key, dst := range map[string]*decimal.Decimal{
		"monthlyVolume":   &u.MonthlyVolume,
		"totalEarned":     &u.TotalEarned,
		"internalBalance": &u.InternalBalance,
	} {
		v, err := decimalValue(rec, key)
		if err != nil {
			return u, fmt.Errorf("invalid %s for user %d: %w", key, id, err)
		}
		*dst = v
	}
	return u, nil
}

// decimalValue reads a decimal string property. A missing property is zero.
func decimalValue(rec *neo4j.Record, key string) (decimal.Decimal, error) {
	raw, isNil, err := neo4j.GetRecordValue[string](rec, key)
	if isNil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func (s *NetworkSource) LoadPerformance(ctx context.Context, week uint64) ([]network.Performance, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (u:User)-[:REPORTED]->(p:WeeklyPerformance {week: $week})
			RETURN u.id AS id, p.netProfit AS netProfit, p.volume AS volume
			ORDER BY u.id
		`, map[string]any{"week": int64(week)})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		perf := make([]network.Performance, 0, len(records))
		for _, rec := range records {
			id, _, err := neo4j.GetRecordValue[int64](rec, "id")
			if err != nil {
				return nil, fmt.Errorf("invalid user id: %w", err)
			}
			p := network.Performance{UserID: network.UserID(id), Week: week}
			if p.NetProfit, err = decimalValue(rec, "netProfit"); err != nil {
				return nil, fmt.Errorf("invalid net profit for user %d: %w", id, err)
			}
			if p.Volume, err = decimalValue(rec, "volume"); err != nil {
				return nil, fmt.Errorf("invalid volume for user %d: %w", id, err)
			}
			perf = append(perf, p)
		}
		return perf, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load performance from graph: %w", err)
	}
	return out.([]network.Performance), nil
}

func (s *NetworkSource) SaveUnlockedLevels(ctx context.Context, levels map[network.UserID]int) error {
	if len(levels) == 0 {
		return nil
	}
	rows := make([]map[string]any, 0, len(levels))
	for id, level := range levels {
		rows = append(rows, map[string]any{"id": int64(id), "level": int64(level)})
	}
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			UNWIND $rows AS row
			MATCH (u:User {id: row.id})
			SET u.unlockedLevel = row.level
		`, map[string]any{"rows": rows})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to save unlocked levels: %w", err)
	}
	s.log.Info("neo4j: unlocked levels saved", "count", len(levels))
	return nil
}

// SyncUsers merges users into the graph and points each at its sponsor.
// Existing sponsor edges are replaced.
func (s *NetworkSource) SyncUsers(ctx context.Context, users []network.User) error {
	rows := make([]map[string]any, 0, len(users))
	for _, u := range users {
		rows = append(rows, map[string]any{
			"id":              int64(u.ID),
			"wallet":          u.Wallet,
			"sponsor":         int64(u.SponsorID),
			"active":          u.Active,
			"unlockedLevel":   int64(u.UnlockedLevel),
			"monthlyVolume":   u.MonthlyVolume.String(),
			"totalEarned":     u.TotalEarned.String(),
			"internalBalance": u.InternalBalance.String(),
		})
	}
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			UNWIND $rows AS row
			MERGE (u:User {id: row.id})
			SET u.wallet = row.wallet, u.active = row.active, u.unlockedLevel = row.unlockedLevel,
				u.monthlyVolume = row.monthlyVolume, u.totalEarned = row.totalEarned,
				u.internalBalance = row.internalBalance
		`, map[string]any{"rows": rows})
		if err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}
		res, err = tx.Run(ctx, `
			UNWIND $rows AS row
			MATCH (u:User {id: row.id})
			OPTIONAL MATCH (u)-[old:SPONSORED_BY]->()
			DELETE old
			WITH DISTINCT u, row
			WHERE row.sponsor <> 0
			MERGE (s:User {id: row.sponsor})
			MERGE (u)-[:SPONSORED_BY]->(s)
		`, map[string]any{"rows": rows})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to sync users: %w", err)
	}
	s.log.Info("neo4j: users synced", "count", len(users))
	return nil
}

// SyncPerformance replaces the graph's performance records for the given
// (user, week) pairs.
func (s *NetworkSource) SyncPerformance(ctx context.Context, records []network.Performance) error {
	rows := make([]map[string]any, 0, len(records))
	for _, p := range records {
		rows = append(rows, map[string]any{
			"id":        int64(p.UserID),
			"week":      int64(p.Week),
			"netProfit": p.NetProfit.String(),
			"volume":    p.Volume.String(),
		})
	}
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			UNWIND $rows AS row
			MERGE (u:User {id: row.id})
			MERGE (u)-[:REPORTED]->(p:WeeklyPerformance {userId: row.id, week: row.week})
			SET p.netProfit = row.netProfit, p.volume = row.volume
		`, map[string]any{"rows": rows})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to sync performance: %w", err)
	}
	return nil
}
