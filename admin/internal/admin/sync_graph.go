package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ideepx/proofengine/distributor/pkg/network"
)

type GraphSyncer interface {
	SyncUsers(ctx context.Context, users []network.User) error
	SyncPerformance(ctx context.Context, records []network.Performance) error
}

type SyncGraphConfig struct {
	Source network.Source
	Graph  GraphSyncer
	Weeks  []uint64
	DryRun bool
	Out    io.Writer
}

type SyncGraphResult struct {
	Users       int
	Performance int
}

// SyncGraph copies users, sponsor links and the given weeks' performance from
// the system of record into the graph. The source network is built first so a
// sponsor cycle is never copied.
func SyncGraph(ctx context.Context, log *slog.Logger, cfg SyncGraphConfig) (SyncGraphResult, error) {
	var res SyncGraphResult
	if cfg.Source == nil || cfg.Graph == nil {
		return res, errors.New("source and graph are required")
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}

	users, err := cfg.Source.LoadUsers(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to load users: %w", err)
	}
	net, err := network.New(users)
	if err == nil {
		err = net.DetectCycles()
	}
	if err != nil {
		return res, fmt.Errorf("refusing to sync invalid network: %w", err)
	}
	res.Users = len(users)

	perf := make(map[uint64][]network.Performance, len(cfg.Weeks))
	for _, week := range cfg.Weeks {
		records, err := cfg.Source.LoadPerformance(ctx, week)
		if err != nil {
			return res, fmt.Errorf("failed to load performance for week %d: %w", week, err)
		}
		perf[week] = records
		res.Performance += len(records)
	}

	fmt.Fprintf(cfg.Out, "Sync Graph\n")
	fmt.Fprintf(cfg.Out, "  Users:               %d\n", res.Users)
	fmt.Fprintf(cfg.Out, "  Weeks:               %v\n", cfg.Weeks)
	fmt.Fprintf(cfg.Out, "  Performance records: %d\n", res.Performance)
	fmt.Fprintf(cfg.Out, "  Dry run:             %v\n\n", cfg.DryRun)
	if cfg.DryRun {
		fmt.Fprintln(cfg.Out, "[DRY RUN] Would sync the above to the graph")
		return res, nil
	}

	if err := cfg.Graph.SyncUsers(ctx, users); err != nil {
		return res, fmt.Errorf("failed to sync users: %w", err)
	}
	for _, week := range cfg.Weeks {
		if len(perf[week]) == 0 {
			continue
		}
		if err := cfg.Graph.SyncPerformance(ctx, perf[week]); err != nil {
			return res, fmt.Errorf("failed to sync performance for week %d: %w", week, err)
		}
	}
	log.Info("admin: graph synced", "users", res.Users, "performance", res.Performance)
	fmt.Fprintln(cfg.Out, "Graph synced")
	return res, nil
}
