package admin

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ideepx/proofengine/distributor/pkg/postgres"
)

type PendingLister interface {
	Pending(ctx context.Context, limit int) ([]postgres.PendingDelta, error)
}

// ReportPendingDeltas prints balance deltas of finalized weeks that the
// wallet service has not applied yet, with a per-week total.
func ReportPendingDeltas(ctx context.Context, lister PendingLister, limit int, out io.Writer) (int, error) {
	pending, err := lister.Pending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending deltas: %w", err)
	}
	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending balance deltas")
		return 0, nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WEEK\tUSER\tWALLET\tAMOUNT\tCREATED")
	totals := make(map[uint64]decimal.Decimal)
	var weeks []uint64
	for _, p := range pending {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", p.Week, p.UserID, p.Wallet, p.Amount.StringFixed(6), p.CreatedAt.UTC().Format(time.RFC3339))
		if _, ok := totals[p.Week]; !ok {
			weeks = append(weeks, p.Week)
		}
		totals[p.Week] = totals[p.Week].Add(p.Amount)
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}

	fmt.Fprintln(out)
	for _, week := range weeks {
		fmt.Fprintf(out, "week %d: %s\n", week, totals[week].StringFixed(6))
	}
	return len(pending), nil
}
