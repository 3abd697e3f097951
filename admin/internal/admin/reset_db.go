package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ideepx/proofengine/distributor/pkg/clickhouse"
)

type ResetAnalyticsConfig struct {
	DryRun      bool
	SkipConfirm bool
	In          io.Reader
	Out         io.Writer
}

// ResetAnalytics drops the exported weekly tables and the migration history
// from ClickHouse. Proof records in PostgreSQL are never touched, so the
// tables can be rebuilt with migrations and an export backfill.
func ResetAnalytics(ctx context.Context, log *slog.Logger, conn clickhouse.Conn, database string, cfg ResetAnalyticsConfig) error {
	rows, err := conn.Query(ctx, `
		SELECT name
		FROM system.tables
		WHERE database = ?
		  AND (startsWith(name, 'weekly_') OR name = 'goose_db_version')
		ORDER BY name
	`, database)
	if err != nil {
		return fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read tables: %w", err)
	}

	out := cfg.Out
	if len(tables) == 0 {
		fmt.Fprintln(out, "No analytics tables found")
		return nil
	}

	fmt.Fprintf(out, "WARNING: This will DROP %d table(s) from database '%s':\n\n", len(tables), database)
	for _, table := range tables {
		fmt.Fprintf(out, "  - %s\n", table)
	}

	if cfg.DryRun {
		fmt.Fprintln(out, "\n[DRY RUN] Would drop the above tables")
		return nil
	}

	if !cfg.SkipConfirm {
		ok, err := confirm(cfg.In, out)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "\nConfirmation failed. Operation cancelled.")
			return nil
		}
	}

	for _, table := range tables {
		if err := conn.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", table)); err != nil {
			return fmt.Errorf("failed to drop table %s: %w", table, err)
		}
		fmt.Fprintf(out, "  dropped %s\n", table)
	}
	log.Info("admin: analytics tables dropped", "database", database, "tables", len(tables))
	return nil
}

// confirm asks for a typed "yes".
func confirm(in io.Reader, out io.Writer) (bool, error) {
	fmt.Fprint(out, "\nThis is a DESTRUCTIVE operation that cannot be undone!\nType 'yes' to confirm: ")
	response, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	return strings.TrimSpace(strings.ToLower(response)) == "yes", nil
}
