package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/malbeclabs/fleetlake/registry/pkg/postgres"
)

// registryTables are created by the migrations and dropped by a reset.
const registryTablesQuery = `
	SELECT tablename
	FROM pg_tables
	WHERE schemaname = current_schema()
	  AND (tablename LIKE 'dim\_%' OR tablename LIKE 'fact\_%'
	       OR tablename IN ('regularization_mapping', 'materialized_cache'))
	ORDER BY tablename`

type ResetDBConfig struct {
	DryRun      bool
	SkipConfirm bool
	// In and Out carry the confirmation prompt.
	In  io.Reader
	Out io.Writer
}

// ResetDB rolls back every migration after listing the tables that will be
// dropped and asking for confirmation.
func ResetDB(ctx context.Context, log *slog.Logger, db postgres.Querier, connString string, cfg ResetDBConfig) error {
	rows, err := db.Query(ctx, registryTablesQuery)
	if err != nil {
		return fmt.Errorf("failed to query tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating tables: %w", err)
	}

	if len(tables) == 0 {
		fmt.Fprintln(cfg.Out, "No registry tables found")
		return nil
	}

	fmt.Fprintf(cfg.Out, "WARNING: This will DROP %d table(s):\n\n", len(tables))
	for _, table := range tables {
		fmt.Fprintf(cfg.Out, "  - %s\n", table)
	}

	if cfg.DryRun {
		fmt.Fprintln(cfg.Out, "\n[DRY RUN] Would drop the above tables")
		return nil
	}

	if !cfg.SkipConfirm {
		fmt.Fprintf(cfg.Out, "\nThis is a DESTRUCTIVE operation that cannot be undone!\n")
		fmt.Fprintf(cfg.Out, "Type 'yes' to confirm: ")
		ok, err := confirmed(cfg.In)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(cfg.Out, "\nConfirmation failed. Operation cancelled.\n")
			return nil
		}
		fmt.Fprintln(cfg.Out)
	}

	if err := postgres.Reset(ctx, log, connString); err != nil {
		return err
	}
	fmt.Fprintf(cfg.Out, "\nSuccessfully dropped %d table(s)\n", len(tables))
	return nil
}

func confirmed(in io.Reader) (bool, error) {
	response, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	return strings.TrimSpace(strings.ToLower(response)) == "yes", nil
}
