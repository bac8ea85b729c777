package admin

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/malbeclabs/fleetlake/registry/pkg/cache"
	"github.com/malbeclabs/fleetlake/registry/pkg/dimension"
	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
	"github.com/malbeclabs/fleetlake/registry/pkg/postgres"
	"github.com/malbeclabs/fleetlake/registry/pkg/regularization"
)

func newResolver(log *slog.Logger, db postgres.DB, priority []string) (*regularization.Resolver, error) {
	store, err := dimension.NewStore(dimension.StoreConfig{Logger: log, DB: db})
	if err != nil {
		return nil, err
	}
	return regularization.NewResolver(regularization.Config{
		Logger:              log,
		Store:               store,
		CacheBackend:        cache.NewPostgresBackend(db),
		VehicleTypePriority: priority,
	})
}

// refreshHint is printed after commands that change what a running registry
// has cached. Its memory copy carries the same fingerprint these commands
// store, so it does not notice the change on its own.
const refreshHint = "A running registry keeps serving its in-memory copy; call POST /api/regularization/refresh on it or restart it.\n"

// RebuildCaches replaces the persisted hierarchy and pair inventory with ones
// built for p. A running registry keeps its in-memory copies until it is
// refreshed or restarted.
func RebuildCaches(ctx context.Context, log *slog.Logger, db postgres.DB, p periods.Partition, out io.Writer) error {
	resolver, err := newResolver(log, db, nil)
	if err != nil {
		return err
	}
	if err := resolver.Refresh(ctx, p); err != nil {
		return fmt.Errorf("failed to rebuild caches: %w", err)
	}
	summary, err := resolver.Summary(ctx, p)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Rebuilt caches: %d uncurated pair(s), %d unassigned, %d partial, %d complete\n",
		summary.Total, summary.Unassigned, summary.Partial, summary.Complete)
	fmt.Fprint(out, refreshHint)
	return nil
}

// AutoRegularize saves suggested wildcards for unassigned pairs that exist
// verbatim in curated data.
func AutoRegularize(ctx context.Context, log *slog.Logger, db postgres.DB, p periods.Partition, priority []string, out io.Writer) error {
	resolver, err := newResolver(log, db, priority)
	if err != nil {
		return err
	}
	res, err := resolver.AutoRegularize(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to auto-regularize: %w", err)
	}
	fmt.Fprintf(out, "Auto-regularized %d of %d exact-match pair(s)\n", res.Saved, res.Considered)
	if res.Saved > 0 {
		fmt.Fprint(out, refreshHint)
	}
	return nil
}
