package admin

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/fleetlake/registry/pkg/cache"
	"github.com/malbeclabs/fleetlake/registry/pkg/dimension"
	"github.com/malbeclabs/fleetlake/registry/pkg/ingest"
	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
	"github.com/malbeclabs/fleetlake/registry/pkg/regularization"
	laketesting "github.com/malbeclabs/fleetlake/utils/pkg/testing"
)

func countTables(t *testing.T, db *laketesting.TestDatabase) int {
	t.Helper()
	var n int
	require.NoError(t, db.Pool.QueryRow(t.Context(), `SELECT count(*) FROM (`+registryTablesQuery+`) t`).Scan(&n))
	return n
}

func TestFleet_Admin_ResetDB(t *testing.T) {
	t.Parallel()

	t.Run("dry run lists tables", func(t *testing.T) {
		t.Parallel()
		db := laketesting.NewTestDatabase(t, sharedDB)
		before := countTables(t, db)
		require.Positive(t, before)

		var out bytes.Buffer
		err := ResetDB(t.Context(), laketesting.NewLogger(), db.Pool, db.ConnStr, ResetDBConfig{DryRun: true, Out: &out})
		require.NoError(t, err)
		require.Contains(t, out.String(), "fact_registration")
		require.Contains(t, out.String(), "[DRY RUN]")
		require.Equal(t, before, countTables(t, db))
	})

	t.Run("declined confirmation keeps tables", func(t *testing.T) {
		t.Parallel()
		db := laketesting.NewTestDatabase(t, sharedDB)
		before := countTables(t, db)

		var out bytes.Buffer
		err := ResetDB(t.Context(), laketesting.NewLogger(), db.Pool, db.ConnStr, ResetDBConfig{In: strings.NewReader("no\n"), Out: &out})
		require.NoError(t, err)
		require.Contains(t, out.String(), "Operation cancelled")
		require.Equal(t, before, countTables(t, db))
	})

	t.Run("confirmed reset drops tables", func(t *testing.T) {
		t.Parallel()
		db := laketesting.NewTestDatabase(t, sharedDB)

		var out bytes.Buffer
		err := ResetDB(t.Context(), laketesting.NewLogger(), db.Pool, db.ConnStr, ResetDBConfig{In: strings.NewReader("YES\n"), Out: &out})
		require.NoError(t, err)
		require.Zero(t, countTables(t, db))
	})
}

func TestFleet_Admin_Caches(t *testing.T) {
	t.Parallel()
	log := laketesting.NewLogger()
	pool := laketesting.NewTestPool(t, sharedDB)

	store, err := dimension.NewStore(dimension.StoreConfig{Logger: log, DB: pool})
	require.NoError(t, err)
	ing, err := ingest.NewIngester(ingest.Config{Logger: log, Store: store})
	require.NoError(t, err)
	_, err = ing.IngestBatch(t.Context(), []ingest.RawRecord{
		{Period: "2011", Make: "VOLVO", Model: "FH16", FuelType: "Diesel", VehicleType: "Truck"},
		{Period: "2017", Make: "VOLVO", Model: "FH16"},
		{Period: "2017", Make: "VOVLO", Model: "FH16"},
	})
	require.NoError(t, err)

	p, err := periods.NewPartition([]int{2011}, []int{2017})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, AutoRegularize(t.Context(), log, pool, p, []string{"Truck"}, &out))
	require.Contains(t, out.String(), "Auto-regularized 1 of 1")
	require.Contains(t, out.String(), "POST /api/regularization/refresh")

	out.Reset()
	require.NoError(t, RebuildCaches(t.Context(), log, pool, p, &out))
	require.Contains(t, out.String(), "1 uncurated pair(s), 1 unassigned")
	require.Contains(t, out.String(), "POST /api/regularization/refresh")

	entry, err := cache.NewPostgresBackend(pool).Load(t.Context(), regularization.UncuratedPairsKey)
	require.NoError(t, err)
	require.Equal(t, regularization.PairsFingerprint(p, false), entry.Fingerprint)
}
