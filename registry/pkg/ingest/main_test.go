package ingest

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/fleetlake/registry/pkg/dimension"
	laketesting "github.com/malbeclabs/fleetlake/utils/pkg/testing"
)

var (
	sharedDB *laketesting.DB
)

func TestMain(m *testing.M) {
	log := laketesting.NewLogger()
	var err error
	sharedDB, err = laketesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}

func testIngester(t *testing.T) (*Ingester, *pgxpool.Pool) {
	t.Helper()
	pool := laketesting.NewTestPool(t, sharedDB)
	store, err := dimension.NewStore(dimension.StoreConfig{Logger: laketesting.NewLogger(), DB: pool})
	require.NoError(t, err)
	ing, err := NewIngester(Config{Logger: laketesting.NewLogger(), Store: store})
	require.NoError(t, err)
	return ing, pool
}

func countRows(t *testing.T, pool *pgxpool.Pool, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(t.Context(), query, args...).Scan(&n))
	return n
}
