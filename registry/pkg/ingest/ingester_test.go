package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/fleetlake/registry/pkg/dimension"
	laketesting "github.com/malbeclabs/fleetlake/utils/pkg/testing"
)

func TestFleet_Ingest_NewIngester(t *testing.T) {
	t.Parallel()

	_, err := NewIngester(Config{})
	require.ErrorContains(t, err, "logger is required")

	_, err = NewIngester(Config{Logger: laketesting.NewLogger()})
	require.ErrorContains(t, err, "dimension store is required")
}

func TestFleet_Ingest_Ingester_IngestBatch(t *testing.T) {
	t.Parallel()

	t.Run("writes facts and auto-registers values", func(t *testing.T) {
		t.Parallel()
		ing, pool := testIngester(t)

		res, err := ing.IngestBatch(t.Context(), []RawRecord{
			{Period: "2017", Make: "VOLVO", Model: "FH16", FuelType: "Diesel", MassKg: "18000", AxleCount: "3"},
			{Period: "2017", Make: "VOLVO", Model: "FH16", FuelType: "Unknown"},
			{Period: "2018", Make: "VOVLO", Model: "FH 16"},
			{Period: "", Make: "VOLVO", Model: "FH16"},
		})
		require.NoError(t, err)
		require.Equal(t, 3, res.Written)
		require.Equal(t, 1, res.SkippedTotal())
		require.Equal(t, 2, res.KeysCreated[dimension.Make])
		require.Equal(t, 2, res.KeysCreated[dimension.FuelType])

		require.Equal(t, 3, countRows(t, pool, `SELECT count(*) FROM fact_registration WHERE batch_id = $1`, res.BatchID))
		require.Equal(t, 2, countRows(t, pool, `SELECT count(*) FROM dim_period`))
		require.Equal(t, 1, countRows(t, pool, `SELECT count(*) FROM dim_fuel_type WHERE value = 'Unknown'`))

		// Absent fuel type is NULL, not a dimension value.
		require.Equal(t, 1, countRows(t, pool, `SELECT count(*) FROM fact_registration WHERE fuel_type_id IS NULL`))
		require.Equal(t, 2, countRows(t, pool, `SELECT count(*) FROM fact_registration WHERE mass_kg IS NULL`))
	})

	t.Run("second batch reuses existing keys", func(t *testing.T) {
		t.Parallel()
		ing, pool := testIngester(t)

		_, err := ing.IngestBatch(t.Context(), []RawRecord{{Period: "2017", Make: "VOLVO", Model: "FH16"}})
		require.NoError(t, err)
		res, err := ing.IngestBatch(t.Context(), []RawRecord{{Period: "2017", Make: "VOLVO", Model: "FH16"}})
		require.NoError(t, err)
		require.Empty(t, res.KeysCreated)
		require.Equal(t, 1, countRows(t, pool, `SELECT count(*) FROM dim_make`))
		require.Equal(t, 2, countRows(t, pool, `SELECT count(*) FROM fact_registration`))
	})

	t.Run("batch of only malformed records writes nothing", func(t *testing.T) {
		t.Parallel()
		ing, pool := testIngester(t)

		res, err := ing.IngestBatch(t.Context(), []RawRecord{{Make: "VOLVO"}})
		require.NoError(t, err)
		require.Zero(t, res.Written)
		require.Equal(t, 1, res.Skipped[SkipMissingPeriod])
		require.Zero(t, countRows(t, pool, `SELECT count(*) FROM fact_registration`))
	})

	t.Run("invalid text is skipped without failing the batch", func(t *testing.T) {
		t.Parallel()
		ing, pool := testIngester(t)

		res, err := ing.IngestBatch(t.Context(), []RawRecord{
			{Period: "2017", Make: "VOLVO", Model: "FH16"},
			{Period: "2017", Make: "VOL\x00VO", Model: "FH16"},
			{Period: "2017", Make: "VOLVO", Model: "FH\xff16"},
		})
		require.NoError(t, err)
		require.Equal(t, 1, res.Written)
		require.Equal(t, 2, res.Skipped[SkipInvalidText])
		require.Equal(t, 1, countRows(t, pool, `SELECT count(*) FROM dim_model`))
		require.Equal(t, 1, countRows(t, pool, `SELECT count(*) FROM fact_registration`))
	})

	t.Run("failed batch leaves no surrogate keys behind", func(t *testing.T) {
		t.Parallel()
		ing, pool := testIngester(t)

		_, err := pool.Exec(t.Context(), `ALTER TABLE fact_registration ADD CONSTRAINT mass_limit CHECK (mass_kg < 100000)`)
		require.NoError(t, err)

		_, err = ing.IngestBatch(t.Context(), []RawRecord{
			{Period: "2019", Make: "SCANIA", Model: "R500", MassKg: "200000"},
		})
		require.Error(t, err)

		require.Zero(t, countRows(t, pool, `SELECT count(*) FROM dim_make WHERE value = 'SCANIA'`))
		require.Zero(t, countRows(t, pool, `SELECT count(*) FROM dim_period`))
		require.Zero(t, countRows(t, pool, `SELECT count(*) FROM fact_registration`))
	})
}

func TestFleet_Ingest_Ingester_Pipeline(t *testing.T) {
	t.Parallel()

	ing, pool := testIngester(t)
	batches := make(chan []RawRecord, 3)
	batches <- []RawRecord{{Period: "2016", Make: "MAN", Model: "TGX"}}
	batches <- []RawRecord{{Period: "2017", Make: "MAN", Model: "TGX"}, {Period: "2017", Make: "DAF", Model: "XF"}}
	batches <- []RawRecord{{Period: "2018", Make: "MAN", Model: "TGX"}, {Period: "bad", Make: "DAF", Model: "XF"}}
	close(batches)

	results, err := ing.Pipeline(t.Context(), batches)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, 1, results[0].Written)
	require.Equal(t, 2, results[1].Written)
	require.Equal(t, 1, results[2].Written)
	require.Equal(t, 1, results[2].Skipped[SkipInvalidPeriod])

	require.Equal(t, 4, countRows(t, pool, `SELECT count(*) FROM fact_registration`))
	require.Equal(t, 2, countRows(t, pool, `SELECT count(*) FROM dim_make`))
}
