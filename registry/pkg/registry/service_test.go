package registry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/fleetlake/registry/pkg/dimension"
	"github.com/malbeclabs/fleetlake/registry/pkg/ingest"
	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
	"github.com/malbeclabs/fleetlake/registry/pkg/query"
	"github.com/malbeclabs/fleetlake/registry/pkg/regularization"
	laketesting "github.com/malbeclabs/fleetlake/utils/pkg/testing"
)

func pairNames(pairs []regularization.UncuratedPair) []regularization.Pair {
	out := make([]regularization.Pair, len(pairs))
	for i, p := range pairs {
		out[i] = p.Pair
	}
	return out
}

func TestFleet_Registry_New(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(Config{Logger: laketesting.NewLogger()})
	require.ErrorContains(t, err, "database is required")

	_, err = New(Config{
		Logger:    laketesting.NewLogger(),
		DB:        laketesting.NewTestPool(t, sharedDB),
		Partition: periods.Partition{Curated: []int{2011}, Uncurated: []int{2011}},
	})
	require.ErrorContains(t, err, "invalid partition")
}

func TestFleet_Registry_Service_Start(t *testing.T) {
	t.Parallel()
	svc, backend := newTestService(t)
	require.False(t, svc.Ready())

	svc.Start(t.Context())
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()
	require.NoError(t, svc.WaitReady(ctx))
	require.True(t, svc.Ready())

	entry, err := backend.Load(t.Context(), regularization.UncuratedPairsKey)
	require.NoError(t, err)
	require.Equal(t, regularization.PairsFingerprint(svc.Partition(), false), entry.Fingerprint)
}

func TestFleet_Registry_Service_WaitReady_Cancelled(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, svc.WaitReady(ctx), context.Canceled)
}

func TestFleet_Registry_Service_SetPartition(t *testing.T) {
	t.Parallel()

	t.Run("rejects overlapping sets", func(t *testing.T) {
		t.Parallel()
		svc, _ := newTestService(t)
		before := svc.Partition()

		_, err := svc.SetPartition(t.Context(), periods.Partition{Curated: []int{2017}, Uncurated: []int{2017}})
		require.Error(t, err)
		require.Equal(t, before, svc.Partition())
	})

	t.Run("invalidates then rebuilds for the new partition", func(t *testing.T) {
		t.Parallel()
		svc, backend := newTestService(t)

		pairs, err := svc.UncuratedPairs(t.Context(), false)
		require.NoError(t, err)
		require.Equal(t, []regularization.Pair{{Make: "VOVLO", Model: "FH16"}}, pairNames(pairs))

		next, err := periods.NewPartition([]int{2011}, []int{2017, 2018})
		require.NoError(t, err)
		done, err := svc.SetPartition(t.Context(), next)
		require.NoError(t, err)
		require.Equal(t, next, svc.Partition())

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(30 * time.Second):
			t.Fatal("rebuild did not finish")
		}
		require.True(t, svc.Ready())

		entry, err := backend.Load(t.Context(), regularization.UncuratedPairsKey)
		require.NoError(t, err)
		require.Equal(t, regularization.PairsFingerprint(next, false), entry.Fingerprint)

		pairs, err = svc.UncuratedPairs(t.Context(), false)
		require.NoError(t, err)
		require.ElementsMatch(t, []regularization.Pair{
			{Make: "SCANIA", Model: "R500"},
			{Make: "VOVLO", Model: "FH16"},
		}, pairNames(pairs))

		pairs, err = svc.UncuratedPairs(t.Context(), true)
		require.NoError(t, err)
		require.Len(t, pairs, 3)
	})
}

func TestFleet_Registry_Service_SetPartition_Superseded(t *testing.T) {
	t.Parallel()

	// Holds the uncurated pairs scan of the first rebuild.
	tracer := laketesting.NewPauseTracer(func(sql string) bool {
		return strings.Contains(sql, "min(p.value::int)")
	})
	svc, backend := newTestServiceOn(t, laketesting.NewTracedTestPool(t, sharedDB, tracer))

	first, err := periods.NewPartition([]int{2011}, []int{2017, 2018})
	require.NoError(t, err)
	second, err := periods.NewPartition([]int{2011}, []int{2018})
	require.NoError(t, err)

	tracer.Arm()
	done1, err := svc.SetPartition(t.Context(), first)
	require.NoError(t, err)
	tracer.WaitPaused(t, 30*time.Second)

	done2, err := svc.SetPartition(t.Context(), second)
	require.NoError(t, err)
	select {
	case err := <-done2:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("rebuild did not finish")
	}
	require.True(t, svc.Ready())

	tracer.Release()
	select {
	case err := <-done1:
		require.ErrorIs(t, err, query.ErrSuperseded)
	case <-time.After(30 * time.Second):
		t.Fatal("superseded rebuild did not finish")
	}

	entry, err := backend.Load(t.Context(), regularization.UncuratedPairsKey)
	require.NoError(t, err)
	require.Equal(t, regularization.PairsFingerprint(second, false), entry.Fingerprint)
	entry, err = backend.Load(t.Context(), regularization.CanonicalHierarchyKey)
	require.NoError(t, err)
	require.Equal(t, regularization.HierarchyFingerprint(second), entry.Fingerprint)

	pairs, err := svc.UncuratedPairs(t.Context(), false)
	require.NoError(t, err)
	require.Equal(t, []regularization.Pair{{Make: "SCANIA", Model: "R500"}}, pairNames(pairs))
}

func TestFleet_Registry_Service_Refresh(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)

	h, err := svc.CanonicalHierarchy(t.Context())
	require.NoError(t, err)
	require.Len(t, h.Pairs, 1)

	_, err = svc.Ingest(t.Context(), nil)
	require.NoError(t, err)
	_, err = svc.Ingest(t.Context(), []ingest.RawRecord{
		{Period: "2011", Make: "VOLVO", Model: "XC90", FuelType: "Petrol", VehicleType: "Car"},
	})
	require.NoError(t, err)

	// Caches keep serving the old payload until refreshed.
	h, err = svc.CanonicalHierarchy(t.Context())
	require.NoError(t, err)
	require.Len(t, h.Pairs, 1)

	done, err := svc.Refresh(t.Context())
	require.NoError(t, err)
	require.NoError(t, <-done)

	h, err = svc.CanonicalHierarchy(t.Context())
	require.NoError(t, err)
	require.Len(t, h.Pairs, 2)
}

func TestFleet_Registry_Service_MappingsAndQuery(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	pair := regularization.Pair{Make: "VOVLO", Model: "FH16"}

	suggestion, ok, err := svc.Suggest(t.Context(), pair)
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, suggestion.Empty())

	_, err = svc.CreateMapping(t.Context(), regularization.MappingInput{
		Pair:           pair,
		CanonicalMake:  ptr("VOLVO"),
		CanonicalModel: ptr("FH16"),
		FuelType:       ptr("Diesel"),
		VehicleType:    ptr("Truck"),
	})
	require.NoError(t, err)

	summary, err := svc.Summary(t.Context())
	require.NoError(t, err)
	require.Equal(t, regularization.Summary{Total: 1, Complete: 1}, summary)

	spec := query.FilterSpec{
		Selections: map[dimension.Dimension][]string{dimension.FuelType: {"Diesel"}},
		Regularize: true,
		Metric:     query.Metric{Mode: query.ModeCount},
	}
	res, err := svc.Query(t.Context(), "", spec)
	require.NoError(t, err)
	require.Equal(t, []query.Point{{Period: 2011, Value: 1}, {Period: 2017, Value: 1}}, res.Points)

	res, err = svc.Query(t.Context(), "chart", spec)
	require.NoError(t, err)
	require.Len(t, res.Points, 2)

	mappings, err := svc.Mappings(t.Context(), pair)
	require.NoError(t, err)
	require.Len(t, mappings, 1)

	require.NoError(t, svc.DeleteMapping(t.Context(), pair, nil))
	all, err := svc.AllMappings(t.Context())
	require.NoError(t, err)
	require.Empty(t, all)

	summary, err = svc.Summary(t.Context())
	require.NoError(t, err)
	require.Equal(t, regularization.Summary{Total: 1, Unassigned: 1}, summary)
}

func ptr[T any](v T) *T {
	return &v
}
