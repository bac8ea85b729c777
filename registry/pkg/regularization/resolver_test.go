package regularization

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/fleetlake/registry/pkg/cache"
	"github.com/malbeclabs/fleetlake/registry/pkg/ingest"
	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
	laketesting "github.com/malbeclabs/fleetlake/utils/pkg/testing"
)

func TestFleet_Regularization_NewResolver(t *testing.T) {
	t.Parallel()

	_, err := NewResolver(Config{})
	require.ErrorContains(t, err, "logger is required")

	_, err = NewResolver(Config{Logger: laketesting.NewLogger()})
	require.ErrorContains(t, err, "dimension store is required")
}

func TestFleet_Regularization_Fingerprints(t *testing.T) {
	t.Parallel()

	a := periods.Partition{Curated: []int{2011}, Uncurated: []int{2017}}
	b := periods.Partition{Curated: []int{2011, 2012}, Uncurated: []int{2017}}

	require.NotEqual(t, HierarchyFingerprint(a), HierarchyFingerprint(b))
	require.Equal(t, PairsFingerprint(a, true), PairsFingerprint(b, true))
	require.NotEqual(t, PairsFingerprint(a, false), PairsFingerprint(b, false))
	require.NotEqual(t, PairsFingerprint(a, false), PairsFingerprint(a, true))
}

func TestFleet_Regularization_Resolver_CanonicalHierarchy(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	h, err := f.resolver.CanonicalHierarchy(t.Context(), f.partition)
	require.NoError(t, err)
	require.Len(t, h.Pairs, 2)

	fh16, ok := h.Lookup(Pair{"VOLVO", "FH16"})
	require.True(t, ok)
	require.EqualValues(t, 3, fh16.Count)
	require.Equal(t, []Combination{
		{Period: 2011, FuelType: ptr("Diesel"), VehicleType: ptr("Truck"), Count: 1},
		{Period: 2012, FuelType: ptr("Diesel"), VehicleType: ptr("Truck"), Count: 2},
	}, fh16.Combinations)

	xc90, ok := h.Lookup(Pair{"VOLVO", "XC90"})
	require.True(t, ok)
	require.Equal(t, []string{"Diesel", "Petrol"}, xc90.FuelTypes())
	require.Equal(t, []string{"Car", "SUV"}, xc90.VehicleTypes())

	// Uncurated-only pairs never enter the hierarchy.
	require.False(t, h.Contains(Pair{"VOVLO", "FH16"}))

	entry, err := cache.NewPostgresBackend(f.pool).Load(t.Context(), CanonicalHierarchyKey)
	require.NoError(t, err)
	require.Equal(t, HierarchyFingerprint(f.partition), entry.Fingerprint)
}

func TestFleet_Regularization_Resolver_UncuratedPairs(t *testing.T) {
	t.Parallel()

	t.Run("exact matches left out by default", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		pairs, err := f.resolver.UncuratedPairs(t.Context(), f.partition, false)
		require.NoError(t, err)
		require.Len(t, pairs, 2)

		vovlo := pairByName(t, pairs, "VOVLO", "FH16")
		require.EqualValues(t, 3, vovlo.Count)
		require.Equal(t, periods.Span{Earliest: 2017, Latest: 2019}, vovlo.Span)
		require.Equal(t, StatusUnassigned, vovlo.Status)

		scania := pairByName(t, pairs, "SCANIA", "R500")
		require.Equal(t, periods.Span{Earliest: 2018, Latest: 2018}, scania.Span)

		_, ok := findPair(pairs, Pair{"VOLVO", "XC90"})
		require.False(t, ok)
	})

	t.Run("exact matches included on request", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		pairs, err := f.resolver.UncuratedPairs(t.Context(), f.partition, true)
		require.NoError(t, err)
		require.Len(t, pairs, 3)
		pairByName(t, pairs, "VOLVO", "XC90")
	})

	t.Run("status computed from existing mappings at build time", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.resolver.CreateMapping(t.Context(), f.partition, MappingInput{
			Pair: Pair{"SCANIA", "R500"}, FuelType: ptr("Diesel"), VehicleType: ptr("Truck"),
		})
		require.NoError(t, err)

		pairs, err := f.resolver.UncuratedPairs(t.Context(), f.partition, false)
		require.NoError(t, err)
		require.Equal(t, StatusComplete, pairByName(t, pairs, "SCANIA", "R500").Status)
		require.Equal(t, StatusUnassigned, pairByName(t, pairs, "VOVLO", "FH16").Status)
	})

	t.Run("reads do not rescan until invalidated", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.resolver.UncuratedPairs(t.Context(), f.partition, false)
		require.NoError(t, err)

		f.ingest(t, ingest.RawRecord{Period: "2018", Make: "MAN", Model: "TGX"})
		pairs, err := f.resolver.UncuratedPairs(t.Context(), f.partition, false)
		require.NoError(t, err)
		require.Len(t, pairs, 2)

		require.NoError(t, f.resolver.Invalidate(t.Context()))
		pairs, err = f.resolver.UncuratedPairs(t.Context(), f.partition, false)
		require.NoError(t, err)
		require.Len(t, pairs, 3)
	})

	t.Run("partition change is picked up through the fingerprint", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.resolver.UncuratedPairs(t.Context(), f.partition, false)
		require.NoError(t, err)

		narrowed, err := periods.NewPartition([]int{2011, 2012}, []int{2017})
		require.NoError(t, err)
		require.NoError(t, f.resolver.Refresh(t.Context(), narrowed))

		pairs, err := f.resolver.UncuratedPairs(t.Context(), narrowed, false)
		require.NoError(t, err)
		require.Len(t, pairs, 1)
		require.Equal(t, periods.Span{Earliest: 2017, Latest: 2017}, pairs[0].Span)
	})

	t.Run("no uncurated periods", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		pairs, err := f.resolver.UncuratedPairs(t.Context(), periods.Partition{Curated: []int{2011}}, false)
		require.NoError(t, err)
		require.Empty(t, pairs)
	})
}
