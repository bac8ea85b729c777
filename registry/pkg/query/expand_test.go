package query

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/fleetlake/registry/pkg/dimension"
	"github.com/malbeclabs/fleetlake/registry/pkg/regularization"
)

func ptr[T any](v T) *T {
	return &v
}

func TestFleet_Query_ExpandThroughRegularization(t *testing.T) {
	t.Parallel()

	const (
		diesel   int32 = 1
		electric int32 = 2
		truck    int32 = 10
	)
	keys := []regularization.MappingKey{
		// Pair (100, 200): wildcard diesel, electric in period 7, no fuel in period 8.
		{MakeID: 100, ModelID: 200, FuelTypeID: ptr(diesel), VehicleTypeID: ptr(truck)},
		{MakeID: 100, ModelID: 200, PeriodID: ptr(int32(7)), FuelTypeID: ptr(electric)},
		{MakeID: 100, ModelID: 200, PeriodID: ptr(int32(8))},
		// Pair (101, 201): triplets only.
		{MakeID: 101, ModelID: 201, PeriodID: ptr(int32(7)), FuelTypeID: ptr(diesel)},
		{MakeID: 101, ModelID: 201, PeriodID: ptr(int32(9)), FuelTypeID: ptr(electric)},
		// Pair (102, 202): canonical make only.
		{MakeID: 102, ModelID: 202, CanonicalMakeID: ptr(int32(100))},
	}

	t.Run("wildcard match with overriding triplet", func(t *testing.T) {
		t.Parallel()
		got := ExpandThroughRegularization(keys, IDSet{dimension.FuelType: {diesel}})
		require.Equal(t, map[dimension.Dimension]Expansion{
			dimension.FuelType: {
				Wildcards: []PairKey{{100, 200}},
				Triplets:  []TripletKey{{101, 201, 7}},
				Overrides: []TripletKey{{100, 200, 7}},
			},
		}, got)
	})

	t.Run("triplet match without wildcard", func(t *testing.T) {
		t.Parallel()
		got := ExpandThroughRegularization(keys, IDSet{dimension.FuelType: {electric}})
		require.Equal(t, Expansion{
			Triplets: []TripletKey{{100, 200, 7}, {101, 201, 9}},
		}, got[dimension.FuelType])
	})

	t.Run("vehicle type and canonical make", func(t *testing.T) {
		t.Parallel()
		got := ExpandThroughRegularization(keys, IDSet{
			dimension.VehicleType: {truck},
			dimension.Make:        {100},
		})
		require.Equal(t, []PairKey{{100, 200}}, got[dimension.VehicleType].Wildcards)
		require.Equal(t, []PairKey{{102, 202}}, got[dimension.Make].Wildcards)
	})

	t.Run("nothing to expand", func(t *testing.T) {
		t.Parallel()
		require.Empty(t, ExpandThroughRegularization(keys, IDSet{dimension.FuelType: {99}}))
		require.Empty(t, ExpandThroughRegularization(keys, IDSet{dimension.Region: {diesel}}))
		require.Empty(t, ExpandThroughRegularization(keys, IDSet{dimension.FuelType: {}}))
		require.Empty(t, ExpandThroughRegularization(nil, IDSet{dimension.FuelType: {diesel}}))
	})
}
