package regularization

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
)

func ptr[T any](v T) *T {
	return &v
}

func wildcard(fuel, vehicle *string) Mapping {
	return Mapping{FuelType: fuel, VehicleType: vehicle}
}

func triplet(period int, fuel *string) Mapping {
	return Mapping{Period: ptr(period), FuelType: fuel}
}

func TestFleet_Regularization_ComputeStatus(t *testing.T) {
	t.Parallel()

	span := periods.Span{Earliest: 2017, Latest: 2019}
	tests := []struct {
		name     string
		mappings []Mapping
		want     Status
	}{
		{
			name: "no mappings",
			want: StatusUnassigned,
		},
		{
			name: "fuel for first and last period only",
			mappings: []Mapping{
				wildcard(nil, ptr("Truck")),
				triplet(2017, ptr("Diesel")),
				triplet(2019, ptr("Diesel")),
			},
			want: StatusPartial,
		},
		{
			name: "two triplets for one period do not cover another",
			mappings: []Mapping{
				wildcard(nil, ptr("Truck")),
				triplet(2017, ptr("Diesel")),
				triplet(2017, ptr("Electric")),
				triplet(2019, ptr("Diesel")),
			},
			want: StatusPartial,
		},
		{
			name: "every period covered by triplets",
			mappings: []Mapping{
				wildcard(nil, ptr("Truck")),
				triplet(2017, ptr("Diesel")),
				triplet(2018, ptr("Diesel")),
				triplet(2019, ptr("Electric")),
			},
			want: StatusComplete,
		},
		{
			name:     "wildcard fuel covers every period",
			mappings: []Mapping{wildcard(ptr("Diesel"), ptr("Truck"))},
			want:     StatusComplete,
		},
		{
			name: "triplet without fuel does not cover its period",
			mappings: []Mapping{
				wildcard(nil, ptr("Truck")),
				triplet(2017, ptr("Diesel")),
				triplet(2018, nil),
				triplet(2019, ptr("Diesel")),
			},
			want: StatusPartial,
		},
		{
			name: "unknown is a reviewed value",
			mappings: []Mapping{
				wildcard(ptr("Unknown"), ptr("Unknown")),
			},
			want: StatusComplete,
		},
		{
			name: "missing wildcard vehicle type",
			mappings: []Mapping{
				wildcard(ptr("Diesel"), nil),
			},
			want: StatusPartial,
		},
		{
			name: "triplets without wildcard",
			mappings: []Mapping{
				triplet(2017, ptr("Diesel")),
				triplet(2018, ptr("Diesel")),
				triplet(2019, ptr("Diesel")),
			},
			want: StatusPartial,
		},
		{
			name: "triplets outside the span do not count",
			mappings: []Mapping{
				wildcard(nil, ptr("Truck")),
				triplet(2016, ptr("Diesel")),
				triplet(2017, ptr("Diesel")),
				triplet(2018, ptr("Diesel")),
			},
			want: StatusPartial,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ComputeStatus(tt.mappings, span))
		})
	}
}

func TestFleet_Regularization_ResolveAmbiguousVehicleType(t *testing.T) {
	t.Parallel()

	priority := []string{"Truck", "Bus", "Car"}

	require.Nil(t, ResolveAmbiguousVehicleType(nil, priority))
	require.Equal(t, "Van", *ResolveAmbiguousVehicleType([]string{"Van"}, priority))
	require.Equal(t, "Van", *ResolveAmbiguousVehicleType([]string{"Van", "Van"}, nil))
	require.Equal(t, "Bus", *ResolveAmbiguousVehicleType([]string{"Car", "Bus"}, priority))
	require.Nil(t, ResolveAmbiguousVehicleType([]string{"Van", "Tractor"}, priority))
}

func TestFleet_Regularization_CanonicalHierarchy_Lookup(t *testing.T) {
	t.Parallel()

	h := CanonicalHierarchy{Pairs: []CanonicalPair{
		{Pair: Pair{"DAF", "XF"}},
		{Pair: Pair{"VOLVO", "FH16"}, Combinations: []Combination{
			{Period: 2011, FuelType: ptr("Diesel"), VehicleType: ptr("Truck")},
			{Period: 2012, FuelType: ptr("LNG"), VehicleType: ptr("Truck")},
			{Period: 2012, FuelType: nil, VehicleType: ptr("Tractor")},
		}},
		{Pair: Pair{"VOLVO", "XC90"}},
	}}

	c, ok := h.Lookup(Pair{"VOLVO", "FH16"})
	require.True(t, ok)
	require.Equal(t, []string{"Diesel", "LNG"}, c.FuelTypes())
	require.Equal(t, []string{"Tractor", "Truck"}, c.VehicleTypes())

	require.True(t, h.Contains(Pair{"DAF", "XF"}))
	require.False(t, h.Contains(Pair{"VOLVO", "FH"}))
	require.False(t, h.Contains(Pair{"Volvo", "XC90"}))
}
