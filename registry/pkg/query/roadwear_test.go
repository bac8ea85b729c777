package query

import (
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

const testRoadWearYAML = `
coefficients:
  2: 1.0e-12
  3: 2.0e-12
  4: 3.0e-12
fallback:
  - name: light
    vehicle_types: [Car, Van]
    coefficient: 1.0e-12
    assumed_axles: 2
  - name: heavy
    vehicle_types: [Truck]
    coefficient: 2.0e-12
    assumed_axles: 3
`

func TestFleet_Query_RoadWearConfig(t *testing.T) {
	t.Parallel()

	t.Run("parse", func(t *testing.T) {
		t.Parallel()
		cfg, err := ParseRoadWearConfig([]byte(testRoadWearYAML))
		require.NoError(t, err)
		require.Len(t, cfg.Coefficients, 3)
		require.InDelta(t, 2.0e-12, cfg.Coefficients[3], 1e-24)
		require.Len(t, cfg.Fallback, 2)
		require.Equal(t, []string{"Car", "Van"}, cfg.Fallback[0].VehicleTypes)
		require.Equal(t, 3, cfg.Fallback[1].AssumedAxles)
	})

	t.Run("load from file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "road_wear.yaml")
		require.NoError(t, os.WriteFile(path, []byte(testRoadWearYAML), 0o600))
		cfg, err := LoadRoadWearConfig(path)
		require.NoError(t, err)
		require.Len(t, cfg.Fallback, 2)

		_, err = LoadRoadWearConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
	})

	t.Run("invalid", func(t *testing.T) {
		t.Parallel()
		for name, doc := range map[string]string{
			"no coefficients":     "fallback: []",
			"zero axles":          "coefficients: {0: 1.0}",
			"negative":            "coefficients: {2: -1.0}",
			"bucket without name": "coefficients: {2: 1.0}\nfallback: [{vehicle_types: [Car], coefficient: 1, assumed_axles: 2}]",
			"bucket axles":        "coefficients: {2: 1.0}\nfallback: [{name: a, coefficient: 1, assumed_axles: 0}]",
			"shared vehicle type": "coefficients: {2: 1.0}\nfallback: [{name: a, vehicle_types: [Car], coefficient: 1, assumed_axles: 2}, {name: b, vehicle_types: [Car], coefficient: 1, assumed_axles: 2}]",
			"not yaml":            "coefficients: [",
		} {
			_, err := ParseRoadWearConfig([]byte(doc))
			require.Error(t, err, name)
		}
	})
}

func TestFleet_Query_RoadWearOf(t *testing.T) {
	t.Parallel()

	cfg, err := ParseRoadWearConfig([]byte(testRoadWearYAML))
	require.NoError(t, err)

	v, ok := roadWearOf(cfg, ptr(3), ptr(18000.0), "Truck")
	require.True(t, ok)
	require.InEpsilon(t, 2.0e-12*math.Pow(6000, 4), v, 1e-12)

	// Missing axle count falls back to the vehicle type's bucket.
	v, ok = roadWearOf(cfg, nil, ptr(1800.0), "Car")
	require.True(t, ok)
	require.InEpsilon(t, 1.0e-12*math.Pow(900, 4), v, 1e-12)

	_, ok = roadWearOf(cfg, nil, ptr(1800.0), "Tractor")
	require.False(t, ok)
	_, ok = roadWearOf(cfg, ptr(7), ptr(1800.0), "Truck")
	require.False(t, ok)
	_, ok = roadWearOf(cfg, ptr(3), nil, "Truck")
	require.False(t, ok)
}

// roadWearOf computes one vehicle's contribution row by row, for checking the
// SQL aggregate. ok is false when the row cannot contribute.
func roadWearOf(c *RoadWearConfig, axles *int, massKg *float64, vehicleType string) (float64, bool) {
	if massKg == nil {
		return 0, false
	}
	if axles != nil {
		coef, ok := c.Coefficients[*axles]
		if !ok {
			return 0, false
		}
		return coef * math.Pow(*massKg/float64(*axles), 4), true
	}
	for _, b := range c.Fallback {
		if slices.Contains(b.VehicleTypes, vehicleType) {
			return b.Coefficient * math.Pow(*massKg/float64(b.AssumedAxles), 4), true
		}
	}
	return 0, false
}
