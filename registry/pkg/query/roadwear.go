package query

import (
	"errors"
	"fmt"
	"math"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

var ErrRoadWearNotConfigured = errors.New("road wear index is not configured")

// RoadWearConfig holds the calibration constants of the road wear index.
// They come from the governing reference for the deployment and are never
// derived here.
type RoadWearConfig struct {
	// Coefficients by axle count.
	Coefficients map[int]float64 `yaml:"coefficients" json:"coefficients"`
	// Fallback buckets apply to rows without an axle count, chosen by the
	// row's vehicle type.
	Fallback []FallbackBucket `yaml:"fallback" json:"fallback"`
}

type FallbackBucket struct {
	Name         string   `yaml:"name" json:"name"`
	VehicleTypes []string `yaml:"vehicle_types" json:"vehicle_types"`
	Coefficient  float64  `yaml:"coefficient" json:"coefficient"`
	AssumedAxles int      `yaml:"assumed_axles" json:"assumed_axles"`
}

func (c *RoadWearConfig) Validate() error {
	if len(c.Coefficients) == 0 {
		return errors.New("at least one axle coefficient is required")
	}
	for axles, coef := range c.Coefficients {
		if axles < 1 {
			return fmt.Errorf("invalid axle count %d", axles)
		}
		if coef < 0 || math.IsNaN(coef) {
			return fmt.Errorf("invalid coefficient for %d axles", axles)
		}
	}
	seen := make(map[string]string)
	for _, b := range c.Fallback {
		if b.Name == "" {
			return errors.New("fallback bucket name is required")
		}
		if b.AssumedAxles < 1 {
			return fmt.Errorf("fallback bucket %s: assumed axles must be positive", b.Name)
		}
		if b.Coefficient < 0 || math.IsNaN(b.Coefficient) {
			return fmt.Errorf("fallback bucket %s: invalid coefficient", b.Name)
		}
		for _, vt := range b.VehicleTypes {
			if other, ok := seen[vt]; ok {
				return fmt.Errorf("vehicle type %q is in buckets %s and %s", vt, other, b.Name)
			}
			seen[vt] = b.Name
		}
	}
	return nil
}

// ParseRoadWearConfig decodes and validates a YAML calibration document.
func ParseRoadWearConfig(data []byte) (*RoadWearConfig, error) {
	var cfg RoadWearConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse road wear config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid road wear config: %w", err)
	}
	return &cfg, nil
}

// LoadRoadWearConfig reads a YAML calibration file.
func LoadRoadWearConfig(path string) (*RoadWearConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read road wear config: %w", err)
	}
	return ParseRoadWearConfig(data)
}

// RoadWearPlan is a RoadWearConfig with bucket vehicle types resolved to
// surrogate keys.
type RoadWearPlan struct {
	Coefficients map[int]float64
	Buckets      []PlannedBucket
}

type PlannedBucket struct {
	VehicleTypeIDs []int32
	Coefficient    float64
	AssumedAxles   int
}

func (p RoadWearPlan) axleCounts() []int {
	out := make([]int, 0, len(p.Coefficients))
	for a := range p.Coefficients {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}
