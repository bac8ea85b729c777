package dimension

import (
	"fmt"
	"strings"
)

// Dimension is a categorical axis backed by a surrogate-key table.
type Dimension string

const (
	Make        Dimension = "make"
	Model       Dimension = "model"
	FuelType    Dimension = "fuel_type"
	VehicleType Dimension = "vehicle_type"
	Region      Dimension = "region"
	Period      Dimension = "period"
)

// All lists every dimension in lock order. Allocators acquire key-creation
// locks in this order so concurrent batches cannot deadlock.
var All = []Dimension{Make, Model, FuelType, VehicleType, Region, Period}

// Unknown is the explicit "reviewed but unresolvable" value. It is an
// ordinary dimension value, distinct from a NULL reference.
const Unknown = "Unknown"

// Table returns the surrogate-key table name.
func (d Dimension) Table() string {
	return "dim_" + string(d)
}

// FactColumn returns the fact table column that references this dimension.
func (d Dimension) FactColumn() string {
	return string(d) + "_id"
}

func (d Dimension) Valid() bool {
	for _, known := range All {
		if d == known {
			return true
		}
	}
	return false
}

// Canonicalized reports whether regularization mappings assign this dimension.
func (d Dimension) Canonicalized() bool {
	return d == FuelType || d == VehicleType
}

func Parse(s string) (Dimension, error) {
	d := Dimension(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("unknown dimension %q", s)
	}
	return d, nil
}

// NormalizeValue trims surrounding whitespace. Spelling variants are kept
// verbatim; reconciling them is the regularization layer's job.
func NormalizeValue(v string) string {
	return strings.TrimSpace(v)
}
