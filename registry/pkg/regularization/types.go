package regularization

import (
	"cmp"
	"slices"
	"time"

	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
)

// Pair is a (Make, Model) combination as stored in the dimension tables.
type Pair struct {
	Make  string `json:"make"`
	Model string `json:"model"`
}

func (p Pair) compare(o Pair) int {
	if c := cmp.Compare(p.Make, o.Make); c != 0 {
		return c
	}
	return cmp.Compare(p.Model, o.Model)
}

// Combination is one observed (Period, FuelType, VehicleType) of a curated
// pair. Nil fields were absent in the facts.
type Combination struct {
	Period      int     `json:"period"`
	FuelType    *string `json:"fuel_type,omitempty"`
	VehicleType *string `json:"vehicle_type,omitempty"`
	Count       int64   `json:"count"`
}

// CanonicalPair is a pair observed in curated periods.
type CanonicalPair struct {
	Pair
	Count        int64         `json:"count"`
	Combinations []Combination `json:"combinations"`
}

// FuelTypes lists the distinct fuel types observed for the pair.
func (c CanonicalPair) FuelTypes() []string {
	return distinct(c.Combinations, func(cb Combination) *string { return cb.FuelType })
}

// VehicleTypes lists the distinct vehicle types observed for the pair.
func (c CanonicalPair) VehicleTypes() []string {
	return distinct(c.Combinations, func(cb Combination) *string { return cb.VehicleType })
}

func distinct(combos []Combination, field func(Combination) *string) []string {
	var out []string
	for _, cb := range combos {
		if v := field(cb); v != nil && !slices.Contains(out, *v) {
			out = append(out, *v)
		}
	}
	slices.Sort(out)
	return out
}

// CanonicalHierarchy is the curated read model: every curated pair with the
// combinations observed for it, sorted by pair.
type CanonicalHierarchy struct {
	Pairs []CanonicalPair `json:"pairs"`
}

// Lookup finds a pair by exact make and model.
func (h CanonicalHierarchy) Lookup(p Pair) (CanonicalPair, bool) {
	i, ok := slices.BinarySearchFunc(h.Pairs, p, func(c CanonicalPair, p Pair) int {
		return c.compare(p)
	})
	if !ok {
		return CanonicalPair{}, false
	}
	return h.Pairs[i], true
}

func (h CanonicalHierarchy) Contains(p Pair) bool {
	_, ok := h.Lookup(p)
	return ok
}

// UncuratedPair is a pair observed in uncurated periods with its stored
// review status.
type UncuratedPair struct {
	Pair
	MakeID  int32        `json:"make_id"`
	ModelID int32        `json:"model_id"`
	Count   int64        `json:"count"`
	Span    periods.Span `json:"span"`
	Status  Status       `json:"status"`
}

// findPair locates p in an inventory sorted by pair.
func findPair(pairs []UncuratedPair, p Pair) (int, bool) {
	return slices.BinarySearchFunc(pairs, p, func(u UncuratedPair, p Pair) int {
		return u.compare(p)
	})
}

// Mapping is one regularization_mapping row with its values resolved.
// A nil Period is a wildcard row. A nil field is "not reviewed", while the
// value "Unknown" records a review that could not resolve it.
type Mapping struct {
	ID             int64     `json:"id"`
	Pair           Pair      `json:"pair"`
	Period         *int      `json:"period,omitempty"`
	CanonicalMake  *string   `json:"canonical_make,omitempty"`
	CanonicalModel *string   `json:"canonical_model,omitempty"`
	FuelType       *string   `json:"fuel_type,omitempty"`
	VehicleType    *string   `json:"vehicle_type,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (m Mapping) IsWildcard() bool {
	return m.Period == nil
}

// MappingInput is the caller-supplied content of a mapping row.
type MappingInput struct {
	Pair           Pair    `json:"pair"`
	Period         *int    `json:"period,omitempty"`
	CanonicalMake  *string `json:"canonical_make,omitempty"`
	CanonicalModel *string `json:"canonical_model,omitempty"`
	FuelType       *string `json:"fuel_type,omitempty"`
	VehicleType    *string `json:"vehicle_type,omitempty"`
}

// Empty reports whether the input assigns nothing.
func (in MappingInput) Empty() bool {
	return in.CanonicalMake == nil && in.CanonicalModel == nil && in.FuelType == nil && in.VehicleType == nil
}

// MappingKey is a mapping row at the surrogate-key level, as used to expand
// query filters.
type MappingKey struct {
	MakeID           int32  `json:"make_id"`
	ModelID          int32  `json:"model_id"`
	PeriodID         *int32 `json:"period_id,omitempty"`
	CanonicalMakeID  *int32 `json:"canonical_make_id,omitempty"`
	CanonicalModelID *int32 `json:"canonical_model_id,omitempty"`
	FuelTypeID       *int32 `json:"fuel_type_id,omitempty"`
	VehicleTypeID    *int32 `json:"vehicle_type_id,omitempty"`
}

// Summary counts uncurated pairs per status.
type Summary struct {
	Total      int `json:"total"`
	Unassigned int `json:"unassigned"`
	Partial    int `json:"partial"`
	Complete   int `json:"complete"`
}
