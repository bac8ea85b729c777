package query

import (
	"cmp"
	"slices"

	"github.com/malbeclabs/fleetlake/registry/pkg/dimension"
	"github.com/malbeclabs/fleetlake/registry/pkg/regularization"
)

// IDSet holds resolved filter keys per dimension. A dimension present with
// no ids matches nothing.
type IDSet map[dimension.Dimension][]int32

type PairKey struct {
	MakeID  int32
	ModelID int32
}

type TripletKey struct {
	MakeID   int32
	ModelID  int32
	PeriodID int32
}

// Expansion lists the uncurated combinations whose effective mapping falls
// in a selection. Overrides are periods of a matching wildcard pair whose
// triplet assigns a different value; the triplet wins there.
type Expansion struct {
	Wildcards []PairKey
	Triplets  []TripletKey
	Overrides []TripletKey
}

func (e Expansion) Empty() bool {
	return len(e.Wildcards) == 0 && len(e.Triplets) == 0
}

// mappedField returns the mapping column a dimension's filter expands
// through, or nil when the dimension is never regularized.
func mappedField(d dimension.Dimension) func(regularization.MappingKey) *int32 {
	switch d {
	case dimension.FuelType:
		return func(k regularization.MappingKey) *int32 { return k.FuelTypeID }
	case dimension.VehicleType:
		return func(k regularization.MappingKey) *int32 { return k.VehicleTypeID }
	case dimension.Make:
		return func(k regularization.MappingKey) *int32 { return k.CanonicalMakeID }
	case dimension.Model:
		return func(k regularization.MappingKey) *int32 { return k.CanonicalModelID }
	}
	return nil
}

// Expandable reports whether filters on d can be widened through mappings.
func Expandable(d dimension.Dimension) bool {
	return mappedField(d) != nil
}

// ExpandThroughRegularization computes, per expandable dimension of ids, the
// uncurated combinations that resolve into the selection. For one period a
// triplet's non-null value takes precedence over the pair's wildcard.
func ExpandThroughRegularization(keys []regularization.MappingKey, ids IDSet) map[dimension.Dimension]Expansion {
	out := make(map[dimension.Dimension]Expansion)
	for d, selected := range ids {
		field := mappedField(d)
		if field == nil || len(selected) == 0 {
			continue
		}
		if e := expand(keys, field, selected); !e.Empty() {
			out[d] = e
		}
	}
	return out
}

func expand(keys []regularization.MappingKey, field func(regularization.MappingKey) *int32, selected []int32) Expansion {
	inSelection := func(v *int32) bool {
		return v != nil && slices.Contains(selected, *v)
	}

	var (
		e         Expansion
		matched   = make(map[PairKey]bool)
		divergent []TripletKey
	)
	for _, k := range keys {
		pair := PairKey{MakeID: k.MakeID, ModelID: k.ModelID}
		v := field(k)
		if k.PeriodID == nil {
			if inSelection(v) {
				matched[pair] = true
				e.Wildcards = append(e.Wildcards, pair)
			}
			continue
		}
		if v == nil {
			// Falls back to the wildcard for this period.
			continue
		}
		t := TripletKey{MakeID: k.MakeID, ModelID: k.ModelID, PeriodID: *k.PeriodID}
		if inSelection(v) {
			e.Triplets = append(e.Triplets, t)
		} else {
			divergent = append(divergent, t)
		}
	}
	for _, t := range divergent {
		if matched[PairKey{MakeID: t.MakeID, ModelID: t.ModelID}] {
			e.Overrides = append(e.Overrides, t)
		}
	}

	slices.SortFunc(e.Wildcards, comparePairs)
	slices.SortFunc(e.Triplets, compareTriplets)
	slices.SortFunc(e.Overrides, compareTriplets)
	return e
}

func comparePairs(a, b PairKey) int {
	if c := cmp.Compare(a.MakeID, b.MakeID); c != 0 {
		return c
	}
	return cmp.Compare(a.ModelID, b.ModelID)
}

func compareTriplets(a, b TripletKey) int {
	if c := comparePairs(PairKey{a.MakeID, a.ModelID}, PairKey{b.MakeID, b.ModelID}); c != 0 {
		return c
	}
	return cmp.Compare(a.PeriodID, b.PeriodID)
}
