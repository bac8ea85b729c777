package regularization

import (
	"slices"

	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
)

// Status is how far an uncurated pair has been reviewed. It is stored on the
// pair when the inventory is built and rewritten only when that pair's own
// mappings change.
type Status string

const (
	StatusUnassigned Status = "unassigned"
	StatusPartial    Status = "partial"
	StatusComplete   Status = "complete"
)

func (s Status) Valid() bool {
	switch s {
	case StatusUnassigned, StatusPartial, StatusComplete:
		return true
	}
	return false
}

// ComputeStatus derives a pair's status from its mappings over its observed
// span.
//
// Complete needs a wildcard with a vehicle type and, for every period of the
// span, at least one applicable mapping (the wildcard or that period's
// triplet) with a fuel type. Coverage is checked period by period. Anything
// short of that with at least one mapping is Partial.
func ComputeStatus(mappings []Mapping, span periods.Span) Status {
	if len(mappings) == 0 {
		return StatusUnassigned
	}

	var wildcard *Mapping
	fuelByPeriod := make(map[int]bool)
	for i := range mappings {
		m := &mappings[i]
		if m.IsWildcard() {
			wildcard = m
			continue
		}
		if m.FuelType != nil {
			fuelByPeriod[*m.Period] = true
		}
	}

	if wildcard == nil || wildcard.VehicleType == nil {
		return StatusPartial
	}
	if wildcard.FuelType != nil {
		return StatusComplete
	}
	for _, year := range span.Years() {
		if !fuelByPeriod[year] {
			return StatusPartial
		}
	}
	return StatusComplete
}

// ResolveAmbiguousVehicleType picks the vehicle type for a pair observed with
// the given types. A single observed type wins outright. Several are settled
// by the first priority entry among them. Otherwise nil is returned and the
// pair is left for manual review.
func ResolveAmbiguousVehicleType(observed []string, priority []string) *string {
	distinct := slices.Clone(observed)
	slices.Sort(distinct)
	distinct = slices.Compact(distinct)

	switch len(distinct) {
	case 0:
		return nil
	case 1:
		return &distinct[0]
	}
	for _, p := range priority {
		if slices.Contains(distinct, p) {
			return &p
		}
	}
	return nil
}
