package regularization

import (
	"context"
	"errors"
	"fmt"

	"github.com/malbeclabs/fleetlake/registry/pkg/metrics"
	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
)

// Suggest proposes a wildcard mapping for a pair that also appears verbatim
// in curated data. The canonical make and model are the pair itself. The fuel
// type is proposed only when curated data shows exactly one; the vehicle type
// goes through ResolveAmbiguousVehicleType. ok is false when there is nothing
// to propose.
func (r *Resolver) Suggest(ctx context.Context, p periods.Partition, pair Pair) (MappingInput, bool, error) {
	h, err := r.CanonicalHierarchy(ctx, p)
	if err != nil {
		return MappingInput{}, false, err
	}
	canonical, found := h.Lookup(pair)
	if !found {
		return MappingInput{}, false, nil
	}
	return r.suggest(canonical), true, nil
}

func (r *Resolver) suggest(c CanonicalPair) MappingInput {
	in := MappingInput{
		Pair:           c.Pair,
		CanonicalMake:  &c.Make,
		CanonicalModel: &c.Model,
		VehicleType:    ResolveAmbiguousVehicleType(c.VehicleTypes(), r.cfg.VehicleTypePriority),
	}
	if fuels := c.FuelTypes(); len(fuels) == 1 {
		in.FuelType = &fuels[0]
	}
	return in
}

// AutoResult reports an AutoRegularize run.
type AutoResult struct {
	Considered int `json:"considered"`
	Saved      int `json:"saved"`
}

// AutoRegularize saves a suggested wildcard for every unassigned pair that
// also exists verbatim in curated data. Statuses of the saved pairs are then
// recomputed in one pass.
func (r *Resolver) AutoRegularize(ctx context.Context, p periods.Partition) (AutoResult, error) {
	var res AutoResult
	pairs, err := r.UncuratedPairs(ctx, p, true)
	if err != nil {
		return res, err
	}
	h, err := r.CanonicalHierarchy(ctx, p)
	if err != nil {
		return res, err
	}

	var saved []Pair
	for _, u := range pairs {
		if u.Status != StatusUnassigned {
			continue
		}
		canonical, ok := h.Lookup(u.Pair)
		if !ok {
			continue
		}
		res.Considered++
		in := r.suggest(canonical)
		_, err := r.writeMapping(ctx, in, false)
		metrics.RecordMappingWrite("create", err)
		if errors.Is(err, ErrDuplicateMapping) {
			// Stored status lagged a concurrent edit; leave the edit alone.
			continue
		}
		if err != nil {
			return res, fmt.Errorf("failed to save suggestion for %s %s: %w", u.Make, u.Model, err)
		}
		saved = append(saved, u.Pair)
	}
	res.Saved = len(saved)

	if len(saved) > 0 {
		if err := r.updateStatuses(ctx, p, saved...); err != nil {
			return res, err
		}
	}
	r.log.Info("regularization: auto-regularized", "considered", res.Considered, "saved", res.Saved)
	return res, nil
}

// Summary counts the default inventory per status.
func (r *Resolver) Summary(ctx context.Context, p periods.Partition) (Summary, error) {
	pairs, err := r.UncuratedPairs(ctx, p, false)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Total: len(pairs)}
	for _, u := range pairs {
		switch u.Status {
		case StatusUnassigned:
			s.Unassigned++
		case StatusPartial:
			s.Partial++
		case StatusComplete:
			s.Complete++
		}
	}
	metrics.PairsByStatus.WithLabelValues(string(StatusUnassigned)).Set(float64(s.Unassigned))
	metrics.PairsByStatus.WithLabelValues(string(StatusPartial)).Set(float64(s.Partial))
	metrics.PairsByStatus.WithLabelValues(string(StatusComplete)).Set(float64(s.Complete))
	return s, nil
}
