package regularization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/fleetlake/registry/pkg/cache"
	"github.com/malbeclabs/fleetlake/registry/pkg/dimension"
	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
)

const (
	CanonicalHierarchyKey = "canonical-hierarchy"
	UncuratedPairsKey     = "uncurated-pairs"

	includeExactMatchesFlag = "include_exact_matches"
)

var (
	ErrDuplicateMapping = errors.New("mapping already exists for this pair and period")
	ErrMappingNotFound  = errors.New("mapping not found")
	ErrUnknownPair      = errors.New("pair has never been observed")
)

type Config struct {
	Logger              *slog.Logger
	Store               *dimension.Store
	CacheBackend        cache.Backend
	VehicleTypePriority []string
	Clock               clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("dimension store is required")
	}
	if cfg.CacheBackend == nil {
		return errors.New("cache backend is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Resolver owns the canonical hierarchy and uncurated pair caches and the
// mapping rows. It is the only writer of those cache keys.
type Resolver struct {
	log       *slog.Logger
	cfg       Config
	hierarchy *cache.Cache[CanonicalHierarchy]
	// pairs is indexed by includeExactMatches.
	pairs map[bool]*cache.Cache[[]UncuratedPair]
}

func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}

	newCache := func(key string) cache.Config {
		return cache.Config{Logger: cfg.Logger, Backend: cfg.CacheBackend, Key: key, Clock: cfg.Clock}
	}
	hierarchy, err := cache.New[CanonicalHierarchy](newCache(CanonicalHierarchyKey))
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		log:       cfg.Logger,
		cfg:       cfg,
		hierarchy: hierarchy,
		pairs:     make(map[bool]*cache.Cache[[]UncuratedPair], 2),
	}
	for _, exact := range []bool{false, true} {
		key := UncuratedPairsKey
		if exact {
			key += "+exact"
		}
		c, err := cache.New[[]UncuratedPair](newCache(key))
		if err != nil {
			return nil, err
		}
		r.pairs[exact] = c
	}
	return r, nil
}

// HierarchyFingerprint depends on the curated set only.
func HierarchyFingerprint(p periods.Partition) cache.Fingerprint {
	return p.CuratedOnly().Fingerprint()
}

// PairsFingerprint depends on the uncurated set and the exact-match flag.
// Leaving exact matches out consults the canonical hierarchy, so that variant
// also depends on the curated set.
func PairsFingerprint(p periods.Partition, includeExactMatches bool) cache.Fingerprint {
	flag := periods.BoolFlag(includeExactMatchesFlag, includeExactMatches)
	if includeExactMatches {
		return p.UncuratedOnly().Fingerprint(flag)
	}
	return p.Fingerprint(flag)
}

// CanonicalHierarchy returns the curated read model for p, building it on a
// miss.
func (r *Resolver) CanonicalHierarchy(ctx context.Context, p periods.Partition) (CanonicalHierarchy, error) {
	return r.hierarchy.Read(ctx, HierarchyFingerprint(p), func(ctx context.Context) (CanonicalHierarchy, error) {
		return r.buildCanonicalHierarchy(ctx, p.Curated)
	})
}

// UncuratedPairs returns the uncurated pair inventory for p, sorted by pair.
// Reads never invalidate it.
func (r *Resolver) UncuratedPairs(ctx context.Context, p periods.Partition, includeExactMatches bool) ([]UncuratedPair, error) {
	return r.pairs[includeExactMatches].Read(ctx, PairsFingerprint(p, includeExactMatches), func(ctx context.Context) ([]UncuratedPair, error) {
		return r.findUncuratedPairs(ctx, p, includeExactMatches)
	})
}

// Invalidate drops every cache the resolver owns.
func (r *Resolver) Invalidate(ctx context.Context) error {
	if err := r.hierarchy.Invalidate(ctx); err != nil {
		return err
	}
	for _, c := range r.pairs {
		if err := c.Invalidate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateFor drops every cache and pins each one to its fingerprint under
// p, so reads still running for an earlier partition cannot store over the
// caches of p.
func (r *Resolver) InvalidateFor(ctx context.Context, p periods.Partition) error {
	if err := r.hierarchy.InvalidateFor(ctx, HierarchyFingerprint(p)); err != nil {
		return err
	}
	for exact, c := range r.pairs {
		if err := c.InvalidateFor(ctx, PairsFingerprint(p, exact)); err != nil {
			return err
		}
	}
	return nil
}

// Refresh invalidates every cache and rebuilds the hierarchy and the default
// inventory for p. The other inventory variant is rebuilt on its next read.
func (r *Resolver) Refresh(ctx context.Context, p periods.Partition) error {
	if err := r.InvalidateFor(ctx, p); err != nil {
		return err
	}
	if _, err := r.CanonicalHierarchy(ctx, p); err != nil {
		return err
	}
	if _, err := r.UncuratedPairs(ctx, p, false); err != nil {
		return err
	}
	return nil
}

func (r *Resolver) periodIDs(ctx context.Context, years []int) ([]int32, error) {
	if len(years) == 0 {
		return nil, nil
	}
	labels := make([]string, len(years))
	for i, y := range years {
		labels[i] = periods.Label(y)
	}
	found, _, err := r.cfg.Store.LookupIDs(ctx, dimension.Period, labels)
	if err != nil {
		return nil, err
	}
	ids := make([]int32, 0, len(found))
	for _, id := range found {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *Resolver) buildCanonicalHierarchy(ctx context.Context, curated []int) (CanonicalHierarchy, error) {
	h := CanonicalHierarchy{Pairs: []CanonicalPair{}}
	ids, err := r.periodIDs(ctx, curated)
	if err != nil {
		return h, err
	}
	if len(ids) == 0 {
		return h, nil
	}

	rows, err := r.cfg.Store.DB().Query(ctx, `
		WITH agg AS (
			SELECT make_id, model_id, period_id, fuel_type_id, vehicle_type_id, count(*) AS n
			FROM fact_registration
			WHERE period_id = ANY($1::int[])
			GROUP BY make_id, model_id, period_id, fuel_type_id, vehicle_type_id
		)
		SELECT mk.value, md.value, p.value, ft.value, vt.value, a.n
		FROM agg a
		JOIN dim_make mk ON mk.id = a.make_id
		JOIN dim_model md ON md.id = a.model_id
		JOIN dim_period p ON p.id = a.period_id
		LEFT JOIN dim_fuel_type ft ON ft.id = a.fuel_type_id
		LEFT JOIN dim_vehicle_type vt ON vt.id = a.vehicle_type_id
		ORDER BY mk.value, md.value, p.value, ft.value NULLS FIRST, vt.value NULLS FIRST`,
		ids)
	if err != nil {
		return h, fmt.Errorf("failed to query canonical hierarchy: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			pair        Pair
			periodLabel string
			combo       Combination
		)
		if err := rows.Scan(&pair.Make, &pair.Model, &periodLabel, &combo.FuelType, &combo.VehicleType, &combo.Count); err != nil {
			return h, fmt.Errorf("failed to scan canonical hierarchy row: %w", err)
		}
		if combo.Period, err = periods.ParseLabel(periodLabel); err != nil {
			return h, err
		}
		if n := len(h.Pairs); n == 0 || h.Pairs[n-1].Pair != pair {
			h.Pairs = append(h.Pairs, CanonicalPair{Pair: pair})
		}
		last := &h.Pairs[len(h.Pairs)-1]
		last.Count += combo.Count
		last.Combinations = append(last.Combinations, combo)
	}
	if err := rows.Err(); err != nil {
		return h, fmt.Errorf("error iterating canonical hierarchy rows: %w", err)
	}

	// ORDER BY uses the database collation; lookups need byte order.
	slices.SortStableFunc(h.Pairs, func(a, b CanonicalPair) int { return a.compare(b.Pair) })
	r.log.Info("regularization: canonical hierarchy built", "pairs", len(h.Pairs), "periods", len(ids))
	return h, nil
}

func (r *Resolver) findUncuratedPairs(ctx context.Context, p periods.Partition, includeExactMatches bool) ([]UncuratedPair, error) {
	pairs := []UncuratedPair{}
	ids, err := r.periodIDs(ctx, p.Uncurated)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return pairs, nil
	}

	var hierarchy CanonicalHierarchy
	if !includeExactMatches {
		if hierarchy, err = r.CanonicalHierarchy(ctx, p); err != nil {
			return nil, err
		}
	}

	rows, err := r.cfg.Store.DB().Query(ctx, `
		WITH agg AS (
			SELECT make_id, model_id, period_id, count(*) AS n
			FROM fact_registration
			WHERE period_id = ANY($1::int[])
			GROUP BY make_id, model_id, period_id
		)
		SELECT mk.value, md.value, a.make_id, a.model_id, sum(a.n)::bigint,
		       min(p.value::int), max(p.value::int)
		FROM agg a
		JOIN dim_make mk ON mk.id = a.make_id
		JOIN dim_model md ON md.id = a.model_id
		JOIN dim_period p ON p.id = a.period_id
		GROUP BY mk.value, md.value, a.make_id, a.model_id`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query uncurated pairs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u UncuratedPair
		if err := rows.Scan(&u.Make, &u.Model, &u.MakeID, &u.ModelID, &u.Count, &u.Span.Earliest, &u.Span.Latest); err != nil {
			return nil, fmt.Errorf("failed to scan uncurated pair row: %w", err)
		}
		if !includeExactMatches && hierarchy.Contains(u.Pair) {
			continue
		}
		pairs = append(pairs, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating uncurated pair rows: %w", err)
	}
	slices.SortFunc(pairs, func(a, b UncuratedPair) int { return a.compare(b.Pair) })

	mappings, err := r.AllMappings(ctx)
	if err != nil {
		return nil, err
	}
	byPair := make(map[Pair][]Mapping)
	for _, m := range mappings {
		byPair[m.Pair] = append(byPair[m.Pair], m)
	}
	for i := range pairs {
		pairs[i].Status = ComputeStatus(byPair[pairs[i].Pair], pairs[i].Span)
	}

	r.log.Info("regularization: uncurated pairs built",
		"pairs", len(pairs),
		"include_exact_matches", strconv.FormatBool(includeExactMatches))
	return pairs, nil
}
