package regularization

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"

	"github.com/malbeclabs/fleetlake/registry/pkg/cache"
	"github.com/malbeclabs/fleetlake/registry/pkg/dimension"
	"github.com/malbeclabs/fleetlake/registry/pkg/metrics"
	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
	"github.com/malbeclabs/fleetlake/registry/pkg/postgres"
)

const mappingPairPeriodKey = "regularization_mapping_pair_period_key"

const selectMappings = `
	SELECT m.id, mk.value, md.value, p.value, cmk.value, cmd.value, ft.value, vt.value, m.updated_at
	FROM regularization_mapping m
	JOIN dim_make mk ON mk.id = m.uncurated_make_id
	JOIN dim_model md ON md.id = m.uncurated_model_id
	LEFT JOIN dim_period p ON p.id = m.period_id
	LEFT JOIN dim_make cmk ON cmk.id = m.canonical_make_id
	LEFT JOIN dim_model cmd ON cmd.id = m.canonical_model_id
	LEFT JOIN dim_fuel_type ft ON ft.id = m.fuel_type_id
	LEFT JOIN dim_vehicle_type vt ON vt.id = m.vehicle_type_id`

// mappingRow holds the surrogate keys of a MappingInput.
type mappingRow struct {
	makeID, modelID                                          int32
	periodID, canonicalMake, canonicalModel, fuel, vehicle *int32
}

// resolveInput turns an input into keys on tx. The uncurated pair must
// already exist. Assigned values are registered if they are new, under the
// same key locks ingestion takes, so they roll back with a failed write.
func (r *Resolver) resolveInput(ctx context.Context, tx pgx.Tx, in MappingInput) (mappingRow, error) {
	var row mappingRow
	makeID, modelID, err := r.pairIDs(ctx, in.Pair)
	if err != nil {
		return row, err
	}
	row.makeID, row.modelID = makeID, modelID

	var periodLabel *string
	if in.Period != nil {
		label := periods.Label(*in.Period)
		periodLabel = &label
	}
	assign := []struct {
		dim   dimension.Dimension
		value *string
		dst   **int32
	}{
		{dimension.Period, periodLabel, &row.periodID},
		{dimension.Make, in.CanonicalMake, &row.canonicalMake},
		{dimension.Model, in.CanonicalModel, &row.canonicalModel},
		{dimension.FuelType, in.FuelType, &row.fuel},
		{dimension.VehicleType, in.VehicleType, &row.vehicle},
	}
	needed := make(map[dimension.Dimension]bool)
	for _, a := range assign {
		if a.value != nil && dimension.NormalizeValue(*a.value) != "" {
			needed[a.dim] = true
		}
	}
	// Locks are taken in the allocator's order.
	for _, d := range dimension.All {
		if !needed[d] {
			continue
		}
		if err := r.cfg.Store.LockKeyCreation(ctx, tx, d); err != nil {
			return row, err
		}
	}
	for _, a := range assign {
		if a.value == nil || dimension.NormalizeValue(*a.value) == "" {
			continue
		}
		id, err := r.cfg.Store.GetOrCreateID(ctx, tx, a.dim, *a.value)
		if err != nil {
			return row, err
		}
		*a.dst = &id
	}
	return row, nil
}

func (r *Resolver) pairIDs(ctx context.Context, p Pair) (int32, int32, error) {
	makeID, ok, err := r.cfg.Store.LookupID(ctx, dimension.Make, p.Make)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s %s", ErrUnknownPair, p.Make, p.Model)
	}
	modelID, ok, err := r.cfg.Store.LookupID(ctx, dimension.Model, p.Model)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s %s", ErrUnknownPair, p.Make, p.Model)
	}
	return makeID, modelID, nil
}

// optionalPeriodID maps a period to its key. An unknown period yields
// ErrMappingNotFound since no row can reference it.
func (r *Resolver) optionalPeriodID(ctx context.Context, period *int) (*int32, error) {
	if period == nil {
		return nil, nil
	}
	label := periods.Label(*period)
	id, ok, err := r.cfg.Store.LookupID(ctx, dimension.Period, label)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrMappingNotFound
	}
	return &id, nil
}

// SaveMapping writes the row for (pair, period), replacing the existing one.
// A nil period targets the wildcard row. Afterwards only this pair's stored
// status is recomputed.
func (r *Resolver) SaveMapping(ctx context.Context, p periods.Partition, in MappingInput) (Mapping, error) {
	m, err := r.writeMapping(ctx, in, true)
	metrics.RecordMappingWrite("save", err)
	if err != nil {
		return Mapping{}, err
	}
	if err := r.updateStatuses(ctx, p, in.Pair); err != nil {
		return m, err
	}
	return m, nil
}

// CreateMapping inserts the row for (pair, period) and fails with
// ErrDuplicateMapping when one already exists.
func (r *Resolver) CreateMapping(ctx context.Context, p periods.Partition, in MappingInput) (Mapping, error) {
	m, err := r.writeMapping(ctx, in, false)
	metrics.RecordMappingWrite("create", err)
	if err != nil {
		return Mapping{}, err
	}
	if err := r.updateStatuses(ctx, p, in.Pair); err != nil {
		return m, err
	}
	return m, nil
}

func (r *Resolver) writeMapping(ctx context.Context, in MappingInput, upsert bool) (Mapping, error) {
	query := `
		INSERT INTO regularization_mapping (
			uncurated_make_id, uncurated_model_id, period_id,
			canonical_make_id, canonical_model_id, fuel_type_id, vehicle_type_id, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if upsert {
		query += `
		ON CONFLICT ON CONSTRAINT ` + mappingPairPeriodKey + ` DO UPDATE
		SET canonical_make_id = EXCLUDED.canonical_make_id,
		    canonical_model_id = EXCLUDED.canonical_model_id,
		    fuel_type_id = EXCLUDED.fuel_type_id,
		    vehicle_type_id = EXCLUDED.vehicle_type_id,
		    updated_at = EXCLUDED.updated_at`
	}
	query += ` RETURNING id`

	var id int64
	err := postgres.InTx(ctx, r.cfg.Store.DB(), func(tx pgx.Tx) error {
		row, err := r.resolveInput(ctx, tx, in)
		if err != nil {
			return err
		}
		err = tx.QueryRow(ctx, query,
			row.makeID, row.modelID, row.periodID,
			row.canonicalMake, row.canonicalModel, row.fuel, row.vehicle,
			r.cfg.Clock.Now().UTC(),
		).Scan(&id)
		if postgres.IsUniqueViolation(err, mappingPairPeriodKey) {
			return ErrDuplicateMapping
		}
		if err != nil {
			return fmt.Errorf("failed to write mapping: %w", err)
		}
		return nil
	})
	if err != nil {
		return Mapping{}, err
	}

	m, err := r.mappingByID(ctx, id)
	if err != nil {
		return Mapping{}, err
	}
	r.log.Debug("regularization: mapping written", "make", in.Pair.Make, "model", in.Pair.Model, "wildcard", m.IsWildcard())
	return m, nil
}

// DeleteMapping removes the row for (pair, period); a nil period removes the
// wildcard. Only this pair's stored status is recomputed afterwards.
func (r *Resolver) DeleteMapping(ctx context.Context, p periods.Partition, pair Pair, period *int) error {
	err := r.deleteMapping(ctx, pair, period)
	metrics.RecordMappingWrite("delete", err)
	if err != nil {
		return err
	}
	return r.updateStatuses(ctx, p, pair)
}

func (r *Resolver) deleteMapping(ctx context.Context, pair Pair, period *int) error {
	makeID, modelID, err := r.pairIDs(ctx, pair)
	if errors.Is(err, ErrUnknownPair) {
		return ErrMappingNotFound
	}
	if err != nil {
		return err
	}
	periodID, err := r.optionalPeriodID(ctx, period)
	if err != nil {
		return err
	}

	tag, err := r.cfg.Store.DB().Exec(ctx, `
		DELETE FROM regularization_mapping
		WHERE uncurated_make_id = $1 AND uncurated_model_id = $2
		  AND period_id IS NOT DISTINCT FROM $3`,
		makeID, modelID, periodID)
	if err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMappingNotFound
	}
	return nil
}

// Mappings returns the rows of one pair, wildcard first.
func (r *Resolver) Mappings(ctx context.Context, pair Pair) ([]Mapping, error) {
	makeID, modelID, err := r.pairIDs(ctx, pair)
	if errors.Is(err, ErrUnknownPair) {
		return []Mapping{}, nil
	}
	if err != nil {
		return nil, err
	}
	return r.queryMappings(ctx,
		selectMappings+` WHERE m.uncurated_make_id = $1 AND m.uncurated_model_id = $2`,
		makeID, modelID)
}

// AllMappings returns every mapping row.
func (r *Resolver) AllMappings(ctx context.Context) ([]Mapping, error) {
	return r.queryMappings(ctx, selectMappings)
}

func (r *Resolver) mappingByID(ctx context.Context, id int64) (Mapping, error) {
	ms, err := r.queryMappings(ctx, selectMappings+` WHERE m.id = $1`, id)
	if err != nil {
		return Mapping{}, err
	}
	if len(ms) == 0 {
		return Mapping{}, ErrMappingNotFound
	}
	return ms[0], nil
}

func (r *Resolver) queryMappings(ctx context.Context, query string, args ...any) ([]Mapping, error) {
	rows, err := r.cfg.Store.DB().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	out := []Mapping{}
	for rows.Next() {
		var (
			m           Mapping
			periodLabel *string
		)
		if err := rows.Scan(&m.ID, &m.Pair.Make, &m.Pair.Model, &periodLabel,
			&m.CanonicalMake, &m.CanonicalModel, &m.FuelType, &m.VehicleType, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan mapping row: %w", err)
		}
		if periodLabel != nil {
			year, err := periods.ParseLabel(*periodLabel)
			if err != nil {
				return nil, err
			}
			m.Period = &year
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mapping rows: %w", err)
	}

	slices.SortFunc(out, func(a, b Mapping) int {
		if c := a.Pair.compare(b.Pair); c != 0 {
			return c
		}
		switch {
		case a.Period == nil && b.Period == nil:
			return 0
		case a.Period == nil:
			return -1
		case b.Period == nil:
			return 1
		}
		return *a.Period - *b.Period
	})
	return out, nil
}

// MappingKeys returns every mapping row at the surrogate-key level.
func (r *Resolver) MappingKeys(ctx context.Context) ([]MappingKey, error) {
	rows, err := r.cfg.Store.DB().Query(ctx, `
		SELECT uncurated_make_id, uncurated_model_id, period_id,
		       canonical_make_id, canonical_model_id, fuel_type_id, vehicle_type_id
		FROM regularization_mapping`)
	if err != nil {
		return nil, fmt.Errorf("failed to query mapping keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MappingKey, error) {
		var k MappingKey
		err := row.Scan(&k.MakeID, &k.ModelID, &k.PeriodID, &k.CanonicalMakeID, &k.CanonicalModelID, &k.FuelTypeID, &k.VehicleTypeID)
		return k, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping keys: %w", err)
	}
	return keys, nil
}

// updateStatuses recomputes the stored status of the given pairs in every
// valid inventory, leaving all other pairs untouched. An inventory being
// built gets the update once the build finishes; missing or stale ones are
// skipped and get statuses when rebuilt.
func (r *Resolver) updateStatuses(ctx context.Context, p periods.Partition, targets ...Pair) error {
	statusFor := make(map[Pair][]Mapping, len(targets))
	for _, pair := range targets {
		ms, err := r.Mappings(ctx, pair)
		if err != nil {
			return err
		}
		statusFor[pair] = ms
	}

	for exact, c := range r.pairs {
		_, err := c.Update(ctx, PairsFingerprint(p, exact), func(pairs []UncuratedPair) ([]UncuratedPair, error) {
			var next []UncuratedPair
			for pair, ms := range statusFor {
				i, ok := findPair(pairs, pair)
				if !ok {
					continue
				}
				status := ComputeStatus(ms, pairs[i].Span)
				if status == pairs[i].Status {
					continue
				}
				if next == nil {
					next = slices.Clone(pairs)
				}
				next[i].Status = status
			}
			if next == nil {
				return nil, cache.ErrSkipUpdate
			}
			return next, nil
		})
		if err != nil {
			return fmt.Errorf("failed to update pair status: %w", err)
		}
	}
	return nil
}
