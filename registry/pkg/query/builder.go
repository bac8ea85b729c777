package query

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/malbeclabs/fleetlake/registry/pkg/dimension"
)

// Plan is a parameterized statement returning (period_id, value) rows.
type Plan struct {
	SQL  string
	Args []any
}

// Filter is one dimension predicate. Rows match on their own key, or, when
// Expansion is set, through the mapping in uncurated periods.
type Filter struct {
	Dimension dimension.Dimension
	IDs       []int32
	Expansion *Expansion
}

// Aggregate is the per-period value expression.
type Aggregate struct {
	Mode   Mode
	Field  Field
	Target string
	// RoadWear is required for ModeRoadWearIndex.
	RoadWear *RoadWearPlan
}

// Inputs is everything BuildQuery needs, with all values already resolved to
// surrogate keys.
type Inputs struct {
	PeriodIDs          []int32
	UncuratedPeriodIDs []int32
	Filters            []Filter
	Ranges             map[Field]Range
	Aggregate          Aggregate
}

type builder struct {
	args []any
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

// BuildQuery renders inputs as one grouped scan of fact_registration. Every
// predicate compares integer keys or numeric columns, and no dimension table
// is joined since period labels and bucket membership are resolved up front.
func BuildQuery(in Inputs) (Plan, error) {
	var b builder

	agg, err := b.aggregate(in.Aggregate)
	if err != nil {
		return Plan{}, err
	}

	where := []string{"f.period_id = ANY(" + b.arg(in.PeriodIDs) + "::int[])"}

	filters := slices.Clone(in.Filters)
	slices.SortStableFunc(filters, func(a, b Filter) int { return strings.Compare(string(a.Dimension), string(b.Dimension)) })
	for _, f := range filters {
		where = append(where, b.filter(f, in.UncuratedPeriodIDs))
	}

	fields := make([]Field, 0, len(in.Ranges))
	for f := range in.Ranges {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	for _, f := range fields {
		r := in.Ranges[f]
		if r.Min != nil {
			where = append(where, fmt.Sprintf("%s >= %s", f.column(), b.arg(*r.Min)))
		}
		if r.Max != nil {
			where = append(where, fmt.Sprintf("%s <= %s", f.column(), b.arg(*r.Max)))
		}
	}

	sql := "SELECT f.period_id, " + agg + "\nFROM fact_registration f\nWHERE " +
		strings.Join(where, "\n  AND ") + "\nGROUP BY f.period_id"
	return Plan{SQL: sql, Args: b.args}, nil
}

func (b *builder) filter(f Filter, uncurated []int32) string {
	if len(f.IDs) == 0 {
		return "FALSE"
	}
	col := "f." + f.Dimension.FactColumn()
	native := fmt.Sprintf("%s = ANY(%s::int[])", col, b.arg(f.IDs))
	if f.Expansion == nil || f.Expansion.Empty() || len(uncurated) == 0 {
		return native
	}

	e := f.Expansion
	var via []string
	if len(e.Triplets) > 0 {
		via = append(via, "(f.make_id, f.model_id, f.period_id) IN ("+b.triplets(e.Triplets)+")")
	}
	if len(e.Wildcards) > 0 {
		makes := make([]int32, len(e.Wildcards))
		models := make([]int32, len(e.Wildcards))
		for i, p := range e.Wildcards {
			makes[i], models[i] = p.MakeID, p.ModelID
		}
		w := fmt.Sprintf("(f.make_id, f.model_id) IN (SELECT * FROM unnest(%s::int[], %s::int[]))", b.arg(makes), b.arg(models))
		if len(e.Overrides) > 0 {
			w = "(" + w + " AND (f.make_id, f.model_id, f.period_id) NOT IN (" + b.triplets(e.Overrides) + "))"
		}
		via = append(via, w)
	}
	return fmt.Sprintf("(%s OR (f.period_id = ANY(%s::int[]) AND (%s)))",
		native, b.arg(uncurated), strings.Join(via, " OR "))
}

func (b *builder) triplets(ts []TripletKey) string {
	makes := make([]int32, len(ts))
	models := make([]int32, len(ts))
	ps := make([]int32, len(ts))
	for i, t := range ts {
		makes[i], models[i], ps[i] = t.MakeID, t.ModelID, t.PeriodID
	}
	return fmt.Sprintf("SELECT * FROM unnest(%s::int[], %s::int[], %s::int[])", b.arg(makes), b.arg(models), b.arg(ps))
}

func (b *builder) aggregate(a Aggregate) (string, error) {
	switch a.Mode {
	case ModeCount, ModePercentage:
		return "count(*)::float8", nil
	case ModeSum:
		return "sum(" + a.Field.column() + ")::float8", nil
	case ModeAverage:
		return "avg(" + a.Field.column() + ")::float8", nil
	case ModeMin:
		return "min(" + a.Field.column() + ")::float8", nil
	case ModeMax:
		return "max(" + a.Field.column() + ")::float8", nil
	case ModeCoverage:
		col, err := coverageColumn(a.Target)
		if err != nil {
			return "", err
		}
		return "count(" + col + ")::float8 / NULLIF(count(*), 0)", nil
	case ModeRoadWearIndex:
		if a.RoadWear == nil {
			return "", ErrRoadWearNotConfigured
		}
		return "sum(" + b.roadWear(*a.RoadWear) + ")::float8", nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidFilter, a.Mode)
}

// roadWear renders coefficient[axles] * (mass / axles)^4 per row. Rows with
// no axle count fall back to their vehicle type's bucket. Rows matching
// neither, or without mass, yield NULL and are left out of the sum.
func (b *builder) roadWear(p RoadWearPlan) string {
	var sb strings.Builder
	sb.WriteString("CASE")
	for _, axles := range p.axleCounts() {
		fmt.Fprintf(&sb, " WHEN f.axle_count = %s THEN %s::float8 * power(f.mass_kg / f.axle_count, 4)",
			b.arg(int32(axles)), b.arg(p.Coefficients[axles]))
	}
	for _, bucket := range p.Buckets {
		if len(bucket.VehicleTypeIDs) == 0 {
			continue
		}
		fmt.Fprintf(&sb, " WHEN f.axle_count IS NULL AND f.vehicle_type_id = ANY(%s::int[]) THEN %s::float8 * power(f.mass_kg / %s::float8, 4)",
			b.arg(bucket.VehicleTypeIDs), b.arg(bucket.Coefficient), b.arg(float64(bucket.AssumedAxles)))
	}
	sb.WriteString(" END")
	return sb.String()
}
