package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/fleetlake/registry/pkg/dimension"
	"github.com/malbeclabs/fleetlake/registry/pkg/metrics"
	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
	"github.com/malbeclabs/fleetlake/registry/pkg/regularization"
)

// MappingSource lists mapping rows at the key level.
type MappingSource interface {
	MappingKeys(ctx context.Context) ([]regularization.MappingKey, error)
}

type Config struct {
	Logger   *slog.Logger
	Store    *dimension.Store
	Mappings MappingSource
	// RoadWear is optional; without it ModeRoadWearIndex fails.
	RoadWear *RoadWearConfig
	Clock    clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("dimension store is required")
	}
	if cfg.Mappings == nil {
		return errors.New("mapping source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Result is an ordered series plus how to render it.
type Result struct {
	Points []Point `json:"points"`
	Format Format  `json:"format"`
	// Unknown lists selected values with no surrogate key. They matched
	// nothing.
	Unknown map[dimension.Dimension][]string `json:"unknown,omitempty"`
}

// Translator turns FilterSpecs into surrogate-key queries. It only reads.
type Translator struct {
	log *slog.Logger
	cfg Config
}

func NewTranslator(cfg Config) (*Translator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Translator{log: cfg.Logger, cfg: cfg}, nil
}

// ResolveFilterIDs looks up every selected value. Values without a key are
// returned in unknown and contribute nothing; a dimension left with no keys
// matches no rows.
func (t *Translator) ResolveFilterIDs(ctx context.Context, sel map[dimension.Dimension][]string) (IDSet, map[dimension.Dimension][]string, error) {
	ids := make(IDSet, len(sel))
	var unknown map[dimension.Dimension][]string
	for d, values := range sel {
		if len(values) == 0 {
			continue
		}
		found, missing, err := t.cfg.Store.LookupIDs(ctx, d, values)
		if err != nil {
			return nil, nil, err
		}
		keys := make([]int32, 0, len(found))
		for _, id := range found {
			keys = append(keys, id)
		}
		slices.Sort(keys)
		ids[d] = keys

		if len(missing) > 0 {
			if unknown == nil {
				unknown = make(map[dimension.Dimension][]string)
			}
			unknown[d] = missing
			metrics.QueryUnknownFilterValuesTotal.WithLabelValues(string(d)).Add(float64(len(missing)))
			t.log.Warn("query: filter values have no surrogate key", "dimension", d, "values", missing)
		}
	}
	return ids, unknown, nil
}

// ExpandThroughRegularization loads the mapping rows when enabled and a
// selected dimension can be regularized.
func (t *Translator) ExpandThroughRegularization(ctx context.Context, ids IDSet, enabled bool) (map[dimension.Dimension]Expansion, error) {
	if !enabled {
		return nil, nil
	}
	wanted := false
	for d, v := range ids {
		if Expandable(d) && len(v) > 0 {
			wanted = true
			break
		}
	}
	if !wanted {
		return nil, nil
	}
	keys, err := t.cfg.Mappings.MappingKeys(ctx)
	if err != nil {
		return nil, err
	}
	return ExpandThroughRegularization(keys, ids), nil
}

type periodKeys struct {
	ids       []int32
	uncurated []int32
	years     map[int32]int
}

// resolvePeriods maps the filter's periods to keys. Periods never ingested
// have no rows and are dropped.
func (t *Translator) resolvePeriods(ctx context.Context, p periods.Partition, years []int) (periodKeys, error) {
	pk := periodKeys{years: make(map[int32]int, len(years))}
	if len(years) == 0 {
		return pk, nil
	}
	labels := make([]string, len(years))
	for i, y := range years {
		labels[i] = periods.Label(y)
	}
	found, _, err := t.cfg.Store.LookupIDs(ctx, dimension.Period, labels)
	if err != nil {
		return pk, err
	}
	for _, y := range years {
		id, ok := found[periods.Label(y)]
		if !ok {
			continue
		}
		pk.ids = append(pk.ids, id)
		pk.years[id] = y
		if p.IsUncurated(y) {
			pk.uncurated = append(pk.uncurated, id)
		}
	}
	return pk, nil
}

func filtersFor(ids IDSet, exp map[dimension.Dimension]Expansion) []Filter {
	out := make([]Filter, 0, len(ids))
	for d, keys := range ids {
		f := Filter{Dimension: d, IDs: keys}
		if e, ok := exp[d]; ok {
			f.Expansion = &e
		}
		out = append(out, f)
	}
	return out
}

// Execute runs spec under partition p.
func (t *Translator) Execute(ctx context.Context, p periods.Partition, spec FilterSpec) (res Result, err error) {
	start := t.cfg.Clock.Now()
	defer func() {
		metrics.RecordQuery(string(spec.Metric.Mode), t.cfg.Clock.Since(start), err)
	}()

	if err := spec.Validate(); err != nil {
		return Result{}, err
	}
	res = Result{Points: []Point{}, Format: formatOf(spec.Metric)}

	pk, err := t.resolvePeriods(ctx, p, spec.years(p))
	if err != nil {
		return Result{}, err
	}
	if len(pk.ids) == 0 {
		return res, nil
	}

	ids, unknown, err := t.ResolveFilterIDs(ctx, spec.Selections)
	if err != nil {
		return Result{}, err
	}
	res.Unknown = unknown

	regularize := spec.Regularize && len(pk.uncurated) > 0
	exp, err := t.ExpandThroughRegularization(ctx, ids, regularize)
	if err != nil {
		return Result{}, err
	}

	in := Inputs{
		PeriodIDs:          pk.ids,
		UncuratedPeriodIDs: pk.uncurated,
		Filters:            filtersFor(ids, exp),
		Ranges:             spec.Ranges,
		Aggregate:          Aggregate{Mode: spec.Metric.Mode, Field: spec.Metric.Field, Target: spec.Metric.Target},
	}

	var values map[int32]float64
	switch spec.Metric.Mode {
	case ModePercentage:
		var numUnknown map[dimension.Dimension][]string
		values, numUnknown, err = t.percentage(ctx, in, spec.Metric.Numerator, regularize)
		for d, v := range numUnknown {
			if res.Unknown == nil {
				res.Unknown = make(map[dimension.Dimension][]string)
			}
			res.Unknown[d] = append(res.Unknown[d], v...)
		}
	case ModeRoadWearIndex:
		if in.Aggregate.RoadWear, err = t.roadWearPlan(ctx); err != nil {
			return Result{}, err
		}
		values, err = t.run(ctx, in)
	default:
		values, err = t.run(ctx, in)
	}
	if err != nil {
		return Result{}, err
	}

	for _, id := range pk.ids {
		v, ok := values[id]
		if !ok {
			if spec.Metric.Mode != ModeCount {
				continue
			}
			v = 0
		}
		res.Points = append(res.Points, Point{Period: pk.years[id], Value: v})
	}
	slices.SortFunc(res.Points, func(a, b Point) int { return a.Period - b.Period })

	if spec.Post.Cumulative {
		res.Points = Cumulative(res.Points)
	}
	if spec.Post.NormalizeToFirst {
		normalized, ok := NormalizeToFirst(res.Points)
		if ok {
			res.Points = normalized
			res.Format = FormatRatio
		} else {
			t.log.Warn("query: series starts at zero, not normalized")
		}
	}
	return res, nil
}

// percentage is 100 * numerator / denominator per period. The numerator
// query repeats every denominator filter plus the numerator selections.
// Periods with an empty denominator are left out.
func (t *Translator) percentage(ctx context.Context, in Inputs, numerator map[dimension.Dimension][]string, regularize bool) (map[int32]float64, map[dimension.Dimension][]string, error) {
	den, err := t.run(ctx, in)
	if err != nil {
		return nil, nil, err
	}

	numIDs, unknown, err := t.ResolveFilterIDs(ctx, numerator)
	if err != nil {
		return nil, nil, err
	}
	numExp, err := t.ExpandThroughRegularization(ctx, numIDs, regularize)
	if err != nil {
		return nil, nil, err
	}
	numIn := in
	numIn.Filters = append(slices.Clone(in.Filters), filtersFor(numIDs, numExp)...)
	num, err := t.run(ctx, numIn)
	if err != nil {
		return nil, nil, err
	}

	out := make(map[int32]float64, len(den))
	for id, d := range den {
		if d == 0 {
			continue
		}
		out[id] = 100 * num[id] / d
	}
	return out, unknown, nil
}

func (t *Translator) roadWearPlan(ctx context.Context) (*RoadWearPlan, error) {
	cfg := t.cfg.RoadWear
	if cfg == nil {
		return nil, ErrRoadWearNotConfigured
	}
	plan := &RoadWearPlan{Coefficients: cfg.Coefficients}
	for _, b := range cfg.Fallback {
		found, missing, err := t.cfg.Store.LookupIDs(ctx, dimension.VehicleType, b.VehicleTypes)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			t.log.Debug("query: road wear bucket vehicle types not registered", "bucket", b.Name, "values", missing)
		}
		pb := PlannedBucket{Coefficient: b.Coefficient, AssumedAxles: b.AssumedAxles}
		for _, id := range found {
			pb.VehicleTypeIDs = append(pb.VehicleTypeIDs, id)
		}
		slices.Sort(pb.VehicleTypeIDs)
		plan.Buckets = append(plan.Buckets, pb)
	}
	return plan, nil
}

func (t *Translator) run(ctx context.Context, in Inputs) (map[int32]float64, error) {
	plan, err := BuildQuery(in)
	if err != nil {
		return nil, err
	}
	rows, err := t.cfg.Store.DB().Query(ctx, plan.SQL, plan.Args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	out := make(map[int32]float64)
	for rows.Next() {
		var (
			periodID int32
			value    *float64
		)
		if err := rows.Scan(&periodID, &value); err != nil {
			return nil, fmt.Errorf("failed to scan query row: %w", err)
		}
		if value != nil {
			out[periodID] = *value
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating query rows: %w", err)
	}
	return out, nil
}

func formatOf(m Metric) Format {
	switch m.Mode {
	case ModeCount:
		return FormatCount
	case ModePercentage:
		return FormatPercent
	case ModeCoverage:
		return FormatRatio
	case ModeRoadWearIndex:
		return FormatIndex
	}
	return m.Field.format()
}

// ExecuteSequenced runs Execute under a ticket from seq and discards the
// result with ErrSuperseded when a newer request was issued meanwhile.
func (t *Translator) ExecuteSequenced(ctx context.Context, seq *Sequencer, p periods.Partition, spec FilterSpec) (Result, error) {
	ticket := seq.Next()
	res, err := t.Execute(ctx, p, spec)
	if err != nil {
		return Result{}, err
	}
	if err := seq.Accept(ticket); err != nil {
		return Result{}, err
	}
	return res, nil
}
