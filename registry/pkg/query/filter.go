package query

import (
	"errors"
	"fmt"
	"slices"

	"github.com/malbeclabs/fleetlake/registry/pkg/dimension"
	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
)

var ErrInvalidFilter = errors.New("invalid filter")

// Mode is the aggregation applied per period.
type Mode string

const (
	ModeCount         Mode = "count"
	ModeSum           Mode = "sum"
	ModeAverage       Mode = "average"
	ModeMin           Mode = "min"
	ModeMax           Mode = "max"
	ModePercentage    Mode = "percentage"
	ModeCoverage      Mode = "coverage"
	ModeRoadWearIndex Mode = "road_wear_index"
)

func (m Mode) needsField() bool {
	switch m {
	case ModeSum, ModeAverage, ModeMin, ModeMax:
		return true
	}
	return false
}

// Field is a numeric fact column.
type Field string

const (
	FieldModelYear Field = "model_year"
	FieldMassKg    Field = "mass_kg"
	FieldAxleCount Field = "axle_count"
)

func (f Field) Valid() bool {
	switch f {
	case FieldModelYear, FieldMassKg, FieldAxleCount:
		return true
	}
	return false
}

func (f Field) column() string {
	return "f." + string(f)
}

func (f Field) format() Format {
	switch f {
	case FieldMassKg:
		return FormatKg
	case FieldModelYear:
		return FormatYear
	}
	return FormatCount
}

// Format tells the caller how to render values.
type Format string

const (
	FormatCount   Format = "count"
	FormatRatio   Format = "ratio"
	FormatPercent Format = "percent"
	FormatKg      Format = "kg"
	FormatYear    Format = "year"
	FormatIndex   Format = "index"
)

// Range bounds a numeric field inclusively. Rows where the field is absent
// never match a range.
type Range struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Metric selects what is computed per period.
type Metric struct {
	Mode  Mode  `json:"mode"`
	Field Field `json:"field,omitempty"`
	// Numerator narrows the denominator's rows for ModePercentage.
	Numerator map[dimension.Dimension][]string `json:"numerator,omitempty"`
	// Target is the column whose presence ModeCoverage measures: a numeric
	// field or a nullable dimension.
	Target string `json:"target,omitempty"`
}

// PostProcess options are applied to the ordered points after the query.
// Cumulative runs before normalization when both are set.
type PostProcess struct {
	NormalizeToFirst bool `json:"normalize_to_first,omitempty"`
	Cumulative       bool `json:"cumulative,omitempty"`
}

// FilterSpec is a declarative query over registrations.
type FilterSpec struct {
	Selections map[dimension.Dimension][]string `json:"selections,omitempty"`
	Ranges     map[Field]Range                  `json:"ranges,omitempty"`
	// Periods limits the query to an inclusive span; nil means every
	// configured period.
	Periods     *periods.Span `json:"periods,omitempty"`
	Regularize  bool          `json:"regularize,omitempty"`
	CuratedOnly bool          `json:"curated_only,omitempty"`
	Metric      Metric        `json:"metric"`
	Post        PostProcess   `json:"post,omitempty"`
}

func (s FilterSpec) Validate() error {
	if err := validateSelections(s.Selections); err != nil {
		return err
	}
	for f, r := range s.Ranges {
		if !f.Valid() {
			return fmt.Errorf("%w: unknown numeric field %q", ErrInvalidFilter, f)
		}
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			return fmt.Errorf("%w: empty range on %s", ErrInvalidFilter, f)
		}
	}
	if s.Periods != nil && s.Periods.Latest < s.Periods.Earliest {
		return fmt.Errorf("%w: period range ends before it starts", ErrInvalidFilter)
	}

	m := s.Metric
	switch m.Mode {
	case ModeCount, ModeRoadWearIndex:
	case ModeSum, ModeAverage, ModeMin, ModeMax:
		if !m.Field.Valid() {
			return fmt.Errorf("%w: mode %s needs a numeric field", ErrInvalidFilter, m.Mode)
		}
	case ModePercentage:
		if len(m.Numerator) == 0 {
			return fmt.Errorf("%w: percentage needs a numerator selection", ErrInvalidFilter)
		}
		if err := validateSelections(m.Numerator); err != nil {
			return err
		}
	case ModeCoverage:
		if _, err := coverageColumn(m.Target); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidFilter, m.Mode)
	}
	return nil
}

func validateSelections(sel map[dimension.Dimension][]string) error {
	for d := range sel {
		if !d.Valid() {
			return fmt.Errorf("%w: unknown dimension %q", ErrInvalidFilter, d)
		}
		if d == dimension.Period {
			return fmt.Errorf("%w: select periods with a period range", ErrInvalidFilter)
		}
	}
	return nil
}

var coverageDimensions = []dimension.Dimension{dimension.FuelType, dimension.VehicleType, dimension.Region}

func coverageColumn(target string) (string, error) {
	if f := Field(target); f.Valid() {
		return f.column(), nil
	}
	if d := dimension.Dimension(target); slices.Contains(coverageDimensions, d) {
		return "f." + d.FactColumn(), nil
	}
	return "", fmt.Errorf("%w: unknown coverage target %q", ErrInvalidFilter, target)
}

// years lists the periods a filter covers under p, curated-only applied.
func (s FilterSpec) years(p periods.Partition) []int {
	var years []int
	if s.Periods != nil {
		years = s.Periods.Years()
	} else {
		years = p.All()
	}
	if !s.CuratedOnly {
		return years
	}
	out := years[:0:0]
	for _, y := range years {
		if p.IsCurated(y) {
			out = append(out, y)
		}
	}
	return out
}
