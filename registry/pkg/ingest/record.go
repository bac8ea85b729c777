package ingest

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/malbeclabs/fleetlake/registry/pkg/dimension"
	"github.com/malbeclabs/fleetlake/registry/pkg/periods"
)

// RawRecord is one registration as handed over by a file reader. Every field
// is the untouched source text; empty means absent.
type RawRecord struct {
	Period      string `json:"period"`
	Make        string `json:"make"`
	Model       string `json:"model"`
	FuelType    string `json:"fuel_type,omitempty"`
	VehicleType string `json:"vehicle_type,omitempty"`
	Region      string `json:"region,omitempty"`
	ModelYear   string `json:"model_year,omitempty"`
	MassKg      string `json:"mass_kg,omitempty"`
	AxleCount   string `json:"axle_count,omitempty"`
}

// SkipReason says why a record was left out of a batch.
type SkipReason string

const (
	SkipMissingPeriod    SkipReason = "missing_period"
	SkipInvalidPeriod    SkipReason = "invalid_period"
	SkipMissingMake      SkipReason = "missing_make"
	SkipMissingModel     SkipReason = "missing_model"
	SkipInvalidModelYear SkipReason = "invalid_model_year"
	SkipInvalidMass      SkipReason = "invalid_mass"
	SkipInvalidAxleCount SkipReason = "invalid_axle_count"
	// SkipInvalidText covers fields Postgres cannot store as text: invalid
	// UTF-8 or NUL bytes.
	SkipInvalidText SkipReason = "invalid_text"
)

type record struct {
	period      string
	make        string
	model       string
	fuelType    string
	vehicleType string
	region      string
	modelYear   *int32
	massKg      *float64
	axleCount   *int32
}

// ParsedBatch is a batch after validation, ready to be written.
type ParsedBatch struct {
	records []record
	Skipped map[SkipReason]int
}

func (b ParsedBatch) Len() int {
	return len(b.records)
}

func (b ParsedBatch) SkippedTotal() int {
	n := 0
	for _, c := range b.Skipped {
		n += c
	}
	return n
}

// Parse validates raw records. Malformed records are counted by reason and
// dropped; they never fail the batch.
func Parse(raw []RawRecord) ParsedBatch {
	out := ParsedBatch{
		records: make([]record, 0, len(raw)),
		Skipped: make(map[SkipReason]int),
	}
	for _, r := range raw {
		rec, reason := parseRecord(r)
		if reason != "" {
			out.Skipped[reason]++
			continue
		}
		out.records = append(out.records, rec)
	}
	return out
}

func parseRecord(r RawRecord) (record, SkipReason) {
	var rec record

	for _, f := range []string{r.Period, r.Make, r.Model, r.FuelType, r.VehicleType, r.Region, r.ModelYear, r.MassKg, r.AxleCount} {
		if !validText(f) {
			return rec, SkipInvalidText
		}
	}

	p := strings.TrimSpace(r.Period)
	if p == "" {
		return rec, SkipMissingPeriod
	}
	year, err := periods.ParseLabel(p)
	if err != nil {
		return rec, SkipInvalidPeriod
	}
	rec.period = periods.Label(year)

	if rec.make = dimension.NormalizeValue(r.Make); rec.make == "" {
		return rec, SkipMissingMake
	}
	if rec.model = dimension.NormalizeValue(r.Model); rec.model == "" {
		return rec, SkipMissingModel
	}
	rec.fuelType = dimension.NormalizeValue(r.FuelType)
	rec.vehicleType = dimension.NormalizeValue(r.VehicleType)
	rec.region = dimension.NormalizeValue(r.Region)

	if rec.modelYear, err = parseOptionalInt(r.ModelYear, 0); err != nil {
		return rec, SkipInvalidModelYear
	}
	if rec.massKg, err = parseOptionalFloat(r.MassKg); err != nil {
		return rec, SkipInvalidMass
	}
	if rec.axleCount, err = parseOptionalInt(r.AxleCount, 1); err != nil {
		return rec, SkipInvalidAxleCount
	}
	return rec, ""
}

func validText(s string) bool {
	return utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

type rangeError struct{}

func (rangeError) Error() string { return "value out of range" }

func parseOptionalInt(s string, minimum int64) (*int32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return nil, err
	}
	if v < minimum {
		return nil, rangeError{}
	}
	n := int32(v)
	return &n, nil
}

func parseOptionalFloat(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, rangeError{}
	}
	return &v, nil
}
