package periods

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/malbeclabs/fleetlake/registry/pkg/cache"
)

// ErrEmptyPartition is returned when an operation needs periods that the
// partition does not configure.
var ErrEmptyPartition = errors.New("no periods configured")

// Partition splits known periods (years) into curated and uncurated sets.
// It is configuration, not a property of fact rows.
type Partition struct {
	Curated   []int `json:"curated"`
	Uncurated []int `json:"uncurated"`
}

// NewPartition sorts and de-duplicates both sets and checks they are disjoint.
func NewPartition(curated, uncurated []int) (Partition, error) {
	p := Partition{
		Curated:   normalize(curated),
		Uncurated: normalize(uncurated),
	}
	if err := p.Validate(); err != nil {
		return Partition{}, err
	}
	return p, nil
}

func (p Partition) Validate() error {
	for _, y := range p.Curated {
		if slices.Contains(p.Uncurated, y) {
			return fmt.Errorf("period %d is both curated and uncurated", y)
		}
	}
	return nil
}

func (p Partition) IsCurated(year int) bool {
	return slices.Contains(p.Curated, year)
}

func (p Partition) IsUncurated(year int) bool {
	return slices.Contains(p.Uncurated, year)
}

// All returns every configured period in ascending order.
func (p Partition) All() []int {
	return normalize(append(slices.Clone(p.Curated), p.Uncurated...))
}

// CuratedOnly drops the uncurated set, for caches that depend on curated
// data alone.
func (p Partition) CuratedOnly() Partition {
	return Partition{Curated: slices.Clone(p.Curated)}
}

// UncuratedOnly drops the curated set.
func (p Partition) UncuratedOnly() Partition {
	return Partition{Uncurated: slices.Clone(p.Uncurated)}
}

func (p Partition) Equal(other Partition) bool {
	return slices.Equal(normalize(p.Curated), normalize(other.Curated)) &&
		slices.Equal(normalize(p.Uncurated), normalize(other.Uncurated))
}

// Flag is a query-shape option a cached aggregate depends on.
type Flag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func BoolFlag(name string, v bool) Flag {
	return Flag{Name: name, Value: strconv.FormatBool(v)}
}

// Fingerprint serializes the partition plus flags into a stable string.
// Equal configurations always produce equal fingerprints.
func (p Partition) Fingerprint(flags ...Flag) cache.Fingerprint {
	sorted := slices.Clone(flags)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	doc := struct {
		Curated   []int  `json:"curated"`
		Uncurated []int  `json:"uncurated"`
		Flags     []Flag `json:"flags,omitempty"`
	}{
		Curated:   nonNil(normalize(p.Curated)),
		Uncurated: nonNil(normalize(p.Uncurated)),
		Flags:     sorted,
	}
	b, err := json.Marshal(doc)
	if err != nil {
		// Only ints and strings; marshalling cannot fail.
		panic(fmt.Sprintf("periods: failed to marshal fingerprint: %v", err))
	}
	return cache.Fingerprint(b)
}

// Span is an inclusive range of periods.
type Span struct {
	Earliest int `json:"earliest"`
	Latest   int `json:"latest"`
}

// Years lists every period in the span, earliest first.
func (s Span) Years() []int {
	if s.Latest < s.Earliest {
		return nil
	}
	years := make([]int, 0, s.Latest-s.Earliest+1)
	for y := s.Earliest; y <= s.Latest; y++ {
		years = append(years, y)
	}
	return years
}

func (s Span) Contains(year int) bool {
	return year >= s.Earliest && year <= s.Latest
}

// Label renders a period as stored in dim_period.
func Label(year int) string {
	return strconv.Itoa(year)
}

// ParseLabel parses a dim_period value.
func ParseLabel(label string) (int, error) {
	year, err := strconv.Atoi(strings.TrimSpace(label))
	if err != nil {
		return 0, fmt.Errorf("invalid period %q: %w", label, err)
	}
	if year < 1000 || year > 9999 {
		return 0, fmt.Errorf("invalid period %q: expected a four-digit year", label)
	}
	return year, nil
}

// ParseList parses comma separated years and inclusive ranges, e.g.
// "2011-2016,2018".
func ParseList(s string) ([]int, error) {
	var years []int
	for part := range strings.SplitSeq(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			from, err := ParseLabel(lo)
			if err != nil {
				return nil, err
			}
			to, err := ParseLabel(hi)
			if err != nil {
				return nil, err
			}
			if to < from {
				return nil, fmt.Errorf("invalid period range %q", part)
			}
			years = append(years, Span{Earliest: from, Latest: to}.Years()...)
			continue
		}
		year, err := ParseLabel(part)
		if err != nil {
			return nil, err
		}
		years = append(years, year)
	}
	return normalize(years), nil
}

func normalize(years []int) []int {
	out := slices.Clone(years)
	slices.Sort(out)
	return slices.Compact(out)
}

func nonNil(years []int) []int {
	if years == nil {
		return []int{}
	}
	return years
}
