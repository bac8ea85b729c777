package query

// Point is one period's value.
type Point struct {
	Period int     `json:"period"`
	Value  float64 `json:"value"`
}

// NormalizeToFirst divides every point by the first one. ok is false, and
// the input is returned as is, when the series is empty or starts at zero.
func NormalizeToFirst(points []Point) ([]Point, bool) {
	if len(points) == 0 || points[0].Value == 0 {
		return points, false
	}
	base := points[0].Value
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = Point{Period: p.Period, Value: p.Value / base}
	}
	return out, true
}

// Cumulative replaces each point with the running sum up to it.
func Cumulative(points []Point) []Point {
	out := make([]Point, len(points))
	var sum float64
	for i, p := range points {
		sum += p.Value
		out[i] = Point{Period: p.Period, Value: sum}
	}
	return out
}
