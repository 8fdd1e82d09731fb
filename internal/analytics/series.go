// Package analytics implements the statistics and estimators used for pairs
// trading: summary and rolling statistics, hedge ratio regressions, spread and
// z-score, the augmented Dickey-Fuller test, correlation and a Kalman filter
// hedge ratio. Every function is pure; inputs are never modified.
package analytics

import (
	"math"
	"sort"
	"time"

	"github.com/rewired-gh/quantflow/internal/models"
)

// Point is one observation of a time series.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Values extracts the values of points in order.
func Values(points []Point) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Value
	}
	return out
}

// BarCloses converts bars to a close price series.
func BarCloses(bars []models.Bar) []Point {
	out := make([]Point, len(bars))
	for i, b := range bars {
		out[i] = Point{Time: b.OpenTime, Value: b.Close}
	}
	return out
}

// Align inner-joins two series on timestamp. Both inputs must be sorted
// ascending; duplicate timestamps keep the last value.
func Align(a, b []Point) (times []time.Time, xs, ys []float64) {
	a, b = dedupe(a), dedupe(b)
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].Time.Before(b[j].Time):
			i++
		case b[j].Time.Before(a[i].Time):
			j++
		default:
			times = append(times, a[i].Time)
			xs = append(xs, a[i].Value)
			ys = append(ys, b[j].Value)
			i++
			j++
		}
	}
	return times, xs, ys
}

// AlignMany inner-joins any number of series on timestamp. The result maps
// each key to values over the shared timestamps.
func AlignMany(series map[string][]Point) ([]time.Time, map[string][]float64) {
	if len(series) == 0 {
		return nil, map[string][]float64{}
	}
	counts := make(map[int64]int)
	for _, s := range series {
		for _, p := range dedupe(s) {
			counts[p.Time.UnixNano()]++
		}
	}
	var shared []int64
	for ts, c := range counts {
		if c == len(series) {
			shared = append(shared, ts)
		}
	}
	sort.Slice(shared, func(i, j int) bool { return shared[i] < shared[j] })

	index := make(map[int64]int, len(shared))
	times := make([]time.Time, len(shared))
	for i, ts := range shared {
		index[ts] = i
		times[i] = time.Unix(0, ts).UTC()
	}
	out := make(map[string][]float64, len(series))
	for key, s := range series {
		vals := make([]float64, len(shared))
		for _, p := range dedupe(s) {
			if i, ok := index[p.Time.UnixNano()]; ok {
				vals[i] = p.Value
			}
		}
		out[key] = vals
	}
	return times, out
}

func dedupe(ps []Point) []Point {
	if len(ps) < 2 {
		return ps
	}
	out := make([]Point, 0, len(ps))
	for _, p := range ps {
		if n := len(out); n > 0 && out[n-1].Time.Equal(p.Time) {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return out
}

func allFinite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
