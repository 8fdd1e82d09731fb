package analytics

import (
	"math"
	"sort"

	"github.com/rewired-gh/quantflow/internal/models"
	"gonum.org/v1/gonum/stat"
)

// Matrix is a labelled square correlation matrix.
type Matrix struct {
	Symbols []string    `json:"symbols"`
	Values  [][]float64 `json:"values"`
	N       int         `json:"n"`
}

// At returns the correlation between two labelled series.
func (m Matrix) At(a, b string) (float64, bool) {
	i, j := -1, -1
	for k, s := range m.Symbols {
		if s == a {
			i = k
		}
		if s == b {
			j = k
		}
	}
	if i < 0 || j < 0 {
		return 0, false
	}
	return m.Values[i][j], true
}

// Pearson computes the correlation of two equal-length series, clamped to
// [-1, 1].
func Pearson(x, y []float64) (float64, error) {
	if len(x) != len(y) {
		return 0, models.Configf("series", "length mismatch: %d vs %d", len(x), len(y))
	}
	if len(x) < 2 {
		return 0, models.NotEnough("correlation", 2, len(x))
	}
	if stat.Variance(x, nil) == 0 || stat.Variance(y, nil) == 0 {
		return 0, &models.InsufficientDataError{Op: "correlation", Need: 2, Got: len(x), Reason: "zero variance"}
	}
	return clamp(stat.Correlation(x, y, nil)), nil
}

// RollingCorrelation computes Pearson correlation over each full window.
// Windows where either side is constant yield NaN.
func RollingCorrelation(x, y []float64, window int) ([]float64, error) {
	if window < 2 {
		return nil, models.Configf("window", "must be at least 2, got %d", window)
	}
	if len(x) != len(y) {
		return nil, models.Configf("series", "length mismatch: %d vs %d", len(x), len(y))
	}
	if len(x) < window {
		return nil, models.NotEnough("rolling correlation", window, len(x))
	}
	out := make([]float64, len(x)-window+1)
	for end := window; end <= len(x); end++ {
		c, err := Pearson(x[end-window:end], y[end-window:end])
		if err != nil {
			out[end-window] = math.NaN()
			continue
		}
		out[end-window] = c
	}
	return out, nil
}

// CorrelationMatrix computes pairwise correlations over the most recent
// window shared observations of every series. window <= 0 uses all of them.
// The result is symmetric with a unit diagonal, ordered by symbol.
func CorrelationMatrix(series map[string][]Point, window int) (Matrix, error) {
	if len(series) < 2 {
		return Matrix{}, models.Configf("symbols", "need at least two series, got %d", len(series))
	}
	if window == 1 {
		return Matrix{}, models.Configf("window", "must be at least 2, got %d", window)
	}

	_, aligned := AlignMany(series)
	symbols := make([]string, 0, len(aligned))
	for s := range aligned {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	n := len(aligned[symbols[0]])
	need := max(window, 2)
	if n < need {
		return Matrix{}, models.NotEnough("correlation matrix", need, n)
	}
	start := 0
	if window > 0 {
		start = n - window
	}
	cols := make([][]float64, len(symbols))
	for i, s := range symbols {
		cols[i] = aligned[s][start:]
		if stat.Variance(cols[i], nil) == 0 {
			return Matrix{}, &models.InsufficientDataError{Op: "correlation matrix", Need: need, Got: n, Reason: "zero variance in " + s}
		}
	}

	vals := make([][]float64, len(symbols))
	for i := range vals {
		vals[i] = make([]float64, len(symbols))
		vals[i][i] = 1
	}
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			c := clamp(stat.Correlation(cols[i], cols[j], nil))
			vals[i][j], vals[j][i] = c, c
		}
	}
	return Matrix{Symbols: symbols, Values: vals, N: n - start}, nil
}

func clamp(c float64) float64 {
	return math.Max(-1, math.Min(1, c))
}
