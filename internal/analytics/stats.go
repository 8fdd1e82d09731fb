package analytics

import (
	"math"

	"github.com/rewired-gh/quantflow/internal/models"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// PriceStats summarizes a price series and its simple returns.
type PriceStats struct {
	Count      int     `json:"count"`
	Mean       float64 `json:"mean"`
	Std        float64 `json:"std"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Current    float64 `json:"current"`
	ReturnMean float64 `json:"return_mean"`
	ReturnStd  float64 `json:"return_std"`
	Volatility float64 `json:"volatility"` // annualized
	Skewness   float64 `json:"skewness"`
	Kurtosis   float64 `json:"kurtosis"` // excess
}

// WindowStats holds the statistics of one rolling window, stamped with the
// index of its last element.
type WindowStats struct {
	Index      int     `json:"index"`
	Mean       float64 `json:"mean"`
	Std        float64 `json:"std"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	Return     float64 `json:"return"`
	Volatility float64 `json:"volatility"`
}

// Returns computes simple period returns. The result has len(values)-1
// elements; a zero previous value yields NaN at that position.
func Returns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1] == 0 {
			out[i-1] = math.NaN()
			continue
		}
		out[i-1] = values[i]/values[i-1] - 1
	}
	return out
}

// Summarize computes PriceStats. periodsPerYear scales the return standard
// deviation into annualized volatility.
func Summarize(values []float64, periodsPerYear float64) (PriceStats, error) {
	if len(values) < 2 {
		return PriceStats{}, models.NotEnough("price stats", 2, len(values))
	}
	if periodsPerYear <= 0 {
		return PriceStats{}, models.Configf("periods_per_year", "must be positive, got %v", periodsPerYear)
	}
	if !allFinite(values) {
		return PriceStats{}, models.Configf("values", "must be finite")
	}

	mean, std := stat.MeanStdDev(values, nil)
	ps := PriceStats{
		Count:   len(values),
		Mean:    mean,
		Std:     std,
		Min:     floats.Min(values),
		Max:     floats.Max(values),
		Current: values[len(values)-1],
	}

	rets := finite(Returns(values))
	if len(rets) > 0 {
		ps.ReturnMean = stat.Mean(rets, nil)
	}
	if len(rets) > 1 {
		ps.ReturnStd = stat.StdDev(rets, nil)
		ps.Volatility = ps.ReturnStd * math.Sqrt(periodsPerYear)
	}
	if len(rets) > 2 {
		ps.Skewness = zeroIfNaN(stat.Skew(rets, nil))
	}
	if len(rets) > 3 {
		ps.Kurtosis = zeroIfNaN(stat.ExKurtosis(rets, nil))
	}
	return ps, nil
}

// Rolling computes WindowStats for every full window of size window.
func Rolling(values []float64, window int, periodsPerYear float64) ([]WindowStats, error) {
	if window < 2 {
		return nil, models.Configf("window", "must be at least 2, got %d", window)
	}
	if periodsPerYear <= 0 {
		return nil, models.Configf("periods_per_year", "must be positive, got %v", periodsPerYear)
	}
	if len(values) < window {
		return nil, models.NotEnough("rolling stats", window, len(values))
	}

	rets := Returns(values)
	out := make([]WindowStats, 0, len(values)-window+1)
	for end := window; end <= len(values); end++ {
		w := values[end-window : end]
		mean, std := stat.MeanStdDev(w, nil)
		ws := WindowStats{
			Index: end - 1,
			Mean:  mean,
			Std:   std,
			Min:   floats.Min(w),
			Max:   floats.Max(w),
		}
		if w[0] != 0 {
			ws.Return = w[len(w)-1]/w[0] - 1
		}
		// returns inside the window: window-1 of them
		if wr := finite(rets[end-window : end-1]); len(wr) > 1 {
			ws.Volatility = stat.StdDev(wr, nil) * math.Sqrt(periodsPerYear)
		}
		out = append(out, ws)
	}
	return out, nil
}

func finite(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) && !math.IsInf(x, 0) {
			out = append(out, x)
		}
	}
	return out
}

func zeroIfNaN(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}
