package analytics

import (
	"math"

	"github.com/rewired-gh/quantflow/internal/models"
)

// Spread computes y - beta*x element-wise.
func Spread(xs, ys []float64, beta float64) ([]float64, error) {
	if len(xs) != len(ys) {
		return nil, models.Configf("series", "length mismatch: %d vs %d", len(xs), len(ys))
	}
	out := make([]float64, len(xs))
	for i := range xs {
		out[i] = ys[i] - beta*xs[i]
	}
	return out, nil
}

// DynamicSpread computes y - alpha_t - beta_t*x with a hedge ratio per step.
// A nil alphas slice is treated as all zeros.
func DynamicSpread(xs, ys, betas, alphas []float64) ([]float64, error) {
	if len(xs) != len(ys) || len(betas) != len(xs) || (alphas != nil && len(alphas) != len(xs)) {
		return nil, models.Configf("series", "length mismatch")
	}
	out := make([]float64, len(xs))
	for i := range xs {
		a := 0.0
		if alphas != nil {
			a = alphas[i]
		}
		out[i] = ys[i] - a - betas[i]*xs[i]
	}
	return out, nil
}

// ZScores computes the rolling z-score of values. Element k of the result is
// the z-score of values[k+window-1] against the window ending there, so the
// result has len(values)-window+1 elements. A window with zero standard
// deviation yields NaN at its position; if every window has zero standard
// deviation an InsufficientDataError is returned instead.
func ZScores(values []float64, window int) ([]float64, error) {
	if window < 2 {
		return nil, models.Configf("window", "must be at least 2, got %d", window)
	}
	if len(values) < window {
		return nil, models.NotEnough("zscore", window, len(values))
	}

	out := make([]float64, len(values)-window+1)
	defined := 0
	for end := window; end <= len(values); end++ {
		var w Welford
		for _, v := range values[end-window : end] {
			w.Add(v)
		}
		std := w.StdDev()
		if std == 0 || math.IsNaN(std) {
			out[end-window] = math.NaN()
			continue
		}
		out[end-window] = (values[end-1] - w.Mean) / std
		defined++
	}
	if defined == 0 {
		return nil, &models.InsufficientDataError{Op: "zscore", Need: window, Got: len(values), Reason: "zero variance in every window"}
	}
	return out, nil
}

// LatestZScore is the z-score of the last value against the trailing window.
func LatestZScore(values []float64, window int) (float64, error) {
	if window < 2 {
		return 0, models.Configf("window", "must be at least 2, got %d", window)
	}
	if len(values) < window {
		return 0, models.NotEnough("zscore", window, len(values))
	}
	var w Welford
	for _, v := range values[len(values)-window:] {
		w.Add(v)
	}
	std := w.StdDev()
	if std == 0 {
		return 0, &models.InsufficientDataError{Op: "zscore", Need: window, Got: len(values), Reason: "zero variance in window"}
	}
	return (values[len(values)-1] - w.Mean) / std, nil
}
