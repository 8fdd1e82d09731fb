package service

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"

	"github.com/rewired-gh/quantflow/internal/analytics"
	"github.com/rewired-gh/quantflow/internal/config"
	"github.com/rewired-gh/quantflow/internal/models"
)

// Subjects lists every stored symbol plus each configured pair. It makes
// the service usable as the alert engine's metric source.
func (s *Service) Subjects(ctx context.Context) ([]string, error) {
	syms, err := s.store.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	out := append([]string(nil), syms...)
	for _, p := range s.opts.Pairs {
		a, b, _ := config.ParsePair(p)
		out = append(out, a+"/"+b)
	}
	sort.Strings(out)
	return out, nil
}

// Metrics computes the alert metrics of a symbol or "A/B" pair from the
// most recent bars at the alert timeframe.
//
// Symbols expose price, zscore, mean, std, volatility and return. Pairs
// expose spread, zscore, beta, alpha, correlation and r_squared, where
// zscore is that of the OLS-hedged spread. Metrics that cannot be computed
// yet are omitted. A subject with no data, or whose newest tick is older
// than StaleAfter, yields an empty map.
func (s *Service) Metrics(ctx context.Context, subject string) (map[string]float64, error) {
	if strings.Contains(subject, "/") {
		return s.pairMetrics(ctx, subject)
	}
	return s.symbolMetrics(ctx, normalize(subject))
}

func (s *Service) symbolMetrics(ctx context.Context, symbol string) (map[string]float64, error) {
	fresh, err := s.fresh(ctx, symbol)
	if err != nil || !fresh {
		return nil, err
	}
	out := make(map[string]float64)
	if price, ok, err := s.store.LatestPrice(ctx, symbol); err != nil {
		return nil, err
	} else if ok {
		out["price"] = price
	}

	pts, err := s.closes(ctx, Query{Symbol: symbol, Timeframe: s.opts.AlertTimeframe, Limit: s.opts.Window + 1})
	if errors.Is(err, models.ErrInsufficientData) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	values := analytics.Values(pts)
	if len(values) > s.opts.Window {
		values = values[len(values)-s.opts.Window:]
	}
	// window statistics are only meaningful over a full window
	if len(values) < s.opts.Window {
		return out, nil
	}
	if z, err := analytics.LatestZScore(values, s.opts.Window); err == nil {
		out["zscore"] = z
	}
	if ps, err := analytics.Summarize(values, s.periods(s.opts.AlertTimeframe)); err == nil {
		out["mean"] = ps.Mean
		out["std"] = ps.Std
		out["volatility"] = ps.Volatility
	}
	if rets := analytics.Returns(values); len(rets) > 0 && !math.IsNaN(rets[len(rets)-1]) {
		out["return"] = rets[len(rets)-1]
	}
	return out, nil
}

func (s *Service) pairMetrics(ctx context.Context, subject string) (map[string]float64, error) {
	a, b, err := config.ParsePair(subject)
	if err != nil {
		return nil, err
	}
	for _, leg := range []string{a, b} {
		fresh, err := s.fresh(ctx, leg)
		if err != nil || !fresh {
			return nil, err
		}
	}

	pd, err := s.loadPair(ctx, Query{Symbol: subject, Timeframe: s.opts.AlertTimeframe})
	if errors.Is(err, models.ErrInsufficientData) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(pd.xs) < max(s.opts.MinRegressionPoints, s.opts.Window) {
		return nil, nil
	}

	out := make(map[string]float64)
	fit, err := analytics.OLS(pd.xs, pd.ys)
	if err != nil {
		return out, nil
	}
	out["beta"] = fit.Beta
	out["alpha"] = fit.Alpha
	out["r_squared"] = fit.RSquared

	spread, _ := analytics.Spread(pd.xs, pd.ys, fit.Beta)
	out["spread"] = spread[len(spread)-1]
	if z, err := analytics.LatestZScore(spread, s.opts.Window); err == nil {
		out["zscore"] = z
	}
	w := s.opts.Window
	if c, err := analytics.Pearson(pd.xs[len(pd.xs)-w:], pd.ys[len(pd.ys)-w:]); err == nil {
		out["correlation"] = c
	}
	return out, nil
}

// fresh reports whether symbol has ticks recent enough to alert on. Age is
// measured in event time, against the newest tick of any symbol, so replayed
// history is judged the same way as live data.
func (s *Service) fresh(ctx context.Context, symbol string) (bool, error) {
	_, last, ok, err := s.store.DataRange(ctx, symbol)
	if err != nil || !ok {
		return false, err
	}
	if s.opts.StaleAfter <= 0 {
		return true, nil
	}
	newest, ok, err := s.store.LatestTickTime(ctx)
	if err != nil || !ok {
		return false, err
	}
	return newest.Sub(last) <= s.opts.StaleAfter, nil
}
