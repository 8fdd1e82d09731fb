package service

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/rewired-gh/quantflow/internal/analytics"
	"github.com/rewired-gh/quantflow/internal/backtest"
	"github.com/rewired-gh/quantflow/internal/config"
	"github.com/rewired-gh/quantflow/internal/models"
)

// MethodNone disables hedging: the spread is A - B.
const MethodNone = "none"

// pairData is a pair's bar closes aligned on shared open times. Y is the
// first leg, X the second.
type pairData struct {
	pair  string
	times []time.Time
	xs    []float64
	ys    []float64
}

func (s *Service) loadPair(ctx context.Context, q Query) (pairData, error) {
	a, b, err := config.ParsePair(q.Symbol)
	if err != nil {
		return pairData{}, err
	}
	qa, qb := q, q
	qa.Symbol, qb.Symbol = a, b
	ya, err := s.closes(ctx, qa)
	if err != nil {
		return pairData{}, err
	}
	xb, err := s.closes(ctx, qb)
	if err != nil {
		return pairData{}, err
	}
	times, ys, xs := analytics.Align(ya, xb)
	return pairData{pair: a + "/" + b, times: times, xs: xs, ys: ys}, nil
}

type HedgeResult struct {
	Pair      string           `json:"pair"`
	Timeframe models.Timeframe `json:"timeframe"`
	analytics.Fit
}

// Hedge regresses the first leg of the pair on the second.
func (s *Service) Hedge(ctx context.Context, q Query, method string) (HedgeResult, error) {
	if method == "" {
		method = analytics.MethodOLS
	}
	pd, err := s.loadPair(ctx, q)
	if err != nil {
		return HedgeResult{}, err
	}
	fit, err := s.fit(pd, method)
	if err != nil {
		return HedgeResult{}, err
	}
	return HedgeResult{Pair: pd.pair, Timeframe: q.Timeframe, Fit: fit}, nil
}

func (s *Service) fit(pd pairData, method string) (analytics.Fit, error) {
	if len(pd.xs) < s.opts.MinRegressionPoints {
		return analytics.Fit{}, models.NotEnough("hedge "+pd.pair, s.opts.MinRegressionPoints, len(pd.xs))
	}
	return analytics.Regress(method, pd.xs, pd.ys)
}

type SpreadPoint struct {
	Time   time.Time `json:"time"`
	Spread float64   `json:"spread"`
	ZScore *float64  `json:"zscore"` // nil before the first full window or when it is flat
}

type SpreadResult struct {
	Pair      string           `json:"pair"`
	Timeframe models.Timeframe `json:"timeframe"`
	Method    string           `json:"method"`
	Beta      float64          `json:"beta"`
	Window    int              `json:"window"`
	Points    []SpreadPoint    `json:"points"`
}

// SpreadZ computes the pair spread A - beta*B and its rolling z-score. The
// hedge ratio comes from method, or is 1 for MethodNone.
func (s *Service) SpreadZ(ctx context.Context, q Query, window int, method string) (SpreadResult, error) {
	if window <= 0 {
		window = s.opts.Window
	}
	if window < 2 {
		return SpreadResult{}, models.Configf("window", "must be at least 2, got %d", window)
	}
	pd, err := s.loadPair(ctx, q)
	if err != nil {
		return SpreadResult{}, err
	}
	spread, beta, method, err := s.spread(pd, method)
	if err != nil {
		return SpreadResult{}, err
	}
	z, err := analytics.ZScores(spread, window)
	if err != nil {
		return SpreadResult{}, err
	}

	pts := make([]SpreadPoint, len(spread))
	for i := range spread {
		pts[i] = SpreadPoint{Time: pd.times[i], Spread: spread[i]}
		if i < window-1 {
			continue
		}
		if zi := z[i-window+1]; !math.IsNaN(zi) {
			pts[i].ZScore = &zi
		}
	}
	return SpreadResult{
		Pair:      pd.pair,
		Timeframe: q.Timeframe,
		Method:    method,
		Beta:      beta,
		Window:    window,
		Points:    pts,
	}, nil
}

func (s *Service) spread(pd pairData, method string) ([]float64, float64, string, error) {
	method = strings.ToLower(strings.TrimSpace(method))
	beta := 1.0
	switch method {
	case MethodNone:
	case "":
		method = analytics.MethodOLS
		fallthrough
	default:
		fit, err := s.fit(pd, method)
		if err != nil {
			return nil, 0, "", err
		}
		beta = fit.Beta
	}
	spread, err := analytics.Spread(pd.xs, pd.ys, beta)
	return spread, beta, method, err
}

type ADFReport struct {
	Subject   string           `json:"subject"`
	Timeframe models.Timeframe `json:"timeframe"`
	Beta      *float64         `json:"beta,omitempty"` // hedge ratio when testing a pair spread
	analytics.ADFResult
}

// ADF tests a symbol's closes, or for an "A/B" pair the hedged spread, for
// stationarity. maxLag < 0 selects the lag automatically.
func (s *Service) ADF(ctx context.Context, q Query, maxLag int, method string) (ADFReport, error) {
	var (
		values []float64
		rep    = ADFReport{Timeframe: q.Timeframe}
	)
	if strings.Contains(q.Symbol, "/") {
		pd, err := s.loadPair(ctx, q)
		if err != nil {
			return ADFReport{}, err
		}
		spread, beta, _, err := s.spread(pd, method)
		if err != nil {
			return ADFReport{}, err
		}
		values, rep.Subject, rep.Beta = spread, pd.pair, &beta
	} else {
		pts, err := s.closes(ctx, q)
		if err != nil {
			return ADFReport{}, err
		}
		values, rep.Subject = analytics.Values(pts), normalize(q.Symbol)
	}
	if len(values) < s.opts.MinADFPoints {
		return ADFReport{}, models.NotEnough("adf "+rep.Subject, s.opts.MinADFPoints, len(values))
	}
	res, err := analytics.ADF(values, maxLag)
	if err != nil {
		return ADFReport{}, err
	}
	rep.ADFResult = res
	return rep, nil
}

type KalmanPoint struct {
	Time time.Time `json:"time"`
	analytics.KalmanEstimate
}

type KalmanResult struct {
	Pair      string           `json:"pair"`
	Timeframe models.Timeframe `json:"timeframe"`
	Points    []KalmanPoint    `json:"points"`
}

// Kalman filters the pair's dynamic hedge ratio. A nil cfg uses the
// configured filter parameters.
func (s *Service) Kalman(ctx context.Context, q Query, cfg *analytics.KalmanConfig) (KalmanResult, error) {
	kc := s.opts.Kalman
	if cfg != nil {
		kc = *cfg
	}
	kf, err := analytics.NewKalman(kc)
	if err != nil {
		return KalmanResult{}, err
	}
	pd, err := s.loadPair(ctx, q)
	if err != nil {
		return KalmanResult{}, err
	}
	ests, err := kf.Run(pd.xs, pd.ys)
	if err != nil {
		return KalmanResult{}, err
	}
	pts := make([]KalmanPoint, len(ests))
	for i, e := range ests {
		pts[i] = KalmanPoint{Time: pd.times[e.Index], KalmanEstimate: e}
	}
	return KalmanResult{Pair: pd.pair, Timeframe: q.Timeframe, Points: pts}, nil
}

type BacktestReport struct {
	Pair      string           `json:"pair"`
	Timeframe models.Timeframe `json:"timeframe"`
	Method    string           `json:"method"`
	Beta      float64          `json:"beta"`
	Config    backtest.Config  `json:"config"`
	backtest.Result
}

// Backtest runs the mean-reversion strategy on the pair spread hedged with
// method. A nil cfg uses the configured strategy parameters.
func (s *Service) Backtest(ctx context.Context, q Query, cfg *backtest.Config, method string) (BacktestReport, error) {
	bc := s.opts.Backtest
	if cfg != nil {
		bc = *cfg
	}
	if err := bc.Validate(); err != nil {
		return BacktestReport{}, err
	}
	pd, err := s.loadPair(ctx, q)
	if err != nil {
		return BacktestReport{}, err
	}
	spread, beta, method, err := s.spread(pd, method)
	if err != nil {
		return BacktestReport{}, err
	}
	pts := make([]analytics.Point, len(spread))
	for i, v := range spread {
		pts[i] = analytics.Point{Time: pd.times[i], Value: v}
	}
	res, err := backtest.Run(pts, bc)
	if err != nil {
		return BacktestReport{}, err
	}
	return BacktestReport{
		Pair:      pd.pair,
		Timeframe: q.Timeframe,
		Method:    method,
		Beta:      beta,
		Config:    bc,
		Result:    res,
	}, nil
}
