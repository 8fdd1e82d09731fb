// Package service answers analytics queries over the tick and bar stores.
// It is the single entry point for the HTTP API and the alert engine.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/rewired-gh/quantflow/internal/analytics"
	"github.com/rewired-gh/quantflow/internal/backtest"
	"github.com/rewired-gh/quantflow/internal/config"
	"github.com/rewired-gh/quantflow/internal/models"
)

// Store is the read side of the tick and bar stores.
type Store interface {
	QueryTicks(ctx context.Context, symbol string, start, end time.Time, limit int) ([]models.Tick, error)
	LatestPrice(ctx context.Context, symbol string) (float64, bool, error)
	Symbols(ctx context.Context) ([]string, error)
	DataRange(ctx context.Context, symbol string) (first, last time.Time, ok bool, err error)
	LatestTickTime(ctx context.Context) (time.Time, bool, error)
	QueryBars(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, limit int) ([]models.Bar, error)
}

type Options struct {
	Window              int
	PeriodsPerYear      float64 // 0 derives it from the timeframe
	MinRegressionPoints int
	MinADFPoints        int
	Lookback            int // bars loaded when a query sets no limit
	Kalman              analytics.KalmanConfig
	Backtest            backtest.Config
	Pairs               []string
	AlertTimeframe      models.Timeframe
	StaleAfter          time.Duration // behind the newest stored tick; 0 never treats data as stale
}

func DefaultOptions() Options {
	return Options{
		Window:              100,
		MinRegressionPoints: 50,
		MinADFPoints:        analytics.MinADFPoints,
		Lookback:            1000,
		Kalman:              analytics.DefaultKalmanConfig(),
		Backtest:            backtest.DefaultConfig(),
		AlertTimeframe:      models.TF1m,
	}
}

// Query selects the data an operation runs on. Symbol is a single symbol or
// a pair written "A/B". Zero Start or End leave that side of the range open.
type Query struct {
	Symbol    string           `query:"symbol"`
	Timeframe models.Timeframe `query:"timeframe"`
	Start     time.Time        `query:"start"`
	End       time.Time        `query:"end"`
	Limit     int              `query:"limit"`
}

type Service struct {
	store Store
	opts  Options
	now   func() time.Time
}

func New(store Store, opts Options) (*Service, error) {
	if opts.Window < 2 {
		return nil, models.Configf("window", "must be at least 2, got %d", opts.Window)
	}
	if opts.Lookback < opts.Window {
		return nil, models.Configf("lookback", "must be at least the window (%d), got %d", opts.Window, opts.Lookback)
	}
	if opts.MinRegressionPoints < 3 {
		opts.MinRegressionPoints = 3
	}
	if opts.MinADFPoints < analytics.MinADFPoints {
		opts.MinADFPoints = analytics.MinADFPoints
	}
	if !opts.AlertTimeframe.Valid() {
		return nil, models.Configf("alerts.timeframe", "%q is not supported", opts.AlertTimeframe)
	}
	for _, p := range opts.Pairs {
		if _, _, err := config.ParsePair(p); err != nil {
			return nil, err
		}
	}
	return &Service{store: store, opts: opts, now: time.Now}, nil
}

func (s *Service) Options() Options { return s.opts }

// Ping reports whether the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Service) Symbols(ctx context.Context) ([]string, error) {
	return s.store.Symbols(ctx)
}

type SymbolSummary struct {
	Symbol      string    `json:"symbol"`
	LatestPrice float64   `json:"latest_price"`
	First       time.Time `json:"first"`
	Last        time.Time `json:"last"`
}

// Summary reports the latest price and stored tick range of a symbol.
func (s *Service) Summary(ctx context.Context, symbol string) (SymbolSummary, error) {
	symbol = normalize(symbol)
	if symbol == "" {
		return SymbolSummary{}, models.Configf("symbol", "is required")
	}
	first, last, ok, err := s.store.DataRange(ctx, symbol)
	if err != nil {
		return SymbolSummary{}, err
	}
	if !ok {
		return SymbolSummary{}, &models.InsufficientDataError{Op: "summary " + symbol, Need: 1, Reason: "no ticks for " + symbol}
	}
	price, _, err := s.store.LatestPrice(ctx, symbol)
	if err != nil {
		return SymbolSummary{}, err
	}
	return SymbolSummary{Symbol: symbol, LatestPrice: price, First: first, Last: last}, nil
}

func (s *Service) Ticks(ctx context.Context, q Query) ([]models.Tick, error) {
	if err := s.checkRange(q, false); err != nil {
		return nil, err
	}
	return s.store.QueryTicks(ctx, normalize(q.Symbol), q.Start, q.End, q.Limit)
}

func (s *Service) Bars(ctx context.Context, q Query) ([]models.Bar, error) {
	if err := s.checkRange(q, true); err != nil {
		return nil, err
	}
	return s.store.QueryBars(ctx, normalize(q.Symbol), q.Timeframe, q.Start, q.End, q.Limit)
}

type SymbolStats struct {
	Symbol    string           `json:"symbol"`
	Timeframe models.Timeframe `json:"timeframe"`
	From      time.Time        `json:"from"`
	To        time.Time        `json:"to"`
	analytics.PriceStats
}

// Stats summarizes the bar closes of one symbol.
func (s *Service) Stats(ctx context.Context, q Query) (SymbolStats, error) {
	pts, err := s.closes(ctx, q)
	if err != nil {
		return SymbolStats{}, err
	}
	ps, err := analytics.Summarize(analytics.Values(pts), s.periods(q.Timeframe))
	if err != nil {
		return SymbolStats{}, err
	}
	return SymbolStats{
		Symbol:     normalize(q.Symbol),
		Timeframe:  q.Timeframe,
		From:       pts[0].Time,
		To:         pts[len(pts)-1].Time,
		PriceStats: ps,
	}, nil
}

type RollingPoint struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
	analytics.WindowStats
}

// Rolling computes rolling statistics of bar closes. window <= 0 uses the
// configured window.
func (s *Service) Rolling(ctx context.Context, q Query, window int) ([]RollingPoint, error) {
	if window <= 0 {
		window = s.opts.Window
	}
	pts, err := s.closes(ctx, q)
	if err != nil {
		return nil, err
	}
	stats, err := analytics.Rolling(analytics.Values(pts), window, s.periods(q.Timeframe))
	if err != nil {
		return nil, err
	}
	out := make([]RollingPoint, len(stats))
	for i, ws := range stats {
		out[i] = RollingPoint{Time: pts[ws.Index].Time, Price: pts[ws.Index].Value, WindowStats: ws}
	}
	return out, nil
}

// Correlation computes the correlation matrix of several symbols' bar closes
// over their shared timestamps.
func (s *Service) Correlation(ctx context.Context, symbols []string, q Query, window int) (analytics.Matrix, error) {
	if len(symbols) < 2 {
		return analytics.Matrix{}, models.Configf("symbols", "need at least two symbols, got %d", len(symbols))
	}
	series := make(map[string][]analytics.Point, len(symbols))
	for _, sym := range symbols {
		sq := q
		sq.Symbol = sym
		pts, err := s.closes(ctx, sq)
		if err != nil {
			return analytics.Matrix{}, err
		}
		series[normalize(sym)] = pts
	}
	if len(series) < 2 {
		return analytics.Matrix{}, models.Configf("symbols", "need at least two distinct symbols")
	}
	return analytics.CorrelationMatrix(series, window)
}

func (s *Service) checkRange(q Query, needTimeframe bool) error {
	if strings.TrimSpace(q.Symbol) == "" {
		return models.Configf("symbol", "is required")
	}
	if needTimeframe && !q.Timeframe.Valid() {
		return models.Configf("timeframe", "%q is not supported", q.Timeframe)
	}
	if q.Limit < 0 {
		return models.Configf("limit", "must not be negative, got %d", q.Limit)
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return models.Configf("end", "must not be before start")
	}
	return nil
}

// closes loads the bar closes of q.Symbol, newest Lookback bars unless the
// query sets a limit.
func (s *Service) closes(ctx context.Context, q Query) ([]analytics.Point, error) {
	if err := s.checkRange(q, true); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit == 0 {
		limit = s.opts.Lookback
	}
	bars, err := s.store.QueryBars(ctx, normalize(q.Symbol), q.Timeframe, q.Start, q.End, limit)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		return nil, &models.InsufficientDataError{Op: "load " + normalize(q.Symbol), Need: 1, Reason: "no bars for " + normalize(q.Symbol) + " at " + string(q.Timeframe)}
	}
	return analytics.BarCloses(bars), nil
}

func (s *Service) periods(tf models.Timeframe) float64 {
	if s.opts.PeriodsPerYear > 0 {
		return s.opts.PeriodsPerYear
	}
	return tf.PeriodsPerYear()
}

func normalize(symbol string) string {
	return models.NormalizeSymbol(symbol)
}
