// Package backtest simulates a single-position mean-reversion strategy on a
// spread and its rolling z-score.
package backtest

import (
	"math"
	"time"

	"github.com/rewired-gh/quantflow/internal/analytics"
	"github.com/rewired-gh/quantflow/internal/models"
)

type Side int8

const (
	Flat  Side = 0
	Long  Side = 1  // long the spread: buy y, sell beta*x
	Short Side = -1 // short the spread
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Config struct {
	EntryZ         float64 `json:"entry_z"`
	ExitZ          float64 `json:"exit_z"`
	Window         int     `json:"window"`
	UnitSize       float64 `json:"unit_size"`
	StartingEquity float64 `json:"starting_equity"`
}

func DefaultConfig() Config {
	return Config{
		EntryZ:         2.0,
		ExitZ:          0.0,
		Window:         100,
		UnitSize:       100,
		StartingEquity: 100000,
	}
}

func (c Config) Validate() error {
	if c.EntryZ <= 0 || math.IsNaN(c.EntryZ) {
		return models.Configf("entry_z", "must be positive, got %v", c.EntryZ)
	}
	if c.ExitZ >= c.EntryZ || math.IsNaN(c.ExitZ) {
		return models.Configf("exit_z", "must be less than entry_z (%v), got %v", c.EntryZ, c.ExitZ)
	}
	if c.Window < 2 {
		return models.Configf("window", "must be at least 2, got %d", c.Window)
	}
	if c.UnitSize <= 0 {
		return models.Configf("unit_size", "must be positive, got %v", c.UnitSize)
	}
	if c.StartingEquity <= 0 {
		return models.Configf("starting_equity", "must be positive, got %v", c.StartingEquity)
	}
	return nil
}

type Trade struct {
	Side        Side      `json:"side"`
	EntryTime   time.Time `json:"entry_time"`
	ExitTime    time.Time `json:"exit_time"`
	EntryZ      float64   `json:"entry_z"`
	ExitZ       float64   `json:"exit_z"`
	EntrySpread float64   `json:"entry_spread"`
	ExitSpread  float64   `json:"exit_spread"`
	PnL         float64   `json:"pnl"`
	Forced      bool      `json:"forced"` // closed at the end of the data
}

type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

type Metrics struct {
	TotalTrades    int     `json:"total_trades"`
	WinningTrades  int     `json:"winning_trades"`
	LosingTrades   int     `json:"losing_trades"`
	WinRate        float64 `json:"win_rate"`
	TotalPnL       float64 `json:"total_pnl"`
	FinalEquity    float64 `json:"final_equity"`
	ReturnPct      float64 `json:"return_pct"`
	AvgWin         float64 `json:"avg_win"`
	AvgLoss        float64 `json:"avg_loss"`
	ProfitFactor   float64 `json:"profit_factor"` // 0 when there are no losing trades
	MaxDrawdown    float64 `json:"max_drawdown"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	PnLStdDev      float64 `json:"pnl_std_dev"`
}

type Result struct {
	Trades      []Trade       `json:"trades"`
	EquityCurve []EquityPoint `json:"equity_curve"`
	Metrics     Metrics       `json:"metrics"`
}

// Run computes the rolling z-score of spread over cfg.Window and simulates
// on every sample where it is defined.
func Run(spread []analytics.Point, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if len(spread) < cfg.Window {
		return Result{}, models.NotEnough("backtest", cfg.Window, len(spread))
	}

	values := analytics.Values(spread)
	z, err := analytics.ZScores(values, cfg.Window)
	if err != nil {
		return Result{}, err
	}

	off := cfg.Window - 1
	times := make([]time.Time, len(z))
	for i := range z {
		times[i] = spread[off+i].Time
	}
	return simulate(times, values[off:], z, cfg), nil
}

// RunSeries simulates on a precomputed z-score series; cfg.Window is not
// applied. NaN z-scores never open or close a position.
func RunSeries(times []time.Time, spread, z []float64, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	if len(times) != len(spread) || len(spread) != len(z) {
		return Result{}, models.Configf("series", "length mismatch: %d times, %d spread, %d z", len(times), len(spread), len(z))
	}
	if len(z) == 0 {
		return Result{}, models.NotEnough("backtest", 1, 0)
	}
	return simulate(times, spread, z, cfg), nil
}

func simulate(times []time.Time, spread, z []float64, cfg Config) Result {
	res := Result{
		Trades:      []Trade{},
		EquityCurve: make([]EquityPoint, 0, len(z)),
	}
	equity := cfg.StartingEquity
	pos := Flat
	var open Trade

	closePosition := func(i int, forced bool) {
		open.ExitTime = times[i]
		open.ExitZ = z[i]
		open.ExitSpread = spread[i]
		open.PnL = float64(pos) * (spread[i] - open.EntrySpread) * cfg.UnitSize
		open.Forced = forced
		equity += open.PnL
		res.Trades = append(res.Trades, open)
		pos = Flat
	}

	for i := range z {
		zi := z[i]
		if !math.IsNaN(zi) {
			switch pos {
			case Flat:
				switch {
				case zi >= cfg.EntryZ:
					pos = Short
				case zi <= -cfg.EntryZ:
					pos = Long
				}
				if pos != Flat {
					open = Trade{Side: pos, EntryTime: times[i], EntryZ: zi, EntrySpread: spread[i]}
				}
			case Short:
				if zi <= cfg.ExitZ {
					closePosition(i, false)
				}
			case Long:
				if zi >= -cfg.ExitZ {
					closePosition(i, false)
				}
			}
		}
		if pos != Flat && i == len(z)-1 {
			closePosition(i, true)
		}
		res.EquityCurve = append(res.EquityCurve, EquityPoint{Time: times[i], Equity: equity})
	}

	res.Metrics = computeMetrics(res.Trades, res.EquityCurve, cfg.StartingEquity, equity)
	return res
}

func computeMetrics(trades []Trade, curve []EquityPoint, start, final float64) Metrics {
	m := Metrics{
		TotalTrades: len(trades),
		FinalEquity: final,
		ReturnPct:   (final - start) / start * 100,
	}

	var pnl analytics.Welford
	var sumWin, sumLoss float64
	for _, t := range trades {
		pnl.Add(t.PnL)
		m.TotalPnL += t.PnL
		switch {
		case t.PnL > 0:
			m.WinningTrades++
			sumWin += t.PnL
		case t.PnL < 0:
			m.LosingTrades++
			sumLoss += t.PnL
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	}
	if m.WinningTrades > 0 {
		m.AvgWin = sumWin / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = sumLoss / float64(m.LosingTrades)
		m.ProfitFactor = math.Abs(sumWin / sumLoss)
	}
	m.PnLStdDev = pnl.StdDev()

	peak := start
	for _, p := range curve {
		peak = math.Max(peak, p.Equity)
		dd := peak - p.Equity
		if dd > m.MaxDrawdown {
			m.MaxDrawdown = dd
		}
		if peak > 0 {
			m.MaxDrawdownPct = math.Max(m.MaxDrawdownPct, dd/peak*100)
		}
	}
	return m
}
