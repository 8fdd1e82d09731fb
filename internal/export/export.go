// Package export renders ticks, bars and statistics as CSV downloads.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/quantflow/internal/analytics"
	"github.com/rewired-gh/quantflow/internal/models"
)

type Kind string

const (
	KindTicks   Kind = "ticks"
	KindBars    Kind = "bars"
	KindStats   Kind = "stats"
	KindRolling Kind = "rolling"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindTicks, KindBars, KindStats, KindRolling:
		return k, nil
	default:
		return "", models.Configf("kind", "%q is not one of ticks, bars, stats, rolling", s)
	}
}

// Stat is one metric,value row.
type Stat struct {
	Name  string
	Value float64
}

// RollingRow is one timestamped row of rolling statistics.
type RollingRow struct {
	Time  time.Time
	Price float64
	analytics.WindowStats
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// FileName builds "<symbol>_<timeframe>_<kind>_<YYYYmmdd_HHMMSS>.csv" in UTC.
// Tick exports have no timeframe and use "tick" in its place.
func FileName(symbol string, tf models.Timeframe, kind Kind, at time.Time) string {
	tfs := string(tf)
	if tfs == "" {
		tfs = "tick"
	}
	symbol = strings.ReplaceAll(strings.ToLower(symbol), "/", "-")
	return fmt.Sprintf("%s_%s_%s_%s.csv", symbol, tfs, kind, at.UTC().Format("20060102_150405"))
}

func WriteTicks(w io.Writer, ticks []models.Tick) error {
	return write(w, []string{"timestamp", "symbol", "price", "size"}, len(ticks), func(i int) []string {
		t := ticks[i]
		return []string{t.Timestamp.UTC().Format(timeLayout), t.Symbol, num(t.Price), num(t.Size)}
	})
}

func WriteBars(w io.Writer, bars []models.Bar) error {
	header := []string{"open_time", "symbol", "timeframe", "open", "high", "low", "close", "volume", "trade_count"}
	return write(w, header, len(bars), func(i int) []string {
		b := bars[i]
		return []string{
			b.OpenTime.UTC().Format(timeLayout), b.Symbol, string(b.Timeframe),
			num(b.Open), num(b.High), num(b.Low), num(b.Close), num(b.Volume),
			strconv.FormatInt(b.TradeCount, 10),
		}
	})
}

func WriteStats(w io.Writer, stats []Stat) error {
	return write(w, []string{"metric", "value"}, len(stats), func(i int) []string {
		return []string{stats[i].Name, num(stats[i].Value)}
	})
}

func WriteRolling(w io.Writer, rows []RollingRow) error {
	header := []string{"timestamp", "price", "rolling_mean", "rolling_std", "rolling_min", "rolling_max", "return", "volatility"}
	return write(w, header, len(rows), func(i int) []string {
		r := rows[i]
		return []string{
			r.Time.UTC().Format(timeLayout), num(r.Price), num(r.Mean), num(r.Std),
			num(r.Min), num(r.Max), num(r.Return), num(r.Volatility),
		}
	})
}

// PriceStatRows flattens a summary into metric,value rows in a fixed order.
func PriceStatRows(ps analytics.PriceStats) []Stat {
	return []Stat{
		{"count", float64(ps.Count)},
		{"mean", ps.Mean},
		{"std", ps.Std},
		{"min", ps.Min},
		{"max", ps.Max},
		{"current", ps.Current},
		{"return_mean", ps.ReturnMean},
		{"return_std", ps.ReturnStd},
		{"volatility", ps.Volatility},
		{"skewness", ps.Skewness},
		{"kurtosis", ps.Kurtosis},
	}
}

func write(w io.Writer, header []string, n int, row func(int) []string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for i := 0; i < n; i++ {
		if err := cw.Write(row(i)); err != nil {
			return fmt.Errorf("failed to write csv row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// num formats v compactly; non-finite values become empty cells.
func num(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
