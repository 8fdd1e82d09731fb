// Package resampler aggregates ticks into OHLCV bars per symbol and timeframe.
//
// Bars close on event time: the arrival of a tick belonging to a later
// interval closes the open bar for that symbol and timeframe. A symbol that
// goes quiet keeps its last bar open until the next tick. Open bars are never
// persisted, and are discarded on Shutdown.
package resampler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/quantflow/internal/logger"
	"github.com/rewired-gh/quantflow/internal/metrics"
	"github.com/rewired-gh/quantflow/internal/models"
)

// BarWriter persists closed bars. The resampler is its only caller.
type BarWriter interface {
	UpsertBar(ctx context.Context, bar models.Bar) error
}

type openBar struct {
	bar      models.Bar
	earliest time.Time
	latest   time.Time
}

type Option func(*Resampler)

// WithMetrics attaches a Prometheus recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Resampler) { r.metrics = m }
}

// WithCloseHook registers fn to run after each bar is persisted.
func WithCloseHook(fn func(models.Bar)) Option {
	return func(r *Resampler) { r.onClose = fn }
}

type Resampler struct {
	writer     BarWriter
	timeframes []models.Timeframe
	metrics    *metrics.Recorder
	onClose    func(models.Bar)

	mu   sync.Mutex
	open map[string]map[models.Timeframe]*openBar
}

func New(writer BarWriter, timeframes []models.Timeframe, opts ...Option) (*Resampler, error) {
	if writer == nil {
		return nil, errors.New("resampler: nil bar writer")
	}
	if len(timeframes) == 0 {
		return nil, models.Configf("timeframes", "must contain at least one timeframe")
	}
	for _, tf := range timeframes {
		if !tf.Valid() {
			return nil, models.Configf("timeframes", "%q is not supported", tf)
		}
	}
	r := &Resampler{
		writer:     writer,
		timeframes: append([]models.Timeframe(nil), timeframes...),
		open:       make(map[string]map[models.Timeframe]*openBar),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Timeframes returns the timeframes this resampler maintains.
func (r *Resampler) Timeframes() []models.Timeframe {
	return append([]models.Timeframe(nil), r.timeframes...)
}

// Process folds one tick into the open bar of every timeframe, closing and
// persisting bars whose interval the tick has moved past. Only invalid input
// returns an error; persistence failures are logged and the bar is dropped.
func (r *Resampler) Process(ctx context.Context, tick models.Tick) error {
	if err := tick.Validate(); err != nil {
		return fmt.Errorf("resampler: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	bars, ok := r.open[tick.Symbol]
	if !ok {
		bars = make(map[models.Timeframe]*openBar, len(r.timeframes))
		r.open[tick.Symbol] = bars
	}

	for _, tf := range r.timeframes {
		openTime := tf.OpenTime(tick.Timestamp)
		cur := bars[tf]

		switch {
		case cur == nil:
			bars[tf] = seed(tick, tf, openTime)

		case openTime.Before(cur.bar.OpenTime):
			logger.Warn("Dropping late tick for %s at %s: %s bar already open at %s",
				tick.Symbol, tick.Timestamp.Format(time.RFC3339Nano), tf,
				cur.bar.OpenTime.Format(time.RFC3339))
			r.metrics.LateTick(tf.String())

		case openTime.After(cur.bar.OpenTime):
			r.close(ctx, cur.bar)
			bars[tf] = seed(tick, tf, openTime)

		default:
			cur.update(tick)
		}
	}
	return nil
}

// Run consumes ticks until the channel is closed or ctx is cancelled.
func (r *Resampler) Run(ctx context.Context, ticks <-chan models.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			if err := r.Process(ctx, t); err != nil {
				logger.Warn("Rejected tick: %v", err)
			}
		}
	}
}

// OpenBars returns copies of the in-progress bars for symbol, ordered by
// timeframe duration. These bars are not closed and are not in the store.
func (r *Resampler) OpenBars(symbol string) []models.Bar {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Bar, 0, len(r.open[symbol]))
	for _, ob := range r.open[symbol] {
		out = append(out, ob.bar)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timeframe.Duration() < out[j].Timeframe.Duration()
	})
	return out
}

// Shutdown discards all open bars and returns how many were dropped.
func (r *Resampler) Shutdown() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, bars := range r.open {
		n += len(bars)
	}
	r.open = make(map[string]map[models.Timeframe]*openBar)
	if n > 0 {
		logger.Info("Resampler stopped, discarded %d open bars", n)
	}
	return n
}

func (r *Resampler) close(ctx context.Context, bar models.Bar) {
	if err := r.writer.UpsertBar(ctx, bar); err != nil {
		logger.Error("Failed to persist %s bar for %s at %s: %v",
			bar.Timeframe, bar.Symbol, bar.OpenTime.Format(time.RFC3339), err)
		r.metrics.StoreError("upsert bar")
		return
	}
	r.metrics.BarClosed(bar.Timeframe.String())
	if r.onClose != nil {
		r.onClose(bar)
	}
}

func seed(tick models.Tick, tf models.Timeframe, openTime time.Time) *openBar {
	return &openBar{
		bar: models.Bar{
			Symbol:     tick.Symbol,
			Timeframe:  tf,
			OpenTime:   openTime,
			Open:       tick.Price,
			High:       tick.Price,
			Low:        tick.Price,
			Close:      tick.Price,
			Volume:     tick.Size,
			TradeCount: 1,
		},
		earliest: tick.Timestamp,
		latest:   tick.Timestamp,
	}
}

// update folds a tick from the same interval. Jittered ticks still count
// toward high, low and volume; open and close follow tick time, not arrival.
func (ob *openBar) update(tick models.Tick) {
	b := &ob.bar
	b.High = max(b.High, tick.Price)
	b.Low = min(b.Low, tick.Price)
	b.Volume += tick.Size
	b.TradeCount++

	if !tick.Timestamp.Before(ob.latest) {
		b.Close = tick.Price
		ob.latest = tick.Timestamp
	}
	if tick.Timestamp.Before(ob.earliest) {
		b.Open = tick.Price
		ob.earliest = tick.Timestamp
	}
}
