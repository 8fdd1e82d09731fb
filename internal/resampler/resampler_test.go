package resampler

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/quantflow/internal/models"
	"github.com/rewired-gh/quantflow/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	mu    sync.Mutex
	bars  map[string]models.Bar
	order []models.Bar
	fail  bool
}

func newMemWriter() *memWriter {
	return &memWriter{bars: make(map[string]models.Bar)}
}

func (w *memWriter) UpsertBar(_ context.Context, b models.Bar) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return &models.StorageError{Op: "upsert bar", Err: errors.New("disk full")}
	}
	w.bars[b.Key()] = b
	w.order = append(w.order, b)
	return nil
}

func (w *memWriter) closed(tf models.Timeframe) []models.Bar {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []models.Bar
	for _, b := range w.order {
		if b.Timeframe == tf {
			out = append(out, b)
		}
	}
	return out
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func tick(sym string, offset time.Duration, price, size float64) models.Tick {
	return models.Tick{Timestamp: t0.Add(offset), Symbol: sym, Price: price, Size: size}
}

func TestNewValidates(t *testing.T) {
	_, err := New(newMemWriter(), nil)
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = New(newMemWriter(), []models.Timeframe{"3m"})
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = New(nil, models.DefaultTimeframes())
	assert.Error(t, err)
}

func TestProcessClosesOnNextInterval(t *testing.T) {
	w := newMemWriter()
	r, err := New(w, []models.Timeframe{models.TF1m})
	require.NoError(t, err)
	ctx := context.Background()

	for _, tk := range []models.Tick{
		tick("btcusdt", 0, 100, 1),
		tick("btcusdt", 10*time.Second, 105, 2),
		tick("btcusdt", 20*time.Second, 95, 1),
		tick("btcusdt", 50*time.Second, 101, 0.5),
	} {
		require.NoError(t, r.Process(ctx, tk))
	}
	assert.Empty(t, w.closed(models.TF1m), "bar must stay open within its interval")

	require.NoError(t, r.Process(ctx, tick("btcusdt", 61*time.Second, 102, 1)))

	closed := w.closed(models.TF1m)
	require.Len(t, closed, 1)
	b := closed[0]
	assert.Equal(t, t0, b.OpenTime)
	assert.Equal(t, 100.0, b.Open)
	assert.Equal(t, 105.0, b.High)
	assert.Equal(t, 95.0, b.Low)
	assert.Equal(t, 101.0, b.Close)
	assert.InDelta(t, 4.5, b.Volume, 1e-12)
	assert.Equal(t, int64(4), b.TradeCount)

	open := r.OpenBars("btcusdt")
	require.Len(t, open, 1)
	assert.Equal(t, t0.Add(time.Minute), open[0].OpenTime)
	assert.Equal(t, 102.0, open[0].Open)
}

func TestProcessMultipleTimeframes(t *testing.T) {
	w := newMemWriter()
	r, err := New(w, []models.Timeframe{models.TF1s, models.TF1m, models.TF5m})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 130; i++ {
		require.NoError(t, r.Process(ctx, tick("btcusdt", time.Duration(i)*time.Second, 100+float64(i%7), 1)))
	}

	// ticks at 0..129s: 129 closed 1s bars, 2 closed 1m bars, no 5m bars
	assert.Len(t, w.closed(models.TF1s), 129)
	assert.Len(t, w.closed(models.TF1m), 2)
	assert.Empty(t, w.closed(models.TF5m))

	open := r.OpenBars("btcusdt")
	require.Len(t, open, 3)
	assert.Equal(t, models.TF1s, open[0].Timeframe)
	assert.Equal(t, models.TF5m, open[2].Timeframe)
}

func TestProcessSymbolsIndependent(t *testing.T) {
	w := newMemWriter()
	r, err := New(w, []models.Timeframe{models.TF1m})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, r.Process(ctx, tick("btcusdt", 0, 100, 1)))
	require.NoError(t, r.Process(ctx, tick("ethusdt", 2*time.Minute, 10, 1)))

	assert.Empty(t, w.closed(models.TF1m), "a tick for one symbol must not close another symbol's bar")
	assert.Len(t, r.OpenBars("btcusdt"), 1)
	assert.Len(t, r.OpenBars("ethusdt"), 1)
}

func TestProcessDropsTickBeforeOpenBar(t *testing.T) {
	w := newMemWriter()
	r, err := New(w, []models.Timeframe{models.TF1m})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, r.Process(ctx, tick("btcusdt", 0, 100, 1)))
	require.NoError(t, r.Process(ctx, tick("btcusdt", 70*time.Second, 101, 1)))
	// belongs to the already closed first bar
	require.NoError(t, r.Process(ctx, tick("btcusdt", 30*time.Second, 500, 9)))

	closed := w.closed(models.TF1m)
	require.Len(t, closed, 1)
	assert.Equal(t, 100.0, closed[0].High, "closed bar must not be mutated")

	open := r.OpenBars("btcusdt")
	require.Len(t, open, 1)
	assert.Equal(t, 101.0, open[0].High)
	assert.Equal(t, int64(1), open[0].TradeCount)
}

func TestProcessJitterWithinBar(t *testing.T) {
	w := newMemWriter()
	r, err := New(w, []models.Timeframe{models.TF1m})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, r.Process(ctx, tick("btcusdt", 10*time.Second, 100, 1)))
	require.NoError(t, r.Process(ctx, tick("btcusdt", 30*time.Second, 103, 1)))
	// arrives late but inside the open interval
	require.NoError(t, r.Process(ctx, tick("btcusdt", 5*time.Second, 98, 1)))
	require.NoError(t, r.Process(ctx, tick("btcusdt", 20*time.Second, 104, 1)))

	b := r.OpenBars("btcusdt")[0]
	assert.Equal(t, 98.0, b.Open, "open follows the earliest tick time")
	assert.Equal(t, 103.0, b.Close, "close follows the latest tick time")
	assert.Equal(t, 104.0, b.High)
	assert.Equal(t, 98.0, b.Low)
	assert.Equal(t, int64(4), b.TradeCount)
	assert.NoError(t, b.Validate())
}

func TestProcessRejectsInvalidTick(t *testing.T) {
	r, err := New(newMemWriter(), []models.Timeframe{models.TF1m})
	require.NoError(t, err)
	err = r.Process(context.Background(), models.Tick{Symbol: "btcusdt", Timestamp: t0, Price: 0})
	assert.Error(t, err)
	assert.Empty(t, r.OpenBars("btcusdt"))
}

func TestProcessContinuesAfterWriteFailure(t *testing.T) {
	w := newMemWriter()
	w.fail = true
	r, err := New(w, []models.Timeframe{models.TF1s})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, r.Process(ctx, tick("btcusdt", 0, 100, 1)))
	require.NoError(t, r.Process(ctx, tick("btcusdt", time.Second, 101, 1)))

	w.fail = false
	require.NoError(t, r.Process(ctx, tick("btcusdt", 2*time.Second, 102, 1)))

	closed := w.closed(models.TF1s)
	require.Len(t, closed, 1)
	assert.Equal(t, 101.0, closed[0].Close)
}

// Bars built from any ordered tick stream satisfy the OHLC ordering and
// carry exactly the volume of their ticks.
func TestResampledBarsInvariants(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	w := newMemWriter()
	r, err := New(w, []models.Timeframe{models.TF1s, models.TF5s, models.TF1m})
	require.NoError(t, err)
	ctx := context.Background()

	wantVolume := make(map[string]float64)
	price := 100.0
	offset := time.Duration(0)
	var last models.Tick
	for i := 0; i < 2000; i++ {
		offset += time.Duration(rng.IntN(700)) * time.Millisecond
		price = max(0.01, price+rng.NormFloat64())
		last = tick("btcusdt", offset, price, rng.Float64()*3)
		require.NoError(t, r.Process(ctx, last))
		for _, tf := range r.Timeframes() {
			k := string(tf) + "|" + tf.OpenTime(last.Timestamp).String()
			wantVolume[k] += last.Size
		}
	}

	for _, tf := range r.Timeframes() {
		bars := w.closed(tf)
		require.NotEmpty(t, bars, tf)
		for _, b := range bars {
			require.NoError(t, b.Validate())
			assert.LessOrEqual(t, b.Low, min(b.Open, b.Close))
			assert.GreaterOrEqual(t, b.High, max(b.Open, b.Close))
			k := string(tf) + "|" + b.OpenTime.String()
			assert.InDelta(t, wantVolume[k], b.Volume, 1e-9, "volume for %s", k)
		}
	}
}

func TestReclosingIsIdempotentInStore(t *testing.T) {
	s, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	feed := []models.Tick{
		tick("btcusdt", 0, 100, 1),
		tick("btcusdt", 30*time.Second, 102, 1),
		tick("btcusdt", 61*time.Second, 101, 1),
	}
	// replaying the same stream through a fresh resampler re-closes the same interval
	for run := 0; run < 2; run++ {
		r, err := New(s, []models.Timeframe{models.TF1m})
		require.NoError(t, err)
		for _, tk := range feed {
			require.NoError(t, r.Process(ctx, tk))
		}
	}

	n, err := s.CountBars(ctx, "btcusdt", models.TF1m)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bars, err := s.LatestBars(ctx, "btcusdt", models.TF1m, 5)
	require.NoError(t, err)
	assert.Equal(t, 102.0, bars[0].Close)
}

func TestRunStopsOnChannelClose(t *testing.T) {
	w := newMemWriter()
	r, err := New(w, []models.Timeframe{models.TF1s})
	require.NoError(t, err)

	ch := make(chan models.Tick, 4)
	ch <- tick("btcusdt", 0, 100, 1)
	ch <- tick("btcusdt", time.Second, 101, 1)
	close(ch)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channel close")
	}
	assert.Len(t, w.closed(models.TF1s), 1)
	assert.Equal(t, 1, r.Shutdown())
	assert.Empty(t, r.OpenBars("btcusdt"))
}
