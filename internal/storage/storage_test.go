package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/quantflow/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testTick(symbol string, offset time.Duration, price float64) models.Tick {
	return models.Tick{Timestamp: base.Add(offset), Symbol: symbol, Price: price, Size: 1}
}

func testBar(symbol string, tf models.Timeframe, open time.Time, closePrice float64) models.Bar {
	return models.Bar{
		Symbol: symbol, Timeframe: tf, OpenTime: open,
		Open: closePrice, High: closePrice + 1, Low: closePrice - 1, Close: closePrice,
		Volume: 2, TradeCount: 2,
	}
}

func TestStorage_AppendAndQueryTicks(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	// appended out of order; query must return ascending
	for _, tk := range []models.Tick{
		testTick("btcusdt", 2*time.Second, 102),
		testTick("btcusdt", 0, 100),
		testTick("btcusdt", time.Second, 101),
		testTick("ethusdt", time.Second, 10),
	} {
		if err := s.AppendTick(ctx, tk); err != nil {
			t.Fatalf("AppendTick: %v", err)
		}
	}

	got, err := s.QueryTicks(ctx, "btcusdt", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("QueryTicks: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 ticks, got %d", len(got))
	}
	for i, want := range []float64{100, 101, 102} {
		if got[i].Price != want {
			t.Errorf("tick %d: price %v, want %v", i, got[i].Price, want)
		}
	}
	if !got[0].Timestamp.Equal(base) {
		t.Errorf("timestamp round trip: got %v, want %v", got[0].Timestamp, base)
	}
}

func TestStorage_QueryTicks_RangeAndLimit(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	var batch []models.Tick
	for i := 0; i < 10; i++ {
		batch = append(batch, testTick("btcusdt", time.Duration(i)*time.Second, float64(100+i)))
	}
	if err := s.AppendTicks(ctx, batch); err != nil {
		t.Fatalf("AppendTicks: %v", err)
	}

	ranged, err := s.QueryTicks(ctx, "btcusdt", base.Add(2*time.Second), base.Add(5*time.Second), 0)
	if err != nil {
		t.Fatalf("QueryTicks: %v", err)
	}
	if len(ranged) != 4 {
		t.Fatalf("expected 4 ticks in closed range, got %d", len(ranged))
	}

	// limit keeps the most recent, still ascending
	limited, err := s.QueryTicks(ctx, "btcusdt", time.Time{}, time.Time{}, 3)
	if err != nil {
		t.Fatalf("QueryTicks: %v", err)
	}
	if len(limited) != 3 || limited[0].Price != 107 || limited[2].Price != 109 {
		t.Errorf("unexpected limited result: %+v", limited)
	}
}

func TestStorage_QueryTicks_UnknownSymbol(t *testing.T) {
	s := newTestStorage(t)
	got, err := s.QueryTicks(context.Background(), "nope", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("QueryTicks: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result, got %d", len(got))
	}
}

func TestStorage_AppendTicks_RejectsInvalidBatch(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	batch := []models.Tick{
		testTick("btcusdt", 0, 100),
		testTick("btcusdt", time.Second, -1),
	}
	if err := s.AppendTicks(ctx, batch); err == nil {
		t.Fatal("expected error for invalid tick")
	}
	got, _ := s.QueryTicks(ctx, "btcusdt", time.Time{}, time.Time{}, 0)
	if len(got) != 0 {
		t.Errorf("batch should be all-or-nothing, found %d ticks", len(got))
	}
}

func TestStorage_LatestPriceSymbolsAndRange(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if _, ok, err := s.LatestPrice(ctx, "btcusdt"); err != nil || ok {
		t.Fatalf("expected no price on empty store, ok=%v err=%v", ok, err)
	}

	_ = s.AppendTicks(ctx, []models.Tick{
		testTick("ethusdt", 0, 10),
		testTick("btcusdt", 0, 100),
		testTick("btcusdt", time.Minute, 105),
	})

	price, ok, err := s.LatestPrice(ctx, "btcusdt")
	if err != nil || !ok || price != 105 {
		t.Errorf("LatestPrice = %v,%v,%v; want 105,true,nil", price, ok, err)
	}

	syms, err := s.Symbols(ctx)
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	if len(syms) != 2 || syms[0] != "btcusdt" || syms[1] != "ethusdt" {
		t.Errorf("unexpected symbols: %v", syms)
	}

	first, last, ok, err := s.DataRange(ctx, "btcusdt")
	if err != nil || !ok {
		t.Fatalf("DataRange: ok=%v err=%v", ok, err)
	}
	if !first.Equal(base) || !last.Equal(base.Add(time.Minute)) {
		t.Errorf("DataRange = %v..%v", first, last)
	}

	newest, ok, err := s.LatestTickTime(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestTickTime: ok=%v err=%v", ok, err)
	}
	if want := base.Add(time.Minute); !newest.Equal(want) {
		t.Errorf("LatestTickTime = %v, want %v", newest, want)
	}
}

func TestStorage_UpsertBarReplaces(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.UpsertBar(ctx, testBar("btcusdt", models.TF1m, base, 100)); err != nil {
		t.Fatalf("UpsertBar: %v", err)
	}
	if err := s.UpsertBar(ctx, testBar("btcusdt", models.TF1m, base, 110)); err != nil {
		t.Fatalf("UpsertBar replace: %v", err)
	}

	n, err := s.CountBars(ctx, "btcusdt", models.TF1m)
	if err != nil {
		t.Fatalf("CountBars: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 bar after replace, got %d", n)
	}
	bars, _ := s.LatestBars(ctx, "btcusdt", models.TF1m, 10)
	if bars[0].Close != 110 {
		t.Errorf("expected replaced close 110, got %v", bars[0].Close)
	}
	if bars[0].Timeframe != models.TF1m || !bars[0].OpenTime.Equal(base) {
		t.Errorf("bar key round trip failed: %+v", bars[0])
	}
}

func TestStorage_UpsertBar_RejectsInvalid(t *testing.T) {
	s := newTestStorage(t)
	b := testBar("btcusdt", models.TF1m, base, 100)
	b.High = 50
	if err := s.UpsertBar(context.Background(), b); err == nil {
		t.Error("expected error for bar with high < close")
	}
}

func TestStorage_QueryBars(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		open := base.Add(time.Duration(4-i) * time.Minute)
		if err := s.UpsertBar(ctx, testBar("btcusdt", models.TF1m, open, float64(100+4-i))); err != nil {
			t.Fatalf("UpsertBar: %v", err)
		}
	}
	_ = s.UpsertBar(ctx, testBar("btcusdt", models.TF5m, base, 1))

	all, err := s.QueryBars(ctx, "btcusdt", models.TF1m, time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("QueryBars: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 1m bars, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if !all[i].OpenTime.After(all[i-1].OpenTime) {
			t.Fatalf("bars not ascending at %d", i)
		}
	}

	latest, err := s.LatestBars(ctx, "btcusdt", models.TF1m, 2)
	if err != nil {
		t.Fatalf("LatestBars: %v", err)
	}
	if len(latest) != 2 || latest[0].Close != 103 || latest[1].Close != 104 {
		t.Errorf("unexpected latest bars: %+v", latest)
	}

	if _, err := s.QueryBars(ctx, "btcusdt", models.Timeframe("7m"), time.Time{}, time.Time{}, 0); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("expected configuration error for unknown timeframe, got %v", err)
	}
	if _, err := s.LatestBars(ctx, "btcusdt", models.TF1m, 0); err == nil {
		t.Error("expected error for non-positive n")
	}
}

func TestStorage_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.db")
	ctx := context.Background()

	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.AppendTick(ctx, testTick("btcusdt", 0, 100)); err != nil {
		t.Fatalf("AppendTick: %v", err)
	}
	_ = s.Close()

	s2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, _ := s2.QueryTicks(ctx, "btcusdt", time.Time{}, time.Time{}, 0)
	if len(got) != 1 {
		t.Errorf("expected tick to survive reopen, got %d", len(got))
	}
}

func TestStorage_ClosedDatabaseReturnsStorageError(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = s.Close()
	err = s.AppendTick(context.Background(), testTick("btcusdt", 0, 100))
	if !errors.Is(err, models.ErrStorage) {
		t.Errorf("expected storage error, got %v", err)
	}
}

func TestStorage_ConcurrentWritesAndReads(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "concurrent.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	const (
		batches   = 40
		batchSize = 10
		readers   = 4
	)

	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for b := 0; b < batches; b++ {
			batch := make([]models.Tick, batchSize)
			for i := range batch {
				n := b*batchSize + i
				batch[i] = testTick("btcusdt", time.Duration(n)*time.Second, 100+float64(n))
			}
			if err := s.AppendTicks(ctx, batch); err != nil {
				t.Errorf("AppendTicks batch %d: %v", b, err)
				return
			}
			if err := s.UpsertBar(ctx, testBar("btcusdt", models.TF1m, base.Add(time.Duration(b)*time.Minute), 100+float64(b))); err != nil {
				t.Errorf("UpsertBar %d: %v", b, err)
				return
			}
		}
	}()

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}

				ticks, err := s.QueryTicks(ctx, "btcusdt", time.Time{}, time.Time{}, 0)
				if err != nil {
					t.Errorf("QueryTicks: %v", err)
					return
				}
				if len(ticks)%batchSize != 0 {
					t.Errorf("read a partial batch: %d ticks", len(ticks))
					return
				}
				for i, tk := range ticks {
					if i > 0 && tk.Timestamp.Before(ticks[i-1].Timestamp) {
						t.Errorf("ticks out of order at %d", i)
						return
					}
					if want := 100 + tk.Timestamp.Sub(base).Seconds(); tk.Price != want || tk.Size != 1 {
						t.Errorf("torn tick row %+v", tk)
						return
					}
				}

				bars, err := s.QueryBars(ctx, "btcusdt", models.TF1m, time.Time{}, time.Time{}, 0)
				if err != nil {
					t.Errorf("QueryBars: %v", err)
					return
				}
				for i := range bars {
					if err := bars[i].Validate(); err != nil {
						t.Errorf("torn bar row: %v", err)
						return
					}
					if i > 0 && !bars[i].OpenTime.After(bars[i-1].OpenTime) {
						t.Errorf("bars out of order at %d", i)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	ticks, err := s.QueryTicks(ctx, "btcusdt", time.Time{}, time.Time{}, 0)
	if err != nil {
		t.Fatalf("QueryTicks: %v", err)
	}
	if len(ticks) != batches*batchSize {
		t.Errorf("got %d ticks, want %d", len(ticks), batches*batchSize)
	}
	n, err := s.CountBars(ctx, "btcusdt", models.TF1m)
	if err != nil {
		t.Fatalf("CountBars: %v", err)
	}
	if n != batches {
		t.Errorf("got %d bars, want %d", n, batches)
	}
}
