package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/quantflow/internal/models"
	"github.com/rewired-gh/quantflow/internal/resampler"
	"github.com/rewired-gh/quantflow/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mu      sync.Mutex
	batches [][]models.Tick
	err     error
}

func (m *mockStore) AppendTicks(_ context.Context, ticks []models.Tick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, append([]models.Tick(nil), ticks...))
	return nil
}

func (m *mockStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

type mockProcessor struct {
	mu    sync.Mutex
	ticks []models.Tick
}

func (m *mockProcessor) Process(_ context.Context, t models.Tick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks = append(m.ticks, t)
	return nil
}

func (m *mockProcessor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ticks)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func tick(i int) models.Tick {
	return models.Tick{Timestamp: t0.Add(time.Duration(i) * time.Second), Symbol: "btcusdt", Price: 100 + float64(i), Size: 1}
}

func runPipeline(t *testing.T, p *Pipeline) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("pipeline did not stop")
		}
	}
}

func TestSubmitRejectsMalformed(t *testing.T) {
	p := New(&mockStore{}, &mockProcessor{}, Config{BufferSize: 2}, nil)
	assert.False(t, p.Submit(models.Tick{Symbol: "btcusdt", Timestamp: t0, Price: -1}))
	assert.Equal(t, 0, p.Pending())
}

func TestSubmitDropsWhenFull(t *testing.T) {
	p := New(&mockStore{}, &mockProcessor{}, Config{BufferSize: 2}, nil)
	assert.True(t, p.Submit(tick(0)))
	assert.True(t, p.Submit(tick(1)))
	assert.False(t, p.Submit(tick(2)), "third tick should be dropped, not block")
	assert.Equal(t, 2, p.Pending())
}

func TestRunBatchesBySize(t *testing.T) {
	store := &mockStore{}
	proc := &mockProcessor{}
	p := New(store, proc, Config{BufferSize: 100, BatchSize: 5, BatchTimeout: time.Hour}, nil)
	stop := runPipeline(t, p)

	for i := 0; i < 10; i++ {
		require.True(t, p.Submit(tick(i)))
	}
	assert.Eventually(t, func() bool { return store.count() == 10 }, time.Second, 5*time.Millisecond)
	stop()

	store.mu.Lock()
	assert.Len(t, store.batches, 2)
	store.mu.Unlock()
	assert.Equal(t, 10, proc.count())
	for i, tk := range proc.ticks {
		assert.Equal(t, tick(i).Timestamp, tk.Timestamp, "resampler must see arrival order")
	}
}

func TestRunFlushesOnTimeout(t *testing.T) {
	store := &mockStore{}
	p := New(store, &mockProcessor{}, Config{BufferSize: 100, BatchSize: 1000, BatchTimeout: 10 * time.Millisecond}, nil)
	stop := runPipeline(t, p)
	defer stop()

	require.True(t, p.Submit(tick(0)))
	assert.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRunDrainsOnShutdown(t *testing.T) {
	store := &mockStore{}
	proc := &mockProcessor{}
	p := New(store, proc, Config{BufferSize: 100, BatchSize: 1000, BatchTimeout: time.Hour}, nil)

	for i := 0; i < 7; i++ {
		require.True(t, p.Submit(tick(i)))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Run(ctx)

	assert.Equal(t, 7, store.count())
	assert.Equal(t, 7, proc.count())
	assert.Equal(t, 0, p.Pending())
}

func TestStorageFailureDoesNotStopResampling(t *testing.T) {
	store := &mockStore{err: &models.StorageError{Op: "append tick batch", Err: errors.New("locked")}}
	proc := &mockProcessor{}
	p := New(store, proc, Config{BufferSize: 10, BatchSize: 2, BatchTimeout: time.Hour}, nil)
	stop := runPipeline(t, p)

	require.True(t, p.Submit(tick(0)))
	require.True(t, p.Submit(tick(1)))
	assert.Eventually(t, func() bool { return proc.count() == 2 }, time.Second, 5*time.Millisecond)
	stop()
	assert.Equal(t, 0, store.count())
}

func TestIngestEndToEnd(t *testing.T) {
	s, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	r, err := resampler.New(s, []models.Timeframe{models.TF1s})
	require.NoError(t, err)
	p := New(s, r, Config{BufferSize: 100, BatchSize: 3, BatchTimeout: 5 * time.Millisecond}, nil)
	stop := runPipeline(t, p)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Ingest(ctx, t0.Add(time.Duration(i)*time.Second), "BTCUSDT", 100+float64(i), 2))
	}
	assert.Error(t, p.Ingest(ctx, t0, "", 100, 1))

	assert.Eventually(t, func() bool {
		n, _ := s.CountBars(ctx, "btcusdt", models.TF1s)
		return n == 4
	}, 2*time.Second, 10*time.Millisecond)
	stop()

	ticks, err := s.QueryTicks(ctx, "btcusdt", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, ticks, 5)
}
