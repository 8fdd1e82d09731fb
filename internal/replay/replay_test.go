package replay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/quantflow/internal/models"
)

const sample = `timestamp,symbol,price,size
2024-03-01T12:00:00Z,BTCUSDT,50000,0.1
1709294401000,ethusdt,3000.5,2
2024-03-01T12:00:03.500Z,btcusdt,50010,0.2
not-a-time,btcusdt,1,1
2024-03-01T12:00:04Z,btcusdt,-5,1
2024-03-01T12:00:05Z,btcusdt,50020
`

func collect(ticks *[]models.Tick) Sink {
	return func(_ context.Context, t models.Tick) error {
		*ticks = append(*ticks, t)
		return nil
	}
}

func TestReplayParsesAndSkips(t *testing.T) {
	r, err := New(0)
	require.NoError(t, err)

	var got []models.Tick
	st, err := r.Replay(context.Background(), strings.NewReader(sample), collect(&got))
	require.NoError(t, err)
	assert.Equal(t, Stats{Delivered: 3, Skipped: 3}, st)

	require.Len(t, got, 3)
	assert.Equal(t, "btcusdt", got[0].Symbol)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), got[0].Timestamp)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC), got[1].Timestamp)
	assert.Equal(t, 3000.5, got[1].Price)
	assert.Equal(t, 500*time.Millisecond, got[2].Timestamp.Sub(time.Date(2024, 3, 1, 12, 0, 3, 0, time.UTC)))
}

func TestReplayPacing(t *testing.T) {
	r, err := New(2)
	require.NoError(t, err)
	var waits []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	var got []models.Tick
	_, err = r.Replay(context.Background(), strings.NewReader(sample), collect(&got))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 1250 * time.Millisecond}, waits)
}

func TestReplayStopsOnSinkError(t *testing.T) {
	r, _ := New(0)
	boom := errors.New("buffer closed")
	n := 0
	st, err := r.Replay(context.Background(), strings.NewReader(sample), func(context.Context, models.Tick) error {
		n++
		if n == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, st.Delivered)
}

func TestReplayCancelled(t *testing.T) {
	r, _ := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var got []models.Tick
	_, err := r.Replay(ctx, strings.NewReader(sample), collect(&got))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, got)
}

func TestReplayFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ticks.csv")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	r, _ := New(0)
	var got []models.Tick
	st, err := r.ReplayFile(context.Background(), path, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, 3, st.Delivered)

	_, err = r.ReplayFile(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), collect(&got))
	assert.Error(t, err)
}

func TestNewRejectsNegativeSpeed(t *testing.T) {
	_, err := New(-1)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}
