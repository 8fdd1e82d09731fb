// Package replay feeds historical ticks from a CSV file into the ingest
// pipeline, optionally paced to their original spacing.
package replay

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/quantflow/internal/logger"
	"github.com/rewired-gh/quantflow/internal/models"
)

// Sink receives each replayed tick. Returning an error stops the replay.
type Sink func(ctx context.Context, tick models.Tick) error

type Stats struct {
	Delivered int
	Skipped   int
}

type Replayer struct {
	speed float64
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a replayer. speed scales the gaps between tick timestamps:
// 1 replays in real time, 10 ten times faster, and 0 without pauses.
func New(speed float64) (*Replayer, error) {
	if speed < 0 {
		return nil, models.Configf("replay.speed", "must not be negative, got %v", speed)
	}
	return &Replayer{speed: speed, sleep: sleepCtx}, nil
}

// ReplayFile replays the CSV file at path.
func (r *Replayer) ReplayFile(ctx context.Context, path string, sink Sink) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to open replay file: %w", err)
	}
	defer f.Close()
	logger.Info("Replaying ticks from %s at speed %v", path, r.speed)
	return r.Replay(ctx, f, sink)
}

// Replay reads rows of timestamp,symbol,price,size from src and delivers them
// in file order. An optional header row is skipped. Timestamps are RFC 3339
// or Unix milliseconds. Malformed rows are logged and skipped.
func (r *Replayer) Replay(ctx context.Context, src io.Reader, sink Sink) (Stats, error) {
	cr := csv.NewReader(bufio.NewReader(src))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var (
		st   Stats
		prev time.Time
		line int
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				logger.Warn("Skipping replay line %d: %v", line, err)
				st.Skipped++
				continue
			}
			return st, fmt.Errorf("failed to read replay input: %w", err)
		}
		if line == 1 && len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "timestamp") {
			continue
		}

		tick, err := parseRecord(rec)
		if err != nil {
			logger.Warn("Skipping replay line %d: %v", line, err)
			st.Skipped++
			continue
		}

		if r.speed > 0 && !prev.IsZero() && tick.Timestamp.After(prev) {
			gap := time.Duration(float64(tick.Timestamp.Sub(prev)) / r.speed)
			if err := r.sleep(ctx, gap); err != nil {
				return st, err
			}
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}
		if err := sink(ctx, tick); err != nil {
			return st, fmt.Errorf("replay stopped at line %d: %w", line, err)
		}
		prev = tick.Timestamp
		st.Delivered++
	}
	logger.Info("Replay finished: %d ticks delivered, %d skipped", st.Delivered, st.Skipped)
	return st, nil
}

func parseRecord(rec []string) (models.Tick, error) {
	if len(rec) < 4 {
		return models.Tick{}, fmt.Errorf("expected 4 fields, got %d", len(rec))
	}
	ts, err := models.ParseTimestamp(rec[0])
	if err != nil {
		return models.Tick{}, err
	}
	price, err := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("bad price %q", rec[2])
	}
	size, err := strconv.ParseFloat(strings.TrimSpace(rec[3]), 64)
	if err != nil {
		return models.Tick{}, fmt.Errorf("bad size %q", rec[3])
	}
	t := models.Tick{
		Timestamp: ts,
		Symbol:    models.NormalizeSymbol(rec[1]),
		Price:     price,
		Size:      size,
	}
	if err := t.Validate(); err != nil {
		return models.Tick{}, err
	}
	return t, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
