// Package ingest moves producer ticks into the tick store and the resampler.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/quantflow/internal/logger"
	"github.com/rewired-gh/quantflow/internal/metrics"
	"github.com/rewired-gh/quantflow/internal/models"
)

type TickWriter interface {
	AppendTicks(ctx context.Context, ticks []models.Tick) error
}

type TickProcessor interface {
	Process(ctx context.Context, tick models.Tick) error
}

type Config struct {
	BufferSize   int
	BatchSize    int
	BatchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BufferSize:   10000,
		BatchSize:    200,
		BatchTimeout: 250 * time.Millisecond,
	}
}

// Pipeline buffers ticks from the producer, persists them in batches and
// then feeds them to the resampler in arrival order.
type Pipeline struct {
	store     TickWriter
	resampler TickProcessor
	metrics   *metrics.Recorder
	config    Config
	ticks     chan models.Tick
}

func New(store TickWriter, resampler TickProcessor, config Config, m *metrics.Recorder) *Pipeline {
	def := DefaultConfig()
	if config.BufferSize < 1 {
		config.BufferSize = def.BufferSize
	}
	if config.BatchSize < 1 {
		config.BatchSize = def.BatchSize
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = def.BatchTimeout
	}
	return &Pipeline{
		store:     store,
		resampler: resampler,
		metrics:   m,
		config:    config,
		ticks:     make(chan models.Tick, config.BufferSize),
	}
}

// Submit hands a tick to the pipeline without blocking. The symbol is stored
// normalized. It returns false when the tick is malformed or the buffer is
// full; either way the tick is dropped.
func (p *Pipeline) Submit(tick models.Tick) bool {
	tick.Symbol = models.NormalizeSymbol(tick.Symbol)
	if err := tick.Validate(); err != nil {
		logger.Warn("Dropping malformed tick: %v", err)
		p.metrics.TickDropped("invalid")
		return false
	}
	select {
	case p.ticks <- tick:
		return true
	default:
		logger.Warn("Ingest buffer full, dropping tick for %s", tick.Symbol)
		p.metrics.TickDropped("buffer_full")
		return false
	}
}

// Ingest is the producer callback. Unlike Submit it waits for buffer space
// until ctx is done.
func (p *Pipeline) Ingest(ctx context.Context, ts time.Time, symbol string, price, size float64) error {
	tick := models.Tick{Timestamp: ts, Symbol: models.NormalizeSymbol(symbol), Price: price, Size: size}
	if err := tick.Validate(); err != nil {
		p.metrics.TickDropped("invalid")
		return fmt.Errorf("ingest: %w", err)
	}
	select {
	case p.ticks <- tick:
		return nil
	case <-ctx.Done():
		p.metrics.TickDropped("cancelled")
		return ctx.Err()
	}
}

// Pending returns the number of ticks waiting in the buffer.
func (p *Pipeline) Pending() int {
	return len(p.ticks)
}

// Run drives the pipeline until ctx is cancelled, then drains whatever is
// still buffered before returning.
func (p *Pipeline) Run(ctx context.Context) {
	logger.Info("Ingest pipeline started (buffer=%d, batch=%d, timeout=%v)",
		p.config.BufferSize, p.config.BatchSize, p.config.BatchTimeout)

	batch := make([]models.Tick, 0, p.config.BatchSize)
	timer := time.NewTimer(p.config.BatchTimeout)
	defer timer.Stop()

	for {
		select {
		case t := <-p.ticks:
			batch = append(batch, t)
			if len(batch) >= p.config.BatchSize {
				p.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-timer.C:
			if len(batch) > 0 {
				p.flush(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(p.config.BatchTimeout)

		case <-ctx.Done():
			p.drain(context.WithoutCancel(ctx), batch)
			logger.Info("Ingest pipeline stopped")
			return
		}
	}
}

func (p *Pipeline) drain(ctx context.Context, batch []models.Tick) {
	for {
		select {
		case t := <-p.ticks:
			batch = append(batch, t)
			if len(batch) >= p.config.BatchSize {
				p.flush(ctx, batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				p.flush(ctx, batch)
			}
			return
		}
	}
}

// flush persists a batch and resamples it. A storage failure loses the batch
// from the tick store but bars are still built from it.
func (p *Pipeline) flush(ctx context.Context, batch []models.Tick) {
	if err := p.store.AppendTicks(ctx, batch); err != nil {
		logger.Error("Failed to persist %d ticks: %v", len(batch), err)
		p.metrics.StoreError("append ticks")
	}
	for _, t := range batch {
		if err := p.resampler.Process(ctx, t); err != nil {
			logger.Warn("Resampler rejected tick for %s: %v", t.Symbol, err)
			continue
		}
		p.metrics.TickIngested(t.Symbol, t.Price)
	}
}
