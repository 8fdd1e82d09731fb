package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/quantflow/internal/models"
)

// UpsertBar inserts a closed bar or replaces the stored bar with the same
// (symbol, timeframe, open_time).
func (s *Storage) UpsertBar(ctx context.Context, bar models.Bar) error {
	if err := bar.Validate(); err != nil {
		return fmt.Errorf("invalid bar: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bars
			(symbol, timeframe, open_time, open, high, low, close, volume, trade_count)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(symbol, timeframe, open_time) DO UPDATE SET
			open=excluded.open, high=excluded.high, low=excluded.low, close=excluded.close,
			volume=excluded.volume, trade_count=excluded.trade_count`,
		bar.Symbol, string(bar.Timeframe), bar.OpenTime.UnixNano(),
		bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.TradeCount,
	)
	if err != nil {
		return &models.StorageError{Op: "upsert bar", Err: err}
	}
	return nil
}

// QueryBars returns closed bars for (symbol, tf) with open_time in
// [start, end], ascending. Zero bounds are open; a positive limit keeps the
// most recent limit bars of the range.
func (s *Storage) QueryBars(ctx context.Context, symbol string, tf models.Timeframe, start, end time.Time, limit int) ([]models.Bar, error) {
	if !tf.Valid() {
		return nil, models.Configf("timeframe", "%q is not supported", tf)
	}

	var (
		where strings.Builder
		args  = []any{symbol, string(tf)}
	)
	where.WriteString(`symbol = ? AND timeframe = ?`)
	if !start.IsZero() {
		where.WriteString(` AND open_time >= ?`)
		args = append(args, start.UnixNano())
	}
	if !end.IsZero() {
		where.WriteString(` AND open_time <= ?`)
		args = append(args, end.UnixNano())
	}

	q := `SELECT ` + barCols + ` FROM bars WHERE ` + where.String() + ` ORDER BY open_time ASC`
	if limit > 0 {
		q = `SELECT ` + barCols + ` FROM (
			SELECT ` + barCols + ` FROM bars WHERE ` + where.String() + `
			ORDER BY open_time DESC LIMIT ?
		) ORDER BY open_time ASC`
		args = append(args, limit)
	}
	return s.queryBars(ctx, "query bars", q, args...)
}

// LatestBars returns the most recent n closed bars for (symbol, tf),
// ascending by open time.
func (s *Storage) LatestBars(ctx context.Context, symbol string, tf models.Timeframe, n int) ([]models.Bar, error) {
	if n <= 0 {
		return nil, models.Configf("limit", "must be positive, got %d", n)
	}
	return s.QueryBars(ctx, symbol, tf, time.Time{}, time.Time{}, n)
}

// CountBars returns the number of stored bars for (symbol, tf).
func (s *Storage) CountBars(ctx context.Context, symbol string, tf models.Timeframe) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bars WHERE symbol = ? AND timeframe = ?`, symbol, string(tf),
	).Scan(&n)
	if err != nil {
		return 0, &models.StorageError{Op: "count bars", Err: err}
	}
	return n, nil
}

func (s *Storage) queryBars(ctx context.Context, op, q string, args ...any) ([]models.Bar, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &models.StorageError{Op: op, Err: err}
	}
	defer rows.Close()

	bars := []models.Bar{}
	for rows.Next() {
		b, err := scanBar(rows.Scan)
		if err != nil {
			return nil, &models.StorageError{Op: "scan bar", Err: err}
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.StorageError{Op: op, Err: err}
	}
	return bars, nil
}

const barCols = `symbol, timeframe, open_time, open, high, low, close, volume, trade_count`

func scanBar(scan func(...any) error) (models.Bar, error) {
	var b models.Bar
	var tf string
	var openNano int64
	err := scan(&b.Symbol, &tf, &openNano, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.TradeCount)
	if err != nil {
		return models.Bar{}, err
	}
	b.Timeframe = models.Timeframe(tf)
	b.OpenTime = time.Unix(0, openNano).UTC()
	return b, nil
}
