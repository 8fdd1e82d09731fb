package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/quantflow/internal/models"
)

// AppendTick durably persists one tick.
func (s *Storage) AppendTick(ctx context.Context, tick models.Tick) error {
	if err := tick.Validate(); err != nil {
		return fmt.Errorf("invalid tick: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ticks (ts, symbol, price, size) VALUES (?,?,?,?)`,
		tick.Timestamp.UnixNano(), tick.Symbol, tick.Price, tick.Size,
	)
	if err != nil {
		return &models.StorageError{Op: "append tick", Err: err}
	}
	return nil
}

// AppendTicks persists a batch of ticks in one transaction. Invalid ticks
// reject the whole batch before anything is written.
func (s *Storage) AppendTicks(ctx context.Context, ticks []models.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	for i := range ticks {
		if err := ticks[i].Validate(); err != nil {
			return fmt.Errorf("invalid tick %d: %w", i, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &models.StorageError{Op: "begin tick batch", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO ticks (ts, symbol, price, size) VALUES (?,?,?,?)`)
	if err != nil {
		return &models.StorageError{Op: "prepare tick batch", Err: err}
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx, t.Timestamp.UnixNano(), t.Symbol, t.Price, t.Size); err != nil {
			return &models.StorageError{Op: "append tick batch", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &models.StorageError{Op: "commit tick batch", Err: err}
	}
	return nil
}

// QueryTicks returns ticks for symbol within [start, end] in non-decreasing
// timestamp order. Zero start or end leaves that side unbounded. A positive
// limit keeps the most recent limit ticks of the range.
func (s *Storage) QueryTicks(ctx context.Context, symbol string, start, end time.Time, limit int) ([]models.Tick, error) {
	var (
		where strings.Builder
		args  = []any{symbol}
	)
	where.WriteString(`symbol = ?`)
	if !start.IsZero() {
		where.WriteString(` AND ts >= ?`)
		args = append(args, start.UnixNano())
	}
	if !end.IsZero() {
		where.WriteString(` AND ts <= ?`)
		args = append(args, end.UnixNano())
	}

	q := `SELECT ts, symbol, price, size FROM ticks WHERE ` + where.String() + ` ORDER BY ts ASC, id ASC`
	if limit > 0 {
		q = `SELECT ts, symbol, price, size FROM (
			SELECT id, ts, symbol, price, size FROM ticks WHERE ` + where.String() + `
			ORDER BY ts DESC, id DESC LIMIT ?
		) ORDER BY ts ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &models.StorageError{Op: "query ticks", Err: err}
	}
	defer rows.Close()

	ticks := make([]models.Tick, 0, max(limit, 0))
	for rows.Next() {
		t, err := scanTick(rows.Scan)
		if err != nil {
			return nil, &models.StorageError{Op: "scan tick", Err: err}
		}
		ticks = append(ticks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.StorageError{Op: "query ticks", Err: err}
	}
	return ticks, nil
}

// LatestPrice returns the price of the most recent tick for symbol.
func (s *Storage) LatestPrice(ctx context.Context, symbol string) (float64, bool, error) {
	var price float64
	err := s.db.QueryRowContext(ctx,
		`SELECT price FROM ticks WHERE symbol = ? ORDER BY ts DESC, id DESC LIMIT 1`, symbol,
	).Scan(&price)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &models.StorageError{Op: "latest price", Err: err}
	}
	return price, true, nil
}

// Symbols lists every symbol with at least one stored tick.
func (s *Storage) Symbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT symbol FROM ticks ORDER BY symbol`)
	if err != nil {
		return nil, &models.StorageError{Op: "list symbols", Err: err}
	}
	defer rows.Close()
	symbols := []string{}
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, &models.StorageError{Op: "scan symbol", Err: err}
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// DataRange returns the first and last tick timestamps stored for symbol.
func (s *Storage) DataRange(ctx context.Context, symbol string) (first, last time.Time, ok bool, err error) {
	var minTS, maxTS sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(ts), MAX(ts) FROM ticks WHERE symbol = ?`, symbol,
	).Scan(&minTS, &maxTS)
	if err != nil {
		return time.Time{}, time.Time{}, false, &models.StorageError{Op: "data range", Err: err}
	}
	if !minTS.Valid || !maxTS.Valid {
		return time.Time{}, time.Time{}, false, nil
	}
	return time.Unix(0, minTS.Int64).UTC(), time.Unix(0, maxTS.Int64).UTC(), true, nil
}

// LatestTickTime returns the newest tick timestamp across all symbols. It is
// the store's event-time clock.
func (s *Storage) LatestTickTime(ctx context.Context) (time.Time, bool, error) {
	var maxTS sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(ts) FROM ticks`).Scan(&maxTS); err != nil {
		return time.Time{}, false, &models.StorageError{Op: "latest tick time", Err: err}
	}
	if !maxTS.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, maxTS.Int64).UTC(), true, nil
}

func scanTick(scan func(...any) error) (models.Tick, error) {
	var t models.Tick
	var tsNano int64
	if err := scan(&tsNano, &t.Symbol, &t.Price, &t.Size); err != nil {
		return models.Tick{}, err
	}
	t.Timestamp = time.Unix(0, tsNano).UTC()
	return t, nil
}
