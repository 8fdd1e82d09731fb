package service

import (
	"context"
	"io"

	"github.com/rewired-gh/quantflow/internal/export"
)

// Export writes q's data of the given kind to w as CSV and returns the
// suggested download file name.
func (s *Service) Export(ctx context.Context, w io.Writer, kind export.Kind, q Query) (string, error) {
	var err error
	switch kind {
	case export.KindTicks:
		ticks, qerr := s.Ticks(ctx, q)
		if qerr != nil {
			return "", qerr
		}
		q.Timeframe = ""
		err = export.WriteTicks(w, ticks)
	case export.KindBars:
		bars, qerr := s.Bars(ctx, q)
		if qerr != nil {
			return "", qerr
		}
		err = export.WriteBars(w, bars)
	case export.KindStats:
		st, qerr := s.Stats(ctx, q)
		if qerr != nil {
			return "", qerr
		}
		err = export.WriteStats(w, export.PriceStatRows(st.PriceStats))
	case export.KindRolling:
		pts, qerr := s.Rolling(ctx, q, 0)
		if qerr != nil {
			return "", qerr
		}
		rows := make([]export.RollingRow, len(pts))
		for i, p := range pts {
			rows[i] = export.RollingRow{Time: p.Time, Price: p.Price, WindowStats: p.WindowStats}
		}
		err = export.WriteRolling(w, rows)
	default:
		_, err = export.ParseKind(string(kind))
		return "", err
	}
	if err != nil {
		return "", err
	}
	return export.FileName(normalize(q.Symbol), q.Timeframe, kind, s.now()), nil
}
