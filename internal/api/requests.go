package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/quantflow/internal/models"
	"github.com/rewired-gh/quantflow/internal/service"
)

// RangeParams selects a bar range. Start and End accept RFC 3339 or Unix
// milliseconds; a zero limit loads the configured lookback.
type RangeParams struct {
	Timeframe string `query:"timeframe" json:"timeframe" default:"1m" validate:"oneof=1s 5s 15s 1m 5m 15m 1h"`
	Start     string `query:"start" json:"start"`
	End       string `query:"end" json:"end"`
	Limit     int    `query:"limit" json:"limit" validate:"gte=0,lte=100000"`
}

func (p RangeParams) query(symbol string) (service.Query, error) {
	q := service.Query{
		Symbol:    symbol,
		Timeframe: models.Timeframe(strings.ToLower(p.Timeframe)),
		Limit:     p.Limit,
	}
	var err error
	if q.Start, err = parseBound("start", p.Start); err != nil {
		return service.Query{}, err
	}
	if q.End, err = parseBound("end", p.End); err != nil {
		return service.Query{}, err
	}
	return q, nil
}

func parseBound(field, s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	t, err := models.ParseTimestamp(s)
	if err != nil {
		return time.Time{}, models.Configf(field, "%v", err)
	}
	return t, nil
}

type TicksRequest struct {
	Symbol string `query:"symbol" validate:"required"`
	Start  string `query:"start"`
	End    string `query:"end"`
	Limit  int    `query:"limit" default:"1000" validate:"gte=1,lte=100000"`
}

type BarsRequest struct {
	Symbol    string `query:"symbol" validate:"required"`
	Timeframe string `query:"timeframe" default:"1m" validate:"oneof=1s 5s 15s 1m 5m 15m 1h"`
	Start     string `query:"start"`
	End       string `query:"end"`
	Limit     int    `query:"limit" default:"1000" validate:"gte=1,lte=100000"`
}

type SymbolRequest struct {
	Symbol string `query:"symbol" validate:"required"`
	RangeParams
}

type RollingRequest struct {
	SymbolRequest
	Window int `query:"window" validate:"gte=0,lte=10000"`
}

type PairRequest struct {
	Pair   string `query:"pair" json:"pair" validate:"required,contains=/"`
	Method string `query:"method" json:"method" default:"ols" validate:"oneof=ols huber theilsen theil-sen none"`
	RangeParams
}

type SpreadRequest struct {
	PairRequest
	Window int `query:"window" validate:"gte=0,lte=10000"`
}

// ADFRequest tests a symbol, or the hedged spread of an "A/B" pair.
// MaxLag is a lag count or "auto".
type ADFRequest struct {
	Symbol string `query:"symbol" validate:"required"`
	Method string `query:"method" default:"ols" validate:"oneof=ols huber theilsen theil-sen none"`
	MaxLag string `query:"max_lag" default:"auto"`
	RangeParams
}

func (r ADFRequest) lag() (int, error) {
	if strings.EqualFold(r.MaxLag, "auto") {
		return -1, nil
	}
	n, err := strconv.Atoi(r.MaxLag)
	if err != nil || n < 0 || n > 100 {
		return 0, models.Configf("max_lag", "must be \"auto\" or an integer in [0, 100], got %q", r.MaxLag)
	}
	return n, nil
}

type CorrelationRequest struct {
	Symbols string `query:"symbols" validate:"required"`
	Window  int    `query:"window" validate:"gte=0,lte=10000"`
	RangeParams
}

func (r CorrelationRequest) symbols() []string {
	var out []string
	for _, s := range strings.Split(r.Symbols, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// KalmanRequest overrides the configured filter noise when a value is set.
type KalmanRequest struct {
	Pair             string  `query:"pair" validate:"required,contains=/"`
	Delta            float64 `query:"delta" validate:"gte=0,lt=1"`
	ObservationNoise float64 `query:"observation_noise" validate:"gte=0"`
	RangeParams
}

// BacktestRequest overrides the configured strategy parameters field by
// field; omitted fields keep their configured value.
type BacktestRequest struct {
	Pair           string   `json:"pair" validate:"required,contains=/"`
	Method         string   `json:"method" default:"ols" validate:"oneof=ols huber theilsen theil-sen none"`
	EntryZ         *float64 `json:"entry_z" validate:"omitempty,gt=0"`
	ExitZ          *float64 `json:"exit_z"`
	Window         *int     `json:"window" validate:"omitempty,gte=2,lte=10000"`
	UnitSize       *float64 `json:"unit_size" validate:"omitempty,gt=0"`
	StartingEquity *float64 `json:"starting_equity" validate:"omitempty,gt=0"`
	RangeParams
}

type ExportRequest struct {
	Kind   string `param:"kind" validate:"oneof=ticks bars stats rolling"`
	Symbol string `query:"symbol" validate:"required"`
	RangeParams
}

type TriggersRequest struct {
	Limit int `query:"limit" default:"100" validate:"gte=1,lte=10000"`
}

type CreateRuleRequest struct {
	Name      string `json:"name" validate:"lte=200"`
	Condition string `json:"condition" validate:"required,lte=1000"`
	Symbol    string `json:"symbol"`
	Enabled   *bool  `json:"enabled" default:"true"`
}

type UpdateRuleRequest struct {
	ID        string  `param:"id" validate:"required"`
	Name      *string `json:"name" validate:"omitempty,lte=200"`
	Condition *string `json:"condition" validate:"omitempty,lte=1000"`
	Symbol    *string `json:"symbol"`
	Enabled   *bool   `json:"enabled"`
}

type RuleIDRequest struct {
	ID string `param:"id" validate:"required"`
}
