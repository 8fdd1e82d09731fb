package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Bar is an OHLCV summary of the ticks of one symbol over one interval.
// Identity is (Symbol, Timeframe, OpenTime).
type Bar struct {
	Symbol     string    `json:"symbol"`
	Timeframe  Timeframe `json:"timeframe"`
	OpenTime   time.Time `json:"open_time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	TradeCount int64     `json:"trade_count"`
}

// CloseTime is the exclusive end of the bar's interval.
func (b *Bar) CloseTime() time.Time {
	return b.OpenTime.Add(b.Timeframe.Duration())
}

// Key identifies the bar within the store.
func (b *Bar) Key() string {
	return fmt.Sprintf("%s|%s|%d", b.Symbol, b.Timeframe, b.OpenTime.UnixNano())
}

// Validate checks the OHLCV invariants a persisted bar must satisfy.
func (b *Bar) Validate() error {
	if b.Symbol == "" {
		return errors.New("bar symbol must not be empty")
	}
	if !b.Timeframe.Valid() {
		return fmt.Errorf("bar timeframe %q is not supported", b.Timeframe)
	}
	if b.OpenTime.IsZero() {
		return errors.New("bar open time must be set")
	}
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("bar values must be finite")
		}
	}
	if b.Low > b.High {
		return errors.New("bar low must be <= high")
	}
	if b.Open < b.Low || b.Open > b.High {
		return errors.New("bar open must lie within [low, high]")
	}
	if b.Close < b.Low || b.Close > b.High {
		return errors.New("bar close must lie within [low, high]")
	}
	if b.Volume < 0 {
		return errors.New("bar volume must not be negative")
	}
	if b.TradeCount < 1 {
		return errors.New("bar trade count must be at least 1")
	}
	return nil
}
