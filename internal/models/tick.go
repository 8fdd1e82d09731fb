// Package models defines the core domain entities: ticks, bars, alert rules and triggers.
package models

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Tick is a single trade event for one instrument.
type Tick struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
}

// NormalizeSymbol returns the canonical stored spelling of an instrument
// symbol: trimmed and lower case.
func NormalizeSymbol(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol))
}

// Validate checks tick field constraints.
func (t *Tick) Validate() error {
	if t.Symbol == "" {
		return errors.New("tick symbol must not be empty")
	}
	if t.Timestamp.IsZero() {
		return errors.New("tick timestamp must be set")
	}
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0 {
		return errors.New("tick price must be a positive finite number")
	}
	if math.IsNaN(t.Size) || math.IsInf(t.Size, 0) || t.Size < 0 {
		return errors.New("tick size must be a non-negative finite number")
	}
	return nil
}

// ParseTimestamp accepts RFC 3339 (with optional fractional seconds) or an
// integer count of Unix milliseconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: want RFC 3339 or unix milliseconds", s)
	}
	return t.UTC(), nil
}
