package models

import (
	"strings"
	"time"
)

// Timeframe is a fixed bar interval.
type Timeframe string

const (
	TF1s  Timeframe = "1s"
	TF5s  Timeframe = "5s"
	TF15s Timeframe = "15s"
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
)

var timeframeDurations = map[Timeframe]time.Duration{
	TF1s:  time.Second,
	TF5s:  5 * time.Second,
	TF15s: 15 * time.Second,
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF1h:  time.Hour,
}

// DefaultTimeframes mirrors the resolutions the pipeline tracks out of the box.
func DefaultTimeframes() []Timeframe { return []Timeframe{TF1s, TF1m, TF5m} }

// ParseTimeframe converts a raw string into a supported timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.TrimSpace(strings.ToLower(s)))
	if !tf.Valid() {
		return "", Configf("timeframe", "%q is not supported", s)
	}
	return tf, nil
}

// Valid reports whether tf is a supported timeframe.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Duration returns the interval length, or zero for an unknown timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// OpenTime floors t to the start of its interval, aligned to the Unix epoch.
func (tf Timeframe) OpenTime(t time.Time) time.Time {
	d := tf.Duration().Nanoseconds()
	if d <= 0 {
		return t
	}
	ns := t.UnixNano()
	floor := ns / d * d
	if ns < 0 && ns%d != 0 {
		floor -= d
	}
	return time.Unix(0, floor).UTC()
}

// PeriodsPerYear is the number of intervals in a 24/7 trading year.
func (tf Timeframe) PeriodsPerYear() float64 {
	d := tf.Duration()
	if d <= 0 {
		return 0
	}
	return float64(365*24*time.Hour) / float64(d)
}

func (tf Timeframe) String() string { return string(tf) }
