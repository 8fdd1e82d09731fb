package models

import (
	"errors"
	"fmt"
)

// Sentinels matched through errors.Is by every typed error below.
var (
	ErrStorage          = errors.New("storage error")
	ErrInsufficientData = errors.New("insufficient data")
	ErrInvalidCondition = errors.New("invalid condition")
	ErrConfiguration    = errors.New("configuration error")
)

// StorageError reports an I/O or persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// InsufficientDataError reports that a statistic could not be computed from
// the samples supplied.
type InsufficientDataError struct {
	Op     string
	Need   int
	Got    int
	Reason string
}

func (e *InsufficientDataError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: insufficient data: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: insufficient data: need %d points, got %d", e.Op, e.Need, e.Got)
}

func (e *InsufficientDataError) Is(target error) bool { return target == ErrInsufficientData }

// InvalidConditionError reports a malformed or unevaluable alert condition.
type InvalidConditionError struct {
	Condition string
	Pos       int
	Reason    string
}

func (e *InvalidConditionError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("invalid condition %q at offset %d: %s", e.Condition, e.Pos, e.Reason)
	}
	return fmt.Sprintf("invalid condition %q: %s", e.Condition, e.Reason)
}

func (e *InvalidConditionError) Is(target error) bool { return target == ErrInvalidCondition }

// ConfigurationError reports a bad parameter, rejected before any computation.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Configf builds a ConfigurationError with a formatted reason.
func Configf(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// NotEnough builds an InsufficientDataError for a point-count shortfall.
func NotEnough(op string, need, got int) error {
	return &InsufficientDataError{Op: op, Need: need, Got: got}
}
