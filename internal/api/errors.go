package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rewired-gh/quantflow/internal/alert"
	"github.com/rewired-gh/quantflow/internal/models"
)

// AppError is an error with the HTTP status and code it is reported with.
type AppError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Status  int                    `json:"-"`
	Err     error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(code, field, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Field:   field,
		Status:  status,
	}
}

// WithParam sets a single error param.
func (e *AppError) WithParam(key string, value interface{}) *AppError {
	if e.Params == nil {
		e.Params = make(map[string]interface{})
	}
	e.Params[key] = value
	return e
}

// WithError wraps an underlying error.
func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// FromError maps a domain error onto its HTTP representation. Bad
// parameters and conditions are 400, missing rules 404, too little data
// 422 and everything else 500.
func FromError(err error) *AppError {
	var (
		appErr  *AppError
		condErr *models.InvalidConditionError
		cfgErr  *models.ConfigurationError
		dataErr *models.InsufficientDataError
	)
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.As(err, &condErr):
		e := NewAppError("ERR_INVALID_CONDITION", "condition", condErr.Error(), http.StatusBadRequest).WithError(err)
		if condErr.Pos >= 0 {
			e.WithParam("pos", condErr.Pos)
		}
		return e
	case errors.As(err, &cfgErr):
		return NewAppError("ERR_INVALID_PARAMETER", cfgErr.Field, cfgErr.Error(), http.StatusBadRequest).WithError(err)
	case errors.As(err, &dataErr):
		e := NewAppError("ERR_INSUFFICIENT_DATA", "", dataErr.Error(), http.StatusUnprocessableEntity).WithError(err)
		if dataErr.Need > 0 {
			e.WithParam("need", dataErr.Need).WithParam("got", dataErr.Got)
		}
		return e
	case errors.Is(err, alert.ErrRuleNotFound):
		return NewAppError("ERR_NOT_FOUND", "id", err.Error(), http.StatusNotFound).WithError(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return NewAppError("ERR_UNAVAILABLE", "", "request cancelled or timed out", http.StatusServiceUnavailable).WithError(err)
	case errors.Is(err, models.ErrStorage):
		return NewAppError("ERR_STORAGE", "", "storage unavailable", http.StatusInternalServerError).WithError(err)
	default:
		return NewAppError("ERR_INTERNAL", "", "internal error", http.StatusInternalServerError).WithError(err)
	}
}
