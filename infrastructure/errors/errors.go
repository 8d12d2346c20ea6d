// Package errors provides the unified error taxonomy returned across the
// consensus engine boundary: Validation, Forbidden, NotFound, InvalidState,
// Conflict, Stopped, Timeout, and Internal.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// Validation errors (3xxx) — malformed input or field constraint violation.
	ErrCodeInvalidInput     ErrorCode = "VAL_3001"
	ErrCodeMissingParameter ErrorCode = "VAL_3002"
	ErrCodeOutOfRange       ErrorCode = "VAL_3004"

	// Authorization errors (2xxx) — principal lacks capability, or neutrality
	// is required and violated.
	ErrCodeForbidden ErrorCode = "AUTHZ_2001"

	// Resource errors (4xxx).
	ErrCodeNotFound ErrorCode = "RES_4001"
	ErrCodeConflict ErrorCode = "RES_4003"

	// State errors (8xxx) — operation inconsistent with the transaction or
	// dispute state machine position.
	ErrCodeInvalidState ErrorCode = "STATE_8001"

	// Emergency stop (9xxx).
	ErrCodeStopped ErrorCode = "STOP_9001"

	// Service errors (5xxx).
	ErrCodeInternal ErrorCode = "SVC_5001"
	ErrCodeTimeout  ErrorCode = "SVC_5005"
)

// ServiceError represents a structured error with code, message, and HTTP
// status, carried through the core so that transport bindings can map it
// without re-deriving the taxonomy.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails adds additional details to the error.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new ServiceError.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap wraps an existing error with a ServiceError.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation errors — never retried.

func InvalidInput(field, reason string) *ServiceError {
	return New(ErrCodeInvalidInput, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

func MissingParameter(param string) *ServiceError {
	return New(ErrCodeMissingParameter, "missing required parameter", http.StatusBadRequest).
		WithDetails("parameter", param)
}

func OutOfRange(field string, minValue, maxValue interface{}) *ServiceError {
	return New(ErrCodeOutOfRange, "value out of range", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("min", minValue).
		WithDetails("max", maxValue)
}

// Forbidden — principal lacks capability, or is a party where neutrality is
// required. Never retried.

func Forbidden(message string) *ServiceError {
	return New(ErrCodeForbidden, message, http.StatusForbidden)
}

// NotFound — referenced entity absent.

func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// InvalidState — operation inconsistent with current state machine position.

func InvalidState(message string) *ServiceError {
	return New(ErrCodeInvalidState, message, http.StatusConflict)
}

// Conflict — optimistic concurrency loss. The core retries this internally up
// to a bounded count before surfacing it to the caller.

func Conflict(message string) *ServiceError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

// Stopped — emergency stop active on the transaction or globally.

func Stopped(stopID string) *ServiceError {
	return New(ErrCodeStopped, "emergency stop active", http.StatusServiceUnavailable).
		WithDetails("stopId", stopID)
}

// Timeout — the caller's deadline elapsed inside the core.

func Timeout(operation string) *ServiceError {
	return New(ErrCodeTimeout, "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// Internal — unexpected storage/bus failure, surfaced generically.

func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

// Helper functions

// IsServiceError checks if an error is a ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a ServiceError from an error chain.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is reports whether err carries the given ErrorCode, for callers that want
// to branch on taxonomy kind (e.g. retry loops checking for Conflict).
func Is(err error, code ErrorCode) bool {
	if se := GetServiceError(err); se != nil {
		return se.Code == code
	}
	return false
}

// IsConflict is a convenience check used by the bounded Conflict-retry loop.
func IsConflict(err error) bool {
	return Is(err, ErrCodeConflict)
}
