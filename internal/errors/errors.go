// Package errors implements the orchestrator's HTTP-facing error taxonomy: a
// small closed set of error kinds, each carrying its recovery/status-code
// policy, so that every boundary (API handlers, the message loop, the
// finalizer) can classify a failure the same way without an open interface
// per error site.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jordigilh/kubernaut/pkg/shared/logging"
)

// ErrorType is a closed set of error kinds, each with its own HTTP status
// code and retry/recovery policy (spec §7).
type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeDatabase          ErrorType = "database"
	ErrorTypeNetwork           ErrorType = "network"
	ErrorTypeAuth              ErrorType = "auth"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeConflict          ErrorType = "conflict"
	ErrorTypeInternal          ErrorType = "internal"
	ErrorTypeTimeout           ErrorType = "timeout"
	ErrorTypeRateLimit         ErrorType = "rate_limit"
	ErrorTypeCircuitBreakerOpen ErrorType = "circuit_breaker_open"
	ErrorTypeServiceUnavailable ErrorType = "service_unavailable"
	ErrorTypeInvalidResponse    ErrorType = "invalid_response"
	ErrorTypeMessaging          ErrorType = "messaging"
	ErrorTypeStateMachine       ErrorType = "state_machine"
	ErrorTypeCache              ErrorType = "cache"
)

var statusCodes = map[ErrorType]int{
	ErrorTypeValidation:         http.StatusBadRequest,
	ErrorTypeAuth:               http.StatusUnauthorized,
	ErrorTypeNotFound:           http.StatusNotFound,
	ErrorTypeConflict:           http.StatusConflict,
	ErrorTypeTimeout:            http.StatusRequestTimeout,
	ErrorTypeRateLimit:          http.StatusTooManyRequests,
	ErrorTypeDatabase:           http.StatusInternalServerError,
	ErrorTypeNetwork:            http.StatusInternalServerError,
	ErrorTypeInternal:           http.StatusInternalServerError,
	ErrorTypeCircuitBreakerOpen: http.StatusServiceUnavailable,
	ErrorTypeServiceUnavailable: http.StatusServiceUnavailable,
	ErrorTypeInvalidResponse:    http.StatusBadGateway,
	ErrorTypeMessaging:          http.StatusInternalServerError,
	ErrorTypeStateMachine:       http.StatusInternalServerError,
	ErrorTypeCache:              http.StatusInternalServerError,
}

// ErrorMessages holds the client-safe text for error kinds whose real
// message must never be echoed back to a caller (spec §7: "Generic
// Internal/500; message logged server-side, never echoed to clients").
var ErrorMessages = struct {
	ResourceNotFound        string
	AuthenticationFailed    string
	OperationTimeout        string
	RateLimitExceeded       string
	ConcurrentModification  string
	Unavailable             string
	InvalidResponse         string
}{
	ResourceNotFound:       "The requested resource was not found",
	AuthenticationFailed:   "Authentication failed",
	OperationTimeout:       "The operation timed out",
	RateLimitExceeded:      "Rate limit exceeded, please try again later",
	ConcurrentModification: "The resource was modified by another request",
	Unavailable:            "The service is temporarily unavailable",
	InvalidResponse:        "Upstream returned an invalid response",
}

// AppError is the orchestrator's boundary-facing error value.
type AppError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Details    string
	Cause      error
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails attaches additional non-sensitive context, mutating and
// returning the same error.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf is WithDetails with fmt.Sprintf formatting.
func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// New creates an AppError of the given type with its standard status code.
func New(errType ErrorType, message string) *AppError {
	return &AppError{Type: errType, Message: message, StatusCode: statusCodes[errType]}
}

// Wrap creates an AppError around an existing cause.
func Wrap(cause error, errType ErrorType, message string) *AppError {
	return &AppError{Type: errType, Message: message, StatusCode: statusCodes[errType], Cause: cause}
}

// Wrapf is Wrap with fmt.Sprintf formatting of the message.
func Wrapf(cause error, errType ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, errType, fmt.Sprintf(format, args...))
}

// NewValidationError builds a validation AppError.
func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

// NewDatabaseError builds a database AppError wrapping cause.
func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

// NewNotFoundError builds a not-found AppError for the named resource.
func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

// NewAuthError builds an authentication/authorization AppError.
func NewAuthError(message string) *AppError {
	return New(ErrorTypeAuth, message)
}

// NewTimeoutError builds a timeout AppError for the named operation.
func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, fmt.Sprintf("operation timed out: %s", operation))
}

// NewCircuitBreakerOpenError builds an AppError for a call rejected by an
// open circuit breaker (spec §7: surfaced as Unavailable/503).
func NewCircuitBreakerOpenError(component string) *AppError {
	return New(ErrorTypeCircuitBreakerOpen, fmt.Sprintf("circuit breaker open: %s", component))
}

// NewInvalidResponseError builds an AppError for a protocol violation from a
// peer (spec §7: not retryable, nacked without requeue).
func NewInvalidResponseError(source string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeInvalidResponse, "invalid response from %s", source)
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, errType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errType
	}
	return false
}

// GetType returns err's ErrorType, or ErrorTypeInternal if err is not an
// *AppError.
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns err's HTTP status code, or 500 if err is not an
// *AppError.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// SafeErrorMessage returns text safe to return to an API caller: validation
// messages pass through verbatim (they describe the caller's own input),
// every other kind is replaced with a generic, non-leaking message.
func SafeErrorMessage(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimit:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	case ErrorTypeCircuitBreakerOpen, ErrorTypeServiceUnavailable:
		return ErrorMessages.Unavailable
	case ErrorTypeInvalidResponse:
		return ErrorMessages.InvalidResponse
	default:
		return "An internal error occurred"
	}
}

// LogFields renders err as structured logging fields, never including the
// safe-message substitution — server-side logs get the real error.
func LogFields(err error) logging.Fields {
	fields := logging.NewFields().Error(err)
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fields
	}
	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain joins non-nil errors in order with " -> ", returning nil if none are
// non-nil and the bare error if exactly one is.
func Chain(errs ...error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	default:
		msg := nonNil[0].Error()
		for _, e := range nonNil[1:] {
			msg += " -> " + e.Error()
		}
		return fmt.Errorf("%s", msg)
	}
}
