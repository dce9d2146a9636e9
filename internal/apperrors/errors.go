// Package apperrors defines coded application errors shared by the service,
// repository, and handler layers. Handlers translate codes to HTTP statuses;
// everything below the handler layer deals only in codes.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies an application error.
type ErrorCode string

const (
	ErrCodeValidation        ErrorCode = "VALIDATION"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeConflict          ErrorCode = "CONFLICT"
	ErrCodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrCodeInvalidChain      ErrorCode = "INVALID_CHAIN"
	ErrCodeSoDViolation      ErrorCode = "SOD_VIOLATION"
	ErrCodeInternal          ErrorCode = "INTERNAL"
)

// Error is a coded application error with an optional wrapped cause.
type Error struct {
	Code    ErrorCode
	Message string
	Field   string // set for field-level validation errors
	cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap annotates an underlying error with a code and message.
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports that a named resource does not exist.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a field-level validation failure.
func InvalidInput(field, reason string) *Error {
	return &Error{Code: ErrCodeValidation, Field: field, Message: reason}
}

// Code extracts the ErrorCode from err, or ErrCodeInternal when err carries none.
func Code(err error) ErrorCode {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return Code(err) == code
}

// HTTPStatus maps an error's code to an HTTP status for the handler layer.
func HTTPStatus(err error) int {
	switch Code(err) {
	case ErrCodeValidation, ErrCodeInvalidChain:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict, ErrCodeInvalidTransition:
		return http.StatusConflict
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	case ErrCodeSoDViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
