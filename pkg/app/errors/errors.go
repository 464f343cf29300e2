package errors

import (
	"errors"
	"fmt"
)

// AppError represents an application-level error with a code and optional cause
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Error codes
const (
	// ErrCodeForbidden marks a path or action that escapes the sandbox
	// boundary. Always user-facing, never retried.
	ErrCodeForbidden = "FORBIDDEN"
	// ErrCodeTimeout marks a command or question that exceeded its deadline.
	ErrCodeTimeout = "TIMEOUT"
	// ErrCodeResourceUnavailable marks an unreachable container engine or
	// similar infrastructure failure. Detail is logged, not surfaced.
	ErrCodeResourceUnavailable = "RESOURCE_UNAVAILABLE"
	// ErrCodeValidation marks malformed input rejected before any I/O.
	ErrCodeValidation = "VALIDATION_FAILED"
	// ErrCodeCancelled marks a normal terminal state with partial-result
	// preservation, not a failure.
	ErrCodeCancelled = "CANCELLED"
	// ErrCodeNotFound marks a lookup miss (unknown question id, etc.).
	ErrCodeNotFound = "NOT_FOUND"
)

// HasCode reports whether err is (or wraps) an AppError with the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsForbidden reports whether err is a sandbox-boundary violation.
func IsForbidden(err error) bool { return HasCode(err, ErrCodeForbidden) }

// IsTimeout reports whether err is a deadline failure.
func IsTimeout(err error) bool { return HasCode(err, ErrCodeTimeout) }

// IsCancelled reports whether err is a cooperative cancellation.
func IsCancelled(err error) bool { return HasCode(err, ErrCodeCancelled) }

// IsNotFound reports whether err is a lookup miss.
func IsNotFound(err error) bool { return HasCode(err, ErrCodeNotFound) }

// IsValidation reports whether err is an input rejection.
func IsValidation(err error) bool { return HasCode(err, ErrCodeValidation) }
