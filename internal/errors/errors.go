// Package errors provides the error taxonomy shared by the store and sync layers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an error for retry and surfacing decisions.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrValidation ErrorCode = "VALIDATION_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Remote sync errors.
	// Transient failures (network, timeout, 5xx) are retried through the
	// pending queue; permanent failures (4xx) share the same retry counter
	// but are logged distinctly since retrying them is wasted work.
	ErrTransientRemote ErrorCode = "TRANSIENT_REMOTE"
	ErrPermanentRemote ErrorCode = "PERMANENT_REMOTE"
	ErrAuthFailed      ErrorCode = "AUTH_FAILED"
	ErrSyncAbandoned   ErrorCode = "SYNC_ABANDONED"

	// Notification errors
	ErrNotifyFailed ErrorCode = "NOTIFY_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error anywhere in the chain carries a specific code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsRetryable reports whether a sync failure should go back on the queue.
// Permanent 4xx rejections share the retry budget with transient failures.
func IsRetryable(err error) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return true
	}
	switch appErr.Code {
	case ErrValidation, ErrNotFound:
		return false
	default:
		return true
	}
}
