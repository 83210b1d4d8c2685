// Package errors provides coded application errors for the FieldSync core.
package errors

import "fmt"

// ErrorCode identifies an error class surfaced to callers and the UI layer.
type ErrorCode string

const (
	// General errors
	ErrInternal  ErrorCode = "INTERNAL_ERROR"
	ErrInvalid   ErrorCode = "INVALID_INPUT"
	ErrNotFound  ErrorCode = "NOT_FOUND"
	ErrDuplicate ErrorCode = "DUPLICATE"

	// Storage errors (fatal to the triggering call; durability cannot be
	// guaranteed past them)
	ErrStorage    ErrorCode = "STORAGE_ERROR"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync errors
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncOffline    ErrorCode = "SYNC_OFFLINE"

	// Conflict errors
	ErrConflictDetected   ErrorCode = "CONFLICT_DETECTED"
	ErrConflictResolved   ErrorCode = "CONFLICT_ALREADY_RESOLVED"
	ErrConflictUnresolved ErrorCode = "CONFLICT_UNRESOLVED"
	ErrMergePayloadNeeded ErrorCode = "MERGE_PAYLOAD_REQUIRED"

	// Remote errors
	ErrRemoteTransient ErrorCode = "REMOTE_TRANSIENT"
	ErrRemotePermanent ErrorCode = "REMOTE_PERMANENT"
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

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}
