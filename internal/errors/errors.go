// Package errors provides error code definitions for centersync.
package errors

import "fmt"

// ErrorCode represents a unique error code.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Record-keeping errors. ErrRecordKeeping is the single error kind
	// wrapping all storage and serialization failures in the subsystem.
	ErrRecordKeeping ErrorCode = "RECORD_KEEPING_ERROR"
	ErrMigration     ErrorCode = "MIGRATION_FAILED"

	// Synchronization errors
	ErrSyncNotConfigured ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrSyncFailed        ErrorCode = "SYNC_FAILED"
	ErrSyncInProgress    ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncTimeout       ErrorCode = "SYNC_TIMEOUT"

	// Protocol errors: caller mistakes, distinct from storage errors.
	ErrUnknownMethod    ErrorCode = "UNKNOWN_METHOD"
	ErrSelfSync         ErrorCode = "SELF_SYNC"
	ErrUnknownCenter    ErrorCode = "UNKNOWN_CENTER"
	ErrCenterMismatch   ErrorCode = "CENTER_MISMATCH"
	ErrMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"

	// Offline file errors
	ErrExportFailed     ErrorCode = "EXPORT_FAILED"
	ErrImportFailed     ErrorCode = "IMPORT_FAILED"
	ErrInvalidPassword  ErrorCode = "INVALID_PASSWORD"
	ErrCorruptedArchive ErrorCode = "CORRUPTED_ARCHIVE"
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

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// CallerError reports whether the error is a protocol-level caller
// mistake rather than a storage or internal failure.
func CallerError(err error) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	switch appErr.Code {
	case ErrUnknownMethod, ErrSelfSync, ErrUnknownCenter, ErrCenterMismatch,
		ErrMalformedPayload, ErrInvalid, ErrValidation:
		return true
	}
	return false
}
