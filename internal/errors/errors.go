// Package errors provides coded application errors shared across the sync core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to callers and logs.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrDatabase           ErrorCode = "DATABASE_ERROR"
	ErrMigration          ErrorCode = "MIGRATION_FAILED"
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"

	// Sync errors
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"
	ErrNetwork        ErrorCode = "NETWORK_ERROR"
	ErrRestoreExpired ErrorCode = "RESTORE_EXPIRED"

	// Security errors
	ErrSecurity          ErrorCode = "SECURITY_VIOLATION"
	ErrLicenseExpired    ErrorCode = "LICENSE_EXPIRED"
	ErrSignatureMismatch ErrorCode = "SIGNATURE_MISMATCH"
	ErrClockTampered     ErrorCode = "CLOCK_TAMPERED"
	ErrCryptoFailed      ErrorCode = "CRYPTO_FAILED"

	// Media errors
	ErrMediaEmpty        ErrorCode = "MEDIA_EMPTY"
	ErrMediaUploadFailed ErrorCode = "MEDIA_UPLOAD_FAILED"
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

// Is reports whether any error in err's chain is an AppError carrying code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsSecurity reports whether err belongs to the security class.
func IsSecurity(err error) bool {
	return Is(err, ErrSecurity) || Is(err, ErrLicenseExpired) ||
		Is(err, ErrSignatureMismatch) || Is(err, ErrClockTampered)
}

// Sentinels returned by the storage and shadow layers.
var (
	StorageUnavailable = New(ErrStorageUnavailable, "local storage unavailable")
	RestoreExpired     = New(ErrRestoreExpired, "cannot restore: grace period expired")
)
