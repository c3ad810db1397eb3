// Package errors consolidates sentinel errors for the espwatch engine.
//
// It provides:
//   - Sentinel errors for all error conditions
//   - Category checking predicates
//   - HTTP status mapping for the API surface
//   - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Client errors (ingestion path, returned synchronously).
	ErrValidationFailed = errors.New("validation failed")
	ErrChunkImmutable   = errors.New("chunk is compressed and immutable")

	// Operational precondition failures.
	ErrNoVerifiedBackup = errors.New("no verified backup covers range")

	// Restore safety failures. Both are fatal to the restore call and
	// leave the live store untouched.
	ErrChecksumMismatch     = errors.New("backup checksum mismatch")
	ErrConfirmationRequired = errors.New("restore requires force confirmation")

	// Lookup / state errors.
	ErrNotFound          = errors.New("not found")
	ErrChunkNotFound     = errors.New("chunk not found")
	ErrBackupNotFound    = errors.New("backup not found")
	ErrEntityNotFound    = errors.New("entity not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotRunning        = errors.New("service not running")

	// Auth errors (identity itself is issued externally).
	ErrNotAuthorized = errors.New("not authorized")

	// Configuration errors.
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// Transient / internal errors.
	ErrTimeout        = errors.New("timeout")
	ErrInternal       = errors.New("internal error")
	ErrStorageFailure = errors.New("storage failure")
	ErrColdStorage    = errors.New("cold storage unavailable")
	ErrBufferFull     = errors.New("buffer full")
)

// ============================================================================
// Category predicates
// ============================================================================

// Is is a convenience wrapper for errors.Is.
var Is = errors.Is

// As is a convenience wrapper for errors.As.
var As = errors.As

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrChunkNotFound) ||
		errors.Is(err, ErrBackupNotFound) ||
		errors.Is(err, ErrEntityNotFound)
}

// IsValidation returns true if err is a client validation error.
// Validation errors are never retried automatically.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidationFailed) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsRestoreSafety returns true if err is a restore safety failure.
func IsRestoreSafety(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrConfirmationRequired)
}

// IsTransient returns true if err should be retried by the owning
// background job on its next cycle.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrStorageFailure) ||
		errors.Is(err, ErrColdStorage)
}

// ============================================================================
// HTTP status mapping
// ============================================================================

// HTTPStatus maps an error to the status code the API surface returns.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrChunkImmutable):
		return http.StatusConflict
	case errors.Is(err, ErrConfirmationRequired):
		return http.StatusPreconditionRequired
	case errors.Is(err, ErrNotAuthorized):
		return http.StatusForbidden
	case IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ErrNoVerifiedBackup), errors.Is(err, ErrChecksumMismatch):
		return http.StatusConflict
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
