// Package apperrors holds the error taxonomy shared by the storage layer, the
// ledger processors and the HTTP handlers.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrOversell marks a replay that would sell more than the open quantity.
	ErrOversell = errors.New("oversell")
	// ErrAcquireTimeout is returned when no pool handle became available in time.
	ErrAcquireTimeout = errors.New("timed out acquiring storage handle")
	// ErrPoolShuttingDown is returned to waiters and new requesters once shutdown started.
	ErrPoolShuttingDown = errors.New("storage pool is shutting down")
	// ErrStorageBusy is returned when SQLite kept the write lock past the busy timeout.
	ErrStorageBusy = errors.New("storage busy")
	// ErrInvalidContext is returned for operations on a context that is no longer active.
	ErrInvalidContext = errors.New("transaction context is not active")
	// ErrContextFailed is returned by Commit on a context that saw a failed operation.
	ErrContextFailed = errors.New("transaction context failed and was rolled back")
	// ErrStorageIntegrity marks a failed consistency check.
	ErrStorageIntegrity = errors.New("storage integrity check failed")
	// ErrNotFound marks a missing transaction or instrument.
	ErrNotFound = errors.New("not found")
)

// ValidationError describes which input field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is a shorthand for building a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// OversellError reports the sell that could not be covered by open lots.
type OversellError struct {
	InstrumentID      int64
	SellTransactionID int64
	Requested         int64
	Available         int64
}

func (e *OversellError) Error() string {
	return fmt.Sprintf("oversell on instrument %d: sell %d requests %d units, only %d open",
		e.InstrumentID, e.SellTransactionID, e.Requested, e.Available)
}

func (e *OversellError) Is(target error) bool { return target == ErrOversell }
