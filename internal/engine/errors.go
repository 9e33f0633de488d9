package engine

import (
	"errors"
	"fmt"
)

// LedgerError is a structured failure reported by the ledger or by a pack handler.
//
// Validation and precondition failures never escape Execute as errors: they
// become rejected outcomes carrying Code, Message, Expected and Actual.
// Handlers return them to reject a command cleanly.
type LedgerError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Expected and Actual describe a state mismatch (PRECONDITION_FAILED only).
	Expected string
	Actual   string

	// CommandID identifies the affected command, when known.
	CommandID string
}

// ErrorCode categorizes ledger errors.
type ErrorCode string

const (
	// ErrCodeValidation indicates a malformed envelope or payload.
	// Always the caller's fault; never retried automatically.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodePreconditionFailed indicates a state-dependent precondition did
	// not hold, e.g. a status transition attempted from the wrong state.
	ErrCodePreconditionFailed ErrorCode = "PRECONDITION_FAILED"

	// ErrCodeIdempotencyViolation indicates the idempotency key already has a
	// terminal outcome. Informational, not fatal.
	ErrCodeIdempotencyViolation ErrorCode = "IDEMPOTENCY_VIOLATION"

	// ErrCodeUnknownCommand indicates no registered pack owns the command type.
	ErrCodeUnknownCommand ErrorCode = "UNKNOWN_COMMAND"

	// ErrCodeHandlerFailed indicates a handler failed for a reason other than
	// validation or precondition. The claim is released so a retry can proceed.
	ErrCodeHandlerFailed ErrorCode = "HANDLER_FAILED"
)

// Error implements the error interface.
func (e *LedgerError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Expected != "" || e.Actual != "" {
		msg = fmt.Sprintf("%s (expected=%s, actual=%s)", msg, e.Expected, e.Actual)
	}
	if e.CommandID != "" {
		msg = fmt.Sprintf("%s (command=%s)", msg, e.CommandID)
	}
	return msg
}

// PreconditionFailed creates a LedgerError for a state mismatch.
func PreconditionFailed(expected, actual, message string) *LedgerError {
	return &LedgerError{
		Code:     ErrCodePreconditionFailed,
		Message:  message,
		Expected: expected,
		Actual:   actual,
	}
}

// Invalid creates a LedgerError for a malformed payload.
func Invalid(format string, args ...any) *LedgerError {
	return &LedgerError{
		Code:    ErrCodeValidation,
		Message: fmt.Sprintf(format, args...),
	}
}

// CodeOf returns the code of the LedgerError wrapped by err, or "".
func CodeOf(err error) ErrorCode {
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// IsPreconditionFailed returns true if err is a precondition failure.
// Uses errors.As to handle wrapped errors.
func IsPreconditionFailed(err error) bool {
	return CodeOf(err) == ErrCodePreconditionFailed
}

// IsValidationError returns true if err is a ledger validation failure.
func IsValidationError(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// IsUnknownCommand returns true if no pack owns the command type.
func IsUnknownCommand(err error) bool {
	return CodeOf(err) == ErrCodeUnknownCommand
}

// StorageError reports that the event store could not be read or replayed
// while handling a command. Execute returns it instead of recording an outcome.
type StorageError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying storage error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError returns true if err wraps a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// rejectable reports whether a handler error should close the idempotency
// key with a rejected outcome rather than release it.
func rejectable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeValidation, ErrCodePreconditionFailed:
		return true
	}
	return false
}
