package domain

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
//
// Callers branch on codes, never on message text, so messages stay free to
// change without breaking retry or compensation decisions.
type Code string

const (
	// CodeUnknown represents an unclassified error.
	CodeUnknown Code = "UNKNOWN"

	// Account errors
	CodeAccountNotFound    Code = "ACCOUNT_NOT_FOUND"
	CodeAccountOwnerEmpty  Code = "ACCOUNT_OWNER_EMPTY"
	CodeAccountInvalidKind Code = "ACCOUNT_INVALID_KIND"
	CodeAccountArchived    Code = "ACCOUNT_ARCHIVED"

	// Ledger errors
	CodeInvalidAmount       Code = "LEDGER_INVALID_AMOUNT"
	CodeInvalidReason       Code = "LEDGER_INVALID_REASON"
	CodeCorrelationRequired Code = "LEDGER_CORRELATION_REQUIRED"
	CodeInsufficientFunds   Code = "LEDGER_INSUFFICIENT_FUNDS"
	CodeOverflow            Code = "LEDGER_BALANCE_OVERFLOW"
	CodeSameAccountTransfer Code = "LEDGER_SAME_ACCOUNT_TRANSFER"
	CodeAuditDivergence     Code = "LEDGER_AUDIT_DIVERGENCE"

	// Lock errors
	CodeLockTimeout    Code = "LOCK_TIMEOUT"
	CodeLockKeyEmpty   Code = "LOCK_KEY_EMPTY"
	CodeLockInvalidTTL Code = "LOCK_INVALID_TTL"

	// Workflow errors
	CodeWorkflowNotFound      Code = "WORKFLOW_NOT_FOUND"
	CodeWorkflowTerminal      Code = "WORKFLOW_TERMINAL"
	CodeWorkflowInvalidSteps  Code = "WORKFLOW_INVALID_STEPS"
	CodeWorkflowUnknownStep   Code = "WORKFLOW_UNKNOWN_STEP"
	CodeWorkflowNotCancelable Code = "WORKFLOW_NOT_CANCELABLE"

	// Registration errors
	CodeCapacityExceeded  Code = "REGISTRATION_CAPACITY_EXCEEDED"
	CodeAlreadyRegistered Code = "REGISTRATION_ALREADY_REGISTERED"

	// Idempotency errors
	CodeOperationInFlight    Code = "IDEMPOTENCY_OPERATION_IN_FLIGHT"
	CodeIdempotencyKeyEmpty  Code = "IDEMPOTENCY_KEY_EMPTY"
	CodeIdempotencyKeyFailed Code = "IDEMPOTENCY_KEY_FAILED"
)

type codedError struct {
	code    Code
	message string
	cause   error
}

func (e *codedError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *codedError) Unwrap() error {
	return e.cause
}

// E builds an error carrying a machine-readable code.
func E(code Code, format string, args ...any) error {
	return &codedError{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying cause.
func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, message: fmt.Sprintf(format, args...), cause: err}
}

// CodeOf extracts the machine-readable code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Transient reports whether err is safe to retry as-is.
//
// Business failures (insufficient funds, capacity full) and validation errors
// are terminal for the submitted operation; only contention-style failures
// qualify for blind retry.
func Transient(err error) bool {
	switch CodeOf(err) {
	case CodeLockTimeout, CodeOperationInFlight:
		return true
	}
	return false
}

type permanentError struct {
	cause error
}

func (e permanentError) Error() string {
	if e.cause == nil {
		return "permanent error"
	}
	return e.cause.Error()
}

func (e permanentError) Unwrap() error {
	return e.cause
}

// Permanent marks an error as non-retryable for workflow step execution.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{cause: err}
}

// IsPermanent reports whether err was explicitly marked as non-retryable.
func IsPermanent(err error) bool {
	var target permanentError
	return errors.As(err, &target)
}
