// Package dealerrors implements the error taxonomy of §7: every failure in
// the workflow runtime is classified as Transient, Domain, Timeout or Fatal
// so the step executor and scheduler can decide, mechanically, whether to
// retry, surface a terminal rejection, or halt and compensate.
package dealerrors

import (
	"errors"
	"fmt"
)

// ErrorClass is one of the four taxonomy buckets from spec.md §7.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassDomain    ErrorClass = "domain"
	ClassTimeout   ErrorClass = "timeout"
	ClassFatal     ErrorClass = "fatal"
)

// Code identifies a specific failure condition within a class.
type Code string

const (
	CodeVersionConflict      Code = "VERSION_CONFLICT"
	CodeIllegalTransition    Code = "ILLEGAL_TRANSITION"
	CodeValidationFailed     Code = "VALIDATION_FAILED"
	CodeCapacityExceeded     Code = "CAPACITY_EXCEEDED"
	CodeDuplicateActiveNDA   Code = "DUPLICATE_ACTIVE_NDA"
	CodeWaitTimeout          Code = "WAIT_TIMEOUT"
	CodeUnknownStep          Code = "UNKNOWN_STEP_ON_REPLAY"
	CodeCorruptLog           Code = "CORRUPT_LOG"
	CodeCompensationExhaust  Code = "COMPENSATION_EXHAUSTED"
	CodeProviderUnavailable  Code = "PROVIDER_UNAVAILABLE"
	CodeNotFound             Code = "NOT_FOUND"
	CodeTerminal             Code = "INSTANCE_TERMINAL"
)

// WorkflowError is the error type every component in this module returns.
type WorkflowError struct {
	Class   ErrorClass
	Code    Code
	Message string
	Err     error
}

func (e *WorkflowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Class, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Class, e.Code, e.Message)
}

func (e *WorkflowError) Unwrap() error { return e.Err }

func new(class ErrorClass, code Code, msg string, err error) *WorkflowError {
	return &WorkflowError{Class: class, Code: code, Message: msg, Err: err}
}

// Transient wraps a retryable failure: IO errors, provider 5xx/429, version
// conflicts, lock contention.
func Transient(code Code, msg string, err error) *WorkflowError {
	return new(ClassTransient, code, msg, err)
}

// Domain wraps a non-retryable business-rule failure: illegal transition,
// validation, capacity, duplicate NDA. Domain errors are never retried; they
// always resolve into a transition (possibly terminal).
func Domain(code Code, msg string, err error) *WorkflowError {
	return new(ClassDomain, code, msg, err)
}

// Timeout wraps a wait that crossed its deadline. Converted by the scheduler
// into a WaitFulfilled(timeout) event; never retried.
func Timeout(code Code, msg string) *WorkflowError {
	return new(ClassTimeout, code, msg, nil)
}

// Fatal wraps an unrecoverable condition: corrupted log, unknown step name on
// replay, exhausted compensator retries. Escapes to the scheduler, which
// compensates then halts the instance in Failed.
func Fatal(code Code, msg string, err error) *WorkflowError {
	return new(ClassFatal, code, msg, err)
}

// ClassOf recovers the ErrorClass from err, defaulting to Fatal for errors
// that never went through this package (an unclassified error is the least
// safe to retry or surface as a rejection).
func ClassOf(err error) ErrorClass {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Class
	}
	if err == nil {
		return ""
	}
	return ClassFatal
}

// CodeOf recovers the Code from err, or "" if err was never classified here.
func CodeOf(err error) Code {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Code
	}
	return ""
}

// IsRetryable reports whether err's class is Transient.
func IsRetryable(err error) bool {
	return ClassOf(err) == ClassTransient
}

// ErrVersionConflict is returned by the event log on a CAS mismatch.
var ErrVersionConflict = Transient(CodeVersionConflict, "expected version does not match current persisted version", nil)

// ErrInstanceTerminal is returned when a transition is attempted on a
// terminal instance (invariant 5: such events are dropped, logged, not
// raised to the caller as a hard failure of the overall system, but the
// scheduler needs the sentinel to decide that).
var ErrInstanceTerminal = Domain(CodeTerminal, "instance has reached a terminal state", nil)

// ErrNotFound indicates the referenced instance, event range, or snapshot
// does not exist.
var ErrNotFound = Domain(CodeNotFound, "not found", nil)
