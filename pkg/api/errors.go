package api

import (
	"errors"
	"fmt"
)

var (
	// ErrExecutionNotFound is returned when an execution id is unknown.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrAlreadyExists is returned by idempotent start when an execution
	// with the same (workflow type, business key) pair is already RUNNING.
	ErrAlreadyExists = errors.New("execution already running for business key")

	// ErrNotRunning is returned when an operation requires a RUNNING
	// execution (signal, cancel) but the execution is terminal.
	ErrNotRunning = errors.New("execution is not running")

	// ErrQueryNotSupported is returned when the workflow definition does
	// not register a handler for the requested query name.
	ErrQueryNotSupported = errors.New("query not supported")

	// ErrWorkflowNotRegistered is returned when no definition is
	// registered for a workflow type.
	ErrWorkflowNotRegistered = errors.New("workflow type not registered")

	// ErrTaskNotFound is returned by the worker protocol for unknown
	// task ids.
	ErrTaskNotFound = errors.New("activity task not found")

	// ErrLeaseLost is returned when a worker heartbeats or resolves a
	// task whose lease it no longer owns.
	ErrLeaseLost = errors.New("task lease lost")

	// ErrDuplicateEvent is returned by history stores when an append
	// reuses a sequence number. Appends are retried with fresh sequence
	// numbers, so a crash between write and acknowledgement cannot
	// duplicate events.
	ErrDuplicateEvent = errors.New("duplicate history event sequence")
)

// ErrorTypeTimeout classifies failures caused by a fired timeout timer.
const ErrorTypeTimeout = "timeout"

// ActivityError is the error value an activity failure resolves to
// inside the workflow. It crosses the deterministic core as data, never
// as a panic or process crash.
type ActivityError struct {
	// Type is the error class matched against
	// RetryPolicy.NonRetryableErrorTypes.
	Type string

	Message string

	// NonRetryable marks the failure terminal regardless of the policy.
	NonRetryable bool
}

func (e *ActivityError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewApplicationError returns a retryable activity error of the given
// class. Whether it is actually retried is governed by the schedule's
// RetryPolicy.
func NewApplicationError(errType, format string, args ...any) error {
	return &ActivityError{Type: errType, Message: fmt.Sprintf(format, args...)}
}

// NewTerminalError returns a non-retryable activity error. The engine
// fails the activity immediately and surfaces it to the workflow as a
// resolved error value.
func NewTerminalError(errType, format string, args ...any) error {
	return &ActivityError{Type: errType, Message: fmt.Sprintf(format, args...), NonRetryable: true}
}

// AsActivityError returns (err as *ActivityError, true) when err is or
// wraps one.
func AsActivityError(err error) (*ActivityError, bool) {
	var ae *ActivityError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// WorkflowError is the final error of a FAILED execution, retained with
// its full history for inspection.
type WorkflowError struct {
	Type    string
	Message string
}

func (e *WorkflowError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}
