// Package workflow is the authoring surface for workflow definitions
// and the deterministic replayer that drives them.
//
// A definition is a plain Go function over a *Context. Every decision
// pass re-runs the function from the top against the execution's
// history: calls that are already resolved in history return their
// recorded results, calls that are not yet resolved emit commands and
// suspend the pass. The function must be deterministic — no wall-clock
// reads, no random values, no direct I/O; use Context.Now, activities
// and timers instead.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Func is a workflow definition body. The returned value is marshaled
// to JSON and becomes the execution result.
type Func func(ctx *Context) (any, error)

// Definition binds a workflow type name to its body.
type Definition struct {
	// Name is the workflow type, e.g. "sync" or "planning".
	Name string

	Handler Func

	// Timeout, when positive, bounds every execution of this type. A
	// fired timeout fails the execution.
	Timeout time.Duration
}

// QueryHandler produces read-only derived state for one query name.
// Handlers are registered by the definition via Context.SetQueryHandler
// and must not mutate workflow state.
type QueryHandler func() (any, error)

// ErrCanceled is returned by a definition that has observed a
// cancellation request and finished its cleanup. The engine finalizes
// the execution as CANCELLED.
var ErrCanceled = errors.New("workflow canceled")

// ContinueAsNewError signals voluntary termination of the current
// execution in favour of a successor carrying Input, keeping history
// bounded for effectively-infinite processes.
type ContinueAsNewError struct {
	Input json.RawMessage
}

func (e *ContinueAsNewError) Error() string { return "continue as new" }

// NewContinueAsNewError builds a ContinueAsNewError with input
// marshaled to JSON.
func NewContinueAsNewError(input any) error {
	raw, err := marshalPayload(input)
	if err != nil {
		return fmt.Errorf("continue-as-new input: %w", err)
	}
	return &ContinueAsNewError{Input: raw}
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
