package workflow

import (
	"errors"
	"fmt"

	"github.com/loomhq/loom/pkg/api"
)

// Result is the outcome of one decision pass.
type Result struct {
	// Commands are the new actions the engine must perform, in the
	// deterministic order the definition issued them. Commands already
	// present in history are not re-emitted.
	Commands []Command

	// Blocked is true when the definition suspended on an unresolved
	// await. A blocked pass with no new commands is purely waiting.
	Blocked bool

	// QueryHandlers are the read-only handlers registered during the
	// pass, keyed by query name.
	QueryHandlers map[string]QueryHandler

	// CancelRequested mirrors the history flag so the engine can
	// finalize a blocked execution whose definition never observes the
	// request.
	CancelRequested bool
}

// Execute runs one decision pass of def against history. The handler is
// re-run from the top; resolved awaits return recorded results, the
// first unresolved await suspends the pass. The returned Result carries
// the commands to persist and dispatch.
//
// An error return means the pass itself is broken (corrupt history, a
// nondeterministic definition, an unmarshalable payload), not that the
// workflow failed; workflow failure surfaces as a FailWorkflowCommand.
func Execute(def Definition, history []api.HistoryEvent) (*Result, error) {
	ctx, err := newContext(history)
	if err != nil {
		return nil, err
	}

	res := &Result{CancelRequested: ctx.cancelRequested}

	out, handlerErr, runErr := runPass(def, ctx)
	if runErr != nil {
		return nil, runErr
	}

	res.Commands = ctx.commands
	res.QueryHandlers = ctx.queryHandlers

	if handlerErr == errSuspended {
		res.Blocked = true
		return res, nil
	}

	// The handler returned; its outcome terminates the execution.
	var contErr *ContinueAsNewError
	switch {
	case handlerErr == nil:
		raw, err := marshalPayload(out)
		if err != nil {
			return nil, fmt.Errorf("workflow result: %w", err)
		}
		res.Commands = append(res.Commands, CompleteWorkflowCommand{Result: raw})

	case errors.Is(handlerErr, ErrCanceled):
		res.Commands = append(res.Commands, CancelWorkflowCommand{Reason: ctx.cancelReason})

	case errors.As(handlerErr, &contErr):
		res.Commands = append(res.Commands, ContinueAsNewCommand{Input: contErr.Input})

	default:
		res.Commands = append(res.Commands, FailWorkflowCommand{
			ErrorType: errorType(handlerErr),
			Message:   handlerErr.Error(),
		})
	}
	return res, nil
}

// errSuspended is the internal handler outcome for a suspended pass.
var errSuspended = errors.New("pass suspended")

// runPass invokes the handler, converting the suspend and failure
// panics back into ordinary returns.
func runPass(def Definition, ctx *Context) (out any, handlerErr error, runErr error) {
	defer func() {
		r := recover()
		switch v := r.(type) {
		case nil:
		case suspendMarker:
			handlerErr = errSuspended
		case passFailure:
			runErr = v.err
		default:
			panic(r)
		}
	}()
	out, handlerErr = def.Handler(ctx)
	return out, handlerErr, nil
}

// errorType classifies a workflow-level error for the failure record.
func errorType(err error) string {
	var actErr *api.ActivityError
	if errors.As(err, &actErr) {
		return actErr.Type
	}
	var wfErr *api.WorkflowError
	if errors.As(err, &wfErr) {
		return wfErr.Type
	}
	return "error"
}
