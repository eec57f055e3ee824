package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/loomhq/loom/pkg/api"
)

// FanOutTask is one branch of a fan-out: an activity scheduled under a
// caller-chosen key.
type FanOutTask struct {
	// Key labels the branch in the joined result, e.g. an agent name.
	Key string

	ActivityName string
	Input        any
	Options      ActivityOptions
}

// FanOutResult is the joined outcome of a fan-out. Outputs holds the
// raw result of every branch that succeeded, Errors the terminal error
// message of every branch that did not. A branch key appears in
// exactly one of the two maps.
type FanOutResult struct {
	Outputs map[string]json.RawMessage `json:"outputs"`
	Errors  map[string]string          `json:"errors,omitempty"`
}

// Succeeded returns the number of branches that resolved successfully.
func (r *FanOutResult) Succeeded() int { return len(r.Outputs) }

// Output unmarshals the branch result for key into v. It reports false
// when the branch did not succeed.
func (r *FanOutResult) Output(key string, v any) (bool, error) {
	raw, ok := r.Outputs[key]
	if !ok {
		return false, nil
	}
	if v == nil || len(raw) == 0 {
		return true, nil
	}
	return true, json.Unmarshal(raw, v)
}

// ErrInsufficientCoverage is the error type recorded when a fan-out
// joins with fewer successes than its quorum.
const ErrInsufficientCoverage = "insufficient_coverage"

// FanOut schedules every task concurrently and joins once all branches
// have resolved, success or terminal failure. Failed branches degrade
// the joined result rather than failing the workflow, unless fewer than
// quorum branches succeed, in which case FanOut returns a terminal
// *api.WorkflowError of type "insufficient_coverage". A quorum of zero
// or less accepts any outcome.
func FanOut(ctx *Context, tasks []FanOutTask, quorum int) (*FanOutResult, error) {
	futures := make([]*Future, len(tasks))
	for i, t := range tasks {
		futures[i] = ctx.ExecuteActivityWithOptions(t.ActivityName, t.Input, t.Options)
	}

	// Non-blocking sweep first so one slow branch does not hide the
	// resolution state of the others within a pass; then a blocking
	// join on each still-pending branch.
	for _, f := range futures {
		if !f.Ready() {
			ctx.suspend()
		}
	}

	res := &FanOutResult{
		Outputs: make(map[string]json.RawMessage, len(tasks)),
		Errors:  make(map[string]string),
	}
	for i, f := range futures {
		var raw json.RawMessage
		if err := f.Get(&raw); err != nil {
			res.Errors[tasks[i].Key] = err.Error()
			continue
		}
		res.Outputs[tasks[i].Key] = raw
	}
	if len(res.Errors) == 0 {
		res.Errors = nil
	}

	if quorum > 0 && res.Succeeded() < quorum {
		return res, &api.WorkflowError{
			Type: ErrInsufficientCoverage,
			Message: fmt.Sprintf("insufficient agent coverage: %d of %d branches succeeded, quorum is %d",
				res.Succeeded(), len(tasks), quorum),
		}
	}
	return res, nil
}
