package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/api"
)

func fanOutDef(quorum int) Definition {
	return def(func(ctx *Context) (any, error) {
		res, err := FanOut(ctx, []FanOutTask{
			{Key: "alpha", ActivityName: "analyze", Input: "alpha"},
			{Key: "beta", ActivityName: "analyze", Input: "beta"},
			{Key: "gamma", ActivityName: "analyze", Input: "gamma"},
		}, quorum)
		if err != nil {
			return nil, err
		}
		return res, nil
	})
}

// All branches are scheduled in one pass; the pass blocks until every
// branch has resolved.
func TestFanOut_SchedulesAllBranches(t *testing.T) {
	res, err := Execute(fanOutDef(2), newHistory(t).events)
	require.NoError(t, err)
	require.True(t, res.Blocked)
	require.Len(t, res.Commands, 3)

	for i, cmd := range res.Commands {
		sched, ok := cmd.(ScheduleActivityCommand)
		require.True(t, ok)
		require.Equal(t, int64(i+1), sched.ScheduleID)
		require.Equal(t, "analyze", sched.ActivityName)
	}
}

// One resolved branch out of three keeps the join pending without
// re-emitting schedules.
func TestFanOut_PartialResolutionStaysBlocked(t *testing.T) {
	h := newHistory(t).
		add(api.EventActivityScheduled, api.ActivityScheduledAttrs{ScheduleID: 1, ActivityName: "analyze", Attempt: 1}).
		add(api.EventActivityScheduled, api.ActivityScheduledAttrs{ScheduleID: 2, ActivityName: "analyze", Attempt: 1}).
		add(api.EventActivityScheduled, api.ActivityScheduledAttrs{ScheduleID: 3, ActivityName: "analyze", Attempt: 1}).
		add(api.EventActivityCompleted, api.ActivityCompletedAttrs{ScheduleID: 2, Result: json.RawMessage(`"b"`)})

	res, err := Execute(fanOutDef(2), h.events)
	require.NoError(t, err)
	require.True(t, res.Blocked)
	require.Empty(t, res.Commands)
}

// Two successes and one failure meet a quorum of two: the join degrades
// instead of failing the workflow.
func TestFanOut_QuorumMetWithDegradedBranch(t *testing.T) {
	h := newHistory(t).
		add(api.EventActivityScheduled, api.ActivityScheduledAttrs{ScheduleID: 1, ActivityName: "analyze", Attempt: 1}).
		add(api.EventActivityScheduled, api.ActivityScheduledAttrs{ScheduleID: 2, ActivityName: "analyze", Attempt: 1}).
		add(api.EventActivityScheduled, api.ActivityScheduledAttrs{ScheduleID: 3, ActivityName: "analyze", Attempt: 1}).
		add(api.EventActivityCompleted, api.ActivityCompletedAttrs{ScheduleID: 1, Result: json.RawMessage(`"a"`)}).
		add(api.EventActivityFailed, api.ActivityFailedAttrs{ScheduleID: 2, ErrorType: "io_error", Message: "agent offline", Attempts: 5}).
		add(api.EventActivityCompleted, api.ActivityCompletedAttrs{ScheduleID: 3, Result: json.RawMessage(`"c"`)})

	res, err := Execute(fanOutDef(2), h.events)
	require.NoError(t, err)
	require.False(t, res.Blocked)

	cmd, ok := res.Commands[0].(CompleteWorkflowCommand)
	require.True(t, ok)

	var joined FanOutResult
	require.NoError(t, json.Unmarshal(cmd.Result, &joined))
	require.Equal(t, 2, joined.Succeeded())
	require.JSONEq(t, `"a"`, string(joined.Outputs["alpha"]))
	require.JSONEq(t, `"c"`, string(joined.Outputs["gamma"]))
	require.Contains(t, joined.Errors["beta"], "agent offline")
}

// One success under a quorum of two fails the workflow with the
// insufficient-coverage class.
func TestFanOut_QuorumMissedFailsWorkflow(t *testing.T) {
	h := newHistory(t).
		add(api.EventActivityScheduled, api.ActivityScheduledAttrs{ScheduleID: 1, ActivityName: "analyze", Attempt: 1}).
		add(api.EventActivityScheduled, api.ActivityScheduledAttrs{ScheduleID: 2, ActivityName: "analyze", Attempt: 1}).
		add(api.EventActivityScheduled, api.ActivityScheduledAttrs{ScheduleID: 3, ActivityName: "analyze", Attempt: 1}).
		add(api.EventActivityCompleted, api.ActivityCompletedAttrs{ScheduleID: 1, Result: json.RawMessage(`"a"`)}).
		add(api.EventActivityFailed, api.ActivityFailedAttrs{ScheduleID: 2, ErrorType: "io_error", Message: "offline", Attempts: 5}).
		add(api.EventActivityFailed, api.ActivityFailedAttrs{ScheduleID: 3, ErrorType: "io_error", Message: "offline", Attempts: 5})

	res, err := Execute(fanOutDef(2), h.events)
	require.NoError(t, err)

	fail, ok := res.Commands[0].(FailWorkflowCommand)
	require.True(t, ok)
	require.Equal(t, ErrInsufficientCoverage, fail.ErrorType)
	require.Contains(t, fail.Message, "1 of 3 branches succeeded")
}

// A zero quorum accepts a fully failed fan-out.
func TestFanOut_ZeroQuorumAcceptsAnyOutcome(t *testing.T) {
	h := newHistory(t).
		add(api.EventActivityScheduled, api.ActivityScheduledAttrs{ScheduleID: 1, ActivityName: "analyze", Attempt: 1}).
		add(api.EventActivityScheduled, api.ActivityScheduledAttrs{ScheduleID: 2, ActivityName: "analyze", Attempt: 1}).
		add(api.EventActivityScheduled, api.ActivityScheduledAttrs{ScheduleID: 3, ActivityName: "analyze", Attempt: 1}).
		add(api.EventActivityFailed, api.ActivityFailedAttrs{ScheduleID: 1, ErrorType: "io_error", Message: "offline", Attempts: 5}).
		add(api.EventActivityFailed, api.ActivityFailedAttrs{ScheduleID: 2, ErrorType: "io_error", Message: "offline", Attempts: 5}).
		add(api.EventActivityFailed, api.ActivityFailedAttrs{ScheduleID: 3, ErrorType: "io_error", Message: "offline", Attempts: 5})

	res, err := Execute(fanOutDef(0), h.events)
	require.NoError(t, err)
	require.IsType(t, CompleteWorkflowCommand{}, res.Commands[0])
}

func TestFanOutResult_Output(t *testing.T) {
	r := &FanOutResult{Outputs: map[string]json.RawMessage{
		"alpha": json.RawMessage(`{"n":3}`),
	}}

	var v struct {
		N int `json:"n"`
	}
	ok, err := r.Output("alpha", &v)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, v.N)

	ok, err = r.Output("missing", &v)
	require.NoError(t, err)
	require.False(t, ok)
}
