package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/persistence"
	"github.com/loomhq/loom/pkg/api"
	"github.com/loomhq/loom/pkg/workflow"
)

var engineEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// harness bundles an engine over an in-memory store with a fake clock
// so timers and leases can be driven deterministically.
type harness struct {
	t     *testing.T
	eng   *Engine
	clk   *clock.Fake
	store persistence.Store
	ctx   context.Context
}

func newHarness(t *testing.T, defs ...workflow.Definition) *harness {
	t.Helper()
	clk := clock.NewFake(engineEpoch)
	store := persistence.NewMemoryStore().Bundle()
	eng := New(Config{Store: store, Clock: clk})
	for _, def := range defs {
		require.NoError(t, eng.Register(def))
	}
	return &harness{t: t, eng: eng, clk: clk, store: store, ctx: context.Background()}
}

func (h *harness) start(workflowType, businessKey string, input any, timeout time.Duration) *api.Execution {
	h.t.Helper()
	var raw json.RawMessage
	if input != nil {
		b, err := json.Marshal(input)
		require.NoError(h.t, err)
		raw = b
	}
	exec, err := h.eng.StartWorkflow(h.ctx, api.StartOptions{
		WorkflowType: workflowType,
		BusinessKey:  businessKey,
		Input:        raw,
		Timeout:      timeout,
	})
	require.NoError(h.t, err)
	return exec
}

func (h *harness) claim(workerID string) *api.ActivityTask {
	h.t.Helper()
	task, err := h.eng.ClaimTask(h.ctx, DefaultTaskQueue, workerID, 0)
	require.NoError(h.t, err)
	return task
}

func (h *harness) mustClaim(workerID string) *api.ActivityTask {
	h.t.Helper()
	task := h.claim(workerID)
	require.NotNil(h.t, task, "expected a claimable task")
	return task
}

// pumpTimers fires every due timer until none remain.
func (h *harness) pumpTimers() {
	h.t.Helper()
	for {
		due, err := h.eng.Timers().DueTimers(h.ctx, h.clk.Now(), 100)
		require.NoError(h.t, err)
		if len(due) == 0 {
			return
		}
		for _, tm := range due {
			require.NoError(h.t, h.eng.HandleTimer(h.ctx, tm))
		}
	}
}

func (h *harness) get(id string) *api.Execution {
	h.t.Helper()
	exec, err := h.eng.GetExecution(h.ctx, id)
	require.NoError(h.t, err)
	return exec
}

func (h *harness) history(id string) []api.HistoryEvent {
	h.t.Helper()
	events, err := h.eng.GetHistory(h.ctx, id)
	require.NoError(h.t, err)
	return events
}

func eventTypes(events []api.HistoryEvent) []api.EventType {
	out := make([]api.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func echoDef(name string) workflow.Definition {
	return workflow.Definition{
		Name: name,
		Handler: func(ctx *workflow.Context) (any, error) {
			var out json.RawMessage
			if err := ctx.ExecuteActivity("echo", ctx.RawInput()).Get(&out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}

func TestEngine_ActivityRoundTrip(t *testing.T) {
	h := newHarness(t, echoDef("order"))

	exec := h.start("order", "bk-1", map[string]int{"n": 7}, 0)
	require.Equal(t, api.StatusRunning, exec.Status)

	task := h.mustClaim("w1")
	require.Equal(t, "echo", task.ActivityName)
	require.Equal(t, 1, task.Attempt)
	require.JSONEq(t, `{"n":7}`, string(task.Input))

	require.NoError(t, h.eng.CompleteTask(h.ctx, task.ID, "w1", json.RawMessage(`{"ok":true}`)))

	done := h.get(exec.ID)
	require.Equal(t, api.StatusCompleted, done.Status)
	require.JSONEq(t, `{"ok":true}`, string(done.Result))

	require.Equal(t, []api.EventType{
		api.EventWorkflowStarted,
		api.EventActivityScheduled,
		api.EventActivityCompleted,
		api.EventWorkflowCompleted,
	}, eventTypes(h.history(exec.ID)))
}

func TestEngine_StartIsIdempotentPerBusinessKey(t *testing.T) {
	h := newHarness(t, echoDef("order"))

	exec := h.start("order", "bk-1", nil, 0)

	_, err := h.eng.StartWorkflow(h.ctx, api.StartOptions{WorkflowType: "order", BusinessKey: "bk-1"})
	require.ErrorIs(t, err, api.ErrAlreadyExists)

	// Closing the execution frees the key.
	task := h.mustClaim("w1")
	require.NoError(t, h.eng.CompleteTask(h.ctx, task.ID, "w1", nil))
	require.Equal(t, api.StatusCompleted, h.get(exec.ID).Status)

	_, err = h.eng.StartWorkflow(h.ctx, api.StartOptions{WorkflowType: "order", BusinessKey: "bk-1"})
	require.NoError(t, err)
}

func TestEngine_StartRejectsUnknownType(t *testing.T) {
	h := newHarness(t)
	_, err := h.eng.StartWorkflow(h.ctx, api.StartOptions{WorkflowType: "ghost", BusinessKey: "bk"})
	require.ErrorIs(t, err, api.ErrWorkflowNotRegistered)
}

func retryingDef(policy api.RetryPolicy) workflow.Definition {
	return workflow.Definition{
		Name: "flaky",
		Handler: func(ctx *workflow.Context) (any, error) {
			err := ctx.ExecuteActivityWithOptions("wobble", nil, workflow.ActivityOptions{
				RetryPolicy: &policy,
			}).Get(nil)
			if err != nil {
				return nil, err
			}
			return "ok", nil
		},
	}
}

// Each retry appends a new ActivityScheduled with the same schedule id
// and an incremented attempt; ActivityFailed appears only on
// exhaustion.
func TestEngine_RetryTrail(t *testing.T) {
	h := newHarness(t, retryingDef(api.RetryPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaxAttempts:        3,
	}))

	exec := h.start("flaky", "bk-1", nil, 0)

	// Attempt 1 fails; a retry timer is armed, nothing terminal yet.
	task := h.mustClaim("w1")
	require.NoError(t, h.eng.FailTask(h.ctx, task.ID, "w1", "io_error", "try 1", false))
	require.Equal(t, api.StatusRunning, h.get(exec.ID).Status)
	require.Nil(t, h.claim("w1"), "no task before the backoff elapses")

	// Backoff 1s, then attempt 2.
	h.clk.Advance(time.Second)
	h.pumpTimers()
	task = h.mustClaim("w1")
	require.Equal(t, 2, task.Attempt)
	require.NoError(t, h.eng.FailTask(h.ctx, task.ID, "w1", "io_error", "try 2", false))

	// Backoff 2s, then attempt 3, the last one.
	h.clk.Advance(2 * time.Second)
	h.pumpTimers()
	task = h.mustClaim("w1")
	require.Equal(t, 3, task.Attempt)
	require.NoError(t, h.eng.FailTask(h.ctx, task.ID, "w1", "io_error", "try 3", false))

	done := h.get(exec.ID)
	require.Equal(t, api.StatusFailed, done.Status)
	require.Contains(t, done.Error, "try 3")

	var scheduled, failed int
	for _, ev := range h.history(exec.ID) {
		switch ev.Type {
		case api.EventActivityScheduled:
			attrs, err := api.DecodeAttrs[api.ActivityScheduledAttrs](ev)
			require.NoError(t, err)
			require.Equal(t, int64(1), attrs.ScheduleID)
			scheduled++
			require.Equal(t, scheduled, attrs.Attempt)
		case api.EventActivityFailed:
			attrs, err := api.DecodeAttrs[api.ActivityFailedAttrs](ev)
			require.NoError(t, err)
			require.Equal(t, 3, attrs.Attempts)
			failed++
		}
	}
	require.Equal(t, 3, scheduled)
	require.Equal(t, 1, failed)
}

func TestEngine_NonRetryableErrorFailsImmediately(t *testing.T) {
	h := newHarness(t, retryingDef(api.RetryPolicy{MaxAttempts: 5}))

	exec := h.start("flaky", "bk-1", nil, 0)
	task := h.mustClaim("w1")
	require.NoError(t, h.eng.FailTask(h.ctx, task.ID, "w1", "bad_input", "malformed", true))

	done := h.get(exec.ID)
	require.Equal(t, api.StatusFailed, done.Status)
	require.Contains(t, done.Error, "bad_input")
}

func signalDef() workflow.Definition {
	return workflow.Definition{
		Name: "waiter",
		Handler: func(ctx *workflow.Context) (any, error) {
			state := "waiting"
			ctx.SetQueryHandler("state", func() (any, error) { return state, nil })

			var payload string
			if err := ctx.SignalChannel("go").Receive(&payload); err != nil {
				return nil, err
			}
			state = "done"
			return payload, nil
		},
	}
}

func TestEngine_SignalAndQuery(t *testing.T) {
	h := newHarness(t, signalDef())
	exec := h.start("waiter", "bk-1", nil, 0)

	out, err := h.eng.QueryWorkflow(h.ctx, exec.ID, "state")
	require.NoError(t, err)
	require.JSONEq(t, `"waiting"`, string(out))

	_, err = h.eng.QueryWorkflow(h.ctx, exec.ID, "missing")
	require.ErrorIs(t, err, api.ErrQueryNotSupported)

	require.NoError(t, h.eng.SignalWorkflow(h.ctx, exec.ID, "go", json.RawMessage(`"payload"`), ""))

	done := h.get(exec.ID)
	require.Equal(t, api.StatusCompleted, done.Status)
	require.JSONEq(t, `"payload"`, string(done.Result))

	// Queries remain answerable after the execution closes.
	out, err = h.eng.QueryWorkflow(h.ctx, exec.ID, "state")
	require.NoError(t, err)
	require.JSONEq(t, `"done"`, string(out))

	// But signals do not.
	err = h.eng.SignalWorkflow(h.ctx, exec.ID, "go", nil, "")
	require.ErrorIs(t, err, api.ErrNotRunning)
}

// A restarted engine (cold query cache) rebuilds handlers by replaying
// committed history.
func TestEngine_QueryAfterRestart(t *testing.T) {
	h := newHarness(t, signalDef())
	exec := h.start("waiter", "bk-1", nil, 0)

	restarted := New(Config{Store: h.store, Clock: h.clk})
	require.NoError(t, restarted.Register(signalDef()))

	out, err := restarted.QueryWorkflow(h.ctx, exec.ID, "state")
	require.NoError(t, err)
	require.JSONEq(t, `"waiting"`, string(out))
}

// Redelivering a signal with the same dedupe key is a no-op; the
// workflow observes it exactly once.
func TestEngine_SignalDedupe(t *testing.T) {
	pair := workflow.Definition{
		Name: "pair",
		Handler: func(ctx *workflow.Context) (any, error) {
			ch := ctx.SignalChannel("go")
			var first, second string
			if err := ch.Receive(&first); err != nil {
				return nil, err
			}
			if err := ch.Receive(&second); err != nil {
				return nil, err
			}
			return []string{first, second}, nil
		},
	}

	h := newHarness(t, pair)
	exec := h.start("pair", "bk-1", nil, 0)

	require.NoError(t, h.eng.SignalWorkflow(h.ctx, exec.ID, "go", json.RawMessage(`"first"`), "k1"))
	require.NoError(t, h.eng.SignalWorkflow(h.ctx, exec.ID, "go", json.RawMessage(`"first"`), "k1"))
	require.Equal(t, api.StatusRunning, h.get(exec.ID).Status, "duplicate was dropped")

	require.NoError(t, h.eng.SignalWorkflow(h.ctx, exec.ID, "go", json.RawMessage(`"second"`), "k2"))

	done := h.get(exec.ID)
	require.Equal(t, api.StatusCompleted, done.Status)
	require.JSONEq(t, `["first","second"]`, string(done.Result))

	var signals int
	for _, ev := range h.history(exec.ID) {
		if ev.Type == api.EventSignalReceived {
			signals++
		}
	}
	require.Equal(t, 2, signals)
}

func sleeperDef(d time.Duration) workflow.Definition {
	return workflow.Definition{
		Name: "sleeper",
		Handler: func(ctx *workflow.Context) (any, error) {
			if err := ctx.Sleep(d); err != nil {
				return nil, err
			}
			return "woke", nil
		},
	}
}

func TestEngine_DurableTimerFires(t *testing.T) {
	h := newHarness(t, sleeperDef(time.Hour))
	exec := h.start("sleeper", "bk-1", nil, 0)

	h.pumpTimers()
	require.Equal(t, api.StatusRunning, h.get(exec.ID).Status, "not due yet")

	h.clk.Advance(time.Hour)
	h.pumpTimers()

	done := h.get(exec.ID)
	require.Equal(t, api.StatusCompleted, done.Status)
	require.JSONEq(t, `"woke"`, string(done.Result))
}

func TestEngine_WorkflowTimeout(t *testing.T) {
	h := newHarness(t, signalDef())
	exec := h.start("waiter", "bk-1", nil, 30*time.Minute)

	h.clk.Advance(30 * time.Minute)
	h.pumpTimers()

	done := h.get(exec.ID)
	require.Equal(t, api.StatusFailed, done.Status)
	require.Contains(t, done.Error, api.ErrorTypeTimeout)
}

// Cancelling a purely waiting execution finalizes it directly; the
// definition never reaches another decision point.
func TestEngine_CancelWaitingExecution(t *testing.T) {
	h := newHarness(t, sleeperDef(24*time.Hour))
	exec := h.start("sleeper", "bk-1", nil, 0)

	require.NoError(t, h.eng.CancelWorkflow(h.ctx, exec.ID, "operator request"))

	done := h.get(exec.ID)
	require.Equal(t, api.StatusCancelled, done.Status)
	require.Equal(t, "operator request", done.Error)

	// A repeated cancel of a terminal execution reports not running.
	require.ErrorIs(t, h.eng.CancelWorkflow(h.ctx, exec.ID, "again"), api.ErrNotRunning)
}

func TestEngine_ChildWorkflowCompletion(t *testing.T) {
	child := workflow.Definition{
		Name: "double",
		Handler: func(ctx *workflow.Context) (any, error) {
			var n int
			if err := ctx.Input(&n); err != nil {
				return nil, err
			}
			return n * 2, nil
		},
	}
	parent := workflow.Definition{
		Name: "parent",
		Handler: func(ctx *workflow.Context) (any, error) {
			var out int
			if err := ctx.ExecuteChild("double", "bk-child", 21).Get(&out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}

	h := newHarness(t, child, parent)
	exec := h.start("parent", "bk-parent", nil, 0)

	done := h.get(exec.ID)
	require.Equal(t, api.StatusCompleted, done.Status)
	require.JSONEq(t, `42`, string(done.Result))

	children, err := h.eng.ListExecutions(h.ctx, api.ExecutionFilter{ParentID: exec.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, api.StatusCompleted, children[0].Status)
}

func TestEngine_ChildClosePolicy(t *testing.T) {
	child := signalDef()
	mk := func(policy api.ParentClosePolicy) workflow.Definition {
		return workflow.Definition{
			Name: "fire-and-forget",
			Handler: func(ctx *workflow.Context) (any, error) {
				ctx.ExecuteChildWithOptions("waiter", "bk-child", nil, workflow.ChildOptions{
					ClosePolicy: policy,
				})
				return "left running", nil
			},
		}
	}

	t.Run("terminate", func(t *testing.T) {
		h := newHarness(t, child, mk(api.ParentCloseTerminate))
		exec := h.start("fire-and-forget", "bk-parent", nil, 0)
		require.Equal(t, api.StatusCompleted, h.get(exec.ID).Status)

		children, err := h.eng.ListExecutions(h.ctx, api.ExecutionFilter{ParentID: exec.ID})
		require.NoError(t, err)
		require.Len(t, children, 1)
		require.Equal(t, api.StatusCancelled, children[0].Status)
	})

	t.Run("abandon", func(t *testing.T) {
		h := newHarness(t, child, mk(api.ParentCloseAbandon))
		exec := h.start("fire-and-forget", "bk-parent", nil, 0)
		require.Equal(t, api.StatusCompleted, h.get(exec.ID).Status)

		children, err := h.eng.ListExecutions(h.ctx, api.ExecutionFilter{ParentID: exec.ID})
		require.NoError(t, err)
		require.Len(t, children, 1)
		require.Equal(t, api.StatusRunning, children[0].Status)
	})
}

// Starting a child whose (type, business key) is already running
// resolves the parent await with a conflict error instead of wedging.
func TestEngine_ChildBusinessKeyConflict(t *testing.T) {
	parent := workflow.Definition{
		Name: "parent",
		Handler: func(ctx *workflow.Context) (any, error) {
			if err := ctx.ExecuteChild("waiter", "bk-busy", nil).Get(nil); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}

	h := newHarness(t, signalDef(), parent)
	h.start("waiter", "bk-busy", nil, 0)

	exec := h.start("parent", "bk-parent", nil, 0)
	done := h.get(exec.ID)
	require.Equal(t, api.StatusFailed, done.Status)
	require.Contains(t, done.Error, "already_exists")
}

func TestEngine_ContinueAsNewChain(t *testing.T) {
	def := workflow.Definition{
		Name: "counter",
		Handler: func(ctx *workflow.Context) (any, error) {
			var n int
			if err := ctx.Input(&n); err != nil {
				return nil, err
			}
			if n < 2 {
				return nil, workflow.NewContinueAsNewError(n + 1)
			}
			return n, nil
		},
	}

	h := newHarness(t, def)
	first := h.start("counter", "bk-1", 0, 0)

	got := h.get(first.ID)
	require.Equal(t, api.StatusContinued, got.Status)
	require.NotEmpty(t, got.ContinuedTo)

	second := h.get(got.ContinuedTo)
	require.Equal(t, first.ID, second.ContinuedFrom)
	require.Equal(t, api.StatusContinued, second.Status)
	require.JSONEq(t, `1`, string(second.Input), "input carried to the successor")

	third := h.get(second.ContinuedTo)
	require.Equal(t, api.StatusCompleted, third.Status)
	require.JSONEq(t, `2`, string(third.Result))
	require.Equal(t, "bk-1", third.BusinessKey, "whole chain shares the business key")
}

// The parent's await survives a child that continues as new: the
// terminal successor resolves the original schedule.
func TestEngine_ChildContinueAsNewResolvesParent(t *testing.T) {
	child := workflow.Definition{
		Name: "rotating",
		Handler: func(ctx *workflow.Context) (any, error) {
			var n int
			if err := ctx.Input(&n); err != nil {
				return nil, err
			}
			if n == 0 {
				return nil, workflow.NewContinueAsNewError(1)
			}
			return "rotated", nil
		},
	}
	parent := workflow.Definition{
		Name: "parent",
		Handler: func(ctx *workflow.Context) (any, error) {
			var out string
			if err := ctx.ExecuteChild("rotating", "bk-child", 0).Get(&out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}

	h := newHarness(t, child, parent)
	exec := h.start("parent", "bk-parent", nil, 0)

	done := h.get(exec.ID)
	require.Equal(t, api.StatusCompleted, done.Status)
	require.JSONEq(t, `"rotated"`, string(done.Result))
}

// A worker whose lease expired cannot resolve the task after another
// worker claimed it.
func TestEngine_ExpiredLeaseLosesTask(t *testing.T) {
	h := newHarness(t, echoDef("order"))
	exec := h.start("order", "bk-1", nil, 0)

	task := h.mustClaim("w1")

	h.clk.Advance(DefaultLeaseTTL + time.Second)
	n, err := h.eng.SweepLeases(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	reclaimed := h.mustClaim("w2")
	require.Equal(t, task.ID, reclaimed.ID)
	require.Equal(t, 1, reclaimed.Attempt, "redelivery is not a retry")

	err = h.eng.CompleteTask(h.ctx, task.ID, "w1", nil)
	require.ErrorIs(t, err, api.ErrLeaseLost)

	require.NoError(t, h.eng.CompleteTask(h.ctx, reclaimed.ID, "w2", json.RawMessage(`"late"`)))
	require.Equal(t, api.StatusCompleted, h.get(exec.ID).Status)

	// The task is gone; the loser's retry of its resolution is an
	// ordinary not-found.
	err = h.eng.CompleteTask(h.ctx, task.ID, "w1", nil)
	require.ErrorIs(t, err, api.ErrTaskNotFound)
}

func TestEngine_HeartbeatExtendsLease(t *testing.T) {
	h := newHarness(t, echoDef("order"))
	h.start("order", "bk-1", nil, 0)

	task := h.mustClaim("w1")

	h.clk.Advance(20 * time.Second)
	require.NoError(t, h.eng.HeartbeatTask(h.ctx, task.ID, "w1", 0))

	// Past the original expiry, but within the extended lease.
	h.clk.Advance(20 * time.Second)
	n, err := h.eng.SweepLeases(h.ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Nil(t, h.claim("w2"))
}

func TestEngine_RegisterRejectsDuplicates(t *testing.T) {
	h := newHarness(t, echoDef("order"))
	require.Error(t, h.eng.Register(echoDef("order")))
}
