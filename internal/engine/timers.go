package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/api"
)

// HandleTimer consumes one due timer. Timers are at-least-once: a
// crash between firing and deletion redelivers the timer, and the
// history checks below make the second delivery a no-op.
func (e *Engine) HandleTimer(ctx context.Context, t *api.Timer) error {
	var (
		progressed bool
		err        error
	)
	switch t.Kind {
	case api.TimerKindWorkflow:
		progressed, err = e.fireWorkflowTimer(ctx, t)
	case api.TimerKindRetry:
		err = e.fireRetryTimer(ctx, t)
	case api.TimerKindWorkflowTimeout:
		err = e.fireWorkflowTimeout(ctx, t)
	default:
		err = fmt.Errorf("unknown timer kind %q", t.Kind)
	}
	if err != nil {
		return err
	}

	e.observer.OnTimerFired(ctx, t)
	if progressed {
		e.dispatch(ctx, t.ExecutionID)
	}
	return nil
}

// fireWorkflowTimer appends TimerFired for a definition-started timer.
func (e *Engine) fireWorkflowTimer(ctx context.Context, t *api.Timer) (bool, error) {
	unlock := e.locks.lock(t.ExecutionID)
	defer unlock()

	exec, err := e.store.Executions.GetExecution(ctx, t.ExecutionID)
	if err != nil {
		return false, err
	}
	if exec.Status.Terminal() {
		return false, e.store.Timers.DeleteTimer(ctx, t.ID)
	}

	history, err := e.store.History.ListEvents(ctx, t.ExecutionID)
	if err != nil {
		return false, err
	}
	if scheduleResolved(history, t.TimerID, api.EventTimerFired) {
		return false, e.store.Timers.DeleteTimer(ctx, t.ID)
	}

	ev, err := api.NewEvent(api.EventTimerFired, e.clock.Now(), api.TimerFiredAttrs{TimerID: t.TimerID})
	if err != nil {
		return false, err
	}
	if err := e.appendNext(ctx, t.ExecutionID, history, ev); err != nil {
		return false, err
	}
	return true, e.store.Timers.DeleteTimer(ctx, t.ID)
}

// fireRetryTimer re-schedules the activity behind an exhausted backoff
// delay: a fresh ActivityScheduled event with the same schedule id and
// an incremented attempt, plus a new queue task.
func (e *Engine) fireRetryTimer(ctx context.Context, t *api.Timer) error {
	unlock := e.locks.lock(t.ExecutionID)
	defer unlock()

	exec, err := e.store.Executions.GetExecution(ctx, t.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return e.store.Timers.DeleteTimer(ctx, t.ID)
	}

	history, err := e.store.History.ListEvents(ctx, t.ExecutionID)
	if err != nil {
		return err
	}
	if scheduleResolved(history, t.ScheduleID, api.EventActivityCompleted, api.EventActivityFailed) {
		return e.store.Timers.DeleteTimer(ctx, t.ID)
	}

	prev, ok := lastScheduledAttempt(history, t.ScheduleID)
	if !ok {
		return fmt.Errorf("retry timer %s: no scheduled event for schedule %d", t.ID, t.ScheduleID)
	}

	attempt := prev.Attempt + 1
	now := e.clock.Now()

	ev, err := api.NewEvent(api.EventActivityScheduled, now, api.ActivityScheduledAttrs{
		ScheduleID:          prev.ScheduleID,
		ActivityName:        prev.ActivityName,
		Input:               prev.Input,
		Attempt:             attempt,
		TaskQueue:           prev.TaskQueue,
		RetryPolicy:         prev.RetryPolicy,
		StartToCloseTimeout: prev.StartToCloseTimeout,
	})
	if err != nil {
		return err
	}
	if err := e.appendNext(ctx, t.ExecutionID, history, ev); err != nil {
		return err
	}

	task := &api.ActivityTask{
		ID:                  uuid.NewString(),
		ExecutionID:         t.ExecutionID,
		ScheduleID:          prev.ScheduleID,
		ActivityName:        prev.ActivityName,
		Input:               prev.Input,
		Attempt:             attempt,
		TaskQueue:           prev.TaskQueue,
		RetryPolicy:         prev.RetryPolicy,
		StartToCloseTimeout: prev.StartToCloseTimeout,
		EnqueuedAt:          now,
	}
	if err := e.store.Tasks.CreateTask(ctx, task); err != nil {
		return err
	}
	return e.store.Timers.DeleteTimer(ctx, t.ID)
}

// fireWorkflowTimeout fails an execution that outlived its bound.
func (e *Engine) fireWorkflowTimeout(ctx context.Context, t *api.Timer) error {
	followUps, err := func() ([]func(), error) {
		unlock := e.locks.lock(t.ExecutionID)
		defer unlock()

		exec, err := e.store.Executions.GetExecution(ctx, t.ExecutionID)
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			return nil, e.store.Timers.DeleteTimer(ctx, t.ID)
		}

		history, err := e.store.History.ListEvents(ctx, t.ExecutionID)
		if err != nil {
			return nil, err
		}

		p := &pass{e: e, ctx: ctx, exec: exec, history: history, now: e.clock.Now()}
		if n := len(history); n > 0 {
			p.nextSeq = history[n-1].SequenceNo
		}
		if err := p.fail(api.ErrorTypeTimeout, "workflow execution timed out"); err != nil {
			return nil, err
		}
		return p.followUps, nil
	}()
	if err != nil {
		return err
	}
	for _, f := range followUps {
		f()
	}
	return nil
}

// lastScheduledAttempt returns the attributes of the most recent
// ActivityScheduled event for scheduleID.
func lastScheduledAttempt(history []api.HistoryEvent, scheduleID int64) (api.ActivityScheduledAttrs, bool) {
	var (
		out   api.ActivityScheduledAttrs
		found bool
	)
	for _, ev := range history {
		if ev.Type != api.EventActivityScheduled {
			continue
		}
		attrs, err := api.DecodeAttrs[api.ActivityScheduledAttrs](ev)
		if err == nil && attrs.ScheduleID == scheduleID {
			out = attrs
			found = true
		}
	}
	return out, found
}
