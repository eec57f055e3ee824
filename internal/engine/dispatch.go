package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/api"
	"github.com/loomhq/loom/pkg/workflow"
)

// dispatch runs one decision pass for executionID and then any
// follow-up work touching other executions (starting children,
// resolving parents, cancelling children on close). Follow-ups run
// after the execution lock is released so that parent and child passes
// never hold two locks at once.
func (e *Engine) dispatch(ctx context.Context, executionID string) {
	followUps, err := e.runPass(ctx, executionID)
	if err != nil {
		e.logger.ErrorContext(ctx, "decision_pass_failed",
			slog.String("execution_id", executionID),
			slog.Any("error", err),
		)
		return
	}
	for _, f := range followUps {
		f()
	}
}

// pass is the mutable state of one decision pass, held under the
// execution lock.
type pass struct {
	e    *Engine
	ctx  context.Context
	exec *api.Execution

	history []api.HistoryEvent
	nextSeq int64
	now     time.Time

	followUps []func()
}

func (e *Engine) runPass(ctx context.Context, executionID string) ([]func(), error) {
	unlock := e.locks.lock(executionID)
	defer unlock()

	exec, err := e.store.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, nil
	}

	history, err := e.store.History.ListEvents(ctx, executionID)
	if err != nil {
		return nil, err
	}

	p := &pass{
		e:       e,
		ctx:     ctx,
		exec:    exec,
		history: history,
		nextSeq: int64(0),
		now:     e.clock.Now(),
	}
	if n := len(history); n > 0 {
		p.nextSeq = history[n-1].SequenceNo
	}

	def, ok := e.registry.Get(exec.WorkflowType)
	if !ok {
		if err := p.fail(api.ErrWorkflowNotRegistered.Error(), fmt.Sprintf("no definition for workflow type %q", exec.WorkflowType)); err != nil {
			return nil, err
		}
		return p.followUps, nil
	}

	res, err := workflow.Execute(def, history)
	if err != nil {
		// A broken pass (corrupt history, nondeterministic definition)
		// fails the execution rather than wedging it forever.
		if ferr := p.fail("nondeterminism", err.Error()); ferr != nil {
			return nil, ferr
		}
		return p.followUps, nil
	}

	e.queriesMu.Lock()
	e.queries[executionID] = res.QueryHandlers
	e.queriesMu.Unlock()

	for _, cmd := range res.Commands {
		if err := p.apply(cmd); err != nil {
			return nil, err
		}
		if p.exec.Status.Terminal() {
			break
		}
	}

	// A pass that is purely waiting after a cancellation request will
	// never observe the request on its own; finalize it here.
	if res.Blocked && res.CancelRequested && len(res.Commands) == 0 && !p.exec.Status.Terminal() {
		if err := p.cancel(cancelReason(history)); err != nil {
			return nil, err
		}
	}

	return p.followUps, nil
}

func cancelReason(history []api.HistoryEvent) string {
	for _, ev := range history {
		if ev.Type != api.EventCancelRequested {
			continue
		}
		attrs, err := api.DecodeAttrs[api.CancelRequestedAttrs](ev)
		if err == nil {
			return attrs.Reason
		}
	}
	return ""
}

// append writes ev to the log with the next sequence number.
func (p *pass) append(t api.EventType, attrs any) error {
	ev, err := api.NewEvent(t, p.now, attrs)
	if err != nil {
		return err
	}
	ev.ExecutionID = p.exec.ID
	ev.SequenceNo = p.nextSeq + 1
	if err := p.e.store.History.AppendEvents(p.ctx, []api.HistoryEvent{ev}); err != nil {
		return err
	}
	p.nextSeq++
	return nil
}

func (p *pass) apply(cmd workflow.Command) error {
	switch c := cmd.(type) {
	case workflow.ScheduleActivityCommand:
		return p.scheduleActivity(c)
	case workflow.StartTimerCommand:
		return p.startTimer(c)
	case workflow.StartChildWorkflowCommand:
		return p.startChild(c)
	case workflow.CompleteWorkflowCommand:
		return p.complete(c.Result)
	case workflow.FailWorkflowCommand:
		return p.fail(c.ErrorType, c.Message)
	case workflow.CancelWorkflowCommand:
		return p.cancel(c.Reason)
	case workflow.ContinueAsNewCommand:
		return p.continueAsNew(c.Input)
	default:
		return fmt.Errorf("unknown command type %T", cmd)
	}
}

func (p *pass) scheduleActivity(c workflow.ScheduleActivityCommand) error {
	err := p.append(api.EventActivityScheduled, api.ActivityScheduledAttrs{
		ScheduleID:          c.ScheduleID,
		ActivityName:        c.ActivityName,
		Input:               c.Input,
		Attempt:             1,
		TaskQueue:           c.TaskQueue,
		RetryPolicy:         c.RetryPolicy,
		StartToCloseTimeout: c.StartToCloseTimeout,
	})
	if err != nil {
		return err
	}
	return p.e.store.Tasks.CreateTask(p.ctx, &api.ActivityTask{
		ID:                  uuid.NewString(),
		ExecutionID:         p.exec.ID,
		ScheduleID:          c.ScheduleID,
		ActivityName:        c.ActivityName,
		Input:               c.Input,
		Attempt:             1,
		TaskQueue:           c.TaskQueue,
		RetryPolicy:         c.RetryPolicy,
		StartToCloseTimeout: c.StartToCloseTimeout,
		EnqueuedAt:          p.now,
	})
}

func (p *pass) startTimer(c workflow.StartTimerCommand) error {
	err := p.append(api.EventTimerStarted, api.TimerStartedAttrs{
		TimerID: c.TimerID,
		FireAt:  c.FireAt,
	})
	if err != nil {
		return err
	}
	return p.e.store.Timers.CreateTimer(p.ctx, &api.Timer{
		ID:          uuid.NewString(),
		ExecutionID: p.exec.ID,
		Kind:        api.TimerKindWorkflow,
		FireAt:      c.FireAt,
		TimerID:     c.TimerID,
		CreatedAt:   p.now,
	})
}

func (p *pass) startChild(c workflow.StartChildWorkflowCommand) error {
	e := p.e

	def, ok := e.registry.Get(c.WorkflowType)
	if !ok {
		return p.append(api.EventChildWorkflowCompleted, api.ChildWorkflowCompletedAttrs{
			ScheduleID: c.ScheduleID,
			ErrorType:  api.ErrWorkflowNotRegistered.Error(),
			Message:    fmt.Sprintf("no definition for workflow type %q", c.WorkflowType),
		})
	}

	child := &api.Execution{
		ID:           uuid.NewString(),
		WorkflowType: c.WorkflowType,
		BusinessKey:  c.BusinessKey,
		TaskQueue:    p.exec.TaskQueue,
		Status:       api.StatusRunning,
		Input:        c.Input,
		ParentID:     p.exec.ID,
		ClosePolicy:  c.ClosePolicy,
		StartedAt:    p.now,
	}

	if err := e.initExecution(p.ctx, child, def.Timeout, ""); err != nil {
		if errors.Is(err, api.ErrAlreadyExists) {
			// The business key is busy; resolve the child await with the
			// conflict instead of wedging the parent.
			return p.append(api.EventChildWorkflowCompleted, api.ChildWorkflowCompletedAttrs{
				ScheduleID: c.ScheduleID,
				ErrorType:  "already_exists",
				Message:    err.Error(),
			})
		}
		return err
	}

	err := p.append(api.EventChildWorkflowStarted, api.ChildWorkflowStartedAttrs{
		ScheduleID:   c.ScheduleID,
		ChildID:      child.ID,
		WorkflowType: c.WorkflowType,
		BusinessKey:  c.BusinessKey,
		Input:        c.Input,
	})
	if err != nil {
		return err
	}

	ctx := p.ctx
	p.followUps = append(p.followUps, func() {
		e.observer.OnExecutionStarted(ctx, child)
		e.dispatch(ctx, child.ID)
	})
	return nil
}

func (p *pass) complete(result json.RawMessage) error {
	if err := p.append(api.EventWorkflowCompleted, api.WorkflowCompletedAttrs{Result: result}); err != nil {
		return err
	}
	p.exec.Status = api.StatusCompleted
	p.exec.Result = result
	return p.close(func(ctx context.Context) {
		p.e.observer.OnExecutionCompleted(ctx, p.exec)
	})
}

func (p *pass) fail(errType, message string) error {
	if err := p.append(api.EventWorkflowFailed, api.WorkflowFailedAttrs{ErrorType: errType, Message: message}); err != nil {
		return err
	}
	p.exec.Status = api.StatusFailed
	p.exec.Error = (&api.WorkflowError{Type: errType, Message: message}).Error()
	werr := &api.WorkflowError{Type: errType, Message: message}
	return p.close(func(ctx context.Context) {
		p.e.observer.OnExecutionFailed(ctx, p.exec, werr)
	})
}

func (p *pass) cancel(reason string) error {
	if err := p.append(api.EventWorkflowCancelled, api.WorkflowCancelledAttrs{Reason: reason}); err != nil {
		return err
	}
	p.exec.Status = api.StatusCancelled
	p.exec.Error = reason
	return p.close(func(ctx context.Context) {
		p.e.observer.OnExecutionCancelled(ctx, p.exec)
	})
}

func (p *pass) continueAsNew(input json.RawMessage) error {
	e := p.e

	successor := &api.Execution{
		ID:            uuid.NewString(),
		WorkflowType:  p.exec.WorkflowType,
		BusinessKey:   p.exec.BusinessKey,
		TaskQueue:     p.exec.TaskQueue,
		Status:        api.StatusRunning,
		Input:         input,
		ParentID:      p.exec.ParentID,
		ClosePolicy:   p.exec.ClosePolicy,
		ContinuedFrom: p.exec.ID,
		StartedAt:     p.now,
	}

	err := p.append(api.EventWorkflowContinuedAsNew, api.WorkflowContinuedAsNewAttrs{
		NewExecutionID: successor.ID,
		Input:          input,
	})
	if err != nil {
		return err
	}

	// The predecessor leaves RUNNING before the successor is created so
	// the (type, business key) uniqueness check sees only one runner.
	p.exec.Status = api.StatusContinued
	p.exec.ContinuedTo = successor.ID
	p.exec.ClosedAt = p.now
	if err := e.store.Executions.UpdateExecution(p.ctx, p.exec); err != nil {
		return err
	}
	if err := e.store.Timers.DeleteExecutionTimers(p.ctx, p.exec.ID); err != nil {
		return err
	}

	var timeout time.Duration
	if def, ok := e.registry.Get(p.exec.WorkflowType); ok {
		timeout = def.Timeout
	}
	if err := e.initExecution(p.ctx, successor, timeout, p.exec.ID); err != nil {
		return err
	}

	ctx := p.ctx
	p.followUps = append(p.followUps, func() {
		e.observer.OnExecutionContinued(ctx, p.exec, successor.ID)
		e.dispatch(ctx, successor.ID)
	})
	return nil
}

// close finishes a terminal transition: persists the execution, clears
// its timers, notifies the observer and queues parent notification and
// child close-policy enforcement as follow-ups.
func (p *pass) close(notify func(context.Context)) error {
	e := p.e
	ctx := p.ctx

	p.exec.ClosedAt = p.now
	if err := e.store.Executions.UpdateExecution(ctx, p.exec); err != nil {
		return err
	}
	if err := e.store.Timers.DeleteExecutionTimers(ctx, p.exec.ID); err != nil {
		return err
	}

	exec := p.exec
	p.followUps = append(p.followUps, func() {
		notify(ctx)

		if exec.ParentID != "" {
			e.resolveChildInParent(ctx, exec)
		}
		e.closeChildren(ctx, exec.ID)
	})
	return nil
}

// resolveChildInParent records a closed child's outcome in its parent's
// history and lets the parent make progress.
func (e *Engine) resolveChildInParent(ctx context.Context, child *api.Execution) {
	parentID := child.ParentID

	// The await in the parent is correlated by the original child id;
	// follow the continue-as-new chain back to cover successors.
	childIDs := map[string]bool{child.ID: true}
	for from := child.ContinuedFrom; from != ""; {
		childIDs[from] = true
		prev, err := e.store.Executions.GetExecution(ctx, from)
		if err != nil {
			break
		}
		from = prev.ContinuedFrom
	}

	attrs := api.ChildWorkflowCompletedAttrs{ChildID: child.ID}
	switch child.Status {
	case api.StatusCompleted:
		attrs.Result = child.Result
	case api.StatusFailed:
		attrs.ErrorType = "child_failed"
		attrs.Message = child.Error
	case api.StatusCancelled:
		attrs.ErrorType = "child_cancelled"
		attrs.Message = child.Error
	default:
		return
	}

	unlock := e.locks.lock(parentID)
	err := func() error {
		defer unlock()

		parent, err := e.store.Executions.GetExecution(ctx, parentID)
		if err != nil {
			return err
		}
		if parent.Status.Terminal() {
			return nil
		}
		history, err := e.store.History.ListEvents(ctx, parentID)
		if err != nil {
			return err
		}

		scheduleID, ok := findChildSchedule(history, childIDs)
		if !ok || scheduleResolved(history, scheduleID, api.EventChildWorkflowCompleted) {
			return nil
		}
		attrs.ScheduleID = scheduleID

		ev, err := api.NewEvent(api.EventChildWorkflowCompleted, e.clock.Now(), attrs)
		if err != nil {
			return err
		}
		return e.appendNext(ctx, parentID, history, ev)
	}()
	if err != nil {
		e.logger.ErrorContext(ctx, "resolve_child_failed",
			slog.String("parent_id", parentID),
			slog.String("child_id", child.ID),
			slog.Any("error", err),
		)
		return
	}

	e.dispatch(ctx, parentID)
}

// closeChildren enforces the close policy on a finished execution's
// running children.
func (e *Engine) closeChildren(ctx context.Context, parentID string) {
	children, err := e.store.Executions.ListExecutions(ctx, api.ExecutionFilter{
		ParentID: parentID,
		Status:   api.StatusRunning,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "list_children_failed",
			slog.String("parent_id", parentID),
			slog.Any("error", err),
		)
		return
	}
	for _, child := range children {
		if child.ClosePolicy != api.ParentCloseTerminate {
			continue
		}
		if err := e.CancelWorkflow(ctx, child.ID, "parent execution closed"); err != nil && !errors.Is(err, api.ErrNotRunning) {
			e.logger.WarnContext(ctx, "cancel_child_failed",
				slog.String("child_id", child.ID),
				slog.Any("error", err),
			)
		}
	}
}

// findChildSchedule locates the parent-side schedule id for any of the
// given child execution ids.
func findChildSchedule(history []api.HistoryEvent, childIDs map[string]bool) (int64, bool) {
	for _, ev := range history {
		if ev.Type != api.EventChildWorkflowStarted {
			continue
		}
		attrs, err := api.DecodeAttrs[api.ChildWorkflowStartedAttrs](ev)
		if err == nil && childIDs[attrs.ChildID] {
			return attrs.ScheduleID, true
		}
	}
	return 0, false
}

// scheduleResolved reports whether history already holds a resolving
// event of type t for scheduleID.
func scheduleResolved(history []api.HistoryEvent, scheduleID int64, types ...api.EventType) bool {
	match := func(t api.EventType) bool {
		for _, want := range types {
			if t == want {
				return true
			}
		}
		return false
	}
	for _, ev := range history {
		if !match(ev.Type) {
			continue
		}
		switch ev.Type {
		case api.EventActivityCompleted:
			attrs, err := api.DecodeAttrs[api.ActivityCompletedAttrs](ev)
			if err == nil && attrs.ScheduleID == scheduleID {
				return true
			}
		case api.EventActivityFailed:
			attrs, err := api.DecodeAttrs[api.ActivityFailedAttrs](ev)
			if err == nil && attrs.ScheduleID == scheduleID {
				return true
			}
		case api.EventChildWorkflowCompleted:
			attrs, err := api.DecodeAttrs[api.ChildWorkflowCompletedAttrs](ev)
			if err == nil && attrs.ScheduleID == scheduleID {
				return true
			}
		case api.EventTimerFired:
			attrs, err := api.DecodeAttrs[api.TimerFiredAttrs](ev)
			if err == nil && attrs.TimerID == scheduleID {
				return true
			}
		}
	}
	return false
}
