package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/api"
)

// DefaultLeaseTTL is the task lease duration applied when a claim names
// none.
const DefaultLeaseTTL = 30 * time.Second

// ClaimTask leases the oldest available task on taskQueue to workerID.
// It returns (nil, nil) when the queue is empty.
func (e *Engine) ClaimTask(ctx context.Context, taskQueue, workerID string, leaseTTL time.Duration) (*api.ActivityTask, error) {
	if taskQueue == "" {
		return nil, errors.New("task queue is required")
	}
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return e.store.Tasks.ClaimTask(ctx, taskQueue, workerID, leaseTTL, e.clock.Now())
}

// HeartbeatTask extends workerID's lease on a claimed task. A worker
// that receives api.ErrLeaseLost must abandon the task; another worker
// may already be running it.
func (e *Engine) HeartbeatTask(ctx context.Context, taskID, workerID string, leaseTTL time.Duration) error {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return e.store.Tasks.HeartbeatTask(ctx, taskID, workerID, leaseTTL, e.clock.Now())
}

// CompleteTask records a successful activity result and lets the owning
// execution make progress. Completion after the schedule has already
// resolved (a late duplicate from an expired lease) is dropped without
// error; the first resolution wins.
func (e *Engine) CompleteTask(ctx context.Context, taskID, workerID string, result json.RawMessage) error {
	task, err := e.ownedTask(ctx, taskID, workerID)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	appended, err := e.resolveSchedule(ctx, task, func(p *pass) error {
		return p.append(api.EventActivityCompleted, api.ActivityCompletedAttrs{
			ScheduleID: task.ScheduleID,
			Result:     result,
		})
	})
	if err != nil {
		return err
	}

	e.observer.OnActivityResolved(ctx, task, nil, now.Sub(task.EnqueuedAt))
	if appended {
		e.dispatch(ctx, task.ExecutionID)
	}
	return nil
}

// FailTask records an activity failure. Retryable failures arm a retry
// timer with the policy's backoff and leave no trace in history; the
// terminal attempt appends ActivityFailed and resolves the workflow's
// await with the error.
func (e *Engine) FailTask(ctx context.Context, taskID, workerID, errType, message string, nonRetryable bool) error {
	task, err := e.ownedTask(ctx, taskID, workerID)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	actErr := &api.ActivityError{Type: errType, Message: message, NonRetryable: nonRetryable}
	retry := !nonRetryable && task.RetryPolicy.ShouldRetry(task.Attempt, errType)

	var terminal bool
	_, err = e.resolveSchedule(ctx, task, func(p *pass) error {
		if retry {
			return e.store.Timers.CreateTimer(ctx, &api.Timer{
				ID:          uuid.NewString(),
				ExecutionID: task.ExecutionID,
				Kind:        api.TimerKindRetry,
				FireAt:      now.Add(task.RetryPolicy.BackoffFor(task.Attempt)),
				ScheduleID:  task.ScheduleID,
				CreatedAt:   now,
			})
		}
		terminal = true
		return p.append(api.EventActivityFailed, api.ActivityFailedAttrs{
			ScheduleID: task.ScheduleID,
			ErrorType:  errType,
			Message:    message,
			Attempts:   task.Attempt,
		})
	})
	if err != nil {
		return err
	}

	e.observer.OnActivityResolved(ctx, task, actErr, now.Sub(task.EnqueuedAt))
	if terminal {
		e.dispatch(ctx, task.ExecutionID)
	}
	return nil
}

// SweepLeases returns expired-lease tasks to their queues. Called
// periodically by the timer service.
func (e *Engine) SweepLeases(ctx context.Context) (int, error) {
	return e.store.Tasks.ExpireLeases(ctx, e.clock.Now())
}

// ownedTask loads taskID and verifies workerID still holds its lease.
func (e *Engine) ownedTask(ctx context.Context, taskID, workerID string) (*api.ActivityTask, error) {
	task, err := e.store.Tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.LeaseOwner != workerID {
		return nil, fmt.Errorf("%w: task %s owned by %q", api.ErrLeaseLost, taskID, task.LeaseOwner)
	}
	return task, nil
}

// resolveSchedule runs record under the execution lock, unless the
// execution is already terminal or the schedule already resolved, in
// which case the task is simply deleted. The returned bool reports
// whether record ran.
func (e *Engine) resolveSchedule(ctx context.Context, task *api.ActivityTask, record func(p *pass) error) (bool, error) {
	unlock := e.locks.lock(task.ExecutionID)
	defer unlock()

	exec, err := e.store.Executions.GetExecution(ctx, task.ExecutionID)
	if err != nil {
		return false, err
	}
	if exec.Status.Terminal() {
		return false, e.store.Tasks.DeleteTask(ctx, task.ID)
	}

	history, err := e.store.History.ListEvents(ctx, task.ExecutionID)
	if err != nil {
		return false, err
	}
	if scheduleResolved(history, task.ScheduleID, api.EventActivityCompleted, api.EventActivityFailed) {
		return false, e.store.Tasks.DeleteTask(ctx, task.ID)
	}

	p := &pass{e: e, ctx: ctx, exec: exec, history: history, now: e.clock.Now()}
	if n := len(history); n > 0 {
		p.nextSeq = history[n-1].SequenceNo
	}
	if err := record(p); err != nil {
		return false, err
	}
	return true, e.store.Tasks.DeleteTask(ctx, task.ID)
}
