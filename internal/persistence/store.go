// Package persistence defines the storage contracts of the engine and
// provides in-memory, SQLite and Postgres implementations.
//
// Four tables back an engine: executions (metadata keyed by id),
// history_events (append-only, keyed by execution id + sequence),
// activity_tasks (lease-owner and lease-expiry columns) and timers
// (persisted fire-at values).
package persistence

import (
	"context"
	"time"

	"github.com/loomhq/loom/pkg/api"
)

// ExecutionStore handles execution metadata.
type ExecutionStore interface {
	// CreateExecution inserts a new execution. It returns
	// api.ErrAlreadyExists when another execution with the same
	// (WorkflowType, BusinessKey) pair is RUNNING.
	CreateExecution(ctx context.Context, exec *api.Execution) error

	UpdateExecution(ctx context.Context, exec *api.Execution) error
	GetExecution(ctx context.Context, id string) (*api.Execution, error)
	ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error)
}

// HistoryStore is the append-only event log. Events within one
// execution are strictly ordered by sequence number; the store rejects
// a reused (execution, sequence) pair with api.ErrDuplicateEvent so
// that retried appends stay idempotent.
type HistoryStore interface {
	AppendEvents(ctx context.Context, events []api.HistoryEvent) error
	ListEvents(ctx context.Context, executionID string) ([]api.HistoryEvent, error)
}

// TaskStore handles activity tasks and their leases. A task is
// claimable when it has no owner or its lease has expired; ClaimTask
// must hand any claimable task to at most one caller.
type TaskStore interface {
	CreateTask(ctx context.Context, task *api.ActivityTask) error

	// ClaimTask leases the oldest claimable task on the queue to
	// workerID until now+leaseTTL. It returns (nil, nil) when no task
	// is available.
	ClaimTask(ctx context.Context, taskQueue, workerID string, leaseTTL time.Duration, now time.Time) (*api.ActivityTask, error)

	// HeartbeatTask extends the lease. It returns api.ErrLeaseLost when
	// workerID no longer owns the task and api.ErrTaskNotFound when the
	// task is gone.
	HeartbeatTask(ctx context.Context, taskID, workerID string, leaseTTL time.Duration, now time.Time) error

	GetTask(ctx context.Context, taskID string) (*api.ActivityTask, error)
	DeleteTask(ctx context.Context, taskID string) error

	// ExpireLeases clears leases whose expiry has passed, returning the
	// tasks to the queue for redelivery. It returns the number of
	// leases cleared.
	ExpireLeases(ctx context.Context, now time.Time) (int, error)
}

// TimerStore handles durable deadlines.
type TimerStore interface {
	CreateTimer(ctx context.Context, t *api.Timer) error

	// DueTimers returns up to limit timers with FireAt <= now, soonest
	// first.
	DueTimers(ctx context.Context, now time.Time, limit int) ([]*api.Timer, error)

	DeleteTimer(ctx context.Context, id string) error

	// DeleteExecutionTimers removes all timers owned by an execution;
	// used when the execution reaches a terminal state.
	DeleteExecutionTimers(ctx context.Context, executionID string) error
}

// Store bundles the four stores an engine needs. Implementations in
// this package satisfy all four with a single struct.
type Store struct {
	Executions ExecutionStore
	History    HistoryStore
	Tasks      TaskStore
	Timers     TimerStore
}
