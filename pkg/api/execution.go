package api

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a workflow execution.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusContinued Status = "CONTINUED"
)

// Terminal reports whether the status is a terminal one. CONTINUED is
// terminal for the execution itself; the successor carries on under a
// new execution id.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusContinued:
		return true
	}
	return false
}

// ParentClosePolicy controls what happens to a child execution when its
// parent reaches a terminal state.
type ParentClosePolicy string

const (
	// ParentCloseAbandon leaves the child running after the parent closes.
	ParentCloseAbandon ParentClosePolicy = "ABANDON"

	// ParentCloseTerminate requests cancellation of the child when the
	// parent closes.
	ParentCloseTerminate ParentClosePolicy = "TERMINATE"
)

// Execution is one durable run of a workflow definition. It owns its
// event log; the log is archived, not deleted, when the execution
// reaches a terminal status.
type Execution struct {
	ID           string
	WorkflowType string

	// BusinessKey identifies the business entity this execution works
	// on. At most one execution per (WorkflowType, BusinessKey) pair
	// may be RUNNING at a time.
	BusinessKey string

	TaskQueue string
	Status    Status

	Input  json.RawMessage
	Result json.RawMessage

	// Error holds the final error message for FAILED executions.
	Error string

	// ParentID is set for child executions.
	ParentID    string
	ClosePolicy ParentClosePolicy

	// ContinuedFrom / ContinuedTo link the continue-as-new chain.
	ContinuedFrom string
	ContinuedTo   string

	StartedAt time.Time
	ClosedAt  time.Time
}

// ExecutionFilter selects executions from a store. Zero values mean
// "no filter" for that field.
type ExecutionFilter struct {
	WorkflowType string
	BusinessKey  string
	Status       Status
	ParentID     string
}

// StartOptions describes a request to start a new workflow execution.
type StartOptions struct {
	WorkflowType string
	BusinessKey  string
	TaskQueue    string
	Input        json.RawMessage

	// Timeout, when positive, bounds the whole execution. A fired
	// timeout fails the execution; it does not crash it.
	Timeout time.Duration
}

// ActivityTask is a scheduled unit of external work. It is claimed by
// exactly one worker at a time via a lease; a lease that expires
// without a heartbeat returns the task to the queue for redelivery.
type ActivityTask struct {
	ID          string
	ExecutionID string

	// ScheduleID correlates the task with the ActivityScheduled event
	// that produced it.
	ScheduleID int64

	ActivityName string
	Input        json.RawMessage

	// Attempt is 1 for the first delivery under the retry policy.
	// Lease-expiry redelivery does not increment it.
	Attempt int

	TaskQueue           string
	RetryPolicy         RetryPolicy
	StartToCloseTimeout time.Duration

	LeaseOwner  string
	LeaseExpiry time.Time
	EnqueuedAt  time.Time
}

// TimerKind distinguishes the engine's durable deadlines.
type TimerKind string

const (
	// TimerKindWorkflow backs a timer started by a workflow definition
	// and recorded in history.
	TimerKindWorkflow TimerKind = "workflow"

	// TimerKindRetry delays the next attempt of a failed activity.
	TimerKindRetry TimerKind = "retry"

	// TimerKindWorkflowTimeout enforces the execution-level timeout.
	TimerKindWorkflowTimeout TimerKind = "workflow_timeout"
)

// Timer is a durable deadline owned by one execution. Timers are
// re-armed from their persisted FireAt on recovery, never recomputed
// from elapsed wall-clock deltas; an overdue timer fires immediately.
type Timer struct {
	ID          string
	ExecutionID string
	Kind        TimerKind
	FireAt      time.Time

	// TimerID correlates workflow timers with their TimerStarted event.
	TimerID int64

	// ScheduleID correlates retry timers with the activity schedule
	// they re-arm.
	ScheduleID int64

	CreatedAt time.Time
}
