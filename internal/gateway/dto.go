package gateway

import (
	"encoding/json"
	"time"

	"github.com/loomhq/loom/pkg/api"
)

// StartExecutionRequest is the body of POST /api/v1/executions.
type StartExecutionRequest struct {
	WorkflowType string          `json:"workflow_type"`
	BusinessKey  string          `json:"business_key"`
	TaskQueue    string          `json:"task_queue,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	TimeoutMS    int64           `json:"timeout_ms,omitempty"`
}

// SignalRequest is the body of POST /api/v1/executions/{id}/signals.
type SignalRequest struct {
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	DedupeKey string          `json:"dedupe_key,omitempty"`
}

// CancelRequest is the body of POST /api/v1/executions/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ExecutionDTO is the wire shape of an execution.
type ExecutionDTO struct {
	ID            string          `json:"id"`
	WorkflowType  string          `json:"workflow_type"`
	BusinessKey   string          `json:"business_key"`
	TaskQueue     string          `json:"task_queue"`
	Status        api.Status      `json:"status"`
	Input         json.RawMessage `json:"input,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	ParentID      string          `json:"parent_id,omitempty"`
	ContinuedFrom string          `json:"continued_from,omitempty"`
	ContinuedTo   string          `json:"continued_to,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	ClosedAt      *time.Time      `json:"closed_at,omitempty"`
}

func toExecutionDTO(exec *api.Execution) ExecutionDTO {
	dto := ExecutionDTO{
		ID:            exec.ID,
		WorkflowType:  exec.WorkflowType,
		BusinessKey:   exec.BusinessKey,
		TaskQueue:     exec.TaskQueue,
		Status:        exec.Status,
		Input:         exec.Input,
		Result:        exec.Result,
		Error:         exec.Error,
		ParentID:      exec.ParentID,
		ContinuedFrom: exec.ContinuedFrom,
		ContinuedTo:   exec.ContinuedTo,
		StartedAt:     exec.StartedAt,
	}
	if !exec.ClosedAt.IsZero() {
		closed := exec.ClosedAt
		dto.ClosedAt = &closed
	}
	return dto
}

// HistoryEventDTO is the wire shape of one history event.
type HistoryEventDTO struct {
	SequenceNo int64           `json:"sequence_no"`
	Type       api.EventType   `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

func toHistoryDTO(events []api.HistoryEvent) []HistoryEventDTO {
	out := make([]HistoryEventDTO, len(events))
	for i, ev := range events {
		out[i] = HistoryEventDTO{
			SequenceNo: ev.SequenceNo,
			Type:       ev.Type,
			Timestamp:  ev.Timestamp,
			Attributes: ev.Attributes,
		}
	}
	return out
}

// ClaimRequest is the body of POST /api/v1/tasks/claim.
type ClaimRequest struct {
	TaskQueue  string `json:"task_queue"`
	WorkerID   string `json:"worker_id"`
	LeaseTTLMS int64  `json:"lease_ttl_ms,omitempty"`
}

// TaskDTO is the wire shape of a claimed activity task.
type TaskDTO struct {
	ID                    string          `json:"id"`
	ExecutionID           string          `json:"execution_id"`
	ScheduleID            int64           `json:"schedule_id"`
	ActivityName          string          `json:"activity_name"`
	Input                 json.RawMessage `json:"input,omitempty"`
	Attempt               int             `json:"attempt"`
	TaskQueue             string          `json:"task_queue"`
	RetryPolicy           api.RetryPolicy `json:"retry_policy"`
	StartToCloseTimeoutMS int64           `json:"start_to_close_timeout_ms,omitempty"`
	LeaseExpiry           time.Time       `json:"lease_expiry"`
	EnqueuedAt            time.Time       `json:"enqueued_at"`
}

func toTaskDTO(task *api.ActivityTask) TaskDTO {
	return TaskDTO{
		ID:                    task.ID,
		ExecutionID:           task.ExecutionID,
		ScheduleID:            task.ScheduleID,
		ActivityName:          task.ActivityName,
		Input:                 task.Input,
		Attempt:               task.Attempt,
		TaskQueue:             task.TaskQueue,
		RetryPolicy:           task.RetryPolicy,
		StartToCloseTimeoutMS: task.StartToCloseTimeout.Milliseconds(),
		LeaseExpiry:           task.LeaseExpiry,
		EnqueuedAt:            task.EnqueuedAt,
	}
}

// HeartbeatRequest is the body of POST /api/v1/tasks/{id}/heartbeat.
type HeartbeatRequest struct {
	WorkerID   string `json:"worker_id"`
	LeaseTTLMS int64  `json:"lease_ttl_ms,omitempty"`
}

// CompleteTaskRequest is the body of POST /api/v1/tasks/{id}/complete.
type CompleteTaskRequest struct {
	WorkerID string          `json:"worker_id"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// FailTaskRequest is the body of POST /api/v1/tasks/{id}/fail.
type FailTaskRequest struct {
	WorkerID     string `json:"worker_id"`
	ErrorType    string `json:"error_type"`
	Message      string `json:"message"`
	NonRetryable bool   `json:"non_retryable,omitempty"`
}
