package api

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a workflow history event.
type EventType string

const (
	EventWorkflowStarted        EventType = "workflow.started"
	EventWorkflowCompleted      EventType = "workflow.completed"
	EventWorkflowFailed         EventType = "workflow.failed"
	EventWorkflowCancelled      EventType = "workflow.cancelled"
	EventWorkflowContinuedAsNew EventType = "workflow.continued_as_new"
	EventCancelRequested        EventType = "workflow.cancel_requested"

	EventActivityScheduled EventType = "activity.scheduled"
	EventActivityCompleted EventType = "activity.completed"
	EventActivityFailed    EventType = "activity.failed"

	EventTimerStarted EventType = "timer.started"
	EventTimerFired   EventType = "timer.fired"

	EventSignalReceived EventType = "signal.received"

	EventChildWorkflowStarted   EventType = "child.started"
	EventChildWorkflowCompleted EventType = "child.completed"
)

// HistoryEvent is one immutable, strictly ordered fact in an
// execution's log. SequenceNo is monotonic per execution and assigned
// by the engine at append time. Attributes is the JSON encoding of the
// per-type attribute struct below.
type HistoryEvent struct {
	ExecutionID string
	SequenceNo  int64
	Type        EventType
	Timestamp   time.Time
	Attributes  json.RawMessage
}

// WorkflowStartedAttrs records how an execution began.
type WorkflowStartedAttrs struct {
	WorkflowType  string          `json:"workflow_type"`
	BusinessKey   string          `json:"business_key"`
	TaskQueue     string          `json:"task_queue"`
	Input         json.RawMessage `json:"input,omitempty"`
	ContinuedFrom string          `json:"continued_from,omitempty"`
}

// ActivityScheduledAttrs records one scheduling of an activity. Retry
// attempts append a new event with the same ScheduleID and an
// incremented Attempt, so the full retry trail is visible in history.
type ActivityScheduledAttrs struct {
	ScheduleID          int64           `json:"schedule_id"`
	ActivityName        string          `json:"activity_name"`
	Input               json.RawMessage `json:"input,omitempty"`
	Attempt             int             `json:"attempt"`
	TaskQueue           string          `json:"task_queue"`
	RetryPolicy         RetryPolicy     `json:"retry_policy"`
	StartToCloseTimeout time.Duration   `json:"start_to_close_timeout,omitempty"`
}

type ActivityCompletedAttrs struct {
	ScheduleID int64           `json:"schedule_id"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// ActivityFailedAttrs is terminal for the schedule: it is appended only
// when the retry policy is exhausted or the error is non-retryable.
type ActivityFailedAttrs struct {
	ScheduleID int64  `json:"schedule_id"`
	ErrorType  string `json:"error_type"`
	Message    string `json:"message"`
	Attempts   int    `json:"attempts"`
}

type TimerStartedAttrs struct {
	TimerID int64     `json:"timer_id"`
	FireAt  time.Time `json:"fire_at"`
}

type TimerFiredAttrs struct {
	TimerID int64 `json:"timer_id"`
}

type SignalReceivedAttrs struct {
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	DedupeKey string          `json:"dedupe_key,omitempty"`
}

type ChildWorkflowStartedAttrs struct {
	ScheduleID   int64           `json:"schedule_id"`
	ChildID      string          `json:"child_id"`
	WorkflowType string          `json:"workflow_type"`
	BusinessKey  string          `json:"business_key"`
	Input        json.RawMessage `json:"input,omitempty"`
}

// ChildWorkflowCompletedAttrs resolves a child schedule. A failed or
// cancelled child sets ErrorType/Message instead of Result.
type ChildWorkflowCompletedAttrs struct {
	ScheduleID int64           `json:"schedule_id"`
	ChildID    string          `json:"child_id"`
	Result     json.RawMessage `json:"result,omitempty"`
	ErrorType  string          `json:"error_type,omitempty"`
	Message    string          `json:"message,omitempty"`
}

type WorkflowCompletedAttrs struct {
	Result json.RawMessage `json:"result,omitempty"`
}

type WorkflowFailedAttrs struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

type WorkflowCancelledAttrs struct {
	Reason string `json:"reason,omitempty"`
}

type WorkflowContinuedAsNewAttrs struct {
	NewExecutionID string          `json:"new_execution_id"`
	Input          json.RawMessage `json:"input,omitempty"`
}

type CancelRequestedAttrs struct {
	Reason string `json:"reason,omitempty"`
}

// NewEvent builds a HistoryEvent of the given type with attrs encoded
// as JSON. SequenceNo and ExecutionID are filled in by the engine at
// append time.
func NewEvent(t EventType, ts time.Time, attrs any) (HistoryEvent, error) {
	var raw json.RawMessage
	if attrs != nil {
		b, err := json.Marshal(attrs)
		if err != nil {
			return HistoryEvent{}, fmt.Errorf("encode %s attributes: %w", t, err)
		}
		raw = b
	}
	return HistoryEvent{Type: t, Timestamp: ts, Attributes: raw}, nil
}

// DecodeAttrs decodes the event's attributes into T.
func DecodeAttrs[T any](ev HistoryEvent) (T, error) {
	var attrs T
	if len(ev.Attributes) == 0 {
		return attrs, nil
	}
	if err := json.Unmarshal(ev.Attributes, &attrs); err != nil {
		return attrs, fmt.Errorf("decode %s attributes (seq %d): %w", ev.Type, ev.SequenceNo, err)
	}
	return attrs, nil
}
