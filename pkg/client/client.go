// Package client is an HTTP client for the engine gateway. It covers
// the management surface (start, signal, query, cancel, inspect) and
// the activity worker protocol, so a worker.Worker can run against a
// remote engine.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/loomhq/loom/pkg/api"
)

// Client talks to a gateway at a base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client for the gateway at baseURL, e.g.
// "http://localhost:8080".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Execution is the wire shape of an execution as served by the
// gateway.
type Execution struct {
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

// HistoryEvent is the wire shape of one history event.
type HistoryEvent struct {
	SequenceNo int64           `json:"sequence_no"`
	Type       api.EventType   `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

type startRequest struct {
	WorkflowType string          `json:"workflow_type"`
	BusinessKey  string          `json:"business_key"`
	TaskQueue    string          `json:"task_queue,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	TimeoutMS    int64           `json:"timeout_ms,omitempty"`
}

// StartWorkflow starts an execution. A RUNNING duplicate of the same
// (type, business key) pair surfaces as api.ErrAlreadyExists.
func (c *Client) StartWorkflow(ctx context.Context, opts api.StartOptions) (*Execution, error) {
	var exec Execution
	err := c.do(ctx, http.MethodPost, "/api/v1/executions", startRequest{
		WorkflowType: opts.WorkflowType,
		BusinessKey:  opts.BusinessKey,
		TaskQueue:    opts.TaskQueue,
		Input:        opts.Input,
		TimeoutMS:    opts.Timeout.Milliseconds(),
	}, &exec)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// GetExecution fetches one execution by id.
func (c *Client) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var exec Execution
	if err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id), nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListExecutions fetches executions matching the filter.
func (c *Client) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]Execution, error) {
	q := url.Values{}
	if filter.WorkflowType != "" {
		q.Set("workflow_type", filter.WorkflowType)
	}
	if filter.BusinessKey != "" {
		q.Set("business_key", filter.BusinessKey)
	}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.ParentID != "" {
		q.Set("parent_id", filter.ParentID)
	}
	path := "/api/v1/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var execs []Execution
	if err := c.do(ctx, http.MethodGet, path, nil, &execs); err != nil {
		return nil, err
	}
	return execs, nil
}

// GetHistory fetches the ordered event log of an execution.
func (c *Client) GetHistory(ctx context.Context, executionID string) ([]HistoryEvent, error) {
	var events []HistoryEvent
	err := c.do(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(executionID)+"/history", nil, &events)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// SignalWorkflow delivers a signal to an execution.
func (c *Client) SignalWorkflow(ctx context.Context, executionID, name string, payload json.RawMessage, dedupeKey string) error {
	body := map[string]any{"name": name}
	if len(payload) > 0 {
		body["payload"] = payload
	}
	if dedupeKey != "" {
		body["dedupe_key"] = dedupeKey
	}
	return c.do(ctx, http.MethodPost, "/api/v1/executions/"+url.PathEscape(executionID)+"/signals", body, nil)
}

// QueryWorkflow runs a read-only query against an execution.
func (c *Client) QueryWorkflow(ctx context.Context, executionID, queryName string) (json.RawMessage, error) {
	var out struct {
		Result json.RawMessage `json:"result"`
	}
	err := c.do(ctx, http.MethodGet,
		"/api/v1/executions/"+url.PathEscape(executionID)+"/queries/"+url.PathEscape(queryName), nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Result, nil
}

// CancelWorkflow requests cooperative cancellation.
func (c *Client) CancelWorkflow(ctx context.Context, executionID, reason string) error {
	body := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, "/api/v1/executions/"+url.PathEscape(executionID)+"/cancel", body, nil)
}

// ClaimTask leases a task from the queue. It returns (nil, nil) when
// the queue is empty.
func (c *Client) ClaimTask(ctx context.Context, taskQueue, workerID string, leaseTTL time.Duration) (*api.ActivityTask, error) {
	body := map[string]any{
		"task_queue":   taskQueue,
		"worker_id":    workerID,
		"lease_ttl_ms": leaseTTL.Milliseconds(),
	}
	var dto struct {
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
	status, err := c.doStatus(ctx, http.MethodPost, "/api/v1/tasks/claim", body, &dto)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &api.ActivityTask{
		ID:                  dto.ID,
		ExecutionID:         dto.ExecutionID,
		ScheduleID:          dto.ScheduleID,
		ActivityName:        dto.ActivityName,
		Input:               dto.Input,
		Attempt:             dto.Attempt,
		TaskQueue:           dto.TaskQueue,
		RetryPolicy:         dto.RetryPolicy,
		StartToCloseTimeout: time.Duration(dto.StartToCloseTimeoutMS) * time.Millisecond,
		LeaseOwner:          workerID,
		LeaseExpiry:         dto.LeaseExpiry,
		EnqueuedAt:          dto.EnqueuedAt,
	}, nil
}

// HeartbeatTask extends the lease on a claimed task.
func (c *Client) HeartbeatTask(ctx context.Context, taskID, workerID string, leaseTTL time.Duration) error {
	body := map[string]any{
		"worker_id":    workerID,
		"lease_ttl_ms": leaseTTL.Milliseconds(),
	}
	return c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/heartbeat", body, nil)
}

// CompleteTask reports a successful activity result.
func (c *Client) CompleteTask(ctx context.Context, taskID, workerID string, result json.RawMessage) error {
	body := map[string]any{"worker_id": workerID}
	if len(result) > 0 {
		body["result"] = result
	}
	return c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/complete", body, nil)
}

// FailTask reports an activity failure.
func (c *Client) FailTask(ctx context.Context, taskID, workerID, errType, message string, nonRetryable bool) error {
	body := map[string]any{
		"worker_id":     workerID,
		"error_type":    errType,
		"message":       message,
		"non_retryable": nonRetryable,
	}
	return c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(taskID)+"/fail", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.doStatus(ctx, method, path, body, out)
	return err
}

func (c *Client) doStatus(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// decodeError maps the gateway's error codes back onto the api
// sentinel errors so errors.Is works identically against a remote or
// in-process engine.
func decodeError(resp *http.Response) error {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Error.Code == "" {
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(raw))
	}

	var sentinel error
	switch payload.Error.Code {
	case "NOT_FOUND":
		sentinel = api.ErrExecutionNotFound
	case "TASK_NOT_FOUND":
		sentinel = api.ErrTaskNotFound
	case "ALREADY_EXISTS":
		sentinel = api.ErrAlreadyExists
	case "NOT_RUNNING":
		sentinel = api.ErrNotRunning
	case "LEASE_LOST":
		sentinel = api.ErrLeaseLost
	case "QUERY_NOT_SUPPORTED":
		sentinel = api.ErrQueryNotSupported
	default:
		return fmt.Errorf("%s: %s", payload.Error.Code, payload.Error.Message)
	}
	return fmt.Errorf("%w: %s", sentinel, payload.Error.Message)
}
