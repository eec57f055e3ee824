package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/persistence"
	"github.com/loomhq/loom/pkg/workflow"
)

// newTestServer runs the gateway over an in-memory engine with one
// signal-driven workflow registered.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	eng := engine.New(engine.Config{Store: persistence.NewMemoryStore().Bundle()})
	require.NoError(t, eng.Register(workflow.Definition{
		Name: "onboarding",
		Handler: func(ctx *workflow.Context) (any, error) {
			state := "waiting"
			ctx.SetQueryHandler("state", func() (any, error) { return state, nil })

			var out json.RawMessage
			if err := ctx.ExecuteActivity("prepare", ctx.RawInput()).Get(&out); err != nil {
				return nil, err
			}
			state = "prepared"
			if err := ctx.SignalChannel("approve").Receive(nil); err != nil {
				return nil, err
			}
			return out, nil
		},
	}))

	mux := http.NewServeMux()
	NewHandler(Config{Engine: eng}).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func startExecution(t *testing.T, srv *httptest.Server, businessKey string) ExecutionDTO {
	t.Helper()
	resp := post(t, srv.URL+"/api/v1/executions", StartExecutionRequest{
		WorkflowType: "onboarding",
		BusinessKey:  businessKey,
		Input:        json.RawMessage(`{"plan":"pro"}`),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[ExecutionDTO](t, resp)
}

func TestGateway_ExecutionLifecycle(t *testing.T) {
	srv := newTestServer(t)

	exec := startExecution(t, srv, "bk-1")
	require.Equal(t, "onboarding", exec.WorkflowType)
	require.Equal(t, "RUNNING", string(exec.Status))

	// Duplicate start conflicts.
	resp := post(t, srv.URL+"/api/v1/executions", StartExecutionRequest{
		WorkflowType: "onboarding",
		BusinessKey:  "bk-1",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	errResp := decode[ErrorResponse](t, resp)
	require.Equal(t, ErrCodeAlreadyExists, errResp.Error.Code)

	// Worker protocol: claim, then complete the prepare task.
	resp = post(t, srv.URL+"/api/v1/tasks/claim", ClaimRequest{TaskQueue: "default", WorkerID: "w1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	task := decode[TaskDTO](t, resp)
	require.Equal(t, "prepare", task.ActivityName)
	require.JSONEq(t, `{"plan":"pro"}`, string(task.Input))

	// An empty queue claims as 204.
	resp = post(t, srv.URL+"/api/v1/tasks/claim", ClaimRequest{TaskQueue: "default", WorkerID: "w1"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = post(t, fmt.Sprintf("%s/api/v1/tasks/%s/heartbeat", srv.URL, task.ID), map[string]string{"worker_id": "w1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, fmt.Sprintf("%s/api/v1/tasks/%s/complete", srv.URL, task.ID), map[string]any{
		"worker_id": "w1",
		"result":    json.RawMessage(`{"ready":true}`),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Query the replayed state.
	resp = get(t, fmt.Sprintf("%s/api/v1/executions/%s/queries/state", srv.URL, exec.ID))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	q := decode[map[string]json.RawMessage](t, resp)
	require.JSONEq(t, `"prepared"`, string(q["result"]))

	// Approve via signal; the execution completes.
	resp = post(t, fmt.Sprintf("%s/api/v1/executions/%s/signals", srv.URL, exec.ID), SignalRequest{Name: "approve"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = get(t, srv.URL+"/api/v1/executions/"+exec.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	done := decode[ExecutionDTO](t, resp)
	require.Equal(t, "COMPLETED", string(done.Status))
	require.JSONEq(t, `{"ready":true}`, string(done.Result))
	require.NotNil(t, done.ClosedAt)

	// Full history is served after close.
	resp = get(t, srv.URL+"/api/v1/executions/"+exec.ID+"/history")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decode[[]HistoryEventDTO](t, resp)
	require.Equal(t, "workflow.started", string(events[0].Type))
	require.Equal(t, "workflow.completed", string(events[len(events)-1].Type))
}

func TestGateway_ListExecutionsFilter(t *testing.T) {
	srv := newTestServer(t)
	startExecution(t, srv, "bk-a")
	startExecution(t, srv, "bk-b")

	resp := get(t, srv.URL+"/api/v1/executions?business_key=bk-b")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	execs := decode[[]ExecutionDTO](t, resp)
	require.Len(t, execs, 1)
	require.Equal(t, "bk-b", execs[0].BusinessKey)
}

func TestGateway_CancelExecution(t *testing.T) {
	srv := newTestServer(t)
	exec := startExecution(t, srv, "bk-1")

	resp := post(t, fmt.Sprintf("%s/api/v1/executions/%s/cancel", srv.URL, exec.ID), CancelRequest{Reason: "user gave up"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = get(t, srv.URL+"/api/v1/executions/"+exec.ID)
	got := decode[ExecutionDTO](t, resp)
	require.Equal(t, "CANCELLED", string(got.Status))
}

func TestGateway_ErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	// Unknown execution id.
	resp := get(t, srv.URL+"/api/v1/executions/ghost")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	errResp := decode[ErrorResponse](t, resp)
	require.Equal(t, ErrCodeNotFound, errResp.Error.Code)

	// Unregistered workflow type.
	resp = post(t, srv.URL+"/api/v1/executions", StartExecutionRequest{
		WorkflowType: "ghost",
		BusinessKey:  "bk",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unsupported query name.
	exec := startExecution(t, srv, "bk-q")
	resp = get(t, fmt.Sprintf("%s/api/v1/executions/%s/queries/nope", srv.URL, exec.ID))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errResp = decode[ErrorResponse](t, resp)
	require.Equal(t, ErrCodeUnsupported, errResp.Error.Code)

	// Resolving a task with the wrong worker conflicts.
	resp = post(t, srv.URL+"/api/v1/tasks/claim", ClaimRequest{TaskQueue: "default", WorkerID: "w1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	task := decode[TaskDTO](t, resp)

	resp = post(t, fmt.Sprintf("%s/api/v1/tasks/%s/complete", srv.URL, task.ID), map[string]string{"worker_id": "intruder"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	errResp = decode[ErrorResponse](t, resp)
	require.Equal(t, ErrCodeLeaseLost, errResp.Error.Code)
}

func TestGateway_Health(t *testing.T) {
	srv := newTestServer(t)
	resp := get(t, srv.URL+"/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
