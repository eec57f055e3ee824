package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/loomhq/loom/pkg/api"
)

// StartExecution handles POST /api/v1/executions. A start that races a
// RUNNING execution with the same (type, business key) pair gets 409.
func (h *Handler) StartExecution(w http.ResponseWriter, r *http.Request) {
	var req StartExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.WorkflowType == "" {
		BadRequest(w, "workflow_type is required")
		return
	}
	if req.BusinessKey == "" {
		BadRequest(w, "business_key is required")
		return
	}

	exec, err := h.engine.StartWorkflow(r.Context(), api.StartOptions{
		WorkflowType: req.WorkflowType,
		BusinessKey:  req.BusinessKey,
		TaskQueue:    req.TaskQueue,
		Input:        req.Input,
		Timeout:      time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if HandleEngineError(w, h.logger, err) {
		return
	}
	JSON(w, http.StatusCreated, toExecutionDTO(exec))
}

// GetExecution handles GET /api/v1/executions/{id}.
func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.engine.GetExecution(r.Context(), r.PathValue("id"))
	if HandleEngineError(w, h.logger, err) {
		return
	}
	JSON(w, http.StatusOK, toExecutionDTO(exec))
}

// ListExecutions handles GET /api/v1/executions with optional
// workflow_type, business_key, status and parent_id filters.
func (h *Handler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	execs, err := h.engine.ListExecutions(r.Context(), api.ExecutionFilter{
		WorkflowType: q.Get("workflow_type"),
		BusinessKey:  q.Get("business_key"),
		Status:       api.Status(q.Get("status")),
		ParentID:     q.Get("parent_id"),
	})
	if HandleEngineError(w, h.logger, err) {
		return
	}
	out := make([]ExecutionDTO, len(execs))
	for i, exec := range execs {
		out[i] = toExecutionDTO(exec)
	}
	JSON(w, http.StatusOK, out)
}

// GetHistory handles GET /api/v1/executions/{id}/history. History is
// retained and served for terminal executions too.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.engine.GetHistory(r.Context(), r.PathValue("id"))
	if HandleEngineError(w, h.logger, err) {
		return
	}
	JSON(w, http.StatusOK, toHistoryDTO(events))
}

// SignalExecution handles POST /api/v1/executions/{id}/signals. The
// signal is accepted (202) whether or not the definition is currently
// at a matching wait-point.
func (h *Handler) SignalExecution(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		BadRequest(w, "name is required")
		return
	}

	err := h.engine.SignalWorkflow(r.Context(), r.PathValue("id"), req.Name, req.Payload, req.DedupeKey)
	if HandleEngineError(w, h.logger, err) {
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// QueryExecution handles GET /api/v1/executions/{id}/queries/{name}.
func (h *Handler) QueryExecution(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.QueryWorkflow(r.Context(), r.PathValue("id"), r.PathValue("name"))
	if HandleEngineError(w, h.logger, err) {
		return
	}
	JSON(w, http.StatusOK, map[string]json.RawMessage{"result": result})
}

// CancelExecution handles POST /api/v1/executions/{id}/cancel.
func (h *Handler) CancelExecution(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body: "+err.Error())
			return
		}
	}

	err := h.engine.CancelWorkflow(r.Context(), r.PathValue("id"), req.Reason)
	if HandleEngineError(w, h.logger, err) {
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}
