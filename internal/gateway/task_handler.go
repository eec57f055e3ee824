package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

// ClaimTask handles POST /api/v1/tasks/claim. An empty queue returns
// 204; workers back off and poll again.
func (h *Handler) ClaimTask(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.TaskQueue == "" || req.WorkerID == "" {
		BadRequest(w, "task_queue and worker_id are required")
		return
	}

	task, err := h.engine.ClaimTask(r.Context(), req.TaskQueue, req.WorkerID,
		time.Duration(req.LeaseTTLMS)*time.Millisecond)
	if HandleEngineError(w, h.logger, err) {
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	JSON(w, http.StatusOK, toTaskDTO(task))
}

// HeartbeatTask handles POST /api/v1/tasks/{id}/heartbeat.
func (h *Handler) HeartbeatTask(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.WorkerID == "" {
		BadRequest(w, "worker_id is required")
		return
	}

	err := h.engine.HeartbeatTask(r.Context(), r.PathValue("id"), req.WorkerID,
		time.Duration(req.LeaseTTLMS)*time.Millisecond)
	if HandleEngineError(w, h.logger, err) {
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CompleteTask handles POST /api/v1/tasks/{id}/complete.
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	var req CompleteTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.WorkerID == "" {
		BadRequest(w, "worker_id is required")
		return
	}

	err := h.engine.CompleteTask(r.Context(), r.PathValue("id"), req.WorkerID, req.Result)
	if HandleEngineError(w, h.logger, err) {
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// FailTask handles POST /api/v1/tasks/{id}/fail.
func (h *Handler) FailTask(w http.ResponseWriter, r *http.Request) {
	var req FailTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.WorkerID == "" {
		BadRequest(w, "worker_id is required")
		return
	}

	err := h.engine.FailTask(r.Context(), r.PathValue("id"), req.WorkerID,
		req.ErrorType, req.Message, req.NonRetryable)
	if HandleEngineError(w, h.logger, err) {
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "failed"})
}
