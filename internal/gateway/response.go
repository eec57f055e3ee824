package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loomhq/loom/pkg/api"
)

// ErrorCode is a machine-readable API error code.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeTaskNotFound  ErrorCode = "TASK_NOT_FOUND"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeNotRunning    ErrorCode = "NOT_RUNNING"
	ErrCodeLeaseLost     ErrorCode = "LEASE_LOST"
	ErrCodeUnsupported   ErrorCode = "QUERY_NOT_SUPPORTED"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse is the error payload shape.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// JSON writes a JSON response with the given status.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error writes an error response.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// BadRequest writes a 400 response.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound writes a 404 response.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// InternalError writes a 500 response and logs err.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// HandleEngineError maps well-known engine errors to HTTP responses.
// It reports whether err was handled.
func HandleEngineError(w http.ResponseWriter, logger *slog.Logger, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, api.ErrTaskNotFound):
		Error(w, http.StatusNotFound, ErrCodeTaskNotFound, err.Error())
	case errors.Is(err, api.ErrExecutionNotFound):
		NotFound(w, err.Error())
	case errors.Is(err, api.ErrAlreadyExists):
		Error(w, http.StatusConflict, ErrCodeAlreadyExists, err.Error())
	case errors.Is(err, api.ErrNotRunning):
		Error(w, http.StatusConflict, ErrCodeNotRunning, err.Error())
	case errors.Is(err, api.ErrLeaseLost):
		Error(w, http.StatusConflict, ErrCodeLeaseLost, err.Error())
	case errors.Is(err, api.ErrQueryNotSupported):
		Error(w, http.StatusBadRequest, ErrCodeUnsupported, err.Error())
	case errors.Is(err, api.ErrWorkflowNotRegistered):
		BadRequest(w, err.Error())
	default:
		InternalError(w, logger, err)
	}
	return true
}
