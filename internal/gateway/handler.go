// Package gateway exposes the engine over HTTP: start/describe/list
// executions, signals, queries, history inspection and the activity
// worker protocol, plus health and metrics endpoints.
package gateway

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomhq/loom/internal/engine"
)

// Handler carries the gateway's dependencies.
type Handler struct {
	engine *engine.Engine
	logger *slog.Logger
}

// Config configures a Handler.
type Config struct {
	Engine *engine.Engine
	Logger *slog.Logger
}

// NewHandler creates a Handler from cfg.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: cfg.Engine, logger: logger}
}

// RegisterRoutes registers all gateway routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Executions
	mux.Handle("POST /api/v1/executions", chain(http.HandlerFunc(h.StartExecution)))
	mux.Handle("GET /api/v1/executions", chain(http.HandlerFunc(h.ListExecutions)))
	mux.Handle("GET /api/v1/executions/{id}", chain(http.HandlerFunc(h.GetExecution)))
	mux.Handle("GET /api/v1/executions/{id}/history", chain(http.HandlerFunc(h.GetHistory)))
	mux.Handle("POST /api/v1/executions/{id}/signals", chain(http.HandlerFunc(h.SignalExecution)))
	mux.Handle("GET /api/v1/executions/{id}/queries/{name}", chain(http.HandlerFunc(h.QueryExecution)))
	mux.Handle("POST /api/v1/executions/{id}/cancel", chain(http.HandlerFunc(h.CancelExecution)))

	// Worker protocol
	mux.Handle("POST /api/v1/tasks/claim", chain(http.HandlerFunc(h.ClaimTask)))
	mux.Handle("POST /api/v1/tasks/{id}/heartbeat", chain(http.HandlerFunc(h.HeartbeatTask)))
	mux.Handle("POST /api/v1/tasks/{id}/complete", chain(http.HandlerFunc(h.CompleteTask)))
	mux.Handle("POST /api/v1/tasks/{id}/fail", chain(http.HandlerFunc(h.FailTask)))

	// Ambient endpoints
	mux.Handle("GET /healthz", http.HandlerFunc(h.Health))
	mux.Handle("GET /metrics", promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{},
	))
}

// Health reports process liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
