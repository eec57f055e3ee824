package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/loomhq/loom/pkg/api"
)

// MetricsObserver exports engine lifecycle events as Prometheus
// metrics. It implements api.Observer.
type MetricsObserver struct {
	executionsStarted *prometheus.CounterVec
	executionsClosed  *prometheus.CounterVec
	activityDuration  *prometheus.HistogramVec
	activitiesTotal   *prometheus.CounterVec
	timersFired       *prometheus.CounterVec
	signalsReceived   prometheus.Counter
}

var _ api.Observer = (*MetricsObserver)(nil)

// NewMetricsObserver registers the engine metrics on reg (pass
// prometheus.DefaultRegisterer for the default registry).
func NewMetricsObserver(reg prometheus.Registerer) *MetricsObserver {
	factory := promauto.With(reg)
	return &MetricsObserver{
		executionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_executions_started_total",
			Help: "Workflow executions started, by workflow type.",
		}, []string{"workflow_type"}),
		executionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_executions_closed_total",
			Help: "Workflow executions reaching a terminal status.",
		}, []string{"workflow_type", "status"}),
		activityDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_activity_duration_seconds",
			Help:    "Time from activity enqueue to resolution.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"activity"}),
		activitiesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_activities_resolved_total",
			Help: "Activity tasks resolved, by activity name and outcome.",
		}, []string{"activity", "outcome"}),
		timersFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_timers_fired_total",
			Help: "Durable timers fired, by kind.",
		}, []string{"kind"}),
		signalsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "loom_signals_received_total",
			Help: "Signals accepted into execution histories.",
		}),
	}
}

func (m *MetricsObserver) OnExecutionStarted(ctx context.Context, exec *api.Execution) {
	m.executionsStarted.WithLabelValues(exec.WorkflowType).Inc()
}

func (m *MetricsObserver) OnExecutionCompleted(ctx context.Context, exec *api.Execution) {
	m.executionsClosed.WithLabelValues(exec.WorkflowType, string(api.StatusCompleted)).Inc()
}

func (m *MetricsObserver) OnExecutionFailed(ctx context.Context, exec *api.Execution, err error) {
	m.executionsClosed.WithLabelValues(exec.WorkflowType, string(api.StatusFailed)).Inc()
}

func (m *MetricsObserver) OnExecutionCancelled(ctx context.Context, exec *api.Execution) {
	m.executionsClosed.WithLabelValues(exec.WorkflowType, string(api.StatusCancelled)).Inc()
}

func (m *MetricsObserver) OnExecutionContinued(ctx context.Context, exec *api.Execution, newID string) {
	m.executionsClosed.WithLabelValues(exec.WorkflowType, string(api.StatusContinued)).Inc()
}

func (m *MetricsObserver) OnActivityResolved(ctx context.Context, task *api.ActivityTask, err error, elapsed time.Duration) {
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	m.activitiesTotal.WithLabelValues(task.ActivityName, outcome).Inc()
	m.activityDuration.WithLabelValues(task.ActivityName).Observe(elapsed.Seconds())
}

func (m *MetricsObserver) OnTimerFired(ctx context.Context, t *api.Timer) {
	m.timersFired.WithLabelValues(string(t.Kind)).Inc()
}

func (m *MetricsObserver) OnSignalReceived(ctx context.Context, executionID, name string) {
	m.signalsReceived.Inc()
}
