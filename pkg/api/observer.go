package api

import (
	"context"
	"log/slog"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be
// done asynchronously so as not to delay decision passes.
type Observer interface {
	// OnExecutionStarted is called once when an execution is created,
	// after its WorkflowStarted event has been appended.
	OnExecutionStarted(ctx context.Context, exec *Execution)

	// OnExecutionCompleted is called when an execution reaches
	// StatusCompleted.
	OnExecutionCompleted(ctx context.Context, exec *Execution)

	// OnExecutionFailed is called when an execution reaches
	// StatusFailed.
	OnExecutionFailed(ctx context.Context, exec *Execution, err error)

	// OnExecutionCancelled is called when an execution reaches
	// StatusCancelled.
	OnExecutionCancelled(ctx context.Context, exec *Execution)

	// OnExecutionContinued is called when an execution continues as new;
	// newID is the successor execution id.
	OnExecutionContinued(ctx context.Context, exec *Execution, newID string)

	// OnActivityResolved is called when an activity task resolves, for
	// both completions and failures (err != nil). elapsed measures from
	// the task's enqueue time.
	OnActivityResolved(ctx context.Context, task *ActivityTask, err error, elapsed time.Duration)

	// OnTimerFired is called after a durable timer has been consumed.
	OnTimerFired(ctx context.Context, t *Timer)

	// OnSignalReceived is called after a signal has been appended to an
	// execution's history.
	OnSignalReceived(ctx context.Context, executionID, name string)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStarted(ctx context.Context, exec *Execution)              {}
func (NoopObserver) OnExecutionCompleted(ctx context.Context, exec *Execution)            {}
func (NoopObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error)    {}
func (NoopObserver) OnExecutionCancelled(ctx context.Context, exec *Execution)            {}
func (NoopObserver) OnExecutionContinued(ctx context.Context, exec *Execution, id string) {}
func (NoopObserver) OnActivityResolved(ctx context.Context, task *ActivityTask, err error, elapsed time.Duration) {
}
func (NoopObserver) OnTimerFired(ctx context.Context, t *Timer)                       {}
func (NoopObserver) OnSignalReceived(ctx context.Context, executionID, name string) {}

// CompositeObserver fans out callbacks to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards callbacks to
// each non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStarted(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionStarted(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionCompleted(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	for _, o := range c.observers {
		o.OnExecutionFailed(ctx, exec, err)
	}
}

func (c *CompositeObserver) OnExecutionCancelled(ctx context.Context, exec *Execution) {
	for _, o := range c.observers {
		o.OnExecutionCancelled(ctx, exec)
	}
}

func (c *CompositeObserver) OnExecutionContinued(ctx context.Context, exec *Execution, newID string) {
	for _, o := range c.observers {
		o.OnExecutionContinued(ctx, exec, newID)
	}
}

func (c *CompositeObserver) OnActivityResolved(ctx context.Context, task *ActivityTask, err error, elapsed time.Duration) {
	for _, o := range c.observers {
		o.OnActivityResolved(ctx, task, err, elapsed)
	}
}

func (c *CompositeObserver) OnTimerFired(ctx context.Context, t *Timer) {
	for _, o := range c.observers {
		o.OnTimerFired(ctx, t)
	}
}

func (c *CompositeObserver) OnSignalReceived(ctx context.Context, executionID, name string) {
	for _, o := range c.observers {
		o.OnSignalReceived(ctx, executionID, name)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs execution and
// activity lifecycle events using the provided slog.Logger. If logger
// is nil, slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnExecutionStarted(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "execution_started",
		slog.String("workflow_type", exec.WorkflowType),
		slog.String("execution_id", exec.ID),
		slog.String("business_key", exec.BusinessKey),
	)
}

func (o *LoggingObserver) OnExecutionCompleted(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "execution_completed",
		slog.String("workflow_type", exec.WorkflowType),
		slog.String("execution_id", exec.ID),
	)
}

func (o *LoggingObserver) OnExecutionFailed(ctx context.Context, exec *Execution, err error) {
	o.Logger.ErrorContext(ctx, "execution_failed",
		slog.String("workflow_type", exec.WorkflowType),
		slog.String("execution_id", exec.ID),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnExecutionCancelled(ctx context.Context, exec *Execution) {
	o.Logger.InfoContext(ctx, "execution_cancelled",
		slog.String("workflow_type", exec.WorkflowType),
		slog.String("execution_id", exec.ID),
	)
}

func (o *LoggingObserver) OnExecutionContinued(ctx context.Context, exec *Execution, newID string) {
	o.Logger.InfoContext(ctx, "execution_continued_as_new",
		slog.String("workflow_type", exec.WorkflowType),
		slog.String("execution_id", exec.ID),
		slog.String("new_execution_id", newID),
	)
}

func (o *LoggingObserver) OnActivityResolved(ctx context.Context, task *ActivityTask, err error, elapsed time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "activity_resolved",
		slog.String("execution_id", task.ExecutionID),
		slog.String("activity", task.ActivityName),
		slog.Int("attempt", task.Attempt),
		slog.Duration("elapsed", elapsed),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnTimerFired(ctx context.Context, t *Timer) {
	o.Logger.DebugContext(ctx, "timer_fired",
		slog.String("execution_id", t.ExecutionID),
		slog.String("timer", t.ID),
		slog.String("kind", string(t.Kind)),
	)
}

func (o *LoggingObserver) OnSignalReceived(ctx context.Context, executionID, name string) {
	o.Logger.DebugContext(ctx, "signal_received",
		slog.String("execution_id", executionID),
		slog.String("signal", name),
	)
}
