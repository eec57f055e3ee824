// Package worker runs activity implementations against the engine's
// task queue. A worker claims tasks under a lease, heartbeats while an
// activity runs, and reports the tri-state outcome (success, retryable
// error, terminal error) back to the engine. Activities are the only
// place side effects happen; the deterministic core never performs I/O.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/api"
)

// Activity is a single unit of externally visible work, selected by
// name at schedule time.
type Activity interface {
	Name() string
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// ActivityFunc adapts a function to the Activity interface.
type ActivityFunc struct {
	ActivityName string
	Fn           func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

func (a ActivityFunc) Name() string { return a.ActivityName }

func (a ActivityFunc) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return a.Fn(ctx, input)
}

// Engine is the worker-facing surface of the orchestration engine. It
// is satisfied by the in-process engine and by the HTTP client.
type Engine interface {
	ClaimTask(ctx context.Context, taskQueue, workerID string, leaseTTL time.Duration) (*api.ActivityTask, error)
	HeartbeatTask(ctx context.Context, taskID, workerID string, leaseTTL time.Duration) error
	CompleteTask(ctx context.Context, taskID, workerID string, result json.RawMessage) error
	FailTask(ctx context.Context, taskID, workerID, errType, message string, nonRetryable bool) error
}

// Worker polls one task queue and executes registered activities with
// bounded concurrency.
type Worker struct {
	engine   Engine
	queue    string
	id       string
	logger   *slog.Logger
	leaseTTL time.Duration
	poll     time.Duration
	slots    int

	mu         sync.RWMutex
	activities map[string]Activity
}

// Config configures a Worker. Engine and TaskQueue are required.
type Config struct {
	Engine    Engine
	TaskQueue string

	// WorkerID defaults to a random id; it appears as the lease owner.
	WorkerID string

	Logger *slog.Logger

	// LeaseTTL is the claim lease duration, heartbeated at a third of
	// its length. Default 30s.
	LeaseTTL time.Duration

	// PollInterval is the idle backoff between empty claims. Default
	// 200ms.
	PollInterval time.Duration

	// Concurrency is the number of tasks executed in parallel.
	// Default 4.
	Concurrency int
}

// New creates a Worker from cfg.
func New(cfg Config) *Worker {
	id := cfg.WorkerID
	if id == "" {
		id = "worker-" + uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lease := cfg.LeaseTTL
	if lease <= 0 {
		lease = 30 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	slots := cfg.Concurrency
	if slots <= 0 {
		slots = 4
	}
	return &Worker{
		engine:     cfg.Engine,
		queue:      cfg.TaskQueue,
		id:         id,
		logger:     logger,
		leaseTTL:   lease,
		poll:       poll,
		slots:      slots,
		activities: make(map[string]Activity),
	}
}

// ID returns the worker's lease-owner id.
func (w *Worker) ID() string { return w.id }

// Register adds an activity implementation. Registering a duplicate
// name is an error.
func (w *Worker) Register(a Activity) error {
	if a.Name() == "" {
		return errors.New("activity name is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.activities[a.Name()]; exists {
		return fmt.Errorf("activity already registered: %s", a.Name())
	}
	w.activities[a.Name()] = a
	return nil
}

// RegisterFunc registers fn as the activity implementation for name.
func (w *Worker) RegisterFunc(name string, fn func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)) error {
	return w.Register(ActivityFunc{ActivityName: name, Fn: fn})
}

func (w *Worker) lookup(name string) (Activity, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	a, ok := w.activities[name]
	return a, ok
}

// Run polls the queue until ctx is cancelled, running up to the
// configured number of tasks concurrently.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.slots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.pollLoop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) pollLoop(ctx context.Context) {
	for {
		processed, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.ErrorContext(ctx, "task_processing_error",
				slog.String("worker_id", w.id),
				slog.Any("error", err),
			)
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.poll):
			}
		}
	}
}

// ProcessOne claims and runs a single task. It reports false when the
// queue was empty.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, err := w.engine.ClaimTask(ctx, w.queue, w.id, w.leaseTTL)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return true, w.runTask(ctx, task)
}

func (w *Worker) runTask(ctx context.Context, task *api.ActivityTask) error {
	activity, ok := w.lookup(task.ActivityName)
	if !ok {
		// No implementation on this worker is terminal: redelivery to
		// the same pool would loop forever.
		return w.engine.FailTask(ctx, task.ID, w.id, "activity_not_registered",
			fmt.Sprintf("no activity registered for %q", task.ActivityName), true)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if task.StartToCloseTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, task.StartToCloseTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Heartbeat at a third of the lease so two misses still keep the
	// lease alive.
	stopHeartbeat := w.startHeartbeat(runCtx, task.ID, cancel)
	result, execErr := w.execute(runCtx, activity, task.Input)
	stopHeartbeat()

	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return w.engine.FailTask(ctx, task.ID, w.id, api.ErrorTypeTimeout,
				fmt.Sprintf("activity %s exceeded start-to-close timeout", task.ActivityName), false)
		}
		errType := "error"
		nonRetryable := false
		if ae, ok := api.AsActivityError(execErr); ok {
			errType = ae.Type
			nonRetryable = ae.NonRetryable
		}
		return w.engine.FailTask(ctx, task.ID, w.id, errType, execErr.Error(), nonRetryable)
	}
	return w.engine.CompleteTask(ctx, task.ID, w.id, result)
}

// execute runs the activity, converting a panic into a retryable error
// instead of crashing the pool.
func (w *Worker) execute(ctx context.Context, activity Activity, input json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.ErrorContext(ctx, "activity_panicked",
				slog.String("activity", activity.Name()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("activity panicked: %v", r)
		}
	}()
	return activity.Execute(ctx, input)
}

// startHeartbeat extends the task lease until the returned stop
// function is called. A lost lease cancels the running activity.
func (w *Worker) startHeartbeat(ctx context.Context, taskID string, cancel context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	stop = func() { once.Do(func() { close(done) }) }

	go func() {
		ticker := time.NewTicker(w.leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.engine.HeartbeatTask(ctx, taskID, w.id, w.leaseTTL); err != nil {
					if errors.Is(err, api.ErrLeaseLost) || errors.Is(err, api.ErrTaskNotFound) {
						w.logger.WarnContext(ctx, "task_lease_lost",
							slog.String("task_id", taskID),
							slog.String("worker_id", w.id),
						)
						cancel()
						return
					}
					w.logger.WarnContext(ctx, "heartbeat_failed",
						slog.String("task_id", taskID),
						slog.Any("error", err),
					)
				}
			}
		}
	}()
	return stop
}
