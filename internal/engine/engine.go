// Package engine implements the orchestration coordinator: it owns the
// event logs, runs decision passes, schedules activity tasks and
// timers, and serves the signal, query and worker protocols.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/clock"
	"github.com/loomhq/loom/internal/persistence"
	"github.com/loomhq/loom/pkg/api"
	"github.com/loomhq/loom/pkg/workflow"
)

// DefaultTaskQueue is used when a start request names no queue.
const DefaultTaskQueue = "default"

// Engine coordinates workflow executions over a persistence store.
// All methods are safe for concurrent use; history interpretation is
// serialized per execution by an internal lock.
type Engine struct {
	store    persistence.Store
	registry *definitionRegistry
	observer api.Observer
	clock    clock.Clock
	logger   *slog.Logger

	locks lockTable

	// queries caches the handlers registered by the most recent pass of
	// each execution, so reads do not need a fresh replay every time.
	queriesMu sync.RWMutex
	queries   map[string]map[string]workflow.QueryHandler
}

// Config describes how to construct an Engine. Store is required; the
// rest defaults to a noop observer and the real clock.
type Config struct {
	Store    persistence.Store
	Observer api.Observer
	Clock    clock.Clock
	Logger   *slog.Logger
}

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    cfg.Store,
		registry: newDefinitionRegistry(),
		observer: obs,
		clock:    clk,
		logger:   logger,
		queries:  make(map[string]map[string]workflow.QueryHandler),
	}
}

// Register adds a workflow definition. Registering the same type twice
// is an error.
func (e *Engine) Register(def workflow.Definition) error {
	return e.registry.Register(def)
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// Timers exposes the engine's timer store for the timer service.
func (e *Engine) Timers() persistence.TimerStore { return e.store.Timers }

// StartWorkflow starts a new execution. It returns api.ErrAlreadyExists
// when an execution with the same (workflow type, business key) pair is
// already RUNNING, making start idempotent for callers that retry.
func (e *Engine) StartWorkflow(ctx context.Context, opts api.StartOptions) (*api.Execution, error) {
	if opts.WorkflowType == "" {
		return nil, errors.New("workflow type is required")
	}
	if opts.BusinessKey == "" {
		return nil, errors.New("business key is required")
	}
	def, ok := e.registry.Get(opts.WorkflowType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotRegistered, opts.WorkflowType)
	}

	queue := opts.TaskQueue
	if queue == "" {
		queue = DefaultTaskQueue
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = def.Timeout
	}

	exec := &api.Execution{
		ID:           uuid.NewString(),
		WorkflowType: opts.WorkflowType,
		BusinessKey:  opts.BusinessKey,
		TaskQueue:    queue,
		Status:       api.StatusRunning,
		Input:        opts.Input,
		StartedAt:    e.clock.Now(),
	}

	if err := e.initExecution(ctx, exec, timeout, ""); err != nil {
		return nil, err
	}

	e.observer.OnExecutionStarted(ctx, exec)
	e.dispatch(ctx, exec.ID)
	return exec, nil
}

// initExecution persists a fresh execution with its WorkflowStarted
// event and, when bounded, its timeout timer. continuedFrom links a
// continue-as-new successor to its predecessor.
func (e *Engine) initExecution(ctx context.Context, exec *api.Execution, timeout time.Duration, continuedFrom string) error {
	if err := e.store.Executions.CreateExecution(ctx, exec); err != nil {
		return err
	}

	ev, err := api.NewEvent(api.EventWorkflowStarted, exec.StartedAt, api.WorkflowStartedAttrs{
		WorkflowType:  exec.WorkflowType,
		BusinessKey:   exec.BusinessKey,
		TaskQueue:     exec.TaskQueue,
		Input:         exec.Input,
		ContinuedFrom: continuedFrom,
	})
	if err != nil {
		return err
	}
	ev.ExecutionID = exec.ID
	ev.SequenceNo = 1
	if err := e.store.History.AppendEvents(ctx, []api.HistoryEvent{ev}); err != nil {
		return err
	}

	if timeout > 0 {
		t := &api.Timer{
			ID:          uuid.NewString(),
			ExecutionID: exec.ID,
			Kind:        api.TimerKindWorkflowTimeout,
			FireAt:      exec.StartedAt.Add(timeout),
			CreatedAt:   exec.StartedAt,
		}
		if err := e.store.Timers.CreateTimer(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// SignalWorkflow delivers a signal to a running execution. The signal
// is buffered in history even when the definition is not currently
// waiting for it. A non-empty dedupeKey makes redelivery a no-op when a
// signal with the same key was already recorded.
func (e *Engine) SignalWorkflow(ctx context.Context, executionID, name string, payload json.RawMessage, dedupeKey string) error {
	if name == "" {
		return errors.New("signal name is required")
	}

	unlock := e.locks.lock(executionID)
	err := func() error {
		defer unlock()

		exec, err := e.store.Executions.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", api.ErrNotRunning, executionID, exec.Status)
		}

		history, err := e.store.History.ListEvents(ctx, executionID)
		if err != nil {
			return err
		}
		if dedupeKey != "" && hasSignalWithKey(history, dedupeKey) {
			return nil
		}

		ev, err := api.NewEvent(api.EventSignalReceived, e.clock.Now(), api.SignalReceivedAttrs{
			Name:      name,
			Payload:   payload,
			DedupeKey: dedupeKey,
		})
		if err != nil {
			return err
		}
		return e.appendNext(ctx, executionID, history, ev)
	}()
	if err != nil {
		return err
	}

	e.observer.OnSignalReceived(ctx, executionID, name)
	e.dispatch(ctx, executionID)
	return nil
}

func hasSignalWithKey(history []api.HistoryEvent, dedupeKey string) bool {
	for _, ev := range history {
		if ev.Type != api.EventSignalReceived {
			continue
		}
		attrs, err := api.DecodeAttrs[api.SignalReceivedAttrs](ev)
		if err == nil && attrs.DedupeKey == dedupeKey {
			return true
		}
	}
	return false
}

// CancelWorkflow requests cooperative cancellation of a running
// execution. The definition observes the request at its next decision
// point; an execution that is purely waiting is finalized directly.
func (e *Engine) CancelWorkflow(ctx context.Context, executionID, reason string) error {
	unlock := e.locks.lock(executionID)
	err := func() error {
		defer unlock()

		exec, err := e.store.Executions.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", api.ErrNotRunning, executionID, exec.Status)
		}

		history, err := e.store.History.ListEvents(ctx, executionID)
		if err != nil {
			return err
		}
		// A repeated cancel request is a no-op.
		for _, ev := range history {
			if ev.Type == api.EventCancelRequested {
				return nil
			}
		}

		ev, err := api.NewEvent(api.EventCancelRequested, e.clock.Now(), api.CancelRequestedAttrs{Reason: reason})
		if err != nil {
			return err
		}
		return e.appendNext(ctx, executionID, history, ev)
	}()
	if err != nil {
		return err
	}

	e.dispatch(ctx, executionID)
	return nil
}

// QueryWorkflow runs a registered read-only query against the
// execution's current replayed state. It never mutates history and is
// valid on terminal executions too.
func (e *Engine) QueryWorkflow(ctx context.Context, executionID, queryName string) (json.RawMessage, error) {
	e.queriesMu.RLock()
	handlers, cached := e.queries[executionID]
	e.queriesMu.RUnlock()

	if !cached {
		// Cold cache, e.g. after a restart: replay committed history to
		// rebuild the handlers. Commands from this pass are discarded.
		exec, err := e.store.Executions.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		def, ok := e.registry.Get(exec.WorkflowType)
		if !ok {
			return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotRegistered, exec.WorkflowType)
		}
		history, err := e.store.History.ListEvents(ctx, executionID)
		if err != nil {
			return nil, err
		}
		res, err := workflow.Execute(def, history)
		if err != nil {
			return nil, err
		}
		handlers = res.QueryHandlers
		e.queriesMu.Lock()
		e.queries[executionID] = handlers
		e.queriesMu.Unlock()
	}

	handler, ok := handlers[queryName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrQueryNotSupported, queryName)
	}
	out, err := handler()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode query result: %w", err)
	}
	return raw, nil
}

// GetExecution returns the execution metadata for id.
func (e *Engine) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	return e.store.Executions.GetExecution(ctx, id)
}

// GetHistory returns the full ordered event log of an execution. The
// log remains available after the execution closes.
func (e *Engine) GetHistory(ctx context.Context, executionID string) ([]api.HistoryEvent, error) {
	if _, err := e.store.Executions.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.store.History.ListEvents(ctx, executionID)
}

// ListExecutions returns executions matching the filter.
func (e *Engine) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.Execution, error) {
	return e.store.Executions.ListExecutions(ctx, filter)
}

// appendNext appends ev after the loaded history with the next
// sequence number. The caller holds the execution lock.
func (e *Engine) appendNext(ctx context.Context, executionID string, history []api.HistoryEvent, ev api.HistoryEvent) error {
	var last int64
	if n := len(history); n > 0 {
		last = history[n-1].SequenceNo
	}
	ev.ExecutionID = executionID
	ev.SequenceNo = last + 1
	return e.store.History.AppendEvents(ctx, []api.HistoryEvent{ev})
}

// lockTable serializes decision passes per execution.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (t *lockTable) lock(executionID string) (unlock func()) {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*sync.Mutex)
	}
	l, ok := t.locks[executionID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[executionID] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}
