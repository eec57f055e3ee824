package loom

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/timers"
	"github.com/loomhq/loom/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, its timer service and a
// Worker into a single-process runtime for development and tests.
//
// Typical usage:
//
//	runner := loom.NewLocalRunner()
//	_ = runner.Engine.Register(workflows.Sync())
//	_ = runner.Worker.RegisterFunc("detect-changes", detect)
//
//	_ = runner.Start(ctx)
//	exec, err := runner.Engine.StartWorkflow(ctx, loom.StartOptions{...})
//	...
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory workflow engine used by this runner.
	Engine *Engine

	// Worker executes activities claimed from the engine's default
	// task queue.
	Worker *worker.Worker

	// Timers drives durable timers and the lease sweeper.
	Timers *TimerService

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// LocalRunnerOptions tune a LocalRunner.
type LocalRunnerOptions struct {
	// TaskQueue polled by the bundled worker. Default "default".
	TaskQueue string

	// Concurrency of the bundled worker. Default 4.
	Concurrency int

	// Observer receives engine lifecycle callbacks.
	Observer Observer

	// TimerInterval is the timer poll interval. Default 50ms, chosen
	// for snappy local development rather than production load.
	TimerInterval time.Duration
}

// NewLocalRunner constructs a LocalRunner with default options.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithOptions(LocalRunnerOptions{})
}

// NewLocalRunnerWithOptions constructs a LocalRunner from opts.
func NewLocalRunnerWithOptions(opts LocalRunnerOptions) *LocalRunner {
	queue := opts.TaskQueue
	if queue == "" {
		queue = "default"
	}
	interval := opts.TimerInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	eng := NewInMemoryEngineWithObserver(opts.Observer)
	w := worker.New(worker.Config{
		Engine:      eng,
		TaskQueue:   queue,
		Concurrency: opts.Concurrency,
	})
	svc := timers.New(timers.Config{
		Engine:   eng,
		Timers:   eng.Timers(),
		Interval: interval,
	})

	return &LocalRunner{Engine: eng, Worker: w, Timers: svc}
}

// Start launches the worker and timer loops. Calling Start twice
// without Stop is an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("loom: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		_ = r.Worker.Run(ctx)
	}()
	go func() {
		defer r.wg.Done()
		_ = r.Timers.Run(ctx)
	}()
	return nil
}

// Stop cancels the loops started by Start and waits for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}
