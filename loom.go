package loom

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/persistence"
	"github.com/loomhq/loom/internal/timers"
	"github.com/loomhq/loom/pkg/api"
	"github.com/loomhq/loom/pkg/workflow"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine          = engine.Engine
	Execution       = api.Execution
	ExecutionFilter = api.ExecutionFilter
	StartOptions    = api.StartOptions
	HistoryEvent    = api.HistoryEvent
	ActivityTask    = api.ActivityTask
	RetryPolicy     = api.RetryPolicy
	Status          = api.Status

	Observer          = api.Observer
	LoggingObserver   = api.LoggingObserver
	CompositeObserver = api.CompositeObserver
	NoopObserver      = api.NoopObserver

	Definition = workflow.Definition
	Context    = workflow.Context

	TimerService = timers.Service
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export status values for convenience.

const (
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusCancelled = api.StatusCancelled
	StatusContinued = api.StatusContinued
)

// Engine constructors. These wrap the internal packages so external
// callers never need to import them.

// NewInMemoryEngine returns an Engine backed entirely by in-memory
// stores. State does not survive the process; use it for tests and
// local development.
func NewInMemoryEngine() *Engine {
	return NewInMemoryEngineWithObserver(nil)
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the
// given Observer.
func NewInMemoryEngineWithObserver(obs Observer) *Engine {
	return engine.New(engine.Config{
		Store:    persistence.NewMemoryStore().Bundle(),
		Observer: obs,
	})
}

// NewSQLiteEngine returns an Engine that persists executions, history,
// tasks and timers in a SQLite database. The schema is created on
// first use.
func NewSQLiteEngine(db *sql.DB) (*Engine, error) {
	return NewSQLiteEngineWithObserver(db, nil)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the
// given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (*Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{
		Store:    store.Bundle(),
		Observer: obs,
	}), nil
}

// NewPostgresEngine returns an Engine that persists state in
// PostgreSQL via a pgx connection pool. The schema is created on first
// use.
func NewPostgresEngine(ctx context.Context, pool *pgxpool.Pool) (*Engine, error) {
	return NewPostgresEngineWithObserver(ctx, pool, nil)
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with
// the given Observer.
func NewPostgresEngineWithObserver(ctx context.Context, pool *pgxpool.Pool, obs Observer) (*Engine, error) {
	store, err := persistence.NewPostgresStore(ctx, pool)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{
		Store:    store.Bundle(),
		Observer: obs,
	}), nil
}

// NewPostgresPool opens a pgx pool for dsn and verifies connectivity.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return persistence.NewPool(ctx, dsn)
}

// NewTimerService returns the timer loop for eng. Run it alongside the
// engine; without it durable timers never fire and expired task leases
// are never swept.
func NewTimerService(eng *Engine) *TimerService {
	return timers.New(timers.Config{
		Engine: eng,
		Timers: eng.Timers(),
	})
}
