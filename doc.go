// Package loom provides a durable workflow orchestration engine for Go.
//
// Loom runs long-lived, fault-tolerant business processes as
// event-sourced executions: every decision a workflow makes is derived
// by deterministically replaying its append-only history, so an
// execution survives process restarts, partial failures and external
// outages without losing its place.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. Workflow definitions
//  3. Activities and Workers
//  4. Timers, Signals and Queries
//  5. LocalRunner
//
// # Engine
//
// The Engine owns execution state. It persists metadata, the per-
// execution event log, activity tasks and durable timers, and provides
// APIs to:
//   - start executions (idempotent per workflow type and business key)
//   - deliver signals and cancellation requests
//   - answer read-only queries
//   - serve the activity worker protocol
//   - inspect executions and their full histories
//
// Engines can be backed by in-memory stores (tests), SQLite (embedded
// durability) or PostgreSQL.
//
// # Workflow definitions
//
// A definition is a deterministic Go function over a workflow.Context:
//
//	func(ctx *workflow.Context) (any, error)
//
// It schedules activities, starts timers and child workflows, and
// waits on signals. Each decision pass re-runs the function against
// history; already-resolved awaits return their recorded results, the
// first unresolved await suspends the pass without holding a
// goroutine. Definitions must not read the wall clock, generate random
// values or perform I/O; workflow.Context provides deterministic
// alternatives.
//
// # Activities and Workers
//
// Activities are where side effects happen. A Worker claims tasks
// under an exclusive lease, heartbeats while running, and reports
// success, a retryable error or a terminal error. Failed attempts are
// retried by the engine under the schedule's RetryPolicy with
// exponential backoff; a worker crash surfaces as an expired lease and
// the task is redelivered.
//
// # Timers, Signals and Queries
//
// Timers are durable rows re-armed from persisted fire-at times on
// restart. Signals are buffered in history and consumed when the
// definition reaches a matching wait-point. Queries are synchronous,
// read-only reads of replayed state and never append history.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, worker and timer loop into
// a single process-local runtime for development and unit tests. It is
// intentionally not crash-durable.
//
// For the HTTP surface see internal/gateway and the loomd command; for
// a remote worker use pkg/client with pkg/worker.
package loom
