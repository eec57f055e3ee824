// Package api defines the public data model of the loom orchestration
// engine: workflow executions, history events, activity tasks, timers,
// retry policies, the error taxonomy, and the Observer interface used
// for logging and metrics.
//
// The package is intentionally dependency-light so that workflow and
// activity authors can import it without pulling in engine internals.
package api
