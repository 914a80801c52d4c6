// Package progress carries run and fetch lifecycle events from the scheduler
// and its workers to display and metrics sinks. Events are batched on a
// background goroutine so emitting never blocks a fetch.
package progress
