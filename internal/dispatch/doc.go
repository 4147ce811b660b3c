// Package dispatch serializes every outbound remote call onto one worker.
//
// Callers never block on IPC: they Post a task and return. The worker runs
// tasks one at a time ordered by due time, ties broken by submission order,
// so tasks posted with the same delay run strictly FIFO.
//
// Key features:
//   - Single worker goroutine, no interleaving between two calls on one connection
//   - Uniform default delay (config dispatch.task_delay) added to every task
//   - Per-task extra delay for deferred work
//   - Tasks receive a context cancelled when the dispatcher stops
//   - Panics inside a task are logged and do not stop the worker
//
// The default delay exists to let a freshly connected channel settle before the
// first call rides over it. It is a tunable, not a protocol requirement: the
// connection manager only posts after the connected callback has stored the
// handle, so zero is a valid setting.
//
// Lifecycle:
//   - Post before Start or after Stop is a logged no-op; use Ready to check
//   - Stop drops tasks that have not started yet
//   - A task that was queued against a connection that is later detached still
//     runs; the supply sink absorbs the stale reply
package dispatch
