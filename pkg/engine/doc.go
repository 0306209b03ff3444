/*
Package engine is the composition root: it wires the store, state
manager, scheduler, stage handlers, pipeline, reconciler and quota
manager from a single configuration and drives the two run modes.

RunOnce syncs the want list, drains every runnable task and exits; work
gated behind a paused stage (auth lockout, exhausted quota) is left for
a later run. RunDaemon keeps the same machinery alive indefinitely,
adding the periodic want-list sync, quota recovery probes, the
reconciler loop and the optional Prometheus listener.

Both modes begin with crash recovery and a task sweep, so a process
killed mid-transfer resumes exactly where its items stand in the store.
*/
package engine
