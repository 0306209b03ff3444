/*
Package scheduler provides the priority task scheduler driving the
pipeline stages.

Tasks are durable rows mirrored into an in-memory min-heap ordered by
(next_run_time, -priority, created_at). A single dispatcher loop drains
due tasks into per-stage handlers running on a bounded worker pool; the
dispatcher itself never blocks on handler I/O.

# Architecture

The dispatcher wakes on a fixed 500 ms tick and drains everything due:

	┌────────────────────────────────────────────────────────────┐
	│                   Dispatcher Loop                          │
	│                  (Every 500 ms tick)                       │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	                 ▼
	┌────────────────────────────────────────────────────────────┐
	│  1. Peek heap top; stop when nothing is due               │
	│  2. Ask the pipeline gate; paused stages push back 30 s   │
	│  3. Acquire a worker slot (max_concurrent_tasks)          │
	│  4. Re-check the item's committed state for the stage     │
	│     • not acceptable → cancel the task, never fail it     │
	│  5. Run the handler on a worker goroutine                 │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	    ┌────────────┼────────────────┐
	    ▼            ▼                ▼
	 success      retryable        permanent
	 task row     classify +       task row
	 completed    requeue with     failed
	              backoff

# Retry Policy

Handler errors are classified by pkg/faults. Non-retryable kinds fail
the task immediately. Retryable kinds re-enqueue with the classifier's
backoff, capped at five minutes; the classifier's retry budget overrides
the task's default of three when set. A stale-state error gets two short
linear retries (10 s, 15 s) before the task is cancelled, leaving the
item untouched. A download-limit error fails the task and fires the
pipeline's limit callback, which rolls affected items back and pauses
the download stage until the reported reset time.

# Single-Flight

Schedule is idempotent per (item, stage): when a queued or active task
already exists for the pair, the call is a no-op. The pipeline relies on
this to requeue freely after a crash without creating duplicates.

# Persistence

Every lifecycle edge (queued, active, completed, failed, cancelled)
writes through to the task's store row with started/completed timestamps
and the worker id, so a restarted process rebuilds the heap from queued
rows and the reconciler can spot active rows with no in-flight owner. A
periodic sweep deletes completed and cancelled rows after two hours and
exhausted failed rows after a day.

# Ordering

Tasks sharing a run time dispatch by priority descending, then creation
time ascending. Priority is advisory; the scheduler makes no fairness
guarantee across items beyond the heap order.
*/
package scheduler
