/*
Package state owns the per-item state machine.

Every item moves through a fixed graph:

	NEW → DETAIL_FETCHING → DETAIL_COMPLETE
	    → SEARCH_QUEUED → SEARCH_ACTIVE → SEARCH_COMPLETE | SEARCH_NO_RESULTS
	    → DOWNLOAD_QUEUED → DOWNLOAD_ACTIVE → DOWNLOAD_COMPLETE | DOWNLOAD_FAILED
	    → UPLOAD_QUEUED → UPLOAD_ACTIVE → UPLOAD_COMPLETE | UPLOAD_FAILED
	    → COMPLETED

plus SKIPPED_EXISTS (already in the library), FAILED_PERMANENT (any
non-terminal state, re-openable into a QUEUED state), and the quota pair
SEARCH_COMPLETE ↔ SEARCH_COMPLETE_QUOTA_EXHAUSTED.

The manager is the sole writer of item.status; every change lands together
with its status_history row in one transaction. When a stage commits a
_COMPLETE state the manager immediately pre-queues the next stage's QUEUED
state and schedules the next task after a short hand-off delay, so workers
always observe the committed row. Pre-queue writes never re-trigger
scheduling themselves.

The scheduler dependency is injected after construction (SetScheduler) to
break the mutual reference between state manager and task scheduler.
*/
package state
