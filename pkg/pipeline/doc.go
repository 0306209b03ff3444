/*
Package pipeline orchestrates the stage handlers on top of the task
scheduler.

Each registered handler runs through Execute: the item is reloaded and
re-validated inside a transaction, walked into the stage's active state,
processed, and moved to the handler's result state, all committing
together. Hand-off side effects (the next stage's pre-queue and task)
run after commit via the state manager.

The manager is also the scheduler's dispatch gate. A paused stage
dispatches nothing:

  - auth lockout: an auth-family handler error pauses the failing stage
    until an operator resumes it.
  - quota lockout: every N download dispatches the quota cache is probed;
    an exhausted allowance pauses the download stage. CheckQuotaRecovery
    later resumes it and requeues every parked item.
  - download limit: the remote's hard daily limit rolls every
    download-stage item back to SEARCH_COMPLETE, cancels queued download
    tasks and pauses the stage until the reported reset time; the
    daemon's ResumeDueStages sweep lifts the pause and requeues the
    rolled-back items once that time passes.
*/
package pipeline
