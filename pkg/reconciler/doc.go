/*
Package reconciler provides drift detection and automatic repair for the
pipeline.

Item states and task rows are written by different components; crashes,
lost workers and racing operators can leave them pointing past each
other. The reconciler runs once at startup and then on a fixed interval,
repairing whatever it finds:

	┌────────────────────────────────────────────────────────────┐
	│                  Reconciliation Cycle                      │
	│                    (Every 60 seconds)                      │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	    ┌────────────┼──────────────────────┐
	    ▼            ▼                      ▼
	 stuck-active  mismatched tasks     stale detail
	 items reset   cancelled            items reset
	 to queued     (missing, terminal,  to NEW
	 (> 30 min)    or moved-on items)   (hourly, > 3 h)

Crash recovery is separate and runs once before the scheduler starts:
every item still in an in-flight state from the previous process maps
back to its queued state, and the startup task sweep requeues the work.

The mismatched-task sweep never touches in-flight tasks; the scheduler's
pre-dispatch state re-check covers those. Repairs are counted per action
in the reconciler metrics and announced on the event broker.
*/
package reconciler
