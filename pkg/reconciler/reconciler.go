package reconciler

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shelfhand/shelfhand/pkg/events"
	"github.com/shelfhand/shelfhand/pkg/log"
	"github.com/shelfhand/shelfhand/pkg/metrics"
	"github.com/shelfhand/shelfhand/pkg/scheduler"
	"github.com/shelfhand/shelfhand/pkg/state"
	"github.com/shelfhand/shelfhand/pkg/storage"
	"github.com/shelfhand/shelfhand/pkg/types"
)

// taskStatesNeverProcessed are item states no live task should point at
var taskStatesNeverProcessed = map[types.Status]bool{
	types.StatusCompleted:       true,
	types.StatusSkippedExists:   true,
	types.StatusFailedPermanent: true,
	types.StatusUploadComplete:  true,
	types.StatusSearchNoResults: true,
}

// Config tunes the reconciler
type Config struct {
	Interval         time.Duration
	StuckActiveAfter time.Duration
	StaleDetailAfter time.Duration
}

// Reconciler repairs drift between item states and task rows: crashed
// in-flight items, tasks pointing at moved-on items, and items stuck in
// transient states past their windows.
type Reconciler struct {
	store  *storage.Store
	state  *state.Manager
	sched  *scheduler.Scheduler
	broker *events.Broker
	cfg    Config

	stopCh    chan struct{}
	lastStale time.Time
	logger    zerolog.Logger
}

// New creates a reconciler
func New(store *storage.Store, st *state.Manager, sched *scheduler.Scheduler,
	broker *events.Broker, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.StuckActiveAfter <= 0 {
		cfg.StuckActiveAfter = 30 * time.Minute
	}
	if cfg.StaleDetailAfter <= 0 {
		cfg.StaleDetailAfter = 3 * time.Hour
	}
	return &Reconciler{
		store:  store,
		state:  st,
		sched:  sched,
		broker: broker,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		logger: log.WithComponent("reconciler"),
	}
}

// Start runs one immediate cycle, then begins the periodic loop
func (r *Reconciler) Start() {
	if err := r.Reconcile(); err != nil {
		r.logger.Error().Err(err).Msg("startup reconciliation failed")
	}
	go r.run()
}

// Stop stops the periodic loop
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one full cycle
func (r *Reconciler) Reconcile() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	repairs := 0

	n, err := r.state.ResetStuck(r.cfg.StuckActiveAfter)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to reset stuck items")
	} else if n > 0 {
		metrics.ReconcilerRepairs.WithLabelValues("stuck_reset").Add(float64(n))
		repairs += n
	}

	n, err = r.CleanupMismatchedTasks()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to clean up mismatched tasks")
	} else if n > 0 {
		metrics.ReconcilerRepairs.WithLabelValues("task_cancelled").Add(float64(n))
		repairs += n
	}

	// the stale-detail sweep runs hourly, not on every cycle
	if time.Since(r.lastStale) >= time.Hour {
		r.lastStale = time.Now()
		n, err = r.state.ResetStaleDetailFetching(r.cfg.StaleDetailAfter)
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to reset stale detail items")
		} else if n > 0 {
			metrics.ReconcilerRepairs.WithLabelValues("stale_detail_reset").Add(float64(n))
			repairs += n
		}
	}

	if repairs > 0 {
		r.logger.Info().Int("repairs", repairs).Msg("reconciliation repaired drift")
		if r.broker != nil {
			r.broker.Publish(&events.Event{
				Type:    events.EventReconcilerRepaired,
				Message: fmt.Sprintf("reconciler repaired %d inconsistencies", repairs),
			})
		}
	}
	return nil
}

// RecoverFromCrash resets every in-flight item to its queued state. Run
// once at startup before the scheduler begins dispatching.
func (r *Reconciler) RecoverFromCrash() (int, error) {
	n, err := r.state.RecoverFromCrash()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.ReconcilerRepairs.WithLabelValues("crash_recovery").Add(float64(n))
		r.logger.Info().Int("items", n).Msg("recovered in-flight items from previous run")
	}
	return n, nil
}

// CleanupMismatchedTasks cancels every live task whose item is gone,
// terminal, or no longer in the task stage's acceptable set. In-flight
// tasks are left to finish; the pre-dispatch re-check covers them.
func (r *Reconciler) CleanupMismatchedTasks() (int, error) {
	tasks, err := r.store.ListTasksByStatus([]types.TaskStatus{
		types.TaskStatusQueued, types.TaskStatusActive,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list live tasks: %w", err)
	}

	cancelled := 0
	for i := range tasks {
		task := tasks[i]
		if r.sched != nil && r.sched.IsInFlight(task.ID) {
			continue
		}

		book, err := r.store.GetBook(task.ItemID)
		if err != nil {
			r.logger.Error().Err(err).Uint64("task_id", task.ID).Msg("failed to load task item")
			continue
		}

		reason := ""
		switch {
		case book == nil:
			reason = "item no longer exists"
		case taskStatesNeverProcessed[book.Status]:
			reason = fmt.Sprintf("item is terminal (%s)", book.Status)
		case !task.Stage.Accepts(book.Status):
			reason = fmt.Sprintf("item state %s not acceptable for %s", book.Status, task.Stage)
		default:
			continue
		}

		if r.sched != nil && r.sched.CancelTask(task.ID, reason) {
			cancelled++
			continue
		}
		// not on the heap (e.g. an active row orphaned by a crash)
		now := time.Now()
		task.Status = types.TaskStatusCancelled
		task.ErrorMessage = reason
		task.CompletedAt = &now
		if err := r.store.UpdateTask(&task); err != nil {
			r.logger.Error().Err(err).Uint64("task_id", task.ID).Msg("failed to cancel orphaned task")
			continue
		}
		cancelled++
	}

	if cancelled > 0 {
		r.logger.Info().Int("tasks", cancelled).Msg("cancelled mismatched tasks")
	}
	return cancelled, nil
}
