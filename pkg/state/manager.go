package state

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shelfhand/shelfhand/pkg/events"
	"github.com/shelfhand/shelfhand/pkg/log"
	"github.com/shelfhand/shelfhand/pkg/metrics"
	"github.com/shelfhand/shelfhand/pkg/storage"
	"github.com/shelfhand/shelfhand/pkg/types"
)

// TaskScheduler is the slice of the scheduler the state manager needs to
// queue next-stage work. The concrete scheduler is injected after both are
// constructed.
type TaskScheduler interface {
	Schedule(stage types.Stage, itemID uint64, priority int, delay time.Duration) error
	CancelTasksForItem(itemID uint64, reason string) int
}

// PriorityNormal is the default task priority for stage hand-offs
const PriorityNormal = 5

// Change describes one requested transition
type Change struct {
	To             types.Status
	Reason         string
	Error          string
	ProcessingTime time.Duration
	RetryCount     int
}

// nextStage maps a _COMPLETE precursor to its implicit pre-queue state and
// the stage to schedule
var nextStage = map[types.Status]struct {
	queued types.Status
	stage  types.Stage
}{
	types.StatusDetailComplete:   {types.StatusSearchQueued, types.StageSearch},
	types.StatusSearchComplete:   {types.StatusDownloadQueued, types.StageDownload},
	types.StatusDownloadComplete: {types.StatusUploadQueued, types.StageUpload},
}

// producerActive guards the implicit pre-queue: a _COMPLETE state only
// hands off to the next stage when reached from its producing active
// state. Rollbacks into SEARCH_COMPLETE must not bounce the item straight
// back into the download queue.
var producerActive = map[types.Status]types.Status{
	types.StatusDetailComplete:   types.StatusDetailFetching,
	types.StatusSearchComplete:   types.StatusSearchActive,
	types.StatusDownloadComplete: types.StatusDownloadActive,
}

// activeToQueued maps every in-flight state to its recovery target
var activeToQueued = map[types.Status]types.Status{
	types.StatusDetailFetching: types.StatusNew,
	types.StatusSearchActive:   types.StatusSearchQueued,
	types.StatusDownloadActive: types.StatusDownloadQueued,
	types.StatusUploadActive:   types.StatusUploadQueued,
}

// validTransitions holds the non-permanent-fail edges of the state machine.
// Edges into FAILED_PERMANENT and out of it are handled as rules in
// CanTransition.
var validTransitions = map[types.Status][]types.Status{
	types.StatusNew:            {types.StatusDetailFetching},
	types.StatusDetailFetching: {types.StatusDetailComplete, types.StatusNew},
	types.StatusDetailComplete: {types.StatusSearchQueued},

	types.StatusSearchQueued: {types.StatusSearchActive, types.StatusSearchQueued},
	types.StatusSearchActive: {types.StatusSearchComplete, types.StatusSearchNoResults,
		types.StatusSearchQueued, types.StatusSkippedExists},
	types.StatusSearchComplete: {types.StatusDownloadQueued,
		types.StatusSearchCompleteQuotaExhausted},
	types.StatusSearchCompleteQuotaExhausted: {types.StatusDownloadQueued,
		types.StatusSearchComplete},
	types.StatusSearchNoResults: {types.StatusSearchQueued},

	types.StatusDownloadQueued: {types.StatusDownloadActive, types.StatusDownloadQueued,
		types.StatusSearchComplete, types.StatusSearchCompleteQuotaExhausted},
	types.StatusDownloadActive: {types.StatusDownloadComplete, types.StatusDownloadFailed,
		types.StatusDownloadQueued, types.StatusSearchComplete,
		types.StatusSearchCompleteQuotaExhausted},
	types.StatusDownloadFailed:   {types.StatusDownloadQueued, types.StatusSearchComplete},
	types.StatusDownloadComplete: {types.StatusUploadQueued},

	types.StatusUploadQueued: {types.StatusUploadActive, types.StatusUploadQueued},
	types.StatusUploadActive: {types.StatusUploadComplete, types.StatusUploadFailed,
		types.StatusUploadQueued, types.StatusSkippedExists},
	types.StatusUploadFailed:   {types.StatusUploadQueued},
	types.StatusUploadComplete: {types.StatusCompleted},
}

// resetTargets are the states FAILED_PERMANENT may be re-opened into
var resetTargets = map[types.Status]bool{
	types.StatusNew:            true,
	types.StatusSearchQueued:   true,
	types.StatusDownloadQueued: true,
	types.StatusUploadQueued:   true,
}

// CanTransition reports whether the edge from → to is legal
func CanTransition(from, to types.Status) bool {
	if from == types.StatusCompleted || from == types.StatusSkippedExists {
		return false
	}
	if from == types.StatusFailedPermanent {
		return resetTargets[to]
	}
	if to == types.StatusFailedPermanent {
		return true
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Manager guards the item state machine. It is the sole writer of
// item.status and status_history rows.
type Manager struct {
	store  *storage.Store
	broker *events.Broker
	sched  TaskScheduler
	delay  time.Duration
	logger zerolog.Logger
}

// NewManager creates a state manager. The scheduler is wired later via
// SetScheduler.
func NewManager(store *storage.Store, broker *events.Broker, stageTaskDelay time.Duration) *Manager {
	return &Manager{
		store:  store,
		broker: broker,
		delay:  stageTaskDelay,
		logger: log.WithComponent("state"),
	}
}

// SetScheduler injects the task scheduler after construction
func (m *Manager) SetScheduler(s TaskScheduler) {
	m.sched = s
}

// Transition applies one state change in its own transaction and, on
// commit, runs the hand-off side effects: the implicit pre-queue into the
// next stage's QUEUED state and the scheduling of the next-stage task.
// Invalid edges return (false, nil) and are only logged.
func (m *Manager) Transition(itemID uint64, ch Change) (bool, error) {
	var applied bool
	var from types.Status
	err := m.store.WithTx(func(tx *storage.Store) error {
		var err error
		applied, from, err = m.transitionTx(tx, itemID, ch)
		return err
	})
	if err != nil || !applied {
		return applied, err
	}
	m.afterCommit(itemID, from, ch.To)
	return true, nil
}

// TransitionTx applies one state change inside an already-open transaction.
// The caller is responsible for invoking AfterCommit once the transaction
// has committed.
func (m *Manager) TransitionTx(tx *storage.Store, itemID uint64, ch Change) (bool, error) {
	applied, _, err := m.transitionTx(tx, itemID, ch)
	return applied, err
}

func (m *Manager) transitionTx(tx *storage.Store, itemID uint64, ch Change) (bool, types.Status, error) {
	book, err := tx.GetBook(itemID)
	if err != nil {
		return false, "", fmt.Errorf("failed to load item %d: %w", itemID, err)
	}
	if book == nil {
		return false, "", fmt.Errorf("item %d does not exist", itemID)
	}

	from := book.Status
	if !CanTransition(from, ch.To) {
		m.logger.Error().
			Uint64("item_id", itemID).
			Str("from", string(from)).
			Str("to", string(ch.To)).
			Str("reason", ch.Reason).
			Msg("invalid transition rejected")
		return false, from, nil
	}

	book.Status = ch.To
	if ch.Error != "" {
		book.LastError = ch.Error
	}
	if ch.RetryCount > 0 {
		book.RetryCount = ch.RetryCount
	}
	book.UpdatedAt = time.Now()
	if err := tx.SaveBook(book); err != nil {
		return false, from, fmt.Errorf("failed to update item %d: %w", itemID, err)
	}

	h := &types.StatusHistory{
		ItemID:         itemID,
		OldStatus:      from,
		NewStatus:      ch.To,
		Reason:         ch.Reason,
		ErrorMessage:   ch.Error,
		ProcessingTime: ch.ProcessingTime.Seconds(),
		RetryCount:     ch.RetryCount,
		CreatedAt:      time.Now(),
	}
	if err := tx.AppendHistory(h); err != nil {
		return false, from, fmt.Errorf("failed to append history for item %d: %w", itemID, err)
	}

	m.logger.Debug().
		Uint64("item_id", itemID).
		Str("from", string(from)).
		Str("to", string(ch.To)).
		Str("reason", ch.Reason).
		Msg("transition applied")
	return true, from, nil
}

// AfterCommit runs the post-commit side effects for a transition applied
// via TransitionTx
func (m *Manager) AfterCommit(itemID uint64, from, to types.Status) {
	m.afterCommit(itemID, from, to)
}

func (m *Manager) afterCommit(itemID uint64, from, to types.Status) {
	metrics.TransitionsTotal.WithLabelValues(string(to)).Inc()
	m.publish(itemID, from, to)

	// terminal hand-off: upload done means the pipeline is finished
	if to == types.StatusUploadComplete {
		if _, err := m.Transition(itemID, Change{To: types.StatusCompleted, Reason: "pipeline complete"}); err != nil {
			m.logger.Error().Err(err).Uint64("item_id", itemID).Msg("failed to finalize item")
		}
		return
	}

	next, ok := nextStage[to]
	if !ok || from != producerActive[to] {
		return
	}

	// implicit pre-queue: written directly so it cannot re-trigger itself
	var applied bool
	err := m.store.WithTx(func(tx *storage.Store) error {
		var err error
		applied, _, err = m.transitionTx(tx, itemID, Change{
			To:     next.queued,
			Reason: fmt.Sprintf("pre-queue for %s stage", next.stage),
		})
		return err
	})
	if err != nil {
		m.logger.Error().Err(err).Uint64("item_id", itemID).Msg("failed to pre-queue next stage")
		return
	}
	if !applied {
		return
	}
	m.publish(itemID, to, next.queued)
	metrics.TransitionsTotal.WithLabelValues(string(next.queued)).Inc()

	if m.sched == nil {
		return
	}
	// download tasks inherit the queue entry's score-derived priority
	prio := PriorityNormal
	if next.stage == types.StageDownload {
		if e, err := m.store.GetQueueEntry(itemID); err == nil && e != nil {
			prio = e.Priority
		}
	}
	// the delay gives the committed row time to be visible to workers
	if err := m.sched.Schedule(next.stage, itemID, prio, m.delay); err != nil {
		m.logger.Error().Err(err).
			Uint64("item_id", itemID).
			Str("stage", string(next.stage)).
			Msg("failed to schedule next stage task")
	}
}

func (m *Manager) publish(itemID uint64, from, to types.Status) {
	if m.broker == nil {
		return
	}
	meta := map[string]string{
		"item_id": fmt.Sprintf("%d", itemID),
		"from":    string(from),
		"to":      string(to),
	}
	m.broker.Publish(&events.Event{
		Type:     events.EventItemTransition,
		Message:  fmt.Sprintf("item %d: %s → %s", itemID, from, to),
		Metadata: meta,
	})

	var extra events.EventType
	switch to {
	case types.StatusCompleted:
		extra = events.EventItemCompleted
	case types.StatusFailedPermanent:
		extra = events.EventItemFailed
	case types.StatusSkippedExists:
		extra = events.EventItemSkipped
	default:
		return
	}
	m.broker.Publish(&events.Event{
		Type:     extra,
		Message:  fmt.Sprintf("item %d is %s", itemID, to),
		Metadata: meta,
	})
}

// ---- lookups ----

// ItemsByStatus returns items in any of the given states
func (m *Manager) ItemsByStatus(statuses []types.Status, limit int) ([]types.Book, error) {
	return m.store.ListBooksByStatus(statuses, limit)
}

// ItemsByStage returns items currently inside a stage's acceptable set
func (m *Manager) ItemsByStage(stage types.Stage) ([]types.Book, error) {
	return m.store.ListBooksByStatus(stage.AcceptableStates(), 0)
}

// Histogram returns the item count per status
func (m *Manager) Histogram() (map[types.Status]int64, error) {
	return m.store.CountBooksByStatus()
}

// RecentHistory returns the newest transitions across all items
func (m *Manager) RecentHistory(limit int) ([]types.StatusHistory, error) {
	return m.store.RecentHistory(limit)
}

// ---- reconciliation helpers ----

// RecoverFromCrash maps every in-flight item back to its queued state.
// Applying it twice is a no-op the second time.
func (m *Manager) RecoverFromCrash() (int, error) {
	statuses := make([]types.Status, 0, len(activeToQueued))
	for s := range activeToQueued {
		statuses = append(statuses, s)
	}
	return m.resetActive(statuses, time.Time{}, "crash recovery")
}

// ResetStuck recovers ACTIVE items not touched for olderThan.
// DETAIL_FETCHING is excluded: it has its own, much longer stale window.
func (m *Manager) ResetStuck(olderThan time.Duration) (int, error) {
	statuses := []types.Status{
		types.StatusSearchActive, types.StatusDownloadActive, types.StatusUploadActive,
	}
	return m.resetActive(statuses, time.Now().Add(-olderThan), "stuck active reset")
}

func (m *Manager) resetActive(statuses []types.Status, cutoff time.Time, reason string) (int, error) {
	var books []types.Book
	var err error
	if cutoff.IsZero() {
		books, err = m.store.ListBooksByStatus(statuses, 0)
	} else {
		books, err = m.store.ListBooksUpdatedBefore(statuses, cutoff)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to list in-flight items: %w", err)
	}

	n := 0
	for _, b := range books {
		applied, err := m.Transition(b.ID, Change{To: activeToQueued[b.Status], Reason: reason})
		if err != nil {
			m.logger.Error().Err(err).Uint64("item_id", b.ID).Msg("failed to recover item")
			continue
		}
		if applied {
			n++
		}
	}
	return n, nil
}

// ResetStaleDetailFetching resets items stuck in DETAIL_FETCHING for
// olderThan back to NEW. The retry counter is left as is; only the state
// resets.
func (m *Manager) ResetStaleDetailFetching(olderThan time.Duration) (int, error) {
	books, err := m.store.ListBooksUpdatedBefore(
		[]types.Status{types.StatusDetailFetching}, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale detail items: %w", err)
	}

	n := 0
	for _, b := range books {
		applied, err := m.Transition(b.ID, Change{To: types.StatusNew, Reason: "stale detail fetching reset"})
		if err != nil {
			m.logger.Error().Err(err).Uint64("item_id", b.ID).Msg("failed to reset stale item")
			continue
		}
		if applied {
			n++
		}
	}
	return n, nil
}

// RollbackDownloadsForLimit moves every item in the download stage back to
// SEARCH_COMPLETE after the remote download limit was exhausted
func (m *Manager) RollbackDownloadsForLimit(reason string) (int, error) {
	books, err := m.store.ListBooksByStatus([]types.Status{
		types.StatusDownloadQueued, types.StatusDownloadActive, types.StatusDownloadFailed,
	}, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list download items: %w", err)
	}

	n := 0
	for _, b := range books {
		applied, err := m.Transition(b.ID, Change{To: types.StatusSearchComplete, Reason: reason})
		if err != nil {
			m.logger.Error().Err(err).Uint64("item_id", b.ID).Msg("failed to roll back item")
			continue
		}
		if applied {
			n++
		}
	}
	return n, nil
}

// ResetItem re-opens a permanently failed item into one of the queued
// states and schedules the matching stage task
func (m *Manager) ResetItem(itemID uint64, to types.Status, reason string) error {
	if !resetTargets[to] {
		return fmt.Errorf("cannot reset an item into %s", to)
	}
	if m.sched != nil {
		m.sched.CancelTasksForItem(itemID, "item reset")
	}

	applied, err := m.Transition(itemID, Change{To: to, Reason: reason})
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("item %d is not in a resettable state", itemID)
	}

	if m.sched != nil {
		for _, stage := range types.Stages {
			if stage.QueuedState() != to {
				continue
			}
			if err := m.sched.Schedule(stage, itemID, PriorityNormal, 0); err != nil {
				return fmt.Errorf("failed to schedule %s after reset: %w", stage, err)
			}
		}
	}
	return nil
}

// RequeueDownloadRollbacks promotes every SEARCH_COMPLETE item to
// DOWNLOAD_QUEUED and schedules its download task. Used when a
// download-limit pause lifts; scheduling is deduplicated, so items
// already mid-hand-off are unaffected.
func (m *Manager) RequeueDownloadRollbacks(reason string) ([]uint64, error) {
	books, err := m.store.ListBooksByStatus([]types.Status{types.StatusSearchComplete}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list rolled-back items: %w", err)
	}

	var requeued []uint64
	for _, b := range books {
		applied, err := m.Transition(b.ID, Change{To: types.StatusDownloadQueued, Reason: reason})
		if err != nil {
			m.logger.Error().Err(err).Uint64("item_id", b.ID).Msg("failed to requeue item")
			continue
		}
		if !applied {
			continue
		}
		requeued = append(requeued, b.ID)
		if m.sched != nil {
			prio := PriorityNormal
			if e, err := m.store.GetQueueEntry(b.ID); err == nil && e != nil {
				prio = e.Priority
			}
			if err := m.sched.Schedule(types.StageDownload, b.ID, prio, m.delay); err != nil {
				m.logger.Error().Err(err).Uint64("item_id", b.ID).Msg("failed to schedule requeued download")
			}
		}
	}
	return requeued, nil
}

// ResumeQuotaExhausted moves every quota-blocked item back to
// DOWNLOAD_QUEUED and schedules a download task for each. Returns the
// resumed item ids.
func (m *Manager) ResumeQuotaExhausted() ([]uint64, error) {
	books, err := m.store.ListBooksByStatus(
		[]types.Status{types.StatusSearchCompleteQuotaExhausted}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list quota-blocked items: %w", err)
	}

	var resumed []uint64
	for _, b := range books {
		applied, err := m.Transition(b.ID, Change{To: types.StatusDownloadQueued, Reason: "quota recovered"})
		if err != nil {
			m.logger.Error().Err(err).Uint64("item_id", b.ID).Msg("failed to resume item")
			continue
		}
		if !applied {
			continue
		}
		resumed = append(resumed, b.ID)
		if m.sched != nil {
			if err := m.sched.Schedule(types.StageDownload, b.ID, PriorityNormal, m.delay); err != nil {
				m.logger.Error().Err(err).Uint64("item_id", b.ID).Msg("failed to schedule resumed download")
			}
		}
	}
	return resumed, nil
}
