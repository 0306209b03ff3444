package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/shelfhand/shelfhand/pkg/events"
	"github.com/shelfhand/shelfhand/pkg/faults"
	"github.com/shelfhand/shelfhand/pkg/log"
	"github.com/shelfhand/shelfhand/pkg/metrics"
	"github.com/shelfhand/shelfhand/pkg/quota"
	"github.com/shelfhand/shelfhand/pkg/scheduler"
	"github.com/shelfhand/shelfhand/pkg/stages"
	"github.com/shelfhand/shelfhand/pkg/state"
	"github.com/shelfhand/shelfhand/pkg/storage"
	"github.com/shelfhand/shelfhand/pkg/types"
)

// Config tunes the pipeline manager
type Config struct {
	MaxWorkers      int
	QuotaCheckEvery int
}

// Manager orchestrates the stage handlers: it wraps each handler in the
// transactional execution path, gates dispatch through the paused-stages
// map, and reacts to quota, auth and download-limit failures.
type Manager struct {
	store  *storage.Store
	state  *state.Manager
	sched  *scheduler.Scheduler
	quota  *quota.Manager
	broker *events.Broker
	cfg    Config

	sem *semaphore.Weighted

	mu                 sync.Mutex
	paused             map[types.Stage]string
	resumeAt           map[types.Stage]time.Time
	downloadDispatches int

	logger zerolog.Logger
}

// New creates a pipeline manager and wires it into the scheduler as the
// dispatch gate and download-limit callback
func New(store *storage.Store, st *state.Manager, sched *scheduler.Scheduler,
	qm *quota.Manager, broker *events.Broker, cfg Config) *Manager {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QuotaCheckEvery <= 0 {
		cfg.QuotaCheckEvery = 10
	}
	p := &Manager{
		store:    store,
		state:    st,
		sched:    sched,
		quota:    qm,
		broker:   broker,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		paused:   make(map[types.Stage]string),
		resumeAt: make(map[types.Stage]time.Time),
		logger:   log.WithComponent("pipeline"),
	}
	if sched != nil {
		sched.SetGate(p)
		sched.SetLimitCallback(p.onLimitExhausted)
	}
	return p
}

// Register binds a stage handler into the scheduler
func (p *Manager) Register(h stages.Handler) {
	p.sched.RegisterHandler(h.Stage(), func(ctx context.Context, task *types.Task) error {
		return p.Execute(ctx, h, task)
	})
}

// CanDispatch implements scheduler.Gate: a paused stage dispatches nothing
func (p *Manager) CanDispatch(stage types.Stage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, paused := p.paused[stage]
	return !paused
}

// PauseStage stops dispatch for a stage until ResumeStage
func (p *Manager) PauseStage(stage types.Stage, reason string) {
	p.mu.Lock()
	already := p.paused[stage]
	p.paused[stage] = reason
	p.mu.Unlock()

	metrics.StagePaused.WithLabelValues(string(stage)).Set(1)
	if already != "" {
		return
	}
	p.logger.Warn().Str("stage", string(stage)).Str("reason", reason).Msg("stage paused")
	if p.broker != nil {
		p.broker.Publish(&events.Event{
			Type:     events.EventStagePaused,
			Message:  fmt.Sprintf("stage %s paused: %s", stage, reason),
			Metadata: map[string]string{"stage": string(stage), "reason": reason},
		})
	}
}

// PauseStageUntil pauses a stage with a timed auto-resume; the daemon's
// periodic ResumeDueStages sweep lifts it once the time passes
func (p *Manager) PauseStageUntil(stage types.Stage, reason string, at time.Time) {
	p.PauseStage(stage, reason)
	p.mu.Lock()
	p.resumeAt[stage] = at
	p.mu.Unlock()
}

// ResumeStage re-enables dispatch for a stage
func (p *Manager) ResumeStage(stage types.Stage) {
	p.mu.Lock()
	_, wasPaused := p.paused[stage]
	delete(p.paused, stage)
	delete(p.resumeAt, stage)
	p.mu.Unlock()

	metrics.StagePaused.WithLabelValues(string(stage)).Set(0)
	if !wasPaused {
		return
	}
	p.logger.Info().Str("stage", string(stage)).Msg("stage resumed")
	if p.broker != nil {
		p.broker.Publish(&events.Event{
			Type:     events.EventStageResumed,
			Message:  fmt.Sprintf("stage %s resumed", stage),
			Metadata: map[string]string{"stage": string(stage)},
		})
	}
}

// PausedStages returns a copy of the paused-stages map
func (p *Manager) PausedStages() map[types.Stage]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[types.Stage]string, len(p.paused))
	for s, r := range p.paused {
		out[s] = r
	}
	return out
}

// Execute runs one stage handler against one item. The item's state
// walk (queued, active, result) and the handler's domain writes commit
// in a single transaction; hand-off side effects run after commit.
func (p *Manager) Execute(ctx context.Context, h stages.Handler, task *types.Task) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	stage := h.Stage()
	if stage == types.StageDownload {
		p.maybeCheckQuota(ctx)
	}

	start := time.Now()
	var out *stages.Outcome
	err := p.store.WithTx(func(tx *storage.Store) error {
		book, err := tx.GetBook(task.ItemID)
		if err != nil {
			return fmt.Errorf("failed to load item %d: %w", task.ItemID, err)
		}
		if book == nil {
			return &faults.StatusMismatchError{ItemID: task.ItemID, Stage: stage}
		}
		if !stage.Accepts(book.Status) {
			return &faults.StatusMismatchError{ItemID: task.ItemID, Stage: stage, Status: book.Status}
		}

		if err := p.enterActive(tx, stage, book); err != nil {
			return err
		}

		out, err = h.Process(ctx, tx, book)
		if err != nil {
			return err
		}

		applied, err := p.state.TransitionTx(tx, task.ItemID, state.Change{
			To:             out.Next,
			Reason:         out.Reason,
			ProcessingTime: time.Since(start),
		})
		if err != nil {
			return err
		}
		if !applied {
			return fmt.Errorf("transition %s → %s rejected for item %d",
				stage.ActiveState(), out.Next, task.ItemID)
		}
		return nil
	})

	metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.StageExecutions.WithLabelValues(string(stage), "error").Inc()
		p.handleFailure(stage, task, err)
		return err
	}

	metrics.StageExecutions.WithLabelValues(string(stage), "success").Inc()
	p.state.AfterCommit(task.ItemID, stage.ActiveState(), out.Next)
	return nil
}

// enterActive walks the item into the stage's active state, inserting
// the queued hop when the task caught the item still in its hand-off
// _COMPLETE state
func (p *Manager) enterActive(tx *storage.Store, stage types.Stage, book *types.Book) error {
	hops := make([]types.Status, 0, 2)
	if book.Status != stage.ActiveState() && book.Status != stage.QueuedState() {
		hops = append(hops, stage.QueuedState())
	}
	if book.Status != stage.ActiveState() {
		hops = append(hops, stage.ActiveState())
	}
	for _, to := range hops {
		applied, err := p.state.TransitionTx(tx, book.ID, state.Change{
			To:     to,
			Reason: fmt.Sprintf("%s stage dispatch", stage),
		})
		if err != nil {
			return err
		}
		if !applied {
			return &faults.StatusMismatchError{ItemID: book.ID, Stage: stage, Status: book.Status}
		}
		book.Status = to
	}
	return nil
}

// handleFailure applies the item-state consequence of a handler error.
// Task-row bookkeeping is the scheduler's job; this mirrors the same
// classification for the item itself.
func (p *Manager) handleFailure(stage types.Stage, task *types.Task, err error) {
	switch {
	case faults.IsStatusMismatch(err):
		// the item moved on; nothing to repair
		return

	case faults.IsLimitExhausted(err):
		// the scheduler's limit callback sweeps every download item back,
		// this one included
		return

	case faults.IsAuth(err):
		p.PauseStage(stage, err.Error())
		if p.broker != nil {
			p.broker.Publish(&events.Event{
				Type:     events.EventAuthLockout,
				Message:  fmt.Sprintf("auth failure on stage %s: %v", stage, err),
				Metadata: map[string]string{"stage": string(stage)},
			})
		}
		// park the item for a retry once an operator resumes the stage
		p.transitionAfterFailure(task, stage.QueuedState(), err, task.RetryCount)
		return
	}

	if stage == types.StageDownload {
		p.recordDownloadFailure(task.ItemID, err)
	}

	info := faults.Classify(err)
	budget := task.MaxRetries
	if info.MaxRetries > 0 {
		budget = info.MaxRetries
	}
	if info.Retryable && task.RetryCount+1 <= budget {
		p.transitionAfterFailure(task, stage.QueuedState(), err, task.RetryCount+1)
		return
	}
	p.transitionAfterFailure(task, types.StatusFailedPermanent, err, task.RetryCount)
}

func (p *Manager) transitionAfterFailure(task *types.Task, to types.Status, cause error, retries int) {
	applied, err := p.state.Transition(task.ItemID, state.Change{
		To:         to,
		Reason:     fmt.Sprintf("%s stage failed", task.Stage),
		Error:      cause.Error(),
		RetryCount: retries,
	})
	if err != nil {
		p.logger.Error().Err(err).Uint64("item_id", task.ItemID).Msg("failed to record stage failure")
		return
	}
	if !applied {
		p.logger.Debug().
			Uint64("item_id", task.ItemID).
			Str("to", string(to)).
			Msg("failure transition not applicable")
	}
}

// recordDownloadFailure marks the queue entry failed and writes a
// failed download record. The stage transaction rolled back with the
// error, so this runs in its own short transaction.
func (p *Manager) recordDownloadFailure(itemID uint64, cause error) {
	kind := faults.Classify(cause).Kind
	if kind == faults.KindQuotaCheckFailed || kind == faults.KindDataMissing {
		// the transfer never started; the queue entry is untouched or absent
		return
	}
	err := p.store.WithTx(func(tx *storage.Store) error {
		entry, err := tx.GetQueueEntry(itemID)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		entry.Status = types.QueueStatusFailed
		entry.ErrorMessage = cause.Error()
		entry.RetryCount++
		if err := tx.UpdateQueueEntry(entry); err != nil {
			return err
		}
		rec := &types.DownloadRecord{
			ItemID:       itemID,
			Status:       "failed",
			ErrorMessage: cause.Error(),
		}
		if res, err := tx.GetSearchResult(entry.SearchResultID); err == nil && res != nil {
			rec.ExternalID = res.ExternalID
			rec.Format = res.Extension
		}
		return tx.CreateDownloadRecord(rec)
	})
	if err != nil {
		p.logger.Error().Err(err).Uint64("item_id", itemID).Msg("failed to record download failure")
	}
}

// maybeCheckQuota probes the quota cache every N download dispatches and
// pauses the download stage when the allowance is gone
func (p *Manager) maybeCheckQuota(ctx context.Context) {
	p.mu.Lock()
	p.downloadDispatches++
	due := p.downloadDispatches%p.cfg.QuotaCheckEvery == 0
	p.mu.Unlock()
	if !due || p.quota == nil {
		return
	}

	if p.quota.HasQuota() {
		return
	}
	q, err := p.quota.Current(ctx, false)
	if err != nil {
		p.logger.Warn().Err(err).Msg("periodic quota check failed")
		return
	}
	if q.Remaining > 0 {
		return
	}

	p.PauseStage(types.StageDownload, "quota exhausted")
	if p.broker != nil {
		p.broker.Publish(&events.Event{
			Type:    events.EventQuotaExhausted,
			Message: "daily download quota exhausted, download stage paused",
		})
	}
}

// CheckQuotaRecovery re-probes the quota while items sit parked on an
// exhausted allowance. Items park one by one as the download handler
// hits the wall, so the stage itself may never have been paused; a
// stage paused for any non-quota reason is left alone. On recovery it
// resumes the stage if needed and requeues every parked item. Called
// periodically by the daemon loop.
func (p *Manager) CheckQuotaRecovery(ctx context.Context) {
	if p.quota == nil {
		return
	}
	p.mu.Lock()
	reason, paused := p.paused[types.StageDownload]
	p.mu.Unlock()
	if paused && !strings.Contains(reason, "quota") {
		return
	}
	if !paused {
		parked, err := p.state.ItemsByStatus(
			[]types.Status{types.StatusSearchCompleteQuotaExhausted}, 1)
		if err != nil || len(parked) == 0 {
			return
		}
	}

	q, err := p.quota.Current(ctx, true)
	if err != nil || q.Remaining <= 0 {
		return
	}

	if paused {
		p.ResumeStage(types.StageDownload)
	}
	resumed, err := p.state.ResumeQuotaExhausted()
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to resume quota-blocked items")
		return
	}
	p.logger.Info().Int("items", len(resumed)).Msg("quota recovered, downloads resumed")
	if p.broker != nil {
		p.broker.Publish(&events.Event{
			Type:    events.EventQuotaRecovered,
			Message: fmt.Sprintf("quota recovered, %d items requeued", len(resumed)),
		})
	}
}

// ResumeDueStages lifts every timed pause whose reset time has passed.
// A resumed download stage gets its rolled-back items requeued. Called
// periodically by the daemon loop.
func (p *Manager) ResumeDueStages() int {
	now := time.Now()
	p.mu.Lock()
	var due []types.Stage
	for stage, at := range p.resumeAt {
		if now.After(at) {
			due = append(due, stage)
		}
	}
	p.mu.Unlock()

	for _, stage := range due {
		p.ResumeStage(stage)
		if stage != types.StageDownload {
			continue
		}
		requeued, err := p.state.RequeueDownloadRollbacks("download limit reset")
		if err != nil {
			p.logger.Error().Err(err).Msg("failed to requeue rolled-back downloads")
			continue
		}
		p.logger.Info().Int("items", len(requeued)).Msg("download limit reset, downloads requeued")
	}
	return len(due)
}

// onLimitExhausted is the scheduler's download-limit callback: roll every
// download-stage item back, drop queued download tasks, and pause the
// stage until the reported reset time
func (p *Manager) onLimitExhausted(resetAt *time.Time) {
	reason := "download limit exhausted"
	if resetAt != nil {
		reason = fmt.Sprintf("download limit exhausted, resets at %s", resetAt.Format(time.RFC3339))
	}

	rolledBack, err := p.state.RollbackDownloadsForLimit(reason)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to roll back download items")
	}
	cancelled := p.sched.CancelQueuedByStage(types.StageDownload, reason)
	if resetAt != nil {
		p.PauseStageUntil(types.StageDownload, reason, *resetAt)
	} else {
		p.PauseStage(types.StageDownload, reason)
	}
	p.quota.ResetCache()

	p.logger.Warn().
		Int("rolled_back", rolledBack).
		Int("cancelled_tasks", cancelled).
		Str("reason", reason).
		Msg("download limit exhausted")
	if p.broker != nil {
		p.broker.Publish(&events.Event{
			Type:     events.EventDownloadLimitHit,
			Message:  reason,
			Metadata: map[string]string{"rolled_back": fmt.Sprintf("%d", rolledBack)},
		})
	}
}
