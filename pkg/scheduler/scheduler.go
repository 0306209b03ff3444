package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/shelfhand/shelfhand/pkg/faults"
	"github.com/shelfhand/shelfhand/pkg/log"
	"github.com/shelfhand/shelfhand/pkg/metrics"
	"github.com/shelfhand/shelfhand/pkg/storage"
	"github.com/shelfhand/shelfhand/pkg/types"
)

// Handler executes one task. A nil return marks the task completed; any
// error is classified into a retry decision.
type Handler func(ctx context.Context, task *types.Task) error

// Gate is consulted immediately before dispatch. A false answer pushes the
// task back without consuming a retry; the pipeline implements it with its
// paused-stages map.
type Gate interface {
	CanDispatch(stage types.Stage) bool
}

// LimitCallback fires when a handler reports the remote download limit
// exhausted
type LimitCallback func(resetAt *time.Time)

// Config tunes the scheduler
type Config struct {
	MaxConcurrent    int
	TickInterval     time.Duration
	GCInterval       time.Duration
	GCCompletedAfter time.Duration
	GCFailedAfter    time.Duration
	StopTimeout      time.Duration
}

// DefaultMaxRetries is the task retry budget when the error kind does not
// override it
const DefaultMaxRetries = 3

// gateDeferDelay is how far a task is pushed back when its stage is paused
const gateDeferDelay = 30 * time.Second

// schedulerRetryCap bounds computed retry delays
const schedulerRetryCap = 300 * time.Second

// Stats is a snapshot of scheduler activity for status output
type Stats struct {
	QueueDepth int
	Active     int
	Counts     map[types.TaskStatus]int64
}

// Scheduler drains a priority heap of due tasks into per-stage handlers on
// a bounded worker pool. Every task lifecycle edge mirrors to its store row.
type Scheduler struct {
	store *storage.Store
	cfg   Config

	mu       sync.Mutex
	heap     taskHeap
	inFlight map[uint64]*types.Task
	handlers map[types.Stage]Handler

	gate    Gate
	limitCb LimitCallback

	sem      *semaphore.Weighted
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc

	workerID string
	logger   zerolog.Logger
}

// New creates a scheduler
func New(store *storage.Store, cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 500 * time.Millisecond
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 12 * time.Hour
	}
	if cfg.GCCompletedAfter <= 0 {
		cfg.GCCompletedAfter = 2 * time.Hour
	}
	if cfg.GCFailedAfter <= 0 {
		cfg.GCFailedAfter = 24 * time.Hour
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:      store,
		cfg:        cfg,
		inFlight:   make(map[uint64]*types.Task),
		handlers:   make(map[types.Stage]Handler),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		stopCh:     make(chan struct{}),
		baseCtx:    ctx,
		cancelBase: cancel,
		workerID:   uuid.New().String(),
		logger:     log.WithComponent("scheduler"),
	}
}

// RegisterHandler binds a stage to its handler
func (s *Scheduler) RegisterHandler(stage types.Stage, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[stage] = h
}

// SetGate installs the dispatch gate
func (s *Scheduler) SetGate(g Gate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = g
}

// SetLimitCallback installs the download-limit hook
func (s *Scheduler) SetLimitCallback(cb LimitCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limitCb = cb
}

// Start loads pending task rows and begins the dispatch and GC loops
func (s *Scheduler) Start() error {
	if err := s.loadPending(); err != nil {
		return fmt.Errorf("failed to load pending tasks: %w", err)
	}
	s.wg.Add(2)
	go s.dispatchLoop()
	go s.gcLoop()
	s.logger.Info().
		Int("max_concurrent", s.cfg.MaxConcurrent).
		Int("pending", s.QueueDepth()).
		Msg("scheduler started")
	return nil
}

// Stop cancels queued tasks, signals handlers, and waits for in-flight
// work up to the stop timeout
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancelQueued("scheduler stopping")
		s.cancelBase()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.cfg.StopTimeout):
			s.logger.Warn().Msg("stop timeout elapsed with tasks still in flight")
		}
		s.logger.Info().Msg("scheduler stopped")
	})
}

// loadPending rebuilds the heap from live task rows after a restart.
// Active rows belong to the previous process; the interrupted work may
// have rolled back its item to the queued state, so the rows are
// requeued rather than cancelled and the single-flight check keeps
// seeing them.
func (s *Scheduler) loadPending() error {
	tasks, err := s.store.ListTasksByStatus(
		[]types.TaskStatus{types.TaskStatusQueued, types.TaskStatusActive})
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for i := range tasks {
		t := tasks[i]
		if t.Status == types.TaskStatusActive {
			if _, running := s.inFlight[t.ID]; running {
				continue
			}
			t.Status = types.TaskStatusQueued
			t.WorkerID = ""
			t.StartedAt = nil
			t.NextRunAt = now
			if err := s.store.UpdateTask(&t); err != nil {
				return err
			}
			s.logger.Warn().
				Uint64("task_id", t.ID).
				Uint64("item_id", t.ItemID).
				Str("stage", string(t.Stage)).
				Msg("requeued task left active by a previous run")
		}
		heap.Push(&s.heap, &t)
	}
	metrics.QueueDepth.Set(float64(len(s.heap)))
	return nil
}

// Schedule queues a task for (stage, item). A live task for the same pair
// is left alone; the single-flight invariant keeps at most one queued or
// active task per (item, stage).
func (s *Scheduler) Schedule(stage types.Stage, itemID uint64, priority int, delay time.Duration) error {
	// the live check and the insert share one transaction so two
	// concurrent callers cannot both pass the check
	var task *types.Task
	err := s.store.WithTx(func(tx *storage.Store) error {
		live, err := tx.FindLiveTask(itemID, stage)
		if err != nil {
			return fmt.Errorf("failed to check for live task: %w", err)
		}
		if live != nil {
			s.logger.Debug().
				Uint64("item_id", itemID).
				Str("stage", string(stage)).
				Uint64("task_id", live.ID).
				Msg("task already live, not scheduling")
			return nil
		}
		task = &types.Task{
			ItemID:     itemID,
			Stage:      stage,
			Status:     types.TaskStatusQueued,
			Priority:   priority,
			MaxRetries: DefaultMaxRetries,
			NextRunAt:  time.Now().Add(delay),
			CreatedAt:  time.Now(),
		}
		if err := tx.CreateTask(task); err != nil {
			return fmt.Errorf("failed to create task row: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}

	s.mu.Lock()
	heap.Push(&s.heap, task)
	metrics.QueueDepth.Set(float64(len(s.heap)))
	s.mu.Unlock()

	metrics.TasksScheduled.Inc()
	s.logger.Debug().
		Uint64("item_id", itemID).
		Str("stage", string(stage)).
		Uint64("task_id", task.ID).
		Dur("delay", delay).
		Msg("task scheduled")
	return nil
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.dispatchDue()
		case <-s.stopCh:
			return
		}
	}
}

// DispatchOnce runs a single dispatch pass outside the ticker loop. The
// run-once driver uses it to drain work without the daemon cadence.
func (s *Scheduler) DispatchOnce() {
	s.dispatchDue()
}

func (s *Scheduler) dispatchDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].NextRunAt.After(now) {
			metrics.QueueDepth.Set(float64(len(s.heap)))
			s.mu.Unlock()
			return
		}

		task := s.heap[0]
		if s.gate != nil && !s.gate.CanDispatch(task.Stage) {
			// paused stage: push back, no retry consumed
			task.NextRunAt = now.Add(gateDeferDelay)
			heap.Fix(&s.heap, 0)
			s.mu.Unlock()
			continue
		}

		if !s.sem.TryAcquire(1) {
			// due tasks stay on the heap unchanged until a slot frees
			s.mu.Unlock()
			return
		}

		heap.Pop(&s.heap)
		s.inFlight[task.ID] = task
		metrics.QueueDepth.Set(float64(len(s.heap)))
		metrics.ActiveTasks.Set(float64(len(s.inFlight)))
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runTask(task)
	}
}

func (s *Scheduler) runTask(task *types.Task) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, task.ID)
		metrics.ActiveTasks.Set(float64(len(s.inFlight)))
		s.mu.Unlock()
	}()

	// re-check the committed item state just before running
	book, err := s.store.GetBook(task.ItemID)
	if err != nil {
		s.logger.Error().Err(err).Uint64("task_id", task.ID).Msg("failed to load item for dispatch")
		s.requeue(task, 5*time.Second)
		return
	}
	if book == nil || !task.Stage.Accepts(book.Status) {
		status := types.Status("missing")
		if book != nil {
			status = book.Status
		}
		s.cancelTask(task, fmt.Sprintf("item state %s not acceptable for %s", status, task.Stage))
		return
	}

	s.mu.Lock()
	handler := s.handlers[task.Stage]
	s.mu.Unlock()
	if handler == nil {
		s.cancelTask(task, fmt.Sprintf("no handler registered for stage %s", task.Stage))
		return
	}

	now := time.Now()
	task.Status = types.TaskStatusActive
	task.StartedAt = &now
	task.WorkerID = s.workerID
	if err := s.store.UpdateTask(task); err != nil {
		s.logger.Error().Err(err).Uint64("task_id", task.ID).Msg("failed to mark task active")
	}

	if err := handler(s.baseCtx, task); err != nil {
		s.handleFailure(task, err)
		return
	}
	s.completeTask(task)
}

func (s *Scheduler) completeTask(task *types.Task) {
	now := time.Now()
	task.Status = types.TaskStatusCompleted
	task.CompletedAt = &now
	if err := s.store.UpdateTask(task); err != nil {
		s.logger.Error().Err(err).Uint64("task_id", task.ID).Msg("failed to mark task completed")
	}
	s.logger.Debug().
		Uint64("task_id", task.ID).
		Uint64("item_id", task.ItemID).
		Str("stage", string(task.Stage)).
		Msg("task completed")
}

func (s *Scheduler) handleFailure(task *types.Task, taskErr error) {
	// stale state observed inside the handler: short linear retries in
	// case the producing transaction was still settling, then cancel
	if faults.IsStatusMismatch(taskErr) {
		if task.RetryCount < 2 {
			task.RetryCount++
			metrics.TasksRetried.Inc()
			s.requeue(task, time.Duration(5+5*task.RetryCount)*time.Second)
			return
		}
		s.cancelTask(task, taskErr.Error())
		return
	}

	if faults.IsLimitExhausted(taskErr) {
		s.failTask(task, taskErr, faults.KindDownloadLimit)
		s.mu.Lock()
		cb := s.limitCb
		s.mu.Unlock()
		if cb != nil {
			var limit *faults.LimitExhaustedError
			if errors.As(taskErr, &limit) {
				cb(limit.ResetAt)
			} else {
				cb(nil)
			}
		}
		return
	}

	info := faults.Classify(taskErr)
	task.ErrorKind = info.Kind
	task.ErrorMessage = taskErr.Error()

	if !info.Retryable {
		s.failTask(task, taskErr, info.Kind)
		return
	}

	budget := task.MaxRetries
	if info.MaxRetries > 0 {
		budget = info.MaxRetries
		task.MaxRetries = budget
	}

	task.RetryCount++
	if task.RetryCount > budget {
		s.failTask(task, taskErr, info.Kind)
		return
	}

	delay := info.Delay(task.RetryCount - 1)
	if delay > schedulerRetryCap {
		delay = schedulerRetryCap
	}
	metrics.TasksRetried.Inc()
	s.logger.Info().
		Uint64("task_id", task.ID).
		Uint64("item_id", task.ItemID).
		Str("stage", string(task.Stage)).
		Str("kind", info.Kind).
		Int("retry", task.RetryCount).
		Dur("delay", delay).
		Msg("task retry scheduled")
	s.requeue(task, delay)
}

func (s *Scheduler) requeue(task *types.Task, delay time.Duration) {
	task.Status = types.TaskStatusQueued
	task.StartedAt = nil
	task.NextRunAt = time.Now().Add(delay)
	if err := s.store.UpdateTask(task); err != nil {
		s.logger.Error().Err(err).Uint64("task_id", task.ID).Msg("failed to requeue task row")
	}
	s.mu.Lock()
	heap.Push(&s.heap, task)
	metrics.QueueDepth.Set(float64(len(s.heap)))
	s.mu.Unlock()
}

func (s *Scheduler) failTask(task *types.Task, taskErr error, kind string) {
	now := time.Now()
	task.Status = types.TaskStatusFailed
	task.ErrorMessage = taskErr.Error()
	task.ErrorKind = kind
	task.CompletedAt = &now
	if err := s.store.UpdateTask(task); err != nil {
		s.logger.Error().Err(err).Uint64("task_id", task.ID).Msg("failed to mark task failed")
	}
	metrics.TasksFailed.Inc()
	s.logger.Warn().
		Uint64("task_id", task.ID).
		Uint64("item_id", task.ItemID).
		Str("stage", string(task.Stage)).
		Str("kind", kind).
		Msg("task failed permanently")
}

func (s *Scheduler) cancelTask(task *types.Task, reason string) {
	now := time.Now()
	task.Status = types.TaskStatusCancelled
	task.ErrorMessage = reason
	task.CompletedAt = &now
	if err := s.store.UpdateTask(task); err != nil {
		s.logger.Error().Err(err).Uint64("task_id", task.ID).Msg("failed to mark task cancelled")
	}
	metrics.TasksCancelled.Inc()
	s.logger.Debug().
		Uint64("task_id", task.ID).
		Uint64("item_id", task.ItemID).
		Str("stage", string(task.Stage)).
		Str("reason", reason).
		Msg("task cancelled")
}

// CancelTask removes a queued task from the heap and marks its row
// cancelled. In-flight tasks are not interrupted.
func (s *Scheduler) CancelTask(taskID uint64, reason string) bool {
	s.mu.Lock()
	var target *types.Task
	for i, t := range s.heap {
		if t.ID == taskID {
			target = t
			heap.Remove(&s.heap, i)
			break
		}
	}
	metrics.QueueDepth.Set(float64(len(s.heap)))
	s.mu.Unlock()

	if target == nil {
		return false
	}
	s.cancelTask(target, reason)
	return true
}

// CancelQueuedByStage cancels every queued task for the stage. Returns the
// number cancelled.
func (s *Scheduler) CancelQueuedByStage(stage types.Stage, reason string) int {
	s.mu.Lock()
	var targets []*types.Task
	kept := s.heap[:0]
	for _, t := range s.heap {
		if t.Stage == stage {
			targets = append(targets, t)
		} else {
			kept = append(kept, t)
		}
	}
	s.heap = kept
	heap.Init(&s.heap)
	metrics.QueueDepth.Set(float64(len(s.heap)))
	s.mu.Unlock()

	for _, t := range targets {
		s.cancelTask(t, reason)
	}
	return len(targets)
}

// CancelTasksForItem cancels every queued task for one item. Returns the
// number cancelled.
func (s *Scheduler) CancelTasksForItem(itemID uint64, reason string) int {
	s.mu.Lock()
	var targets []*types.Task
	kept := s.heap[:0]
	for _, t := range s.heap {
		if t.ItemID == itemID {
			targets = append(targets, t)
		} else {
			kept = append(kept, t)
		}
	}
	s.heap = kept
	heap.Init(&s.heap)
	metrics.QueueDepth.Set(float64(len(s.heap)))
	s.mu.Unlock()

	for _, t := range targets {
		s.cancelTask(t, reason)
	}
	return len(targets)
}

func (s *Scheduler) cancelQueued(reason string) {
	s.mu.Lock()
	targets := make([]*types.Task, len(s.heap))
	copy(targets, s.heap)
	s.heap = s.heap[:0]
	metrics.QueueDepth.Set(0)
	s.mu.Unlock()

	for _, t := range targets {
		s.cancelTask(t, reason)
	}
}

// IsInFlight reports whether the task is currently executing
func (s *Scheduler) IsInFlight(taskID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[taskID]
	return ok
}

// QueueDepth returns the number of tasks waiting on the heap
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}

// QueuedByStage returns the heap's task count per stage
func (s *Scheduler) QueuedByStage() map[types.Stage]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.Stage]int)
	for _, t := range s.heap {
		out[t.Stage]++
	}
	return out
}

// ActiveCount returns the number of tasks currently executing
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Idle reports whether nothing is queued or running
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap) == 0 && len(s.inFlight) == 0
}

// Stats snapshots scheduler activity including the store's task histogram
func (s *Scheduler) Stats() (Stats, error) {
	counts, err := s.store.CountTasksByStatus()
	if err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		QueueDepth: len(s.heap),
		Active:     len(s.inFlight),
		Counts:     counts,
	}, nil
}

func (s *Scheduler) gcLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := s.GC(); err != nil {
				s.logger.Error().Err(err).Msg("task GC failed")
			} else if n > 0 {
				s.logger.Info().Int64("deleted", n).Msg("task GC swept terminal rows")
			}
		case <-s.stopCh:
			return
		}
	}
}

// GC deletes terminal task rows past their retention windows
func (s *Scheduler) GC() (int64, error) {
	now := time.Now()
	return s.store.DeleteFinishedTasks(
		now.Add(-s.cfg.GCCompletedAfter),
		now.Add(-s.cfg.GCFailedAfter),
	)
}
