package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/shelfhand/shelfhand/pkg/config"
	"github.com/shelfhand/shelfhand/pkg/events"
	"github.com/shelfhand/shelfhand/pkg/fetch"
	"github.com/shelfhand/shelfhand/pkg/log"
	"github.com/shelfhand/shelfhand/pkg/metrics"
	"github.com/shelfhand/shelfhand/pkg/pipeline"
	"github.com/shelfhand/shelfhand/pkg/quota"
	"github.com/shelfhand/shelfhand/pkg/reconciler"
	"github.com/shelfhand/shelfhand/pkg/scheduler"
	"github.com/shelfhand/shelfhand/pkg/stages"
	"github.com/shelfhand/shelfhand/pkg/state"
	"github.com/shelfhand/shelfhand/pkg/storage"
	"github.com/shelfhand/shelfhand/pkg/types"
)

// Deps are the external collaborators the engine cannot build itself
type Deps struct {
	List    types.ListSource
	Search  types.SearchClient
	Library types.LibraryIngest
	Quota   types.QuotaSource

	// Downloader overrides the default HTTP downloader when set
	Downloader types.Downloader

	// Notifier, when set, receives permanent failures and lockouts
	Notifier types.Notifier
}

// notifyTypes are the broker events forwarded to the notifier
var notifyTypes = map[events.EventType]bool{
	events.EventItemFailed:       true,
	events.EventAuthLockout:      true,
	events.EventDownloadLimitHit: true,
	events.EventQuotaExhausted:   true,
}

// Engine is the composition root: it owns the store and every pipeline
// component and drives the run-once and daemon modes.
type Engine struct {
	cfg   *config.Config
	deps  Deps
	store *storage.Store

	broker     *events.Broker
	state      *state.Manager
	quota      *quota.Manager
	sched      *scheduler.Scheduler
	pipe       *pipeline.Manager
	reconciler *reconciler.Reconciler
	collector  *metrics.Collector
	notifySub  events.Subscriber

	logger zerolog.Logger
}

// queuedStage maps every schedulable waiting state to its stage
var queuedStage = map[types.Status]types.Stage{
	types.StatusNew:            types.StageDetail,
	types.StatusSearchQueued:   types.StageSearch,
	types.StatusDownloadQueued: types.StageDownload,
	types.StatusUploadQueued:   types.StageUpload,
}

// New builds a fully wired engine on top of the configured store
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	store, err := storage.Open(cfg.Store.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return build(cfg, deps, store)
}

// NewWithStore builds an engine on an already-open store; the caller
// keeps ownership of the store's lifecycle
func NewWithStore(cfg *config.Config, deps Deps, store *storage.Store) (*Engine, error) {
	return build(cfg, deps, store)
}

func build(cfg *config.Config, deps Deps, store *storage.Store) (*Engine, error) {
	broker := events.NewBroker()
	st := state.NewManager(store, broker, cfg.StageTaskDelay())
	qm := quota.NewManager(deps.Quota, store, cfg.QuotaTTL())

	sched := scheduler.New(store, scheduler.Config{
		MaxConcurrent:    cfg.MaxConcurrentTasks,
		GCCompletedAfter: cfg.TaskGCCompletedAfter(),
		GCFailedAfter:    cfg.TaskGCFailedAfter(),
	})
	st.SetScheduler(sched)

	pipe := pipeline.New(store, st, sched, qm, broker, pipeline.Config{
		MaxWorkers:      cfg.Pipeline.MaxWorkers,
		QuotaCheckEvery: cfg.Quota.CheckEveryNDispatches,
	})

	dl := deps.Downloader
	if dl == nil {
		dl = fetch.NewHTTPDownloader(fetch.Config{
			Timeout:   cfg.DownloadTimeout(),
			RateLimit: int(cfg.Download.BandwidthLimitBytes),
		})
	}

	pipe.Register(stages.NewDetail(deps.List))
	pipe.Register(stages.NewSearch(deps.Library, deps.Search, stages.SearchConfig{
		MinMatchScore:  cfg.Search.MinMatchScore,
		FormatPriority: cfg.Search.FormatPriority,
	}))
	pipe.Register(stages.NewDownload(qm, dl, cfg.Download.Dir))
	pipe.Register(stages.NewUpload(deps.Library))

	rec := reconciler.New(store, st, sched, broker, reconciler.Config{
		Interval:         cfg.ReconcileInterval(),
		StuckActiveAfter: cfg.StuckActiveAfter(),
		StaleDetailAfter: cfg.StaleDetailAfter(),
	})

	return &Engine{
		cfg:        cfg,
		deps:       deps,
		store:      store,
		broker:     broker,
		state:      st,
		quota:      qm,
		sched:      sched,
		pipe:       pipe,
		reconciler: rec,
		collector:  metrics.NewCollector(store),
		logger:     log.WithComponent("engine"),
	}, nil
}

// Store exposes the engine's store for the status and cleanup commands
func (e *Engine) Store() *storage.Store { return e.store }

// Close releases the store
func (e *Engine) Close() error { return e.store.Close() }

// SyncWantList pulls the external want-list and registers unseen items
// as NEW, scheduling their detail task. Known items are left alone.
func (e *Engine) SyncWantList(ctx context.Context) (int, error) {
	items, err := e.deps.List.WantList(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch want list: %w", err)
	}

	added := 0
	for _, it := range items {
		if it.ExternalID == "" {
			continue
		}
		existing, err := e.store.GetBookByExternalID(it.ExternalID)
		if err != nil {
			return added, fmt.Errorf("failed to look up item %s: %w", it.ExternalID, err)
		}
		if existing != nil {
			continue
		}

		b := &types.Book{
			ExternalID: it.ExternalID,
			Title:      it.Title,
			Author:     it.Author,
			Status:     types.StatusNew,
		}
		if err := e.store.CreateBook(b); err != nil {
			return added, fmt.Errorf("failed to create item %s: %w", it.ExternalID, err)
		}
		added++
		if err := e.sched.Schedule(types.StageDetail, b.ID, state.PriorityNormal, 0); err != nil {
			e.logger.Error().Err(err).Uint64("item_id", b.ID).Msg("failed to schedule detail task")
		}
	}

	e.logger.Info().Int("total", len(items)).Int("new", added).Msg("want list synced")
	return added, nil
}

// EnsureTasks schedules a task for every item sitting in a waiting state
// without one. QUEUED-target transitions do not schedule by themselves,
// so this sweep is what makes crash recovery actionable. Scheduling is
// idempotent per (item, stage).
func (e *Engine) EnsureTasks() (int, error) {
	ensured := 0
	for status, stage := range queuedStage {
		books, err := e.store.ListBooksByStatus([]types.Status{status}, 0)
		if err != nil {
			return ensured, fmt.Errorf("failed to list %s items: %w", status, err)
		}
		for _, b := range books {
			live, err := e.store.FindLiveTask(b.ID, stage)
			if err != nil {
				return ensured, err
			}
			if live != nil {
				continue
			}
			prio := state.PriorityNormal
			if stage == types.StageDownload {
				if entry, err := e.store.GetQueueEntry(b.ID); err == nil && entry != nil {
					prio = entry.Priority
				}
			}
			if err := e.sched.Schedule(stage, b.ID, prio, 0); err != nil {
				e.logger.Error().Err(err).Uint64("item_id", b.ID).Msg("failed to ensure task")
				continue
			}
			ensured++
		}
	}
	if ensured > 0 {
		e.logger.Info().Int("tasks", ensured).Msg("requeued waiting items")
	}
	return ensured, nil
}

// start brings up the shared machinery common to both run modes
func (e *Engine) start() error {
	e.broker.Start()
	if e.deps.Notifier != nil {
		e.notifySub = e.broker.Subscribe()
		go e.forwardNotifications(e.notifySub)
	}
	if _, err := e.reconciler.RecoverFromCrash(); err != nil {
		return fmt.Errorf("crash recovery failed: %w", err)
	}
	if _, err := e.EnsureTasks(); err != nil {
		return fmt.Errorf("task sweep failed: %w", err)
	}
	if err := e.sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	return nil
}

func (e *Engine) stop() {
	e.sched.Stop()
	if e.notifySub != nil {
		e.broker.Unsubscribe(e.notifySub)
		e.notifySub = nil
	}
	e.broker.Stop()
}

// forwardNotifications relays failure and lockout events to the
// configured notifier, best effort
func (e *Engine) forwardNotifications(sub events.Subscriber) {
	for ev := range sub {
		if !notifyTypes[ev.Type] {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.deps.Notifier.Notify(ctx, string(ev.Type), ev.Message); err != nil {
			e.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("notification failed")
		}
		cancel()
	}
}

// RunOnce syncs the want list and drains the pipeline until no runnable
// work remains, then shuts down. Tasks gated behind a paused stage do
// not count as runnable.
func (e *Engine) RunOnce(ctx context.Context) error {
	if err := e.start(); err != nil {
		return err
	}
	defer e.stop()

	if _, err := e.SyncWantList(ctx); err != nil {
		e.logger.Error().Err(err).Msg("want list sync failed")
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	idleTicks := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if e.sched.Idle() {
			// two consecutive idle observations: hand-off delays mean a
			// momentarily empty heap can still grow again
			idleTicks++
			if idleTicks >= 2*int(e.cfg.StageTaskDelay()/(500*time.Millisecond))+2 {
				e.logger.Info().Msg("pipeline drained")
				return nil
			}
			continue
		}
		idleTicks = 0

		if e.sched.ActiveCount() == 0 && e.onlyPausedWorkLeft() {
			e.logger.Warn().
				Interface("paused", e.pipe.PausedStages()).
				Msg("remaining work is gated behind paused stages, stopping")
			return nil
		}
	}
}

// onlyPausedWorkLeft reports whether every queued task belongs to a
// paused stage
func (e *Engine) onlyPausedWorkLeft() bool {
	queued := e.sched.QueuedByStage()
	if len(queued) == 0 {
		return false
	}
	paused := e.pipe.PausedStages()
	for stage := range queued {
		if _, ok := paused[stage]; !ok {
			return false
		}
	}
	return true
}

// RunDaemon runs continuously until the context is cancelled: periodic
// want-list syncs, quota recovery probes, the reconciler loop, and the
// optional metrics listener.
func (e *Engine) RunDaemon(ctx context.Context) error {
	if err := e.start(); err != nil {
		return err
	}
	defer e.stop()

	e.collector.Start()
	defer e.collector.Stop()
	e.reconciler.Start()
	defer e.reconciler.Stop()

	var metricsSrv *http.Server
	if e.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: e.cfg.Metrics.Listen, Handler: mux}
		go func() {
			e.logger.Info().Str("addr", e.cfg.Metrics.Listen).Msg("metrics listener started")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				e.logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	if _, err := e.SyncWantList(ctx); err != nil {
		e.logger.Error().Err(err).Msg("initial want list sync failed")
	}

	syncTicker := time.NewTicker(e.cfg.SyncInterval())
	defer syncTicker.Stop()
	quotaTicker := time.NewTicker(time.Minute)
	defer quotaTicker.Stop()

	e.logger.Info().Msg("daemon running")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("daemon stopping")
			return nil
		case <-syncTicker.C:
			if _, err := e.SyncWantList(ctx); err != nil {
				e.logger.Error().Err(err).Msg("want list sync failed")
			}
			if _, err := e.EnsureTasks(); err != nil {
				e.logger.Error().Err(err).Msg("task sweep failed")
			}
		case <-quotaTicker.C:
			e.pipe.ResumeDueStages()
			e.pipe.CheckQuotaRecovery(ctx)
		}
	}
}

// Report is a point-in-time snapshot of pipeline state for the status
// command
type Report struct {
	Items  map[types.Status]int64
	Tasks  scheduler.Stats
	Paused map[types.Stage]string
	Quota  *types.DownloadQuota
}

// Total returns the number of tracked items
func (r *Report) Total() int64 {
	var n int64
	for _, c := range r.Items {
		n += c
	}
	return n
}

// Status assembles a report from the store. It never calls external
// services; the quota section is whatever snapshot the last run left
// behind.
func (e *Engine) Status() (*Report, error) {
	items, err := e.store.CountBooksByStatus()
	if err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}
	stats, err := e.sched.Stats()
	if err != nil {
		return nil, fmt.Errorf("failed to read task stats: %w", err)
	}
	return &Report{
		Items:  items,
		Tasks:  stats,
		Paused: e.pipe.PausedStages(),
		Quota:  e.quota.Snapshot(),
	}, nil
}

// ResetItem re-opens a permanently failed item, addressed by its
// external list id, into the given queued state
func (e *Engine) ResetItem(externalID string, to types.Status) error {
	b, err := e.store.GetBookByExternalID(externalID)
	if err != nil {
		return fmt.Errorf("failed to look up item %s: %w", externalID, err)
	}
	if b == nil {
		return fmt.Errorf("no item with external id %s", externalID)
	}
	return e.state.ResetItem(b.ID, to, "manual reset")
}

// Cleanup garbage-collects finished task rows and runs one
// reconciliation pass. Items are never deleted.
func (e *Engine) Cleanup() (int64, error) {
	deleted, err := e.sched.GC()
	if err != nil {
		return 0, fmt.Errorf("task GC failed: %w", err)
	}
	if err := e.reconciler.Reconcile(); err != nil {
		return deleted, fmt.Errorf("reconciliation failed: %w", err)
	}
	e.logger.Info().Int64("tasks_deleted", deleted).Msg("cleanup complete")
	return deleted, nil
}
