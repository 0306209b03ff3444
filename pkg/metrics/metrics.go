package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Item metrics
	ItemsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shelfhand_items_total",
			Help: "Number of items by pipeline status",
		},
		[]string{"status"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfhand_transitions_total",
			Help: "Total state transitions by target status",
		},
		[]string{"to"},
	)

	// Task metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shelfhand_tasks_total",
			Help: "Number of scheduler task rows by status",
		},
		[]string{"status"},
	)

	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shelfhand_tasks_scheduled_total",
			Help: "Total number of tasks scheduled",
		},
	)

	TasksRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shelfhand_tasks_retried_total",
			Help: "Total number of task retries",
		},
	)

	TasksCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shelfhand_tasks_cancelled_total",
			Help: "Total number of cancelled tasks",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shelfhand_tasks_failed_total",
			Help: "Total number of permanently failed tasks",
		},
	)

	ActiveTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shelfhand_active_tasks",
			Help: "Tasks currently executing",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shelfhand_queue_depth",
			Help: "Tasks waiting on the scheduler heap",
		},
	)

	// Stage metrics
	StageExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfhand_stage_executions_total",
			Help: "Stage executions by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shelfhand_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"stage"},
	)

	StagePaused = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shelfhand_stage_paused",
			Help: "Whether a stage is paused (1 = paused)",
		},
		[]string{"stage"},
	)

	// Quota and download metrics
	QuotaRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shelfhand_quota_remaining",
			Help: "Cached remaining daily downloads",
		},
	)

	DownloadBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shelfhand_download_bytes_total",
			Help: "Total bytes downloaded",
		},
	)

	// Reconciler metrics
	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shelfhand_reconciliation_cycles_total",
			Help: "Total reconciliation cycles run",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shelfhand_reconciliation_duration_seconds",
			Help:    "Reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcilerRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shelfhand_reconciler_repairs_total",
			Help: "Reconciler repairs by action",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(ItemsTotal)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksScheduled)
	prometheus.MustRegister(TasksRetried)
	prometheus.MustRegister(TasksCancelled)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(ActiveTasks)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(StageExecutions)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(StagePaused)
	prometheus.MustRegister(QuotaRemaining)
	prometheus.MustRegister(DownloadBytes)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconcilerRepairs)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into the histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
