package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig locates the durable store
type StoreConfig struct {
	URL string `yaml:"url"`
}

// PipelineConfig tunes the stage execution layer
type PipelineConfig struct {
	MaxWorkers            int `yaml:"max_workers"`
	StageTaskDelaySeconds int `yaml:"stage_task_delay_seconds"`
}

// QuotaConfig tunes the download quota cache
type QuotaConfig struct {
	CacheTTLMinutes       int `yaml:"cache_ttl_minutes"`
	CheckEveryNDispatches int `yaml:"check_every_n_dispatches"`
}

// SearchConfig tunes candidate matching
type SearchConfig struct {
	MinMatchScore  float64  `yaml:"min_match_score"`
	FormatPriority []string `yaml:"format_priority"`
}

// DetailConfig tunes the detail stage
type DetailConfig struct {
	StaleHours int `yaml:"stale_hours"`
}

// TaskGCConfig tunes terminal task row retention
type TaskGCConfig struct {
	CompletedHours int `yaml:"completed_hours"`
	FailedHours    int `yaml:"failed_hours"`
}

// SchedulerConfig tunes the task scheduler
type SchedulerConfig struct {
	StuckMinutes int          `yaml:"stuck_minutes"`
	TaskGC       TaskGCConfig `yaml:"task_gc"`
}

// DownloadConfig tunes the file fetcher
type DownloadConfig struct {
	Dir                 string `yaml:"dir"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	BandwidthLimitBytes int64  `yaml:"bandwidth_limit_bytes"`
}

// ReconcilerConfig tunes the consistency sweeps
type ReconcilerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// DaemonConfig tunes continuous operation
type DaemonConfig struct {
	SyncIntervalMinutes int `yaml:"sync_interval_minutes"`
}

// LogConfig tunes logging output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig enables the optional metrics listener
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// SourcesConfig wires the bundled local collaborator providers. Network
// providers are supplied programmatically through the engine's Deps.
type SourcesConfig struct {
	WantListPath string `yaml:"want_list"`
	CatalogPath  string `yaml:"catalog"`
	LibraryDir   string `yaml:"library_dir"`
	DailyQuota   int    `yaml:"daily_quota"`
}

// Config is the full engine configuration
type Config struct {
	MaxConcurrentTasks int              `yaml:"max_concurrent_tasks"`
	Store              StoreConfig      `yaml:"store"`
	Pipeline           PipelineConfig   `yaml:"pipeline"`
	Quota              QuotaConfig      `yaml:"quota"`
	Search             SearchConfig     `yaml:"search"`
	Detail             DetailConfig     `yaml:"detail"`
	Scheduler          SchedulerConfig  `yaml:"scheduler"`
	Download           DownloadConfig   `yaml:"download"`
	Reconciler         ReconcilerConfig `yaml:"reconciler"`
	Daemon             DaemonConfig     `yaml:"daemon"`
	Log                LogConfig        `yaml:"log"`
	Metrics            MetricsConfig    `yaml:"metrics"`
	Sources            SourcesConfig    `yaml:"sources"`

	// Debug is set from the CLI flag, never from the file
	Debug bool `yaml:"-"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		MaxConcurrentTasks: 10,
		Store:              StoreConfig{URL: "shelfhand.db"},
		Pipeline: PipelineConfig{
			MaxWorkers:            4,
			StageTaskDelaySeconds: 3,
		},
		Quota: QuotaConfig{
			CacheTTLMinutes:       5,
			CheckEveryNDispatches: 10,
		},
		Search: SearchConfig{
			MinMatchScore:  0.6,
			FormatPriority: []string{"epub", "mobi", "azw3", "pdf", "txt"},
		},
		Detail: DetailConfig{StaleHours: 3},
		Scheduler: SchedulerConfig{
			StuckMinutes: 30,
			TaskGC: TaskGCConfig{
				CompletedHours: 2,
				FailedHours:    24,
			},
		},
		Download: DownloadConfig{
			Dir:            "downloads",
			TimeoutSeconds: 600,
		},
		Reconciler: ReconcilerConfig{IntervalSeconds: 60},
		Daemon:     DaemonConfig{SyncIntervalMinutes: 30},
		Log:        LogConfig{Level: "info"},
		Sources:    SourcesConfig{DailyQuota: 10},
	}
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be >= 1, got %d", c.MaxConcurrentTasks)
	}
	if c.Pipeline.MaxWorkers < 1 {
		return fmt.Errorf("pipeline.max_workers must be >= 1, got %d", c.Pipeline.MaxWorkers)
	}
	if c.Search.MinMatchScore < 0 || c.Search.MinMatchScore > 1 {
		return fmt.Errorf("search.min_match_score must be in [0,1], got %f", c.Search.MinMatchScore)
	}
	if c.Store.URL == "" {
		return fmt.Errorf("store.url must not be empty")
	}
	return nil
}

// ApplyDebug forces single-task execution and debug logging
func (c *Config) ApplyDebug() {
	c.Debug = true
	c.MaxConcurrentTasks = 1
	c.Pipeline.MaxWorkers = 1
	c.Log.Level = "debug"
}

// QuotaTTL returns the quota cache TTL
func (c *Config) QuotaTTL() time.Duration {
	return time.Duration(c.Quota.CacheTTLMinutes) * time.Minute
}

// StageTaskDelay returns the hand-off delay before the next stage task runs
func (c *Config) StageTaskDelay() time.Duration {
	return time.Duration(c.Pipeline.StageTaskDelaySeconds) * time.Second
}

// StaleDetailAfter returns the DETAIL_FETCHING reset window
func (c *Config) StaleDetailAfter() time.Duration {
	return time.Duration(c.Detail.StaleHours) * time.Hour
}

// StuckActiveAfter returns the ACTIVE reset window
func (c *Config) StuckActiveAfter() time.Duration {
	return time.Duration(c.Scheduler.StuckMinutes) * time.Minute
}

// TaskGCCompletedAfter returns retention for completed/cancelled task rows
func (c *Config) TaskGCCompletedAfter() time.Duration {
	return time.Duration(c.Scheduler.TaskGC.CompletedHours) * time.Hour
}

// TaskGCFailedAfter returns retention for exhausted failed task rows
func (c *Config) TaskGCFailedAfter() time.Duration {
	return time.Duration(c.Scheduler.TaskGC.FailedHours) * time.Hour
}

// DownloadTimeout returns the per-transfer timeout
func (c *Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Download.TimeoutSeconds) * time.Second
}

// ReconcileInterval returns the periodic reconciliation interval
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconciler.IntervalSeconds) * time.Second
}

// SyncInterval returns the daemon want-list sync interval
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Daemon.SyncIntervalMinutes) * time.Minute
}
