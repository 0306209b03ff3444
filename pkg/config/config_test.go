package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.MaxConcurrentTasks)
	assert.Equal(t, 4, cfg.Pipeline.MaxWorkers)
	assert.Equal(t, 0.6, cfg.Search.MinMatchScore)
	assert.Equal(t, []string{"epub", "mobi", "azw3", "pdf", "txt"}, cfg.Search.FormatPriority)
	assert.Equal(t, 5*time.Minute, cfg.QuotaTTL())
	assert.Equal(t, 3*time.Second, cfg.StageTaskDelay())
	assert.Equal(t, 3*time.Hour, cfg.StaleDetailAfter())
	assert.Equal(t, 30*time.Minute, cfg.StuckActiveAfter())
	assert.Equal(t, 2*time.Hour, cfg.TaskGCCompletedAfter())
	assert.Equal(t, 24*time.Hour, cfg.TaskGCFailedAfter())
	assert.Equal(t, 60*time.Second, cfg.ReconcileInterval())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
max_concurrent_tasks: 3
store:
  url: /tmp/test.db
search:
  min_match_score: 0.8
quota:
  cache_ttl_minutes: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxConcurrentTasks)
	assert.Equal(t, "/tmp/test.db", cfg.Store.URL)
	assert.Equal(t, 0.8, cfg.Search.MinMatchScore)
	assert.Equal(t, time.Minute, cfg.QuotaTTL())
	// untouched keys keep defaults
	assert.Equal(t, 4, cfg.Pipeline.MaxWorkers)
	assert.Equal(t, 30*time.Minute, cfg.StuckActiveAfter())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().MaxConcurrentTasks, cfg.MaxConcurrentTasks)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.MaxConcurrentTasks = 0 }},
		{"zero workers", func(c *Config) { c.Pipeline.MaxWorkers = 0 }},
		{"score above one", func(c *Config) { c.Search.MinMatchScore = 1.5 }},
		{"empty store url", func(c *Config) { c.Store.URL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestApplyDebug(t *testing.T) {
	cfg := Default()
	cfg.ApplyDebug()

	assert.True(t, cfg.Debug)
	assert.Equal(t, 1, cfg.MaxConcurrentTasks)
	assert.Equal(t, 1, cfg.Pipeline.MaxWorkers)
	assert.Equal(t, "debug", cfg.Log.Level)
}
