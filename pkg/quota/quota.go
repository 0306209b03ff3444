package quota

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/shelfhand/shelfhand/pkg/faults"
	"github.com/shelfhand/shelfhand/pkg/log"
	"github.com/shelfhand/shelfhand/pkg/metrics"
	"github.com/shelfhand/shelfhand/pkg/storage"
	"github.com/shelfhand/shelfhand/pkg/types"
)

// Manager caches the remote daily download allowance. The cache has a
// single writer path (refresh); readers get snapshots. Races can only
// over-throttle, never over-consume, because the remote service is the
// source of truth.
type Manager struct {
	source types.QuotaSource
	store  *storage.Store
	ttl    time.Duration

	mu     sync.Mutex
	cached *types.DownloadQuota

	logger zerolog.Logger
}

// NewManager creates a quota manager. A snapshot persisted by a previous
// process is reused when still inside the TTL.
func NewManager(source types.QuotaSource, store *storage.Store, ttl time.Duration) *Manager {
	m := &Manager{
		source: source,
		store:  store,
		ttl:    ttl,
		logger: log.WithComponent("quota"),
	}
	m.loadSnapshot()
	return m
}

func (m *Manager) loadSnapshot() {
	if m.store == nil {
		return
	}
	qs, err := m.store.GetQuotaState()
	if err != nil || qs == nil {
		return
	}
	if time.Since(qs.LastChecked) >= m.ttl {
		return
	}
	m.cached = &types.DownloadQuota{
		Remaining:   qs.Remaining,
		DailyLimit:  qs.DailyLimit,
		LastChecked: qs.LastChecked,
		NextReset:   qs.NextReset,
	}
	metrics.QuotaRemaining.Set(float64(qs.Remaining))
}

// Current returns the cached quota when fresh, otherwise refreshes from
// the remote source. Refresh failures surface as a network error for the
// caller's retry machinery.
func (m *Manager) Current(ctx context.Context, forceRefresh bool) (*types.DownloadQuota, error) {
	m.mu.Lock()
	if !forceRefresh && m.fresh() {
		q := *m.cached
		m.mu.Unlock()
		return &q, nil
	}
	m.mu.Unlock()

	return m.refresh(ctx)
}

func (m *Manager) refresh(ctx context.Context) (*types.DownloadQuota, error) {
	var q *types.DownloadQuota
	op := func() error {
		var err error
		q, err = m.source.Quota(ctx)
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(500*time.Millisecond),
			backoff.WithMaxInterval(5*time.Second),
		), 2), ctx)

	if err := backoff.Retry(op, bo); err != nil {
		m.logger.Warn().Err(err).Msg("quota refresh failed")
		return nil, &faults.NetworkError{Op: "quota refresh", Cause: err}
	}

	q.LastChecked = time.Now()

	m.mu.Lock()
	m.cached = q
	snapshot := *q
	m.mu.Unlock()

	m.persist(&snapshot)
	metrics.QuotaRemaining.Set(float64(snapshot.Remaining))
	m.logger.Debug().
		Int("remaining", snapshot.Remaining).
		Int("daily_limit", snapshot.DailyLimit).
		Msg("quota refreshed")
	return &snapshot, nil
}

// HasQuota is a synchronous check against the cache. An empty or expired
// cache returns false, signalling the caller to refresh.
func (m *Manager) HasQuota() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fresh() && m.cached.Remaining > 0
}

// Consume decrements the cached allowance by n. Returns false when the
// cache is missing or holds fewer than n.
func (m *Manager) Consume(n int) bool {
	m.mu.Lock()
	if m.cached == nil || m.cached.Remaining < n {
		m.mu.Unlock()
		return false
	}
	m.cached.Remaining -= n
	snapshot := *m.cached
	m.mu.Unlock()

	m.persist(&snapshot)
	metrics.QuotaRemaining.Set(float64(snapshot.Remaining))
	return true
}

// ResetCache clears the cached quota so the next check refreshes
func (m *Manager) ResetCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
}

// Snapshot returns a copy of the cached quota, or nil when empty
func (m *Manager) Snapshot() *types.DownloadQuota {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil {
		return nil
	}
	q := *m.cached
	return &q
}

// fresh requires m.mu held
func (m *Manager) fresh() bool {
	return m.cached != nil && time.Since(m.cached.LastChecked) < m.ttl
}

func (m *Manager) persist(q *types.DownloadQuota) {
	if m.store == nil {
		return
	}
	err := m.store.SaveQuotaState(&types.QuotaState{
		Remaining:   q.Remaining,
		DailyLimit:  q.DailyLimit,
		LastChecked: q.LastChecked,
		NextReset:   q.NextReset,
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist quota snapshot")
	}
}
