package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfhand/shelfhand/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBookCRUD(t *testing.T) {
	s := newTestStore(t)

	b := &types.Book{ExternalID: "ext-1", Title: "The Go Programming Language", Author: "Donovan", Status: types.StatusNew}
	require.NoError(t, s.CreateBook(b))
	assert.NotZero(t, b.ID)

	got, err := s.GetBook(b.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ext-1", got.ExternalID)

	got, err = s.GetBookByExternalID("ext-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, b.ID, got.ID)

	missing, err := s.GetBook(9999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCountBooksByStatus(t *testing.T) {
	s := newTestStore(t)

	for _, st := range []types.Status{types.StatusNew, types.StatusNew, types.StatusCompleted} {
		require.NoError(t, s.CreateBook(&types.Book{ExternalID: string(st) + time.Now().String(), Status: st}))
	}

	counts, err := s.CountBooksByStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[types.StatusNew])
	assert.Equal(t, int64(1), counts[types.StatusCompleted])
}

func TestSearchResultDedupe(t *testing.T) {
	s := newTestStore(t)

	first, err := s.UpsertSearchResult(&types.SearchResult{
		ItemID: 1, ExternalID: "z-100", Title: "Dune", Authors: "Herbert", Extension: "epub",
	})
	require.NoError(t, err)

	// same (item, external id) returns the existing row
	again, err := s.UpsertSearchResult(&types.SearchResult{
		ItemID: 1, ExternalID: "z-100", Title: "Dune", Authors: "Herbert",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	// same content with a new external id refreshes the id, no new row
	refreshed, err := s.UpsertSearchResult(&types.SearchResult{
		ItemID: 1, ExternalID: "z-200", Title: "Dune", Authors: "Herbert",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, refreshed.ID)
	assert.Equal(t, "z-200", refreshed.ExternalID)

	// different item keeps its own row
	other, err := s.UpsertSearchResult(&types.SearchResult{
		ItemID: 2, ExternalID: "z-100", Title: "Dune", Authors: "Herbert",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	rs, err := s.ListSearchResults(1)
	require.NoError(t, err)
	assert.Len(t, rs, 1)
}

func TestQueueEntryUniquePerItem(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertQueueEntry(&types.DownloadQueueEntry{
		ItemID: 7, SearchResultID: 1, Priority: 80, Status: types.QueueStatusQueued,
	}))
	require.NoError(t, s.UpsertQueueEntry(&types.DownloadQueueEntry{
		ItemID: 7, SearchResultID: 2, Priority: 92, Status: types.QueueStatusQueued,
	}))

	e, err := s.GetQueueEntry(7)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, uint64(2), e.SearchResultID)
	assert.Equal(t, 92, e.Priority)
}

func TestFindLiveTask(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateTask(&types.Task{ItemID: 1, Stage: types.StageSearch, Status: types.TaskStatusCompleted}))
	live, err := s.FindLiveTask(1, types.StageSearch)
	require.NoError(t, err)
	assert.Nil(t, live)

	queued := &types.Task{ItemID: 1, Stage: types.StageSearch, Status: types.TaskStatusQueued}
	require.NoError(t, s.CreateTask(queued))
	live, err = s.FindLiveTask(1, types.StageSearch)
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, queued.ID, live.ID)
}

func TestDeleteFinishedTasks(t *testing.T) {
	s := newTestStore(t)

	old := time.Now().Add(-3 * time.Hour)
	mk := func(status types.TaskStatus, retry, max int, at time.Time) {
		tk := &types.Task{ItemID: 1, Stage: types.StageDownload, Status: status, RetryCount: retry, MaxRetries: max}
		require.NoError(t, s.CreateTask(tk))
		// backdate below gorm's automatic timestamps
		require.NoError(t, s.db.Model(tk).UpdateColumn("updated_at", at).Error)
	}

	mk(types.TaskStatusCompleted, 0, 3, old)
	mk(types.TaskStatusCancelled, 0, 3, old)
	mk(types.TaskStatusCompleted, 0, 3, time.Now())
	mk(types.TaskStatusFailed, 3, 3, time.Now().Add(-25*time.Hour))
	mk(types.TaskStatusFailed, 1, 3, time.Now().Add(-25*time.Hour)) // retries not exhausted, kept

	n, err := s.DeleteFinishedTasks(time.Now().Add(-2*time.Hour), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	remaining, err := s.ListTasksByStatus([]types.TaskStatus{
		types.TaskStatusCompleted, types.TaskStatusFailed, types.TaskStatusCancelled,
	})
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}

func TestWithTxRollback(t *testing.T) {
	s := newTestStore(t)

	err := s.WithTx(func(tx *Store) error {
		if err := tx.CreateBook(&types.Book{ExternalID: "tx-1", Status: types.StatusNew}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	assert.Error(t, err)

	b, err := s.GetBookByExternalID("tx-1")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestQuotaStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	q, err := s.GetQuotaState()
	require.NoError(t, err)
	assert.Nil(t, q)

	reset := time.Now().Add(6 * time.Hour).Truncate(time.Second)
	require.NoError(t, s.SaveQuotaState(&types.QuotaState{
		Remaining: 7, DailyLimit: 10, LastChecked: time.Now(), NextReset: &reset,
	}))

	q, err = s.GetQuotaState()
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, 7, q.Remaining)
	require.NotNil(t, q.NextReset)
}
