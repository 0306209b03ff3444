package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfhand/shelfhand/pkg/config"
	"github.com/shelfhand/shelfhand/pkg/storage"
	"github.com/shelfhand/shelfhand/pkg/types"
)

type fakeList struct {
	mu    sync.Mutex
	items []types.ListItem
}

func (f *fakeList) WantList(ctx context.Context) ([]types.ListItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ListItem(nil), f.items...), nil
}

func (f *fakeList) Detail(ctx context.Context, externalID string) (*types.DetailRecord, error) {
	return &types.DetailRecord{
		Title:       "Leaves of Grass",
		Author:      "Walt Whitman",
		Publisher:   "Small Press",
		ISBN:        "9780140421996",
		PublishYear: 1855,
	}, nil
}

type fakeSearch struct{}

func (f *fakeSearch) Search(ctx context.Context, q types.SearchQuery) ([]types.Candidate, error) {
	return []types.Candidate{{
		ExternalID:  "md5-aaa",
		Title:       "Leaves of Grass",
		Authors:     "Walt Whitman",
		Publisher:   "Small Press",
		Year:        1855,
		ISBN:        "9780140421996",
		Extension:   "epub",
		DownloadURL: "http://mirror.example/aaa.epub",
	}}, nil
}

type fakeLibrary struct {
	mu      sync.Mutex
	uploads []string
}

func (f *fakeLibrary) FindMatch(ctx context.Context, title, author, isbn string) (*types.LibraryMatch, error) {
	return nil, nil
}

func (f *fakeLibrary) Upload(ctx context.Context, filePath string, meta types.UploadMeta) (*types.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, filePath)
	return &types.UploadResult{LibraryID: 7, ISBN: meta.ISBN}, nil
}

type fakeQuota struct {
	remaining int
}

func (f *fakeQuota) Quota(ctx context.Context) (*types.DownloadQuota, error) {
	return &types.DownloadQuota{Remaining: f.remaining, DailyLimit: 10, LastChecked: time.Now()}, nil
}

type fakeDownloader struct{}

func (f *fakeDownloader) Download(ctx context.Context, c types.Candidate, destDir string) (string, int64, error) {
	return destDir + "/" + c.ExternalID + "." + c.Extension, 4096, nil
}

type harness struct {
	e       *Engine
	store   *storage.Store
	list    *fakeList
	library *fakeLibrary
	quota   *fakeQuota
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default()
	cfg.Pipeline.StageTaskDelaySeconds = 0
	cfg.Download.Dir = t.TempDir()

	list := &fakeList{}
	library := &fakeLibrary{}
	q := &fakeQuota{remaining: 10}

	e, err := NewWithStore(cfg, Deps{
		List:       list,
		Search:     &fakeSearch{},
		Library:    library,
		Quota:      q,
		Downloader: &fakeDownloader{},
	}, store)
	require.NoError(t, err)

	return &harness{e: e, store: store, list: list, library: library, quota: q}
}

func TestSyncWantList(t *testing.T) {
	h := newHarness(t)
	h.list.items = []types.ListItem{
		{ExternalID: "gr-1", Title: "Leaves of Grass", Author: "Walt Whitman"},
		{ExternalID: "gr-2", Title: "Moby Dick", Author: "Herman Melville"},
		{ExternalID: "", Title: "no id, skipped"},
	}

	added, err := h.e.SyncWantList(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	b, err := h.store.GetBookByExternalID("gr-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, types.StatusNew, b.Status)

	task, err := h.store.FindLiveTask(b.ID, types.StageDetail)
	require.NoError(t, err)
	assert.NotNil(t, task)

	// a second sync sees the same list and adds nothing
	added, err = h.e.SyncWantList(context.Background())
	require.NoError(t, err)
	assert.Zero(t, added)
}

func TestEnsureTasks(t *testing.T) {
	h := newHarness(t)

	waiting := &types.Book{ExternalID: "gr-10", Title: "A", Status: types.StatusSearchQueued}
	require.NoError(t, h.store.SaveBook(waiting))
	done := &types.Book{ExternalID: "gr-11", Title: "B", Status: types.StatusCompleted}
	require.NoError(t, h.store.SaveBook(done))

	n, err := h.e.EnsureTasks()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, err := h.store.FindLiveTask(waiting.ID, types.StageSearch)
	require.NoError(t, err)
	require.NotNil(t, task)

	n, err = h.e.EnsureTasks()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunOnceCompletesPipeline(t *testing.T) {
	h := newHarness(t)
	h.list.items = []types.ListItem{
		{ExternalID: "gr-100", Title: "Leaves of Grass", Author: "Walt Whitman"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, h.e.RunOnce(ctx))

	b, err := h.store.GetBookByExternalID("gr-100")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, types.StatusCompleted, b.Status)

	h.library.mu.Lock()
	defer h.library.mu.Unlock()
	require.Len(t, h.library.uploads, 1)
	assert.Contains(t, h.library.uploads[0], "md5-aaa.epub")

	hist, err := h.store.ListHistory(b.ID)
	require.NoError(t, err)
	var walk []types.Status
	for _, e := range hist {
		walk = append(walk, e.NewStatus)
	}
	assert.Equal(t, []types.Status{
		types.StatusDetailFetching,
		types.StatusDetailComplete,
		types.StatusSearchQueued,
		types.StatusSearchActive,
		types.StatusSearchComplete,
		types.StatusDownloadQueued,
		types.StatusDownloadActive,
		types.StatusDownloadComplete,
		types.StatusUploadQueued,
		types.StatusUploadActive,
		types.StatusUploadComplete,
		types.StatusCompleted,
	}, walk)
}

func TestRunOnceParksWhenQuotaExhausted(t *testing.T) {
	h := newHarness(t)
	h.quota.remaining = 0
	h.list.items = []types.ListItem{
		{ExternalID: "gr-200", Title: "Leaves of Grass", Author: "Walt Whitman"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, h.e.RunOnce(ctx))

	b, err := h.store.GetBookByExternalID("gr-200")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, types.StatusSearchCompleteQuotaExhausted, b.Status)
}

func TestStatusReport(t *testing.T) {
	h := newHarness(t)
	for i, status := range []types.Status{types.StatusNew, types.StatusNew, types.StatusCompleted} {
		b := &types.Book{ExternalID: fmt.Sprintf("gr-%d", 300+i), Title: "X", Status: status}
		require.NoError(t, h.store.SaveBook(b))
	}

	rep, err := h.e.Status()
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.Items[types.StatusNew])
	assert.Equal(t, int64(1), rep.Items[types.StatusCompleted])
	assert.Equal(t, int64(3), rep.Total())
	assert.Empty(t, rep.Paused)
}

func TestCleanupDeletesOldTasks(t *testing.T) {
	h := newHarness(t)

	b := &types.Book{ExternalID: "gr-400", Title: "X", Status: types.StatusCompleted}
	require.NoError(t, h.store.SaveBook(b))
	old := &types.Task{ItemID: b.ID, Stage: types.StageSearch,
		Status: types.TaskStatusCompleted, MaxRetries: 3, NextRunAt: time.Now()}
	require.NoError(t, h.store.CreateTask(old))
	require.NoError(t, h.store.DB().Model(old).
		UpdateColumn("updated_at", time.Now().Add(-3*time.Hour)).Error)

	deleted, err := h.e.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	got, err := h.store.GetTask(old.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
