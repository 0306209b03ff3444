package stages

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfhand/shelfhand/pkg/faults"
	"github.com/shelfhand/shelfhand/pkg/quota"
	"github.com/shelfhand/shelfhand/pkg/storage"
	"github.com/shelfhand/shelfhand/pkg/types"
)

func testStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testBook(t *testing.T, store *storage.Store, status types.Status) *types.Book {
	t.Helper()
	b := &types.Book{
		ExternalID:  "gr-1001",
		Title:       "The Go Programming Language",
		Author:      "Alan Donovan",
		Publisher:   "Addison-Wesley",
		PublishYear: 2015,
		Status:      status,
	}
	require.NoError(t, store.SaveBook(b))
	return b
}

// ---- detail ----

type fakeListSource struct {
	detail *types.DetailRecord
	err    error
}

func (f *fakeListSource) WantList(ctx context.Context) ([]types.ListItem, error) { return nil, nil }
func (f *fakeListSource) Detail(ctx context.Context, externalID string) (*types.DetailRecord, error) {
	return f.detail, f.err
}

func TestDetailProcess(t *testing.T) {
	store := testStore(t)
	book := testBook(t, store, types.StatusDetailFetching)
	book.Publisher = ""
	book.PublishYear = 0
	require.NoError(t, store.SaveBook(book))

	h := NewDetail(&fakeListSource{detail: &types.DetailRecord{
		Title:       "The Go Programming Language",
		Author:      "Alan Donovan, Brian Kernighan",
		Publisher:   "Addison-Wesley",
		ISBN:        "9780134190440",
		PublishYear: 2015,
	}})

	out, err := h.Process(context.Background(), store, book)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDetailComplete, out.Next)

	got, err := store.GetBook(book.ID)
	require.NoError(t, err)
	assert.Equal(t, "Addison-Wesley", got.Publisher)
	assert.Equal(t, "9780134190440", got.ISBN)
	assert.Equal(t, 2015, got.PublishYear)
}

func TestDetailMissingTitle(t *testing.T) {
	store := testStore(t)
	book := testBook(t, store, types.StatusDetailFetching)

	h := NewDetail(&fakeListSource{detail: &types.DetailRecord{}})
	_, err := h.Process(context.Background(), store, book)

	var proc *faults.ProcessingError
	require.ErrorAs(t, err, &proc)
	assert.Equal(t, faults.KindDataMissing, proc.Kind)
}

func TestDetailSourceErrorPropagates(t *testing.T) {
	store := testStore(t)
	book := testBook(t, store, types.StatusDetailFetching)

	want := &faults.AuthError{Message: "login failed", Forbidden: false}
	h := NewDetail(&fakeListSource{err: want})
	_, err := h.Process(context.Background(), store, book)
	assert.True(t, faults.IsAuth(err))
}

// ---- search ----

type fakeLibrary struct {
	match    *types.LibraryMatch
	matchErr error

	upload    *types.UploadResult
	uploadErr error
	gotPath   string
	gotMeta   types.UploadMeta
}

func (f *fakeLibrary) FindMatch(ctx context.Context, title, author, isbn string) (*types.LibraryMatch, error) {
	return f.match, f.matchErr
}

func (f *fakeLibrary) Upload(ctx context.Context, filePath string, meta types.UploadMeta) (*types.UploadResult, error) {
	f.gotPath = filePath
	f.gotMeta = meta
	return f.upload, f.uploadErr
}

type fakeSearchClient struct {
	results map[string][]types.Candidate // keyed by strategy shape
	queries []types.SearchQuery
	err     error
}

func (f *fakeSearchClient) Search(ctx context.Context, q types.SearchQuery) ([]types.Candidate, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	switch {
	case q.ISBN != "":
		return f.results["isbn"], nil
	case q.Publisher != "":
		return f.results["title+author+publisher"], nil
	case q.Author != "":
		return f.results["title+author"], nil
	default:
		return f.results["title"], nil
	}
}

func searchCfg() SearchConfig {
	return SearchConfig{
		MinMatchScore:  0.6,
		FormatPriority: []string{"epub", "mobi", "azw3", "pdf", "txt"},
	}
}

func TestSearchSkipsExistingLibraryCopy(t *testing.T) {
	store := testStore(t)
	book := testBook(t, store, types.StatusSearchActive)

	lib := &fakeLibrary{match: &types.LibraryMatch{Title: book.Title, Score: 0.95}}
	client := &fakeSearchClient{}
	h := NewSearch(lib, client, searchCfg())

	out, err := h.Process(context.Background(), store, book)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSkippedExists, out.Next)
	assert.Empty(t, client.queries)
}

func TestSearchLowLibraryScoreStillSearches(t *testing.T) {
	store := testStore(t)
	book := testBook(t, store, types.StatusSearchActive)

	lib := &fakeLibrary{match: &types.LibraryMatch{Title: "something else", Score: 0.4}}
	client := &fakeSearchClient{}
	h := NewSearch(lib, client, searchCfg())

	out, err := h.Process(context.Background(), store, book)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSearchNoResults, out.Next)
	assert.NotEmpty(t, client.queries)
}

func TestSearchRemoteNotFoundMeansNoResults(t *testing.T) {
	store := testStore(t)
	book := testBook(t, store, types.StatusSearchActive)

	client := &fakeSearchClient{err: &faults.NotFoundError{Resource: "catalog entry"}}
	h := NewSearch(&fakeLibrary{}, client, searchCfg())

	out, err := h.Process(context.Background(), store, book)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSearchNoResults, out.Next)
}

func TestSearchProgressiveLadder(t *testing.T) {
	store := testStore(t)
	book := testBook(t, store, types.StatusSearchActive)

	winner := types.Candidate{
		ExternalID: "md5-1", Title: book.Title, Authors: book.Author,
		Publisher: book.Publisher, Year: 2015, Extension: "epub",
		DownloadURL: "http://mirror/1",
	}
	client := &fakeSearchClient{results: map[string][]types.Candidate{
		"title+author": {winner},
	}}
	h := NewSearch(&fakeLibrary{}, client, searchCfg())

	out, err := h.Process(context.Background(), store, book)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSearchComplete, out.Next)

	// no isbn on the book, so the ladder starts at title+author+publisher
	require.Len(t, client.queries, 2)
	assert.NotEmpty(t, client.queries[0].Publisher)
	assert.Empty(t, client.queries[1].Publisher)

	entry, err := store.GetQueueEntry(book.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "http://mirror/1", entry.DownloadURL)
	assert.Equal(t, 95, entry.Priority)
	assert.Equal(t, types.QueueStatusQueued, entry.Status)

	results, err := store.ListSearchResults(book.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.95, results[0].Score, 0.001)
}

func TestSearchNoCandidates(t *testing.T) {
	store := testStore(t)
	book := testBook(t, store, types.StatusSearchActive)

	h := NewSearch(&fakeLibrary{}, &fakeSearchClient{}, searchCfg())
	out, err := h.Process(context.Background(), store, book)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSearchNoResults, out.Next)
}

func TestSearchAllBelowThreshold(t *testing.T) {
	store := testStore(t)
	book := testBook(t, store, types.StatusSearchActive)

	client := &fakeSearchClient{results: map[string][]types.Candidate{
		"title+author+publisher": {
			{ExternalID: "md5-bad", Title: "Unrelated Cookbook", Authors: "Nobody", Extension: "pdf"},
		},
	}}
	h := NewSearch(&fakeLibrary{}, client, searchCfg())

	out, err := h.Process(context.Background(), store, book)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSearchNoResults, out.Next)

	// candidates persist even when none clears the threshold
	results, err := store.ListSearchResults(book.ID)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	entry, err := store.GetQueueEntry(book.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSearchAuthProbeFailurePropagates(t *testing.T) {
	store := testStore(t)
	book := testBook(t, store, types.StatusSearchActive)

	lib := &fakeLibrary{matchErr: &faults.AuthError{Message: "403 forbidden", Forbidden: true}}
	h := NewSearch(lib, &fakeSearchClient{}, searchCfg())

	_, err := h.Process(context.Background(), store, book)
	assert.True(t, faults.IsAuth(err))
}

func TestSearchFormatTieBreak(t *testing.T) {
	store := testStore(t)
	book := testBook(t, store, types.StatusSearchActive)

	client := &fakeSearchClient{results: map[string][]types.Candidate{
		"title+author+publisher": {
			{ExternalID: "md5-pdf", Title: book.Title, Authors: book.Author,
				Publisher: book.Publisher, Year: 2015, Extension: "pdf", DownloadURL: "http://mirror/pdf"},
			{ExternalID: "md5-epub", Title: book.Title, Authors: book.Author,
				Publisher: book.Publisher, Year: 2016, Extension: "epub", DownloadURL: "http://mirror/epub"},
		},
	}}
	h := NewSearch(&fakeLibrary{}, client, searchCfg())

	out, err := h.Process(context.Background(), store, book)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSearchComplete, out.Next)

	entry, err := store.GetQueueEntry(book.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	// epub scores slightly lower (year off by one) but wins the tie-break
	assert.Equal(t, "http://mirror/epub", entry.DownloadURL)
}

// ---- download ----

type fakeQuotaSource struct {
	remaining int
	err       error
}

func (f *fakeQuotaSource) Quota(ctx context.Context) (*types.DownloadQuota, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.DownloadQuota{Remaining: f.remaining, DailyLimit: 10}, nil
}

type fakeDownloader struct {
	path string
	size int64
	err  error
	got  *types.Candidate
}

func (f *fakeDownloader) Download(ctx context.Context, c types.Candidate, destDir string) (string, int64, error) {
	f.got = &c
	if f.err != nil {
		return "", 0, f.err
	}
	return f.path, f.size, nil
}

func downloadFixture(t *testing.T, store *storage.Store) *types.Book {
	t.Helper()
	book := testBook(t, store, types.StatusDownloadActive)
	row, err := store.UpsertSearchResult(&types.SearchResult{
		ItemID:     book.ID,
		ExternalID: "md5-1",
		Title:      book.Title,
		Extension:  "epub",
		Score:      0.95,
	})
	require.NoError(t, err)
	require.NoError(t, store.UpsertQueueEntry(&types.DownloadQueueEntry{
		ItemID:         book.ID,
		SearchResultID: row.ID,
		DownloadURL:    "http://mirror/1",
		Priority:       95,
		Status:         types.QueueStatusQueued,
	}))
	return book
}

func TestDownloadSuccess(t *testing.T) {
	store := testStore(t)
	book := downloadFixture(t, store)

	qm := quota.NewManager(&fakeQuotaSource{remaining: 3}, store, 5*time.Minute)
	dl := &fakeDownloader{path: "/downloads/gopl.epub", size: 1024}
	h := NewDownload(qm, dl, "/downloads")

	out, err := h.Process(context.Background(), store, book)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDownloadComplete, out.Next)

	require.NotNil(t, dl.got)
	assert.Equal(t, "http://mirror/1", dl.got.DownloadURL)

	entry, err := store.GetQueueEntry(book.ID)
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatusCompleted, entry.Status)
	assert.Equal(t, "/downloads/gopl.epub", entry.FilePath)

	records, err := store.ListDownloadRecords(book.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1024), records[0].FileSize)
	assert.Equal(t, "completed", records[0].Status)

	// one quota unit consumed
	q := qm.Snapshot()
	require.NotNil(t, q)
	assert.Equal(t, 2, q.Remaining)
}

func TestDownloadParksWhenQuotaExhausted(t *testing.T) {
	store := testStore(t)
	book := downloadFixture(t, store)

	qm := quota.NewManager(&fakeQuotaSource{remaining: 0}, store, 5*time.Minute)
	dl := &fakeDownloader{path: "/downloads/x.epub"}
	h := NewDownload(qm, dl, "/downloads")

	out, err := h.Process(context.Background(), store, book)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSearchCompleteQuotaExhausted, out.Next)
	assert.Nil(t, dl.got)
}

func TestDownloadQuotaCheckFailure(t *testing.T) {
	store := testStore(t)
	book := downloadFixture(t, store)

	qm := quota.NewManager(&fakeQuotaSource{err: errors.New("connection refused")}, store, 5*time.Minute)
	h := NewDownload(qm, &fakeDownloader{}, "/downloads")

	_, err := h.Process(context.Background(), store, book)
	var proc *faults.ProcessingError
	require.ErrorAs(t, err, &proc)
	assert.Equal(t, faults.KindQuotaCheckFailed, proc.Kind)
}

func TestDownloadTransferFailure(t *testing.T) {
	store := testStore(t)
	book := downloadFixture(t, store)

	qm := quota.NewManager(&fakeQuotaSource{remaining: 3}, store, 5*time.Minute)
	want := errors.New("connection reset by peer")
	h := NewDownload(qm, &fakeDownloader{err: want}, "/downloads")

	_, err := h.Process(context.Background(), store, book)
	require.ErrorIs(t, err, want)

	// failure bookkeeping is the pipeline's job; the handler's writes
	// roll back with its transaction
	entry, gerr := store.GetQueueEntry(book.ID)
	require.NoError(t, gerr)
	assert.Zero(t, entry.RetryCount)
}

func TestDownloadLimitErrorPropagates(t *testing.T) {
	store := testStore(t)
	book := downloadFixture(t, store)

	qm := quota.NewManager(&fakeQuotaSource{remaining: 3}, store, 5*time.Minute)
	resetAt := time.Now().Add(4 * time.Hour)
	h := NewDownload(qm, &fakeDownloader{err: &faults.LimitExhaustedError{ResetAt: &resetAt}}, "/downloads")

	_, err := h.Process(context.Background(), store, book)
	assert.True(t, faults.IsLimitExhausted(err))
}

func TestDownloadMissingQueueEntry(t *testing.T) {
	store := testStore(t)
	book := testBook(t, store, types.StatusDownloadActive)

	qm := quota.NewManager(&fakeQuotaSource{remaining: 3}, store, 5*time.Minute)
	h := NewDownload(qm, &fakeDownloader{}, "/downloads")

	_, err := h.Process(context.Background(), store, book)
	var proc *faults.ProcessingError
	require.ErrorAs(t, err, &proc)
	assert.Equal(t, faults.KindDataMissing, proc.Kind)
}

// ---- upload ----

func uploadFixture(t *testing.T, store *storage.Store) *types.Book {
	t.Helper()
	book := testBook(t, store, types.StatusUploadActive)
	require.NoError(t, store.UpsertQueueEntry(&types.DownloadQueueEntry{
		ItemID:   book.ID,
		Status:   types.QueueStatusCompleted,
		FilePath: "/downloads/gopl.epub",
	}))
	return book
}

func TestUploadSuccess(t *testing.T) {
	store := testStore(t)
	book := uploadFixture(t, store)

	lib := &fakeLibrary{upload: &types.UploadResult{LibraryID: 42, ISBN: "9780134190440"}}
	h := NewUpload(lib)

	out, err := h.Process(context.Background(), store, book)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUploadComplete, out.Next)
	assert.Equal(t, "/downloads/gopl.epub", lib.gotPath)
	assert.Equal(t, book.Title, lib.gotMeta.Title)

	// missing isbn back-filled from the ingest response
	got, err := store.GetBook(book.ID)
	require.NoError(t, err)
	assert.Equal(t, "9780134190440", got.ISBN)
}

func TestUploadDuplicate(t *testing.T) {
	store := testStore(t)
	book := uploadFixture(t, store)

	lib := &fakeLibrary{upload: &types.UploadResult{LibraryID: 7, Duplicate: true}}
	h := NewUpload(lib)

	out, err := h.Process(context.Background(), store, book)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSkippedExists, out.Next)
	assert.Contains(t, out.Reason, "already held")
}

func TestUploadKeepsExistingISBN(t *testing.T) {
	store := testStore(t)
	book := uploadFixture(t, store)
	book.ISBN = "1111111111"
	require.NoError(t, store.SaveBook(book))

	lib := &fakeLibrary{upload: &types.UploadResult{LibraryID: 7, ISBN: "2222222222"}}
	h := NewUpload(lib)

	_, err := h.Process(context.Background(), store, book)
	require.NoError(t, err)

	got, err := store.GetBook(book.ID)
	require.NoError(t, err)
	assert.Equal(t, "1111111111", got.ISBN)
}

func TestUploadMissingFile(t *testing.T) {
	store := testStore(t)
	book := testBook(t, store, types.StatusUploadActive)

	h := NewUpload(&fakeLibrary{})
	_, err := h.Process(context.Background(), store, book)

	var proc *faults.ProcessingError
	require.ErrorAs(t, err, &proc)
	assert.Equal(t, faults.KindDataMissing, proc.Kind)
}

func TestUploadErrorPropagates(t *testing.T) {
	store := testStore(t)
	book := uploadFixture(t, store)

	want := errors.New("upload timeout")
	h := NewUpload(&fakeLibrary{uploadErr: want})
	_, err := h.Process(context.Background(), store, book)
	assert.ErrorIs(t, err, want)
}
