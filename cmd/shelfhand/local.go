package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shelfhand/shelfhand/pkg/config"
	"github.com/shelfhand/shelfhand/pkg/engine"
	"github.com/shelfhand/shelfhand/pkg/faults"
	"github.com/shelfhand/shelfhand/pkg/types"
)

// Local file-backed providers for the collaborator interfaces. Network
// providers (list scrapers, remote search APIs, library servers) plug in
// programmatically via engine.Deps; these let the binary run end to end
// against files on disk.

// buildDeps wires the configured local providers. The want list is the
// only mandatory one.
func buildDeps(cfg *config.Config) (engine.Deps, error) {
	if cfg.Sources.WantListPath == "" {
		return engine.Deps{}, fmt.Errorf("sources.want_list must be set")
	}
	if cfg.Sources.CatalogPath == "" {
		return engine.Deps{}, fmt.Errorf("sources.catalog must be set")
	}
	libDir := cfg.Sources.LibraryDir
	if libDir == "" {
		libDir = "library"
	}
	return engine.Deps{
		List:    &localList{path: cfg.Sources.WantListPath},
		Search:  &localCatalog{path: cfg.Sources.CatalogPath},
		Library: newLocalLibrary(libDir),
		Quota:   &localQuota{limit: cfg.Sources.DailyQuota},
	}, nil
}

// wantEntry is one record in the want-list JSON file
type wantEntry struct {
	ExternalID  string `json:"external_id"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Publisher   string `json:"publisher"`
	ISBN        string `json:"isbn"`
	PublishYear int    `json:"publish_year"`
}

type localList struct {
	path string
}

func (l *localList) load() ([]wantEntry, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read want list: %w", err)
	}
	var entries []wantEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse want list: %w", err)
	}
	return entries, nil
}

func (l *localList) WantList(ctx context.Context) ([]types.ListItem, error) {
	entries, err := l.load()
	if err != nil {
		return nil, err
	}
	items := make([]types.ListItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, types.ListItem{
			ExternalID: e.ExternalID,
			Title:      e.Title,
			Author:     e.Author,
		})
	}
	return items, nil
}

func (l *localList) Detail(ctx context.Context, externalID string) (*types.DetailRecord, error) {
	entries, err := l.load()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ExternalID == externalID {
			return &types.DetailRecord{
				Title:       e.Title,
				Author:      e.Author,
				Publisher:   e.Publisher,
				ISBN:        e.ISBN,
				PublishYear: e.PublishYear,
			}, nil
		}
	}
	return nil, &faults.ProcessingError{
		Kind:    faults.KindNotFound,
		Message: fmt.Sprintf("item %s not in want list", externalID),
	}
}

// catalogEntry is one record in the catalog JSON file. DownloadURL may
// be a file:// URL or a plain path; the download stage hands it to the
// configured downloader either way.
type catalogEntry struct {
	ExternalID  string `json:"external_id"`
	Title       string `json:"title"`
	Authors     string `json:"authors"`
	Publisher   string `json:"publisher"`
	Year        int    `json:"year"`
	ISBN        string `json:"isbn"`
	Extension   string `json:"extension"`
	Size        int64  `json:"size"`
	Language    string `json:"language"`
	DownloadURL string `json:"download_url"`
}

type localCatalog struct {
	path string
}

func (c *localCatalog) Search(ctx context.Context, q types.SearchQuery) ([]types.Candidate, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	var entries []catalogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	var out []types.Candidate
	for _, e := range entries {
		if !matchesQuery(e, q) {
			continue
		}
		out = append(out, types.Candidate{
			ExternalID:  e.ExternalID,
			Title:       e.Title,
			Authors:     e.Authors,
			Publisher:   e.Publisher,
			Year:        e.Year,
			ISBN:        e.ISBN,
			Extension:   e.Extension,
			Size:        e.Size,
			Language:    e.Language,
			DownloadURL: e.DownloadURL,
		})
	}
	return out, nil
}

func matchesQuery(e catalogEntry, q types.SearchQuery) bool {
	if q.ISBN != "" {
		return strings.EqualFold(e.ISBN, q.ISBN)
	}
	if q.Title != "" && !containsFold(e.Title, q.Title) {
		return false
	}
	if q.Author != "" && !containsFold(e.Authors, q.Author) {
		return false
	}
	if q.Publisher != "" && !containsFold(e.Publisher, q.Publisher) {
		return false
	}
	return q.Title != "" || q.Author != ""
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// libraryIndexEntry is one shelved book in the library index
type libraryIndexEntry struct {
	ID     int64  `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
	ISBN   string `json:"isbn"`
	File   string `json:"file"`
}

// localLibrary shelves files in a directory with a JSON index alongside
type localLibrary struct {
	dir string

	mu sync.Mutex
}

func newLocalLibrary(dir string) *localLibrary {
	return &localLibrary{dir: dir}
}

func (l *localLibrary) indexPath() string {
	return filepath.Join(l.dir, "index.json")
}

func (l *localLibrary) loadIndex() ([]libraryIndexEntry, error) {
	data, err := os.ReadFile(l.indexPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read library index: %w", err)
	}
	var entries []libraryIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse library index: %w", err)
	}
	return entries, nil
}

func (l *localLibrary) saveIndex(entries []libraryIndexEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.indexPath(), data, 0o644)
}

func (l *localLibrary) FindMatch(ctx context.Context, title, author, isbn string) (*types.LibraryMatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.loadIndex()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if isbn != "" && strings.EqualFold(e.ISBN, isbn) {
			return &types.LibraryMatch{LibraryID: e.ID, Title: e.Title,
				Author: e.Author, ISBN: e.ISBN, Score: 1.0}, nil
		}
		if title != "" && strings.EqualFold(e.Title, title) &&
			(author == "" || containsFold(e.Author, author)) {
			return &types.LibraryMatch{LibraryID: e.ID, Title: e.Title,
				Author: e.Author, ISBN: e.ISBN, Score: 0.9}, nil
		}
	}
	return nil, nil
}

func (l *localLibrary) Upload(ctx context.Context, filePath string, meta types.UploadMeta) (*types.UploadResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.loadIndex()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if meta.ISBN != "" && strings.EqualFold(e.ISBN, meta.ISBN) {
			return &types.UploadResult{LibraryID: e.ID, ISBN: e.ISBN, Duplicate: true}, nil
		}
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create library dir: %w", err)
	}
	dest := filepath.Join(l.dir, filepath.Base(filePath))
	if err := copyFile(filePath, dest); err != nil {
		return nil, fmt.Errorf("failed to shelve file: %w", err)
	}

	id := int64(len(entries) + 1)
	entries = append(entries, libraryIndexEntry{
		ID:     id,
		Title:  meta.Title,
		Author: meta.Author,
		ISBN:   meta.ISBN,
		File:   filepath.Base(filePath),
	})
	if err := l.saveIndex(entries); err != nil {
		return nil, err
	}
	return &types.UploadResult{LibraryID: id, ISBN: meta.ISBN}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// localQuota grants a fixed daily allowance resetting at midnight UTC
type localQuota struct {
	limit int
}

func (q *localQuota) Quota(ctx context.Context) (*types.DownloadQuota, error) {
	now := time.Now().UTC()
	reset := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return &types.DownloadQuota{
		Remaining:   q.limit,
		DailyLimit:  q.limit,
		LastChecked: now,
		NextReset:   &reset,
	}, nil
}
