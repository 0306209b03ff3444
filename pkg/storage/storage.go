package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/shelfhand/shelfhand/pkg/types"
)

// Store wraps the sqlite database. A Store obtained from WithTx is scoped
// to that transaction; all methods work identically on either.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the database at path and migrates the schema
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return newStore(db)
}

// OpenInMemory opens a fresh in-memory database, for tests
func OpenInMemory() (*Store, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// a single connection keeps every session on the same in-memory db
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return newStore(db)
}

func newStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&types.Book{},
		&types.StatusHistory{},
		&types.SearchResult{},
		&types.DownloadQueueEntry{},
		&types.DownloadRecord{},
		&types.Task{},
		&types.QuotaState{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying gorm handle for queries the typed methods do
// not cover
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// WithTx runs fn inside one transaction. fn receives a transaction-scoped
// Store; returning an error rolls everything back.
func (s *Store) WithTx(fn func(tx *Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// ---- books ----

// CreateBook inserts a new item row
func (s *Store) CreateBook(b *types.Book) error {
	return s.db.Create(b).Error
}

// GetBook returns the item or nil when it does not exist
func (s *Store) GetBook(id uint64) (*types.Book, error) {
	var b types.Book
	if err := s.db.First(&b, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// GetBookByExternalID returns the item with the given list id, or nil
func (s *Store) GetBookByExternalID(externalID string) (*types.Book, error) {
	var b types.Book
	if err := s.db.Where("external_id = ?", externalID).First(&b).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// SaveBook persists all fields of an existing item
func (s *Store) SaveBook(b *types.Book) error {
	return s.db.Save(b).Error
}

// ListBooksByStatus returns items in any of the given states, oldest first.
// limit <= 0 means no limit.
func (s *Store) ListBooksByStatus(statuses []types.Status, limit int) ([]types.Book, error) {
	var books []types.Book
	q := s.db.Where("status IN ?", statuses).Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

// ListBooksUpdatedBefore returns items in the given states not touched since cutoff
func (s *Store) ListBooksUpdatedBefore(statuses []types.Status, cutoff time.Time) ([]types.Book, error) {
	var books []types.Book
	err := s.db.Where("status IN ? AND updated_at < ?", statuses, cutoff).
		Order("updated_at ASC").Find(&books).Error
	if err != nil {
		return nil, err
	}
	return books, nil
}

// CountBooksByStatus returns the status histogram
func (s *Store) CountBooksByStatus() (map[types.Status]int64, error) {
	type row struct {
		Status types.Status
		N      int64
	}
	var rows []row
	err := s.db.Model(&types.Book{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[types.Status]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// ---- status history ----

// AppendHistory inserts one transition record
func (s *Store) AppendHistory(h *types.StatusHistory) error {
	return s.db.Create(h).Error
}

// ListHistory returns an item's transitions in insertion order
func (s *Store) ListHistory(itemID uint64) ([]types.StatusHistory, error) {
	var hs []types.StatusHistory
	err := s.db.Where("item_id = ?", itemID).Order("id ASC").Find(&hs).Error
	if err != nil {
		return nil, err
	}
	return hs, nil
}

// RecentHistory returns the newest entries across all items
func (s *Store) RecentHistory(limit int) ([]types.StatusHistory, error) {
	var hs []types.StatusHistory
	err := s.db.Order("id DESC").Limit(limit).Find(&hs).Error
	if err != nil {
		return nil, err
	}
	return hs, nil
}

// ---- search results ----

// UpsertSearchResult stores a candidate, deduplicating first by
// (item, external id) and then by (item, title, authors[, isbn]).
// Matching an existing row only refreshes its external id and timestamp.
func (s *Store) UpsertSearchResult(r *types.SearchResult) (*types.SearchResult, error) {
	var existing types.SearchResult
	err := s.db.Where("item_id = ? AND external_id = ?", r.ItemID, r.ExternalID).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	q := s.db.Where("item_id = ? AND title = ? AND authors = ?", r.ItemID, r.Title, r.Authors)
	if r.ISBN != "" {
		q = q.Where("isbn = ?", r.ISBN)
	}
	if err := q.First(&existing).Error; err == nil {
		existing.ExternalID = r.ExternalID
		existing.UpdatedAt = time.Now()
		if err := s.db.Save(&existing).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err := s.db.Create(r).Error; err != nil {
		return nil, err
	}
	return r, nil
}

// GetSearchResult returns a candidate by id, or nil
func (s *Store) GetSearchResult(id uint64) (*types.SearchResult, error) {
	var r types.SearchResult
	if err := s.db.First(&r, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// ListSearchResults returns an item's persisted candidates, best score first
func (s *Store) ListSearchResults(itemID uint64) ([]types.SearchResult, error) {
	var rs []types.SearchResult
	err := s.db.Where("item_id = ?", itemID).Order("score DESC").Find(&rs).Error
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// ---- download queue ----

// UpsertQueueEntry creates or replaces the single queue row for an item
func (s *Store) UpsertQueueEntry(e *types.DownloadQueueEntry) error {
	var existing types.DownloadQueueEntry
	err := s.db.Where("item_id = ?", e.ItemID).First(&existing).Error
	if err == nil {
		e.ID = existing.ID
		e.CreatedAt = existing.CreatedAt
		return s.db.Save(e).Error
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return s.db.Create(e).Error
}

// GetQueueEntry returns the item's queue row, or nil
func (s *Store) GetQueueEntry(itemID uint64) (*types.DownloadQueueEntry, error) {
	var e types.DownloadQueueEntry
	if err := s.db.Where("item_id = ?", itemID).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// UpdateQueueEntry persists changes to a queue row
func (s *Store) UpdateQueueEntry(e *types.DownloadQueueEntry) error {
	return s.db.Save(e).Error
}

// ---- download records ----

// CreateDownloadRecord persists the outcome of one download attempt
func (s *Store) CreateDownloadRecord(r *types.DownloadRecord) error {
	return s.db.Create(r).Error
}

// ListDownloadRecords returns an item's download attempts, newest first
func (s *Store) ListDownloadRecords(itemID uint64) ([]types.DownloadRecord, error) {
	var rs []types.DownloadRecord
	err := s.db.Where("item_id = ?", itemID).Order("id DESC").Find(&rs).Error
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// ---- tasks ----

// CreateTask inserts a new task row
func (s *Store) CreateTask(t *types.Task) error {
	return s.db.Create(t).Error
}

// GetTask returns the task or nil
func (s *Store) GetTask(id uint64) (*types.Task, error) {
	var t types.Task
	if err := s.db.First(&t, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// UpdateTask persists all fields of a task row
func (s *Store) UpdateTask(t *types.Task) error {
	return s.db.Save(t).Error
}

// ListTasksByStatus returns tasks in any of the given states
func (s *Store) ListTasksByStatus(statuses []types.TaskStatus) ([]types.Task, error) {
	var ts []types.Task
	err := s.db.Where("status IN ?", statuses).Order("id ASC").Find(&ts).Error
	if err != nil {
		return nil, err
	}
	return ts, nil
}

// FindLiveTask returns the queued or active task for (item, stage), or nil.
// The single-flight invariant means there is at most one.
func (s *Store) FindLiveTask(itemID uint64, stage types.Stage) (*types.Task, error) {
	var t types.Task
	err := s.db.Where("item_id = ? AND stage = ? AND status IN ?",
		itemID, stage, []types.TaskStatus{types.TaskStatusQueued, types.TaskStatusActive}).
		First(&t).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// CountTasksByStatus returns the task status histogram
func (s *Store) CountTasksByStatus() (map[types.TaskStatus]int64, error) {
	type row struct {
		Status types.TaskStatus
		N      int64
	}
	var rows []row
	err := s.db.Model(&types.Task{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[types.TaskStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// DeleteFinishedTasks removes completed/cancelled rows older than doneCutoff
// and failed rows older than failedCutoff whose retries are exhausted.
// Returns the number of rows removed.
func (s *Store) DeleteFinishedTasks(doneCutoff, failedCutoff time.Time) (int64, error) {
	res := s.db.Where("status IN ? AND updated_at < ?",
		[]types.TaskStatus{types.TaskStatusCompleted, types.TaskStatusCancelled}, doneCutoff).
		Delete(&types.Task{})
	if res.Error != nil {
		return 0, res.Error
	}
	deleted := res.RowsAffected

	res = s.db.Where("status = ? AND updated_at < ? AND retry_count >= max_retries",
		types.TaskStatusFailed, failedCutoff).
		Delete(&types.Task{})
	if res.Error != nil {
		return deleted, res.Error
	}
	return deleted + res.RowsAffected, nil
}

// ---- quota snapshot ----

// GetQuotaState returns the persisted quota snapshot, or nil
func (s *Store) GetQuotaState() (*types.QuotaState, error) {
	var q types.QuotaState
	if err := s.db.First(&q, 1).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &q, nil
}

// SaveQuotaState upserts the single quota snapshot row
func (s *Store) SaveQuotaState(q *types.QuotaState) error {
	q.ID = 1
	q.UpdatedAt = time.Now()
	return s.db.Save(q).Error
}
