package types

import (
	"time"
)

// Status represents the lifecycle state of a book in the pipeline
type Status string

const (
	// Detail stage
	StatusNew            Status = "NEW"
	StatusDetailFetching Status = "DETAIL_FETCHING"
	StatusDetailComplete Status = "DETAIL_COMPLETE"

	// Search stage
	StatusSearchQueued                 Status = "SEARCH_QUEUED"
	StatusSearchActive                 Status = "SEARCH_ACTIVE"
	StatusSearchComplete               Status = "SEARCH_COMPLETE"
	StatusSearchCompleteQuotaExhausted Status = "SEARCH_COMPLETE_QUOTA_EXHAUSTED"
	StatusSearchNoResults              Status = "SEARCH_NO_RESULTS"

	// Download stage
	StatusDownloadQueued   Status = "DOWNLOAD_QUEUED"
	StatusDownloadActive   Status = "DOWNLOAD_ACTIVE"
	StatusDownloadComplete Status = "DOWNLOAD_COMPLETE"
	StatusDownloadFailed   Status = "DOWNLOAD_FAILED"

	// Upload stage
	StatusUploadQueued   Status = "UPLOAD_QUEUED"
	StatusUploadActive   Status = "UPLOAD_ACTIVE"
	StatusUploadComplete Status = "UPLOAD_COMPLETE"
	StatusUploadFailed   Status = "UPLOAD_FAILED"

	// Terminal
	StatusCompleted       Status = "COMPLETED"
	StatusSkippedExists   Status = "SKIPPED_EXISTS"
	StatusFailedPermanent Status = "FAILED_PERMANENT"
)

// IsTerminal reports whether the status admits no further forward progress.
// FAILED_PERMANENT is terminal but can be re-opened via the reset path.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusSkippedExists, StatusFailedPermanent:
		return true
	}
	return false
}

// Stage identifies one of the four pipeline stages
type Stage string

const (
	StageDetail   Stage = "detail"
	StageSearch   Stage = "search"
	StageDownload Stage = "download"
	StageUpload   Stage = "upload"
)

// Stages lists all stages in pipeline order
var Stages = []Stage{StageDetail, StageSearch, StageDownload, StageUpload}

// AcceptableStates returns the item states for which a stage may legally run
func (st Stage) AcceptableStates() []Status {
	switch st {
	case StageDetail:
		return []Status{StatusNew, StatusDetailFetching}
	case StageSearch:
		return []Status{StatusDetailComplete, StatusSearchQueued, StatusSearchActive}
	case StageDownload:
		return []Status{StatusSearchComplete, StatusSearchCompleteQuotaExhausted,
			StatusDownloadQueued, StatusDownloadActive}
	case StageUpload:
		return []Status{StatusDownloadComplete, StatusUploadQueued, StatusUploadActive}
	}
	return nil
}

// Accepts reports whether the stage may run against an item in status s
func (st Stage) Accepts(s Status) bool {
	for _, a := range st.AcceptableStates() {
		if a == s {
			return true
		}
	}
	return false
}

// ActiveState returns the in-flight state the stage runs under
func (st Stage) ActiveState() Status {
	switch st {
	case StageDetail:
		return StatusDetailFetching
	case StageSearch:
		return StatusSearchActive
	case StageDownload:
		return StatusDownloadActive
	case StageUpload:
		return StatusUploadActive
	}
	return ""
}

// QueuedState returns the waiting state for the stage
func (st Stage) QueuedState() Status {
	switch st {
	case StageDetail:
		return StatusNew
	case StageSearch:
		return StatusSearchQueued
	case StageDownload:
		return StatusDownloadQueued
	case StageUpload:
		return StatusUploadQueued
	}
	return ""
}

// Book is the unit of work: one e-book moving through the pipeline
type Book struct {
	ID          uint64 `gorm:"primaryKey"`
	ExternalID  string `gorm:"uniqueIndex;size:64"`
	Title       string `gorm:"size:512"`
	Author      string `gorm:"size:512"`
	Publisher   string `gorm:"size:256"`
	ISBN        string `gorm:"size:32"`
	PublishYear int
	Status      Status `gorm:"index;size:40;default:NEW"`
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Book) TableName() string { return "items" }

// StatusHistory is an append-only record of one state transition
type StatusHistory struct {
	ID             uint64 `gorm:"primaryKey"`
	ItemID         uint64 `gorm:"index:idx_history_item,priority:1"`
	OldStatus      Status `gorm:"size:40"`
	NewStatus      Status `gorm:"size:40"`
	Reason         string
	ErrorMessage   string
	ProcessingTime float64
	RetryCount     int
	CreatedAt      time.Time `gorm:"index:idx_history_item,priority:2"`
}

func (StatusHistory) TableName() string { return "status_history" }

// SearchResult is one candidate hit from the remote search for an item
type SearchResult struct {
	ID          uint64 `gorm:"primaryKey"`
	ItemID      uint64 `gorm:"uniqueIndex:idx_result_item_ext,priority:1"`
	ExternalID  string `gorm:"uniqueIndex:idx_result_item_ext,priority:2;size:64"`
	Title       string `gorm:"size:512"`
	Authors     string `gorm:"size:512"`
	Publisher   string `gorm:"size:256"`
	Year        int
	ISBN        string `gorm:"size:32"`
	Extension   string `gorm:"size:16"`
	Size        int64
	Language    string `gorm:"size:32"`
	URL         string
	DownloadURL string
	Score       float64
	Available   bool
	Raw         []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (SearchResult) TableName() string { return "search_results" }

// QueueStatus tracks a download queue entry through one attempt
type QueueStatus string

const (
	QueueStatusQueued      QueueStatus = "queued"
	QueueStatusDownloading QueueStatus = "downloading"
	QueueStatusCompleted   QueueStatus = "completed"
	QueueStatusFailed      QueueStatus = "failed"
)

// DownloadQueueEntry is the chosen best match per item, ready to download
type DownloadQueueEntry struct {
	ID             uint64 `gorm:"primaryKey"`
	ItemID         uint64 `gorm:"uniqueIndex"`
	SearchResultID uint64
	DownloadURL    string
	Priority       int
	Status         QueueStatus `gorm:"index;size:16;default:queued"`
	RetryCount     int
	FilePath       string
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (DownloadQueueEntry) TableName() string { return "download_queue" }

// DownloadRecord is the persisted outcome of one download attempt
type DownloadRecord struct {
	ID           uint64 `gorm:"primaryKey"`
	ItemID       uint64 `gorm:"index"`
	ExternalID   string `gorm:"size:64"`
	Format       string `gorm:"size:16"`
	FileSize     int64
	FilePath     string
	Status       string `gorm:"size:16"`
	ErrorMessage string
	CreatedAt    time.Time
}

func (DownloadRecord) TableName() string { return "download_records" }

// TaskStatus is the lifecycle state of a scheduler task row
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusActive    TaskStatus = "active"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Task is the durable row backing one scheduler entry
type Task struct {
	ID           uint64     `gorm:"primaryKey"`
	ItemID       uint64     `gorm:"index:idx_task_item_stage,priority:1"`
	Stage        Stage      `gorm:"index:idx_task_item_stage,priority:2;index:idx_task_dispatch,priority:2;size:16"`
	Status       TaskStatus `gorm:"index:idx_task_dispatch,priority:1;size:16;default:queued"`
	Priority     int        `gorm:"index:idx_task_dispatch,priority:3"`
	RetryCount   int
	MaxRetries   int
	ErrorMessage string
	ErrorKind    string `gorm:"size:40"`
	WorkerID     string `gorm:"size:64"`
	NextRunAt    time.Time `gorm:"index:idx_task_dispatch,priority:4"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (Task) TableName() string { return "processing_tasks" }

// DownloadQuota is the cached view of the remote daily download allowance
type DownloadQuota struct {
	Remaining   int
	DailyLimit  int
	LastChecked time.Time
	NextReset   *time.Time
}

// QuotaState is the single-row persisted quota snapshot
type QuotaState struct {
	ID          uint64 `gorm:"primaryKey"`
	Remaining   int
	DailyLimit  int
	LastChecked time.Time
	NextReset   *time.Time
	UpdatedAt   time.Time
}

func (QuotaState) TableName() string { return "quota_state" }
