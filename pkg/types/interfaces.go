package types

import "context"

// ListItem is one entry from the external want-to-read list
type ListItem struct {
	ExternalID string
	Title      string
	Author     string
}

// DetailRecord is the per-item bibliographic detail from the list source
type DetailRecord struct {
	Title       string
	Author      string
	Publisher   string
	ISBN        string
	PublishYear int
}

// ListSource provides the user's want-list and per-item detail
type ListSource interface {
	WantList(ctx context.Context) ([]ListItem, error)
	Detail(ctx context.Context, externalID string) (*DetailRecord, error)
}

// SearchQuery is one remote search request
type SearchQuery struct {
	Title     string
	Author    string
	Publisher string
	ISBN      string
}

// Candidate is one raw hit returned by the remote search
type Candidate struct {
	ExternalID  string
	Title       string
	Authors     string
	Publisher   string
	Year        int
	ISBN        string
	Extension   string
	Size        int64
	Language    string
	URL         string
	DownloadURL string
}

// SearchClient queries the remote e-book repository
type SearchClient interface {
	Search(ctx context.Context, q SearchQuery) ([]Candidate, error)
}

// Downloader transfers one candidate file into destDir and returns its path and size
type Downloader interface {
	Download(ctx context.Context, c Candidate, destDir string) (string, int64, error)
}

// LibraryMatch is an existing library entry matched against an item
type LibraryMatch struct {
	LibraryID int64
	Title     string
	Author    string
	ISBN      string
	Score     float64
}

// UploadMeta is the metadata sent alongside an uploaded file
type UploadMeta struct {
	Title  string
	Author string
	ISBN   string
}

// UploadResult is the library's response to an upload
type UploadResult struct {
	LibraryID int64
	ISBN      string
	Duplicate bool
}

// LibraryIngest is the personal library server
type LibraryIngest interface {
	FindMatch(ctx context.Context, title, author, isbn string) (*LibraryMatch, error)
	Upload(ctx context.Context, filePath string, meta UploadMeta) (*UploadResult, error)
}

// QuotaSource reports the remote account's daily download allowance
type QuotaSource interface {
	Quota(ctx context.Context) (*DownloadQuota, error)
}

// Notifier is a best-effort, fire-and-forget message sink
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}
