package stages

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/shelfhand/shelfhand/pkg/faults"
	"github.com/shelfhand/shelfhand/pkg/log"
	"github.com/shelfhand/shelfhand/pkg/quota"
	"github.com/shelfhand/shelfhand/pkg/storage"
	"github.com/shelfhand/shelfhand/pkg/types"
)

// Download transfers the matched file for an item. It checks quota
// before consuming anything: when the daily allowance is gone the item
// parks in SEARCH_COMPLETE_QUOTA_EXHAUSTED instead of failing.
type Download struct {
	quota   *quota.Manager
	dl      types.Downloader
	destDir string
	logger  zerolog.Logger
}

// NewDownload creates the download stage handler
func NewDownload(q *quota.Manager, dl types.Downloader, destDir string) *Download {
	return &Download{
		quota:   q,
		dl:      dl,
		destDir: destDir,
		logger:  log.WithComponent("stage.download"),
	}
}

func (d *Download) Stage() types.Stage { return types.StageDownload }

func (d *Download) Process(ctx context.Context, tx *storage.Store, book *types.Book) (*Outcome, error) {
	if !d.quota.HasQuota() {
		q, err := d.quota.Current(ctx, false)
		if err != nil {
			return nil, &faults.ProcessingError{
				Kind:    faults.KindQuotaCheckFailed,
				Message: err.Error(),
			}
		}
		if q.Remaining <= 0 {
			return d.parkForQuota(book), nil
		}
	}

	entry, err := tx.GetQueueEntry(book.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue entry for item %d: %w", book.ID, err)
	}
	if entry == nil {
		return nil, &faults.ProcessingError{
			Kind:    faults.KindDataMissing,
			Message: fmt.Sprintf("item %d has no download queue entry", book.ID),
		}
	}
	result, err := tx.GetSearchResult(entry.SearchResultID)
	if err != nil {
		return nil, fmt.Errorf("failed to load search result %d: %w", entry.SearchResultID, err)
	}
	if result == nil {
		return nil, &faults.ProcessingError{
			Kind:    faults.KindDataMissing,
			Message: fmt.Sprintf("queue entry %d references missing search result", entry.ID),
		}
	}

	// a racing worker may have spent the last unit since the check above
	if !d.quota.Consume(1) {
		return d.parkForQuota(book), nil
	}

	entry.Status = types.QueueStatusDownloading
	entry.ErrorMessage = ""
	if err := tx.UpdateQueueEntry(entry); err != nil {
		return nil, fmt.Errorf("failed to mark queue entry downloading: %w", err)
	}

	candidate := types.Candidate{
		ExternalID:  result.ExternalID,
		Title:       result.Title,
		Extension:   result.Extension,
		DownloadURL: entry.DownloadURL,
	}
	path, size, err := d.dl.Download(ctx, candidate, d.destDir)
	if err != nil {
		// the transaction rolls back on error; the pipeline records the
		// queue failure in its own transaction
		return nil, err
	}

	entry.Status = types.QueueStatusCompleted
	entry.FilePath = path
	if err := tx.UpdateQueueEntry(entry); err != nil {
		return nil, fmt.Errorf("failed to mark queue entry completed: %w", err)
	}
	if err := tx.CreateDownloadRecord(&types.DownloadRecord{
		ItemID:     book.ID,
		ExternalID: result.ExternalID,
		Format:     result.Extension,
		FileSize:   size,
		FilePath:   path,
		Status:     "completed",
	}); err != nil {
		return nil, fmt.Errorf("failed to record download: %w", err)
	}

	d.logger.Info().
		Uint64("item_id", book.ID).
		Str("file", path).
		Str("size", humanize.Bytes(uint64(size))).
		Msg("download stage complete")
	return &Outcome{
		Next:   types.StatusDownloadComplete,
		Reason: fmt.Sprintf("downloaded %s (%s)", result.Extension, humanize.Bytes(uint64(size))),
	}, nil
}

func (d *Download) parkForQuota(book *types.Book) *Outcome {
	d.logger.Info().Uint64("item_id", book.ID).Msg("daily quota exhausted, parking item")
	return &Outcome{
		Next:   types.StatusSearchCompleteQuotaExhausted,
		Reason: "daily download quota exhausted",
	}
}
