package stages

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/shelfhand/shelfhand/pkg/faults"
	"github.com/shelfhand/shelfhand/pkg/log"
	"github.com/shelfhand/shelfhand/pkg/storage"
	"github.com/shelfhand/shelfhand/pkg/types"
)

// Upload sends the downloaded artifact to the library ingest and
// back-fills missing identifiers from the ingest response.
type Upload struct {
	library types.LibraryIngest
	logger  zerolog.Logger
}

// NewUpload creates the upload stage handler
func NewUpload(library types.LibraryIngest) *Upload {
	return &Upload{
		library: library,
		logger:  log.WithComponent("stage.upload"),
	}
}

func (u *Upload) Stage() types.Stage { return types.StageUpload }

func (u *Upload) Process(ctx context.Context, tx *storage.Store, book *types.Book) (*Outcome, error) {
	entry, err := tx.GetQueueEntry(book.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue entry for item %d: %w", book.ID, err)
	}
	if entry == nil || entry.FilePath == "" {
		return nil, &faults.ProcessingError{
			Kind:    faults.KindDataMissing,
			Message: fmt.Sprintf("item %d has no downloaded file to upload", book.ID),
		}
	}

	res, err := u.library.Upload(ctx, entry.FilePath, types.UploadMeta{
		Title:  book.Title,
		Author: book.Author,
		ISBN:   book.ISBN,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", entry.FilePath, err)
	}

	if book.ISBN == "" && res.ISBN != "" {
		book.ISBN = res.ISBN
		if err := tx.SaveBook(book); err != nil {
			return nil, fmt.Errorf("failed to back-fill isbn for item %d: %w", book.ID, err)
		}
	}

	next := types.StatusUploadComplete
	reason := fmt.Sprintf("uploaded as library id %d", res.LibraryID)
	if res.Duplicate {
		// the library ingest deduplicated the file; the item skips
		// ahead instead of counting as a fresh upload
		next = types.StatusSkippedExists
		reason = fmt.Sprintf("library already held a copy (id %d)", res.LibraryID)
	}
	u.logger.Info().
		Uint64("item_id", book.ID).
		Int64("library_id", res.LibraryID).
		Bool("duplicate", res.Duplicate).
		Msg("upload stage complete")
	return &Outcome{Next: next, Reason: reason}, nil
}
