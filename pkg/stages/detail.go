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

// Detail fetches per-item bibliographic detail from the external list
// source. Auth failures propagate so the pipeline can pause the stage.
type Detail struct {
	source types.ListSource
	logger zerolog.Logger
}

// NewDetail creates the detail stage handler
func NewDetail(source types.ListSource) *Detail {
	return &Detail{
		source: source,
		logger: log.WithComponent("stage.detail"),
	}
}

func (d *Detail) Stage() types.Stage { return types.StageDetail }

// Process fetches the detail record and merges it into the item row
func (d *Detail) Process(ctx context.Context, tx *storage.Store, book *types.Book) (*Outcome, error) {
	rec, err := d.source.Detail(ctx, book.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch detail for %s: %w", book.ExternalID, err)
	}
	if rec == nil || rec.Title == "" {
		return nil, &faults.ProcessingError{
			Kind:    faults.KindDataMissing,
			Message: fmt.Sprintf("detail record for %s has no title", book.ExternalID),
		}
	}

	book.Title = rec.Title
	if rec.Author != "" {
		book.Author = rec.Author
	}
	if rec.Publisher != "" {
		book.Publisher = rec.Publisher
	}
	if rec.ISBN != "" {
		book.ISBN = rec.ISBN
	}
	if rec.PublishYear != 0 {
		book.PublishYear = rec.PublishYear
	}
	if err := tx.SaveBook(book); err != nil {
		return nil, fmt.Errorf("failed to save detail for item %d: %w", book.ID, err)
	}

	d.logger.Debug().
		Uint64("item_id", book.ID).
		Str("title", book.Title).
		Msg("detail fetched")
	return &Outcome{Next: types.StatusDetailComplete, Reason: "detail fetched"}, nil
}
