package stages

import (
	"context"

	"github.com/shelfhand/shelfhand/pkg/storage"
	"github.com/shelfhand/shelfhand/pkg/types"
)

// Outcome is the result of a successful stage run: the state the item
// moves to and a human-readable reason for the history row.
type Outcome struct {
	Next   types.Status
	Reason string
}

// Handler runs one pipeline stage against one item. Process executes
// inside the pipeline's transaction: domain writes go through tx and
// commit together with the resulting state transition. A returned error
// rolls the whole transaction back, leaving the item in its queued
// state for the retry machinery.
type Handler interface {
	Stage() types.Stage
	Process(ctx context.Context, tx *storage.Store, book *types.Book) (*Outcome, error)
}
