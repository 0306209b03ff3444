package stages

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/shelfhand/shelfhand/pkg/faults"
	"github.com/shelfhand/shelfhand/pkg/log"
	"github.com/shelfhand/shelfhand/pkg/storage"
	"github.com/shelfhand/shelfhand/pkg/types"
)

// existsThreshold is the library-probe cutoff above which an item is
// skipped as already owned
const existsThreshold = 0.8

// SearchConfig tunes candidate matching
type SearchConfig struct {
	MinMatchScore  float64
	FormatPriority []string
}

// Search finds download candidates for an item. It first probes the
// library for an existing copy, then queries the remote repository with
// progressively looser queries, scores the hits, and enqueues the winner.
type Search struct {
	library types.LibraryIngest
	client  types.SearchClient
	cfg     SearchConfig
	logger  zerolog.Logger
}

// NewSearch creates the search stage handler
func NewSearch(library types.LibraryIngest, client types.SearchClient, cfg SearchConfig) *Search {
	return &Search{
		library: library,
		client:  client,
		cfg:     cfg,
		logger:  log.WithComponent("stage.search"),
	}
}

func (s *Search) Stage() types.Stage { return types.StageSearch }

func (s *Search) Process(ctx context.Context, tx *storage.Store, book *types.Book) (*Outcome, error) {
	skip, reason, err := s.probeLibrary(ctx, book)
	if err != nil {
		return nil, err
	}
	if skip {
		return &Outcome{Next: types.StatusSkippedExists, Reason: reason}, nil
	}

	candidates, strategy, err := s.search(ctx, book)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &Outcome{Next: types.StatusSearchNoResults, Reason: "no candidates found"}, nil
	}

	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		sc := Score(book, c)
		row, err := tx.UpsertSearchResult(&types.SearchResult{
			ItemID:      book.ID,
			ExternalID:  c.ExternalID,
			Title:       c.Title,
			Authors:     c.Authors,
			Publisher:   c.Publisher,
			Year:        c.Year,
			ISBN:        c.ISBN,
			Extension:   c.Extension,
			Size:        c.Size,
			Language:    c.Language,
			URL:         c.URL,
			DownloadURL: c.DownloadURL,
			Score:       sc,
			Available:   true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to persist search result: %w", err)
		}
		scored = append(scored, scoredCandidate{row: row, score: sc})
	}

	best := pickBest(scored, s.cfg.MinMatchScore, s.cfg.FormatPriority)
	if best == nil {
		s.logger.Info().
			Uint64("item_id", book.ID).
			Int("candidates", len(candidates)).
			Str("strategy", strategy).
			Msg("no candidate cleared the match threshold")
		return &Outcome{
			Next:   types.StatusSearchNoResults,
			Reason: fmt.Sprintf("%d candidates below match threshold", len(candidates)),
		}, nil
	}

	entry := &types.DownloadQueueEntry{
		ItemID:         book.ID,
		SearchResultID: best.row.ID,
		DownloadURL:    best.row.DownloadURL,
		Priority:       int(math.Round(best.score * 100)),
		Status:         types.QueueStatusQueued,
	}
	if err := tx.UpsertQueueEntry(entry); err != nil {
		return nil, fmt.Errorf("failed to enqueue download: %w", err)
	}

	s.logger.Info().
		Uint64("item_id", book.ID).
		Str("match", best.row.Title).
		Str("format", best.row.Extension).
		Float64("score", best.score).
		Str("strategy", strategy).
		Msg("search matched")
	return &Outcome{
		Next:   types.StatusSearchComplete,
		Reason: fmt.Sprintf("matched %q (%s, score %.2f)", best.row.Title, best.row.Extension, best.score),
	}, nil
}

// probeLibrary checks whether the library already holds this item. Auth
// failures propagate so the pipeline pauses the stage; other probe
// failures are non-fatal and the search proceeds.
func (s *Search) probeLibrary(ctx context.Context, book *types.Book) (bool, string, error) {
	match, err := s.library.FindMatch(ctx, book.Title, book.Author, book.ISBN)
	if err != nil {
		if faults.IsAuth(err) {
			return false, "", err
		}
		s.logger.Warn().Err(err).Uint64("item_id", book.ID).Msg("library probe failed, searching anyway")
		return false, "", nil
	}
	if match == nil || match.Score < existsThreshold {
		return false, "", nil
	}
	return true, fmt.Sprintf("library already holds %q (score %.2f)", match.Title, match.Score), nil
}

// search runs the progressive query ladder and stops at the first
// strategy returning hits
func (s *Search) search(ctx context.Context, book *types.Book) ([]types.Candidate, string, error) {
	type strategy struct {
		name  string
		query types.SearchQuery
	}
	var ladder []strategy
	if book.ISBN != "" {
		ladder = append(ladder, strategy{"isbn", types.SearchQuery{ISBN: book.ISBN}})
	}
	if book.Author != "" && book.Publisher != "" {
		ladder = append(ladder, strategy{"title+author+publisher", types.SearchQuery{
			Title: book.Title, Author: book.Author, Publisher: book.Publisher,
		}})
	}
	if book.Author != "" {
		ladder = append(ladder, strategy{"title+author", types.SearchQuery{
			Title: book.Title, Author: book.Author,
		}})
	}
	ladder = append(ladder, strategy{"title", types.SearchQuery{Title: book.Title}})

	for _, st := range ladder {
		candidates, err := s.client.Search(ctx, st.query)
		if err != nil {
			// a remote "not found" is an answer, not a failure
			if faults.IsNotFound(err) {
				s.logger.Debug().
					Uint64("item_id", book.ID).
					Str("strategy", st.name).
					Msg("remote reported not found")
				continue
			}
			return nil, st.name, fmt.Errorf("search (%s) failed: %w", st.name, err)
		}
		if len(candidates) > 0 {
			return candidates, st.name, nil
		}
		s.logger.Debug().
			Uint64("item_id", book.ID).
			Str("strategy", st.name).
			Msg("strategy returned no hits")
	}
	return nil, "exhausted", nil
}
