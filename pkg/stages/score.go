package stages

import (
	"strings"

	"github.com/shelfhand/shelfhand/pkg/types"
)

// Field weights for candidate scoring. An exact ISBN match short-circuits
// to a full score before the weighted sum applies.
const (
	weightTitle     = 0.40
	weightAuthor    = 0.30
	weightPublisher = 0.15
	weightYear      = 0.10
)

// Score rates a search candidate against the source record in [0, 1]
func Score(book *types.Book, c types.Candidate) float64 {
	if isbn := normalizeISBN(book.ISBN); isbn != "" && isbn == normalizeISBN(c.ISBN) {
		return 1.0
	}
	s := weightTitle*similarity(book.Title, c.Title) +
		weightAuthor*similarity(book.Author, c.Authors) +
		weightPublisher*similarity(book.Publisher, c.Publisher) +
		weightYear*yearScore(book.PublishYear, c.Year)
	if s > 1 {
		s = 1
	}
	return s
}

// yearScore degrades with publication-year distance: exact is full credit,
// one year off 0.8, two years off 0.6, further is no credit
func yearScore(want, got int) float64 {
	if want == 0 || got == 0 {
		return 0
	}
	diff := want - got
	if diff < 0 {
		diff = -diff
	}
	switch diff {
	case 0:
		return 1.0
	case 1:
		return 0.8
	case 2:
		return 0.6
	}
	return 0
}

// similarity compares two free-text fields after normalization: exact
// match is 1, substring containment 0.9, otherwise token overlap
func similarity(a, b string) float64 {
	na, nb := normalizeText(a), normalizeText(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1.0
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return 0.9
	}

	ta, tb := strings.Fields(na), strings.Fields(nb)
	set := make(map[string]bool, len(ta))
	for _, t := range ta {
		set[t] = true
	}
	var inter int
	for _, t := range tb {
		if set[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// normalizeText lowercases and strips everything but letters, digits and
// spaces so punctuation and casing differences do not penalize a match
func normalizeText(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 0x80:
			// keep non-ASCII letters as-is
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// normalizeISBN strips hyphens and spaces; comparison is case-insensitive
// for the X check digit
func normalizeISBN(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= '0' && r <= '9') || r == 'X' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// scoredCandidate pairs a persisted candidate row with its score
type scoredCandidate struct {
	row   *types.SearchResult
	score float64
}

// candidate ties within this margin of the best score are broken by
// format preference
const formatTieMargin = 0.1

// top slice considered for the format tie-break
const formatTieWindow = 3

// pickBest selects the winning candidate: best score at or above the
// threshold, with near-ties among the top candidates resolved by the
// configured format preference order
func pickBest(scored []scoredCandidate, minScore float64, formatPriority []string) *scoredCandidate {
	var eligible []scoredCandidate
	for _, sc := range scored {
		if sc.score >= minScore {
			eligible = append(eligible, sc)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	// sort by score descending, stable on insertion order
	for i := 1; i < len(eligible); i++ {
		for j := i; j > 0 && eligible[j].score > eligible[j-1].score; j-- {
			eligible[j], eligible[j-1] = eligible[j-1], eligible[j]
		}
	}

	window := eligible
	if len(window) > formatTieWindow {
		window = window[:formatTieWindow]
	}

	best := window[0]
	for _, sc := range window[1:] {
		if best.score-sc.score > formatTieMargin {
			break
		}
		if formatRank(formatPriority, sc.row.Extension) < formatRank(formatPriority, best.row.Extension) {
			best = sc
		}
	}
	return &best
}

// formatRank returns the candidate extension's position in the preference
// list; unknown formats sort last
func formatRank(priority []string, ext string) int {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	for i, p := range priority {
		if ext == strings.ToLower(p) {
			return i
		}
	}
	return len(priority)
}
