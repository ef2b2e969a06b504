package timeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Writer is the only write path into the timeline. The sync engine is its
// sole user.
type Writer interface {
	// Upsert inserts e or replaces the entry with the same idempotency key.
	Upsert(ctx context.Context, e *Entry) error
}

type Repository interface {
	Writer
	Query(ctx context.Context, f Filter) ([]*Entry, int, error)
	CountByLink(ctx context.Context, linkID uuid.UUID) (int, error)
	DeleteByLink(ctx context.Context, linkID uuid.UUID) (int, error)
}

// Filter selects entries of one user. Zero values do not filter.
type Filter struct {
	UserID          string
	Categories      []Category
	LinkIDs         []uuid.UUID
	OrganizationIDs []string
	// From and To bound the display date (effective date, else sync date),
	// both inclusive.
	From *time.Time
	To   *time.Time
	// Search matches entries where every word prefixes one of the stored
	// search terms, case-insensitively. Words shorter than two characters
	// are not indexed and are ignored; see ValidSearch.
	Search string
	Limit  int
	Offset int
}

// DefaultLimit applies when a Filter sets no limit.
const DefaultLimit = 100

func (f Filter) page() (limit, offset int) {
	limit, offset = f.Limit, f.Offset
	if limit <= 0 {
		limit = DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ValidSearch reports whether a non-empty Search has at least one word that
// can match a stored term.
func (f Filter) ValidSearch() bool {
	return strings.TrimSpace(f.Search) == "" || len(f.searchWords()) > 0
}

// searchWords splits a free-text query the same way search terms are built.
func (f Filter) searchWords() []string {
	return searchTerms(strings.TrimSpace(f.Search))
}

func (f Filter) categoryStrings() []string {
	out := make([]string, len(f.Categories))
	for i, c := range f.Categories {
		out[i] = string(c)
	}
	return out
}
