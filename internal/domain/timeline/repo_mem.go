package timeline

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// InMemoryRepo is a thread-safe Repository for tests and single-process runs.
type InMemoryRepo struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{entries: make(map[string]*Entry)}
}

func (r *InMemoryRepo) Upsert(_ context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = EntryID(e.LinkID, e.ResourceType, e.ResourceID)
	}
	r.mu.Lock()
	r.entries[e.Key()] = e.clone()
	r.mu.Unlock()
	return nil
}

func (r *InMemoryRepo) Query(_ context.Context, f Filter) ([]*Entry, int, error) {
	r.mu.RLock()
	var matched []*Entry
	for _, e := range r.entries {
		if matches(e, f) {
			matched = append(matched, e.clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		di, dj := matched[i].Date(), matched[j].Date()
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	total := len(matched)
	limit, offset := f.page()
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r *InMemoryRepo) CountByLink(_ context.Context, linkID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.LinkID == linkID {
			n++
		}
	}
	return n, nil
}

func (r *InMemoryRepo) DeleteByLink(_ context.Context, linkID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, e := range r.entries {
		if e.LinkID == linkID {
			delete(r.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries.
func (r *InMemoryRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func matches(e *Entry, f Filter) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if len(f.Categories) > 0 && !containsCategory(f.Categories, e.Category) {
		return false
	}
	if len(f.LinkIDs) > 0 && !containsID(f.LinkIDs, e.LinkID) {
		return false
	}
	if len(f.OrganizationIDs) > 0 && !containsString(f.OrganizationIDs, e.OrganizationID) {
		return false
	}
	d := e.Date()
	if f.From != nil && d.Before(*f.From) {
		return false
	}
	if f.To != nil && d.After(*f.To) {
		return false
	}
	for _, w := range f.searchWords() {
		found := false
		for _, term := range e.SearchTerms {
			if strings.HasPrefix(term, w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsCategory(list []Category, c Category) bool {
	for _, v := range list {
		if v == c {
			return true
		}
	}
	return false
}

func containsID(list []uuid.UUID, id uuid.UUID) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
