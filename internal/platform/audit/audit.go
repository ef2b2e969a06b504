// Package audit records every credential and sync action taken on a provider
// link. Entries are append-only: nothing in this package updates or deletes
// them.
package audit

import (
	"context"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Action identifies what was audited.
type Action string

const (
	ActionTokenExchange     Action = "token_exchange"
	ActionTokenRefresh      Action = "token_refresh"
	ActionDataSync          Action = "data_sync"
	ActionDataAccess        Action = "data_access"
	ActionLinkCreated       Action = "link_created"
	ActionLinkRevoked       Action = "link_revoked"
	ActionLinkDeleted       Action = "link_deleted"
	ActionLinkStatusChanged Action = "link_status_changed"
)

// Entry is one immutable audit record.
type Entry struct {
	ID           string         `json:"id"`
	LinkID       *uuid.UUID     `json:"link_id,omitempty"`
	UserID       string         `json:"user_id"`
	Action       Action         `json:"action"`
	ResourceType string         `json:"resource_type,omitempty"`
	RecordedAt   time.Time      `json:"recorded_at"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Outcome carries the optional parts of an audit record.
type Outcome struct {
	ResourceType string
	Success      bool
	Err          error
	Metadata     map[string]any
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	ListByLink(ctx context.Context, linkID uuid.UUID, limit int) ([]*Entry, error)
}

// Recorder is what other components depend on.
type Recorder interface {
	Record(ctx context.Context, linkID *uuid.UUID, userID string, action Action, out Outcome)
}

// Log writes audit entries to a Store. A failed write is logged and never
// changes the outcome of the audited operation.
type Log struct {
	store  Store
	logger zerolog.Logger
	clock  func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewLog creates a Log backed by store.
func NewLog(store Store, logger zerolog.Logger) *Log {
	return &Log{
		store:   store,
		logger:  logger.With().Str("component", "audit").Logger(),
		clock:   time.Now,
		entropy: ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0),
	}
}

// WithClock overrides the time source. Intended for tests.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Record appends an entry. The write is detached from ctx cancellation so that
// cancelled operations are still audited.
func (l *Log) Record(ctx context.Context, linkID *uuid.UUID, userID string, action Action, out Outcome) {
	now := l.clock().UTC()
	e := &Entry{
		ID:           l.newID(now),
		LinkID:       linkID,
		UserID:       userID,
		Action:       action,
		ResourceType: out.ResourceType,
		RecordedAt:   now,
		Success:      out.Success,
		Metadata:     out.Metadata,
	}
	if out.Err != nil {
		e.Error = out.Err.Error()
	}

	if err := l.store.Append(context.WithoutCancel(ctx), e); err != nil {
		evt := l.logger.Error().Err(err).Str("action", string(action)).Str("user_id", userID)
		if linkID != nil {
			evt = evt.Str("link_id", linkID.String())
		}
		evt.Msg("audit write failed")
	}
}

func (l *Log) newID(now time.Time) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), l.entropy).String()
}

// Nop is a Recorder that discards everything.
type Nop struct{}

func (Nop) Record(context.Context, *uuid.UUID, string, Action, Outcome) {}

// InMemoryStore is a thread-safe Store for tests and single-process runs.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, e *Entry) error {
	if e.ID == "" {
		return fmt.Errorf("audit entry id is required")
	}
	cp := *e
	s.mu.Lock()
	s.entries = append(s.entries, &cp)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) ListByLink(_ context.Context, linkID uuid.UUID, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.LinkID != nil && *e.LinkID == linkID {
			cp := *e
			out = append(out, &cp)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// All returns a copy of every entry in insertion order.
func (s *InMemoryStore) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	return out
}

// ByAction returns entries with the given action in insertion order.
func (s *InMemoryStore) ByAction(action Action) []Entry {
	var out []Entry
	for _, e := range s.All() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
