package audit

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type failingStore struct{ calls int }

func (f *failingStore) Append(context.Context, *Entry) error {
	f.calls++
	return errors.New("db down")
}

func (f *failingStore) ListByLink(context.Context, uuid.UUID, int) ([]*Entry, error) {
	return nil, nil
}

type ctxCheckingStore struct {
	InMemoryStore
	sawCancelled bool
}

func (s *ctxCheckingStore) Append(ctx context.Context, e *Entry) error {
	if ctx.Err() != nil {
		s.sawCancelled = true
	}
	return s.InMemoryStore.Append(ctx, e)
}

func TestLog_Record(t *testing.T) {
	store := NewInMemoryStore()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := NewLog(store, zerolog.Nop()).WithClock(func() time.Time { return fixed })

	linkID := uuid.New()
	log.Record(context.Background(), &linkID, "user-1", ActionTokenRefresh, Outcome{Success: true})
	log.Record(context.Background(), &linkID, "user-1", ActionDataSync, Outcome{
		ResourceType: "Observation",
		Err:          errors.New("upstream 500"),
		Metadata:     map[string]any{"count": 0},
	})

	all := store.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all[0].Action != ActionTokenRefresh || !all[0].Success {
		t.Errorf("unexpected first entry: %+v", all[0])
	}
	if all[1].Error != "upstream 500" || all[1].Success {
		t.Errorf("unexpected second entry: %+v", all[1])
	}
	if all[1].ResourceType != "Observation" {
		t.Errorf("resource type = %q", all[1].ResourceType)
	}
	if !all[0].RecordedAt.Equal(fixed) {
		t.Errorf("recorded_at = %v, want %v", all[0].RecordedAt, fixed)
	}
	if all[0].ID == all[1].ID {
		t.Error("ids must be unique")
	}
}

func TestLog_IDsSortByTime(t *testing.T) {
	store := NewInMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := NewLog(store, zerolog.Nop()).WithClock(func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	})

	for i := 0; i < 20; i++ {
		log.Record(context.Background(), nil, "u", ActionDataAccess, Outcome{Success: true})
	}

	var ids []string
	for _, e := range store.All() {
		ids = append(ids, e.ID)
	}
	if !sort.StringsAreSorted(ids) {
		t.Errorf("ids not time-ordered: %v", ids)
	}
}

func TestLog_StoreFailureDoesNotPanic(t *testing.T) {
	store := &failingStore{}
	log := NewLog(store, zerolog.Nop())
	log.Record(context.Background(), nil, "u", ActionLinkCreated, Outcome{Success: true})
	if store.calls != 1 {
		t.Errorf("expected 1 append attempt, got %d", store.calls)
	}
}

func TestLog_RecordsAfterCancellation(t *testing.T) {
	store := &ctxCheckingStore{}
	log := NewLog(store, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	log.Record(ctx, nil, "u", ActionDataSync, Outcome{Err: context.Canceled})

	if store.sawCancelled {
		t.Error("audit write should not observe caller cancellation")
	}
	if len(store.All()) != 1 {
		t.Error("expected entry to be written")
	}
}

func TestInMemoryStore_ListByLink(t *testing.T) {
	store := NewInMemoryStore()
	log := NewLog(store, zerolog.Nop())
	a, b := uuid.New(), uuid.New()

	for i := 0; i < 3; i++ {
		log.Record(context.Background(), &a, "u", ActionDataSync, Outcome{Success: true})
	}
	log.Record(context.Background(), &b, "u", ActionDataSync, Outcome{Success: true})

	got, err := store.ListByLink(context.Background(), a, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	for _, e := range got {
		if *e.LinkID != a {
			t.Errorf("entry for wrong link: %v", e.LinkID)
		}
	}
	if len(store.ByAction(ActionDataSync)) != 4 {
		t.Error("ByAction should return all sync entries")
	}
}
