package linkage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehrlink/internal/platform/lease"
	"github.com/ehr/ehrlink/internal/platform/vault"
)

// runSessionStoreTests exercises any SessionStore implementation.
func runSessionStoreTests(t *testing.T, store SessionStore) {
	ctx := context.Background()

	t.Run("ConsumeOnce", func(t *testing.T) {
		sess := &AuthSession{State: "state-" + uuid.NewString(), LinkID: uuid.New(), UserID: "u1",
			Verifier: vault.Sealed{CipherText: []byte("c"), IV: []byte("iv"), AuthTag: []byte("t")}}
		if err := store.Save(ctx, sess); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, err := store.Consume(ctx, sess.State)
		if err != nil {
			t.Fatalf("Consume: %v", err)
		}
		if got.LinkID != sess.LinkID || got.UserID != "u1" || string(got.Verifier.CipherText) != "c" {
			t.Errorf("unexpected session %+v", got)
		}
		if _, err := store.Consume(ctx, sess.State); !errors.Is(err, ErrInvalidState) {
			t.Errorf("second consume: expected ErrInvalidState, got %v", err)
		}
	})

	t.Run("UnknownState", func(t *testing.T) {
		if _, err := store.Consume(ctx, "nope-"+uuid.NewString()); !errors.Is(err, ErrInvalidState) {
			t.Errorf("expected ErrInvalidState, got %v", err)
		}
	})

	t.Run("EmptyState", func(t *testing.T) {
		if err := store.Save(ctx, &AuthSession{}); err == nil {
			t.Error("expected error for empty state")
		}
	})
}

func TestInMemorySessionStore(t *testing.T) {
	runSessionStoreTests(t, NewInMemorySessionStore(5*time.Minute))
}

func TestInMemorySessionStore_Expiry(t *testing.T) {
	store := NewInMemorySessionStore(10 * time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }

	_ = store.Save(context.Background(), &AuthSession{State: "s1"})
	_ = store.Save(context.Background(), &AuthSession{State: "s2"})
	now = now.Add(11 * time.Minute)

	if _, err := store.Consume(context.Background(), "s1"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected expired session to be rejected, got %v", err)
	}
	store.Cleanup()
	if store.Len() != 0 {
		t.Errorf("expected cleanup to remove expired sessions, %d left", store.Len())
	}
}

func TestInMemorySessionStore_ConcurrentConsume(t *testing.T) {
	store := NewInMemorySessionStore(time.Minute)
	_ = store.Save(context.Background(), &AuthSession{State: "race"})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Consume(context.Background(), "race"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("expected exactly one consumer, got %d", wins)
	}
}

func TestRedisSessionStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	client, err := lease.NewRedisClient(context.Background(), url)
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	defer client.Close()
	runSessionStoreTests(t, NewRedisSessionStore(client, "ehrlink:test:session:", time.Minute))
}
