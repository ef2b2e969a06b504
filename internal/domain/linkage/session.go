package linkage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ehr/ehrlink/internal/platform/vault"
)

// AuthSession is the server-side half of one pending authorization redirect.
// The PKCE verifier never leaves the server and is kept sealed at rest.
type AuthSession struct {
	State    string       `json:"state"`
	LinkID   uuid.UUID    `json:"link_id"`
	UserID   string       `json:"user_id"`
	Verifier vault.Sealed `json:"verifier"`
	// CreatedAt drives expiry in the in-memory store.
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore keeps authorization sessions until the callback consumes them.
type SessionStore interface {
	Save(ctx context.Context, s *AuthSession) error
	// Consume returns and removes the session for state. Unknown, expired or
	// already consumed states yield ErrInvalidState.
	Consume(ctx context.Context, state string) (*AuthSession, error)
}

// ---------------------------------------------------------------------------
// In-memory
// ---------------------------------------------------------------------------

// InMemorySessionStore is a thread-safe SessionStore with a fixed TTL.
type InMemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*AuthSession
	ttl      time.Duration
	now      func() time.Time
}

func NewInMemorySessionStore(ttl time.Duration) *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions: make(map[string]*AuthSession),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *InMemorySessionStore) Save(_ context.Context, sess *AuthSession) error {
	if sess.State == "" {
		return errors.New("session state is required")
	}
	c := *sess
	c.Verifier = sess.Verifier.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.mu.Lock()
	s.sessions[sess.State] = &c
	s.mu.Unlock()
	return nil
}

func (s *InMemorySessionStore) Consume(_ context.Context, state string) (*AuthSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[state]
	if !ok {
		return nil, ErrInvalidState
	}
	delete(s.sessions, state)
	if s.now().Sub(sess.CreatedAt) > s.ttl {
		return nil, ErrInvalidState
	}
	return sess, nil
}

// Cleanup removes expired sessions.
func (s *InMemorySessionStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for state, sess := range s.sessions {
		if now.Sub(sess.CreatedAt) > s.ttl {
			delete(s.sessions, state)
		}
	}
}

// Len returns the number of stored sessions, expired ones included.
func (s *InMemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ---------------------------------------------------------------------------
// Redis
// ---------------------------------------------------------------------------

// RedisSessionStore keeps sessions as JSON values with a Redis TTL so any
// instance can complete a redirect another instance started.
type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisSessionStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisSessionStore) Save(ctx context.Context, sess *AuthSession) error {
	if sess.State == "" {
		return errors.New("session state is required")
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+sess.State, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Consume(ctx context.Context, state string) (*AuthSession, error) {
	data, err := s.client.GetDel(ctx, s.prefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInvalidState
	}
	if err != nil {
		return nil, fmt.Errorf("consume session: %w", err)
	}
	var sess AuthSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}
