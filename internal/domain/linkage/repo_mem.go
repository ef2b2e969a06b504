package linkage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehrlink/internal/platform/vault"
)

// InMemoryLinkRepo is a thread-safe LinkRepository for tests and single
// process development runs.
type InMemoryLinkRepo struct {
	mu    sync.RWMutex
	links map[uuid.UUID]*LinkRecord
	now   func() time.Time
}

func NewInMemoryLinkRepo() *InMemoryLinkRepo {
	return &InMemoryLinkRepo{links: make(map[uuid.UUID]*LinkRecord), now: time.Now}
}

func (r *InMemoryLinkRepo) Create(_ context.Context, l *LinkRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.links {
		if existing.UserID == l.UserID && existing.OrganizationID == l.OrganizationID {
			return ErrAlreadyLinked
		}
	}
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = StatusPending
	}
	now := r.now()
	l.CreatedAt, l.UpdatedAt = now, now
	r.links[l.ID] = l.Clone()
	return nil
}

func (r *InMemoryLinkRepo) GetByID(_ context.Context, id uuid.UUID) (*LinkRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[id]
	if !ok {
		return nil, ErrNotFound
	}
	return l.Clone(), nil
}

func (r *InMemoryLinkRepo) GetByUserAndOrganization(_ context.Context, userID, organizationID string) (*LinkRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.links {
		if l.UserID == userID && l.OrganizationID == organizationID {
			return l.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r *InMemoryLinkRepo) ListByUser(_ context.Context, userID string) ([]*LinkRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*LinkRecord
	for _, l := range r.links {
		if l.UserID == userID {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *InMemoryLinkRepo) ListDueForSync(_ context.Context, olderThan time.Time, limit int) ([]*LinkRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*LinkRecord
	for _, l := range r.links {
		if !l.Syncable() {
			continue
		}
		if l.LastSyncAt == nil || l.LastSyncAt.Before(olderThan) {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastSyncAt, out[j].LastSyncAt
		switch {
		case a == nil && b == nil:
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		case a == nil:
			return true
		case b == nil:
			return false
		}
		return a.Before(*b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryLinkRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[id]; !ok {
		return ErrNotFound
	}
	delete(r.links, id)
	return nil
}

// update applies fn to the stored record unless it is missing or revoked.
func (r *InMemoryLinkRepo) update(id uuid.UUID, fn func(l *LinkRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[id]
	if !ok {
		return ErrNotFound
	}
	if l.Status == StatusRevoked {
		return ErrRevoked
	}
	fn(l)
	l.UpdatedAt = r.now()
	return nil
}

func (r *InMemoryLinkRepo) UpdateConnection(_ context.Context, id uuid.UUID, name, fhirBaseURL string, d Discovery) error {
	return r.update(id, func(l *LinkRecord) {
		l.OrganizationName = name
		l.FHIRBaseURL = fhirBaseURL
		l.Discovery = d
	})
}

func (r *InMemoryLinkRepo) UpdateToken(_ context.Context, id uuid.UUID, sealed vault.Sealed, expiresAt *time.Time, scope string, status Status) error {
	return r.update(id, func(l *LinkRecord) {
		l.Token = sealed.Clone()
		l.TokenExpiresAt = nil
		if expiresAt != nil {
			t := *expiresAt
			l.TokenExpiresAt = &t
		}
		l.GrantedScope = scope
		l.Status = status
		l.StatusDetail = ""
	})
}

func (r *InMemoryLinkRepo) UpdateStatus(_ context.Context, id uuid.UUID, status Status, detail string) error {
	return r.update(id, func(l *LinkRecord) {
		l.Status = status
		l.StatusDetail = detail
	})
}

func (r *InMemoryLinkRepo) UpdateSyncOutcome(_ context.Context, id uuid.UUID, at time.Time, success bool, detail string) error {
	return r.update(id, func(l *LinkRecord) {
		l.LastSyncAt = &at
		l.LastSyncSuccess = &success
		l.LastSyncError = detail
	})
}

func (r *InMemoryLinkRepo) UpdateCapabilities(_ context.Context, id uuid.UUID, caps Capabilities, supported []string) error {
	return r.update(id, func(l *LinkRecord) {
		l.Capabilities = caps
		l.SupportedResources = append([]string(nil), supported...)
	})
}

func (r *InMemoryLinkRepo) UpdatePatientIdentities(_ context.Context, id uuid.UUID, ids []PatientIdentity) error {
	return r.update(id, func(l *LinkRecord) {
		l.PatientIdentities = append([]PatientIdentity(nil), ids...)
	})
}

func (r *InMemoryLinkRepo) Revoke(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[id]
	if !ok {
		return ErrNotFound
	}
	l.Status = StatusRevoked
	l.StatusDetail = ""
	l.Token = vault.Sealed{}
	l.TokenExpiresAt = nil
	l.GrantedScope = ""
	l.UpdatedAt = r.now()
	return nil
}
