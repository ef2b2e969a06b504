package linkage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehrlink/internal/platform/vault"
)

// LinkRepository persists provider links. Every field update except Revoke
// refuses revoked rows with ErrRevoked; missing rows yield ErrNotFound.
type LinkRepository interface {
	Create(ctx context.Context, l *LinkRecord) error
	GetByID(ctx context.Context, id uuid.UUID) (*LinkRecord, error)
	GetByUserAndOrganization(ctx context.Context, userID, organizationID string) (*LinkRecord, error)
	ListByUser(ctx context.Context, userID string) ([]*LinkRecord, error)
	// ListDueForSync returns syncable links whose last sync is older than
	// olderThan (or that never synced), oldest first.
	ListDueForSync(ctx context.Context, olderThan time.Time, limit int) ([]*LinkRecord, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// UpdateConnection refreshes the organization name, FHIR base and
	// discovery document ahead of a new authorization attempt.
	UpdateConnection(ctx context.Context, id uuid.UUID, name, fhirBaseURL string, d Discovery) error
	UpdateToken(ctx context.Context, id uuid.UUID, sealed vault.Sealed, expiresAt *time.Time, scope string, status Status) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, detail string) error
	UpdateSyncOutcome(ctx context.Context, id uuid.UUID, at time.Time, success bool, detail string) error
	UpdateCapabilities(ctx context.Context, id uuid.UUID, caps Capabilities, supported []string) error
	UpdatePatientIdentities(ctx context.Context, id uuid.UUID, ids []PatientIdentity) error
	// Revoke sets status revoked and scrubs token material in one write.
	Revoke(ctx context.Context, id uuid.UUID) error
}
