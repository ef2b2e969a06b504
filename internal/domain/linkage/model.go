package linkage

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehrlink/internal/platform/vault"
)

// Status is the lifecycle state of a provider link.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
	StatusError   Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusExpired, StatusRevoked, StatusError:
		return true
	}
	return false
}

// transitions lists the allowed targets per source status. revoked is
// reachable from everywhere and leads nowhere.
var transitions = map[Status][]Status{
	StatusPending: {StatusActive, StatusError},
	StatusActive:  {StatusExpired, StatusError},
	StatusExpired: {StatusActive, StatusError},
	StatusError:   {StatusActive},
}

// CanTransition reports whether a link may move from one status to another.
// Staying in the same status is allowed except for revoked links, which are
// terminal.
func CanTransition(from, to Status) bool {
	if from == StatusRevoked {
		return false
	}
	if to == StatusRevoked || from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Discovery holds the authorization server endpoints of an organization.
type Discovery struct {
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint,omitempty"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	GrantTypesSupported           []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// PatientIdentity maps the external patient id at one organization to its
// keyed hash.
type PatientIdentity struct {
	ExternalID string `json:"external_id"`
	HashedID   string `json:"hashed_id"`
}

// Capabilities are the feature flags derived from what the remote server
// exposes.
type Capabilities struct {
	CanMessage               bool `json:"can_message"`
	CanSchedule              bool `json:"can_schedule"`
	CanReadLabs              bool `json:"can_read_labs"`
	CanReadVitals            bool `json:"can_read_vitals"`
	CanReadMedications       bool `json:"can_read_medications"`
	CanReadAllergies         bool `json:"can_read_allergies"`
	CanReadImmunizations     bool `json:"can_read_immunizations"`
	CanReadProcedures        bool `json:"can_read_procedures"`
	CanReadEncounters        bool `json:"can_read_encounters"`
	CanReadDiagnosticReports bool `json:"can_read_diagnostic_reports"`
}

// CapabilitiesFor derives capability flags from the searchable resource types
// of a server.
func CapabilitiesFor(resourceTypes []string) Capabilities {
	has := make(map[string]bool, len(resourceTypes))
	for _, t := range resourceTypes {
		has[t] = true
	}
	return Capabilities{
		CanMessage:               has["Communication"] || has["CommunicationRequest"],
		CanSchedule:              has["Appointment"] && (has["Slot"] || has["Schedule"]),
		CanReadLabs:              has["Observation"] || has["DiagnosticReport"],
		CanReadVitals:            has["Observation"],
		CanReadMedications:       has["MedicationRequest"] || has["MedicationStatement"],
		CanReadAllergies:         has["AllergyIntolerance"],
		CanReadImmunizations:     has["Immunization"],
		CanReadProcedures:        has["Procedure"],
		CanReadEncounters:        has["Encounter"],
		CanReadDiagnosticReports: has["DiagnosticReport"],
	}
}

// LinkRecord is one user's authorized connection to one organization. It maps
// to the provider_link table.
type LinkRecord struct {
	ID                 uuid.UUID         `db:"id" json:"id"`
	UserID             string            `db:"user_id" json:"user_id"`
	OrganizationID     string            `db:"organization_id" json:"organization_id"`
	OrganizationName   string            `db:"organization_name" json:"organization_name"`
	Discovery          Discovery         `db:"discovery" json:"discovery"`
	FHIRBaseURL        string            `db:"fhir_base_url" json:"fhir_base_url"`
	PatientIdentities  []PatientIdentity `db:"patient_identities" json:"patient_identities"`
	Token              vault.Sealed      `db:"-" json:"-"`
	TokenExpiresAt     *time.Time        `db:"token_expires_at" json:"token_expires_at,omitempty"`
	GrantedScope       string            `db:"granted_scope" json:"granted_scope,omitempty"`
	LastSyncAt         *time.Time        `db:"last_sync_at" json:"last_sync_at,omitempty"`
	LastSyncSuccess    *bool             `db:"last_sync_success" json:"last_sync_success,omitempty"`
	LastSyncError      string            `db:"last_sync_error" json:"last_sync_error,omitempty"`
	Status             Status            `db:"status" json:"status"`
	StatusDetail       string            `db:"status_detail" json:"status_detail,omitempty"`
	Capabilities       Capabilities      `db:"capabilities" json:"capabilities"`
	SupportedResources []string          `db:"supported_resources" json:"supported_resources,omitempty"`
	CreatedAt          time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updated_at"`
}

// PrimaryPatientID returns the first external patient id, or "".
func (l *LinkRecord) PrimaryPatientID() string {
	if len(l.PatientIdentities) == 0 {
		return ""
	}
	return l.PatientIdentities[0].ExternalID
}

// HasToken reports whether sealed token material is present.
func (l *LinkRecord) HasToken() bool { return !l.Token.IsZero() }

// Supports reports whether resourceType is in the link's supported list. An
// empty list means the server's capabilities are unknown and every type is
// attempted.
func (l *LinkRecord) Supports(resourceType string) bool {
	if len(l.SupportedResources) == 0 {
		return true
	}
	for _, t := range l.SupportedResources {
		if t == resourceType {
			return true
		}
	}
	return false
}

// Syncable reports whether the link may be synced in its current status.
func (l *LinkRecord) Syncable() bool {
	return l.Status == StatusActive || l.Status == StatusExpired
}

// Clone returns a deep copy so callers of in-memory stores cannot alias
// stored state.
func (l *LinkRecord) Clone() *LinkRecord {
	c := *l
	c.PatientIdentities = append([]PatientIdentity(nil), l.PatientIdentities...)
	c.SupportedResources = append([]string(nil), l.SupportedResources...)
	c.Discovery.ScopesSupported = append([]string(nil), l.Discovery.ScopesSupported...)
	c.Discovery.GrantTypesSupported = append([]string(nil), l.Discovery.GrantTypesSupported...)
	c.Discovery.CodeChallengeMethodsSupported = append([]string(nil), l.Discovery.CodeChallengeMethodsSupported...)
	c.Token = l.Token.Clone()
	if l.TokenExpiresAt != nil {
		t := *l.TokenExpiresAt
		c.TokenExpiresAt = &t
	}
	if l.LastSyncAt != nil {
		t := *l.LastSyncAt
		c.LastSyncAt = &t
	}
	if l.LastSyncSuccess != nil {
		b := *l.LastSyncSuccess
		c.LastSyncSuccess = &b
	}
	return &c
}

// OrganizationRef names the organization a user wants to link.
type OrganizationRef struct {
	ID          string `json:"organization_id"`
	Name        string `json:"organization_name"`
	FHIRBaseURL string `json:"fhir_base_url"`
}

// Summary is the token-free view of a link returned to the app user.
type Summary struct {
	ID               uuid.UUID    `json:"id"`
	OrganizationID   string       `json:"organization_id"`
	OrganizationName string       `json:"organization_name"`
	Status           Status       `json:"status"`
	StatusDetail     string       `json:"status_detail,omitempty"`
	Capabilities     Capabilities `json:"capabilities"`
	LastSyncAt       *time.Time   `json:"last_sync_at,omitempty"`
	LastSyncSuccess  *bool        `json:"last_sync_success,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

func (l *LinkRecord) Summary() Summary {
	return Summary{
		ID:               l.ID,
		OrganizationID:   l.OrganizationID,
		OrganizationName: l.OrganizationName,
		Status:           l.Status,
		StatusDetail:     l.StatusDetail,
		Capabilities:     l.Capabilities,
		LastSyncAt:       l.LastSyncAt,
		LastSyncSuccess:  l.LastSyncSuccess,
		CreatedAt:        l.CreatedAt,
	}
}
