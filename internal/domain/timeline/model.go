// Package timeline holds the unified, per-user view of clinical events pulled
// from every linked organization.
package timeline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Category groups entries for presentation and filtering.
type Category string

const (
	CategoryLab          Category = "lab"
	CategoryMedication   Category = "medication"
	CategoryAllergy      Category = "allergy"
	CategoryVital        Category = "vital"
	CategoryImmunization Category = "immunization"
	CategoryProcedure    Category = "procedure"
	CategoryEncounter    Category = "encounter"
	CategoryOther        Category = "other"
)

var categories = []Category{
	CategoryLab, CategoryMedication, CategoryAllergy, CategoryVital,
	CategoryImmunization, CategoryProcedure, CategoryEncounter, CategoryOther,
}

func (c Category) Valid() bool {
	for _, k := range categories {
		if k == c {
			return true
		}
	}
	return false
}

// CapabilitySnapshot copies the organization's action flags at sync time so
// readers do not need to join the link.
type CapabilitySnapshot struct {
	CanMessage  bool `json:"can_message"`
	CanSchedule bool `json:"can_schedule"`
}

// Entry is one remote clinical resource as shown on the timeline. It maps to
// the timeline_entry table and is unique per (LinkID, ResourceType,
// ResourceID).
type Entry struct {
	ID               uuid.UUID          `db:"id" json:"id"`
	LinkID           uuid.UUID          `db:"link_id" json:"link_id"`
	UserID           string             `db:"user_id" json:"user_id"`
	OrganizationID   string             `db:"organization_id" json:"organization_id"`
	OrganizationName string             `db:"organization_name" json:"organization_name"`
	ResourceType     string             `db:"resource_type" json:"resource_type"`
	ResourceID       string             `db:"resource_id" json:"resource_id"`
	Category         Category           `db:"category" json:"category"`
	Title            string             `db:"title" json:"title"`
	Summary          string             `db:"summary" json:"summary,omitempty"`
	EffectiveAt      *time.Time         `db:"effective_at" json:"effective_at,omitempty"`
	SyncedAt         time.Time          `db:"synced_at" json:"synced_at"`
	Raw              json.RawMessage    `db:"raw" json:"-"`
	SearchTerms      []string           `db:"search_terms" json:"-"`
	Tags             []string           `db:"tags" json:"tags,omitempty"`
	Capabilities     CapabilitySnapshot `db:"capabilities" json:"capabilities"`
}

// entryNamespace seeds the name-based ids of timeline entries.
var entryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:ehrlink:timeline-entry"))

// EntryID derives the stable id of the entry for one remote resource. The
// same triple always yields the same id, so resyncs replace rows in place.
func EntryID(linkID uuid.UUID, resourceType, resourceID string) uuid.UUID {
	return uuid.NewSHA1(entryNamespace, []byte(linkID.String()+"|"+resourceType+"|"+resourceID))
}

// Key returns the idempotency triple of the entry.
func (e *Entry) Key() string {
	return e.LinkID.String() + "|" + e.ResourceType + "|" + e.ResourceID
}

// Date returns the date the entry is shown under: the effective date when
// known, else the sync date.
func (e *Entry) Date() time.Time {
	if e.EffectiveAt != nil {
		return *e.EffectiveAt
	}
	return e.SyncedAt
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Raw = append(json.RawMessage(nil), e.Raw...)
	c.SearchTerms = append([]string(nil), e.SearchTerms...)
	c.Tags = append([]string(nil), e.Tags...)
	if e.EffectiveAt != nil {
		t := *e.EffectiveAt
		c.EffectiveAt = &t
	}
	return &c
}
