package timeline

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ehrlink/internal/domain/linkage"
	"github.com/ehr/ehrlink/internal/platform/audit"
)

// LinkLister is the part of the link store the read view needs.
type LinkLister interface {
	ListByUser(ctx context.Context, userID string) ([]*linkage.LinkRecord, error)
}

// DateGroup is one calendar day of entries.
type DateGroup struct {
	Date    string   `json:"date"`
	Entries []*Entry `json:"entries"`
}

// Organization is a linked organization as shown next to the timeline.
type Organization struct {
	LinkID           uuid.UUID            `json:"link_id"`
	OrganizationID   string               `json:"organization_id"`
	OrganizationName string               `json:"organization_name"`
	Status           linkage.Status       `json:"status"`
	Capabilities     linkage.Capabilities `json:"capabilities"`
	LastSyncAt       *time.Time           `json:"last_sync_at,omitempty"`
}

// View is the read model consumed by dashboards, booking and messaging.
type View struct {
	Groups        []DateGroup    `json:"groups"`
	Organizations []Organization `json:"organizations"`
	Total         int            `json:"total"`
	Limit         int            `json:"limit"`
	Offset        int            `json:"offset"`
	HasMore       bool           `json:"has_more"`
}

type Service struct {
	repo   Repository
	links  LinkLister
	audit  audit.Recorder
	loc    *time.Location
	logger zerolog.Logger
}

// NewService creates the read service. loc decides calendar-day boundaries;
// nil means UTC.
func NewService(repo Repository, links LinkLister, rec audit.Recorder, loc *time.Location, logger zerolog.Logger) *Service {
	if rec == nil {
		rec = audit.Nop{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{repo: repo, links: links, audit: rec, loc: loc, logger: logger.With().Str("component", "timeline").Logger()}
}

// View returns one page of the user's timeline grouped by day, plus the
// user's linked organizations.
func (s *Service) View(ctx context.Context, f Filter) (*View, error) {
	entries, total, err := s.repo.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	links, err := s.links.ListByUser(ctx, f.UserID)
	if err != nil {
		return nil, err
	}

	groups := GroupByDate(entries, s.loc)
	if groups == nil {
		groups = []DateGroup{}
	}
	limit, offset := f.page()
	v := &View{
		Groups:        groups,
		Organizations: Organizations(links),
		Total:         total,
		Limit:         limit,
		Offset:        offset,
		HasMore:       offset+len(entries) < total,
	}
	s.audit.Record(ctx, nil, f.UserID, audit.ActionDataAccess, audit.Outcome{
		ResourceType: "timeline",
		Success:      true,
		Metadata:     map[string]any{"returned": len(entries), "total": total},
	})
	return v, nil
}

// Organizations lists the non-revoked links as organizations.
func Organizations(links []*linkage.LinkRecord) []Organization {
	out := make([]Organization, 0, len(links))
	for _, l := range links {
		if l.Status == linkage.StatusRevoked {
			continue
		}
		out = append(out, Organization{
			LinkID:           l.ID,
			OrganizationID:   l.OrganizationID,
			OrganizationName: l.OrganizationName,
			Status:           l.Status,
			Capabilities:     l.Capabilities,
			LastSyncAt:       l.LastSyncAt,
		})
	}
	return out
}

// GroupByDate buckets entries by calendar day in loc, newest day first.
// Entries keep their relative order inside a day.
func GroupByDate(entries []*Entry, loc *time.Location) []DateGroup {
	if loc == nil {
		loc = time.UTC
	}
	index := make(map[string]int)
	var groups []DateGroup
	for _, e := range entries {
		day := e.Date().In(loc).Format("2006-01-02")
		i, ok := index[day]
		if !ok {
			i = len(groups)
			index[day] = i
			groups = append(groups, DateGroup{Date: day})
		}
		groups[i].Entries = append(groups[i].Entries, e)
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].Date > groups[j].Date })
	return groups
}
