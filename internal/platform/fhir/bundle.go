package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// DecodeBundle parses a Bundle and checks its resourceType.
func DecodeBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.ResourceType != "Bundle" {
		return nil, fmt.Errorf("decode bundle: unexpected resourceType %q", b.ResourceType)
	}
	return &b, nil
}

// LinkURL returns the URL of the link with the given relation, or "".
func (b *Bundle) LinkURL(relation string) string {
	for _, l := range b.Link {
		if l.Relation == relation {
			return l.URL
		}
	}
	return ""
}

// NextURL returns the continuation link of a searchset page.
func (b *Bundle) NextURL() string {
	return b.LinkURL("next")
}

// MatchEntries returns entries that are primary search matches; entries added
// by _include/_revinclude (search.mode "include") and OperationOutcome
// warnings ("outcome") are excluded.
func (b *Bundle) MatchEntries() []BundleEntry {
	out := make([]BundleEntry, 0, len(b.Entry))
	for _, e := range b.Entry {
		if e.Search != nil && e.Search.Mode != "" && e.Search.Mode != "match" {
			continue
		}
		out = append(out, e)
	}
	return out
}

// IncludedEntries returns entries added by _include/_revinclude.
func (b *Bundle) IncludedEntries() []BundleEntry {
	var out []BundleEntry
	for _, e := range b.Entry {
		if e.Search != nil && e.Search.Mode == "include" {
			out = append(out, e)
		}
	}
	return out
}

// HasResource reports whether the entry carries a non-null resource body.
func (e BundleEntry) HasResource() bool {
	trimmed := bytes.TrimSpace(e.Resource)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) && !bytes.Equal(trimmed, []byte("{}"))
}
