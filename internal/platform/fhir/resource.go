package fhir

import (
	"encoding/json"
	"strings"
	"time"
)

// Resource is the common header of every FHIR resource.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// DisplayText returns the concept's text, else the first coding display,
// else the first code.
func (c *CodeableConcept) DisplayText() string {
	if c == nil {
		return ""
	}
	if t := strings.TrimSpace(c.Text); t != "" {
		return t
	}
	for _, cd := range c.Coding {
		if d := strings.TrimSpace(cd.Display); d != "" {
			return d
		}
	}
	for _, cd := range c.Coding {
		if cd.Code != "" {
			return cd.Code
		}
	}
	return ""
}

// Codes returns every non-empty code in the concept.
func (c *CodeableConcept) Codes() []string {
	if c == nil {
		return nil
	}
	var out []string
	for _, cd := range c.Coding {
		if cd.Code != "" {
			out = append(out, cd.Code)
		}
	}
	return out
}

// HasCode reports whether any coding carries code.
func (c *CodeableConcept) HasCode(code string) bool {
	if c == nil {
		return false
	}
	for _, cd := range c.Coding {
		if cd.Code == code {
			return true
		}
	}
	return false
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
	Period *Period          `json:"period,omitempty"`
}

// Period uses the raw FHIR dateTime strings; partial dates are common in
// real payloads and are parsed with ParseDateTime.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Quantity struct {
	Value      *json.Number `json:"value,omitempty"`
	Comparator string       `json:"comparator,omitempty"`
	Unit       string       `json:"unit,omitempty"`
	System     string       `json:"system,omitempty"`
	Code       string       `json:"code,omitempty"`
}

// String renders the quantity as "<comparator><value> <unit>".
func (q *Quantity) String() string {
	if q == nil || q.Value == nil {
		return ""
	}
	s := q.Comparator + q.Value.String()
	unit := q.Unit
	if unit == "" {
		unit = q.Code
	}
	if unit != "" {
		s += " " + unit
	}
	return s
}

// OperationOutcome is returned by servers alongside error statuses.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

// Summary joins the issues' diagnostics (or detail text) into one line.
func (o *OperationOutcome) Summary() string {
	if o == nil {
		return ""
	}
	var parts []string
	for _, iss := range o.Issue {
		msg := iss.Diagnostics
		if msg == "" {
			msg = iss.Details.DisplayText()
		}
		if msg == "" {
			msg = iss.Code
		}
		if msg != "" {
			parts = append(parts, msg)
		}
	}
	return strings.Join(parts, "; ")
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
}

// ParseDateTime parses a FHIR date, dateTime or instant. Partial dates resolve
// to the start of the period they name, in UTC.
func ParseDateTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
