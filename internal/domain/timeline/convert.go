package timeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/ehr/ehrlink/internal/domain/linkage"
	"github.com/ehr/ehrlink/internal/platform/fhir"
)

var (
	// ErrNoResource is returned for bundle entries without a resource body.
	ErrNoResource = errors.New("entry has no resource")
	// ErrMalformedResource is returned for bodies that cannot be read as a
	// FHIR resource with a type and id.
	ErrMalformedResource = errors.New("malformed resource")
)

// Resource is one of the remote resource variants the timeline understands:
// *Observation, *MedicationOrder, *AllergyIntolerance or *Other.
type Resource interface {
	Header() fhir.Resource
	project() projection
}

// projection is what every variant contributes to an Entry.
type projection struct {
	category  Category
	title     string
	summary   string
	effective *time.Time
	tags      []string
	displays  []string
}

// Parse decodes raw into its variant.
func Parse(raw json.RawMessage) (Resource, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, ErrNoResource
	}
	var hdr fhir.Resource
	if err := json.Unmarshal(trimmed, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResource, err)
	}
	if hdr.ResourceType == "" || hdr.ID == "" {
		return nil, fmt.Errorf("%w: missing resourceType or id", ErrMalformedResource)
	}

	var (
		r   Resource
		err error
	)
	switch hdr.ResourceType {
	case "Observation":
		var o Observation
		err = json.Unmarshal(trimmed, &o)
		r = &o
	case "MedicationRequest", "MedicationOrder":
		var m MedicationOrder
		err = json.Unmarshal(trimmed, &m)
		r = &m
	case "AllergyIntolerance":
		var a AllergyIntolerance
		err = json.Unmarshal(trimmed, &a)
		r = &a
	default:
		o := Other{Resource: hdr}
		err = json.Unmarshal(trimmed, &o.fields)
		r = &o
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrMalformedResource, hdr.ResourceType, hdr.ID, err)
	}
	return r, nil
}

// Convert turns one remote resource of link into a timeline entry.
func Convert(link *linkage.LinkRecord, raw json.RawMessage, syncedAt time.Time) (*Entry, error) {
	r, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	hdr := r.Header()
	p := r.project()
	if p.title == "" {
		p.title = hdr.ResourceType + " - " + hdr.ID
	}

	return &Entry{
		ID:               EntryID(link.ID, hdr.ResourceType, hdr.ID),
		LinkID:           link.ID,
		UserID:           link.UserID,
		OrganizationID:   link.OrganizationID,
		OrganizationName: link.OrganizationName,
		ResourceType:     hdr.ResourceType,
		ResourceID:       hdr.ID,
		Category:         p.category,
		Title:            p.title,
		Summary:          p.summary,
		EffectiveAt:      p.effective,
		SyncedAt:         syncedAt.UTC(),
		Raw:              append(json.RawMessage(nil), bytes.TrimSpace(raw)...),
		SearchTerms:      searchTerms(append([]string{p.title, p.summary}, p.displays...)...),
		Tags:             distinct(p.tags),
		Capabilities: CapabilitySnapshot{
			CanMessage:  link.Capabilities.CanMessage,
			CanSchedule: link.Capabilities.CanSchedule,
		},
	}, nil
}

// ---------------------------------------------------------------------------
// Observation
// ---------------------------------------------------------------------------

type Observation struct {
	fhir.Resource
	Status               string                 `json:"status"`
	Category             conceptList            `json:"category"`
	Code                 fhir.CodeableConcept   `json:"code"`
	EffectiveDateTime    string                 `json:"effectiveDateTime"`
	EffectiveInstant     string                 `json:"effectiveInstant"`
	EffectivePeriod      *fhir.Period           `json:"effectivePeriod"`
	Issued               string                 `json:"issued"`
	ValueQuantity        *fhir.Quantity         `json:"valueQuantity"`
	ValueString          string                 `json:"valueString"`
	ValueCodeableConcept *fhir.CodeableConcept  `json:"valueCodeableConcept"`
	ValueBoolean         *bool                  `json:"valueBoolean"`
	ValueInteger         *json.Number           `json:"valueInteger"`
	Interpretation       conceptList            `json:"interpretation"`
	Component            []ObservationComponent `json:"component"`
}

type ObservationComponent struct {
	Code                 fhir.CodeableConcept  `json:"code"`
	ValueQuantity        *fhir.Quantity        `json:"valueQuantity"`
	ValueString          string                `json:"valueString"`
	ValueCodeableConcept *fhir.CodeableConcept `json:"valueCodeableConcept"`
}

func (o *Observation) Header() fhir.Resource { return o.Resource }

// IsVitalSign reports whether any category carries the vital-signs code.
func (o *Observation) IsVitalSign() bool {
	for i := range o.Category {
		if o.Category[i].HasCode("vital-signs") {
			return true
		}
	}
	return false
}

func (o *Observation) value() string {
	switch {
	case o.ValueQuantity != nil && o.ValueQuantity.Value != nil:
		return o.ValueQuantity.String()
	case o.ValueString != "":
		return o.ValueString
	case o.ValueCodeableConcept != nil:
		return o.ValueCodeableConcept.DisplayText()
	case o.ValueBoolean != nil:
		if *o.ValueBoolean {
			return "yes"
		}
		return "no"
	case o.ValueInteger != nil:
		return o.ValueInteger.String()
	}
	var parts []string
	for _, c := range o.Component {
		v := ""
		switch {
		case c.ValueQuantity != nil && c.ValueQuantity.Value != nil:
			v = c.ValueQuantity.String()
		case c.ValueString != "":
			v = c.ValueString
		case c.ValueCodeableConcept != nil:
			v = c.ValueCodeableConcept.DisplayText()
		}
		if v == "" {
			continue
		}
		if name := c.Code.DisplayText(); name != "" {
			v = name + " " + v
		}
		parts = append(parts, v)
	}
	return strings.Join(parts, ", ")
}

func (o *Observation) project() projection {
	p := projection{category: CategoryLab, title: o.Code.DisplayText()}
	if o.IsVitalSign() {
		p.category = CategoryVital
	}
	if v := o.value(); v != "" {
		p.summary = v
		if p.title != "" {
			p.summary = p.title + ": " + v
		}
	}
	p.effective = firstDate(o.EffectiveDateTime, o.EffectiveInstant, periodStart(o.EffectivePeriod), o.Issued)

	for i := range o.Category {
		p.tags = append(p.tags, o.Category[i].Codes()...)
		p.displays = append(p.displays, displays(&o.Category[i])...)
	}
	p.tags = append(p.tags, o.Status)
	for i := range o.Interpretation {
		p.tags = append(p.tags, o.Interpretation[i].Codes()...)
		p.displays = append(p.displays, displays(&o.Interpretation[i])...)
	}
	p.displays = append(p.displays, displays(&o.Code)...)
	p.displays = append(p.displays, displays(o.ValueCodeableConcept)...)
	for i := range o.Component {
		p.displays = append(p.displays, displays(&o.Component[i].Code)...)
	}
	return p
}

// ---------------------------------------------------------------------------
// MedicationOrder (MedicationRequest, or MedicationOrder on DSTU2 servers)
// ---------------------------------------------------------------------------

type MedicationOrder struct {
	fhir.Resource
	Status                    string                `json:"status"`
	Intent                    string                `json:"intent"`
	MedicationCodeableConcept *fhir.CodeableConcept `json:"medicationCodeableConcept"`
	MedicationReference       *fhir.Reference       `json:"medicationReference"`
	AuthoredOn                string                `json:"authoredOn"`
	DateWritten               string                `json:"dateWritten"`
	DosageInstruction         []Dosage              `json:"dosageInstruction"`
}

type Dosage struct {
	Text string `json:"text"`
}

func (m *MedicationOrder) Header() fhir.Resource { return m.Resource }

// MedicationName returns the coded or referenced medication name.
func (m *MedicationOrder) MedicationName() string {
	if name := m.MedicationCodeableConcept.DisplayText(); name != "" {
		return name
	}
	if m.MedicationReference != nil {
		return m.MedicationReference.Display
	}
	return ""
}

func (m *MedicationOrder) project() projection {
	p := projection{category: CategoryMedication, title: m.MedicationName()}
	var dosage []string
	for _, d := range m.DosageInstruction {
		if t := strings.TrimSpace(d.Text); t != "" {
			dosage = append(dosage, t)
		}
	}
	p.summary = strings.Join(dosage, "; ")
	p.effective = firstDate(m.AuthoredOn, m.DateWritten)
	p.tags = []string{m.Status, m.Intent}
	p.displays = displays(m.MedicationCodeableConcept)
	return p
}

// ---------------------------------------------------------------------------
// AllergyIntolerance
// ---------------------------------------------------------------------------

type AllergyIntolerance struct {
	fhir.Resource
	Code               *fhir.CodeableConcept `json:"code"`
	Substance          *fhir.CodeableConcept `json:"substance"`
	ClinicalStatus     statusCode            `json:"clinicalStatus"`
	VerificationStatus statusCode            `json:"verificationStatus"`
	Criticality        string                `json:"criticality"`
	Category           stringList            `json:"category"`
	OnsetDateTime      string                `json:"onsetDateTime"`
	RecordedDate       string                `json:"recordedDate"`
	AssertedDate       string                `json:"assertedDate"`
	Reaction           []AllergyReaction     `json:"reaction"`
}

type AllergyReaction struct {
	Description   string                 `json:"description"`
	Manifestation []fhir.CodeableConcept `json:"manifestation"`
	Severity      string                 `json:"severity"`
}

func (a *AllergyIntolerance) Header() fhir.Resource { return a.Resource }

func (a *AllergyIntolerance) project() projection {
	p := projection{category: CategoryAllergy, title: a.Code.DisplayText()}
	if p.title == "" {
		p.title = a.Substance.DisplayText()
	}

	var descs, manifestations []string
	for _, r := range a.Reaction {
		if d := strings.TrimSpace(r.Description); d != "" {
			descs = append(descs, d)
		}
		for i := range r.Manifestation {
			if m := r.Manifestation[i].DisplayText(); m != "" {
				manifestations = append(manifestations, m)
			}
			p.displays = append(p.displays, displays(&r.Manifestation[i])...)
		}
	}
	if len(descs) > 0 {
		p.summary = strings.Join(descs, "; ")
	} else {
		p.summary = strings.Join(distinct(manifestations), ", ")
	}

	p.effective = firstDate(a.OnsetDateTime, a.RecordedDate, a.AssertedDate)
	p.tags = append([]string{string(a.ClinicalStatus), a.Criticality}, a.Category...)
	p.displays = append(p.displays, displays(a.Code)...)
	p.displays = append(p.displays, displays(a.Substance)...)
	return p
}

// ---------------------------------------------------------------------------
// Other
// ---------------------------------------------------------------------------

// otherCategories maps well-known resource types to their category.
var otherCategories = map[string]Category{
	"Immunization":             CategoryImmunization,
	"Procedure":                CategoryProcedure,
	"Encounter":                CategoryEncounter,
	"DiagnosticReport":         CategoryLab,
	"MedicationStatement":      CategoryMedication,
	"MedicationAdministration": CategoryMedication,
	"MedicationDispense":       CategoryMedication,
}

// otherTitleFields are tried in order for a title concept.
var otherTitleFields = []string{"code", "vaccineCode", "type"}

// otherDateFields are tried in order for the effective date.
var otherDateFields = []string{
	"effectiveDateTime", "effectivePeriod", "occurrenceDateTime", "performedDateTime",
	"performedPeriod", "period", "date", "issued", "onsetDateTime", "authoredOn", "recordedDate",
}

// Other is any resource without a dedicated mapping.
type Other struct {
	fhir.Resource
	fields map[string]json.RawMessage
}

func (o *Other) Header() fhir.Resource { return o.Resource }

func (o *Other) Field(name string) json.RawMessage { return o.fields[name] }

func (o *Other) project() projection {
	p := projection{category: CategoryOther}
	if c, ok := otherCategories[o.ResourceType]; ok {
		p.category = c
	}

	for _, name := range otherTitleFields {
		var cl conceptList
		if raw, ok := o.fields[name]; !ok || json.Unmarshal(raw, &cl) != nil {
			continue
		}
		for i := range cl {
			if p.title == "" {
				p.title = cl[i].DisplayText()
			}
			p.displays = append(p.displays, displays(&cl[i])...)
		}
		if p.title != "" {
			break
		}
	}

	for _, name := range []string{"conclusion", "description"} {
		var s string
		if raw, ok := o.fields[name]; ok && json.Unmarshal(raw, &s) == nil && strings.TrimSpace(s) != "" {
			p.summary = strings.TrimSpace(s)
			break
		}
	}

	for _, name := range otherDateFields {
		raw, ok := o.fields[name]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			if t, ok := fhir.ParseDateTime(s); ok {
				p.effective = &t
				break
			}
			continue
		}
		var per fhir.Period
		if json.Unmarshal(raw, &per) == nil {
			if t := firstDate(periodStart(&per)); t != nil {
				p.effective = t
				break
			}
		}
	}

	// A status that is not a plain code is not a usable tag.
	var status string
	if raw, ok := o.fields["status"]; ok && json.Unmarshal(raw, &status) == nil {
		p.tags = append(p.tags, status)
	}
	var cats conceptList
	if raw, ok := o.fields["category"]; ok && json.Unmarshal(raw, &cats) == nil {
		for i := range cats {
			p.tags = append(p.tags, cats[i].Codes()...)
		}
	}
	return p
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// conceptList accepts a single CodeableConcept or an array of them; DSTU2
// and later versions disagree on the cardinality of several fields.
type conceptList []fhir.CodeableConcept

func (c *conceptList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, (*[]fhir.CodeableConcept)(c))
	}
	if bytes.Equal(data, []byte("null")) {
		*c = nil
		return nil
	}
	var one fhir.CodeableConcept
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	*c = conceptList{one}
	return nil
}

// stringList accepts a string or an array of strings.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		return json.Unmarshal(data, (*[]string)(s))
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	if one != "" {
		*s = stringList{one}
	}
	return nil
}

// statusCode accepts a plain code (DSTU2/STU3) or a CodeableConcept (R4).
type statusCode string

func (s *statusCode) UnmarshalJSON(data []byte) error {
	var code string
	if err := json.Unmarshal(data, &code); err == nil {
		*s = statusCode(code)
		return nil
	}
	var cc fhir.CodeableConcept
	if err := json.Unmarshal(data, &cc); err != nil {
		return err
	}
	if codes := cc.Codes(); len(codes) > 0 {
		*s = statusCode(codes[0])
	} else {
		*s = statusCode(cc.Text)
	}
	return nil
}

func periodStart(p *fhir.Period) string {
	if p == nil {
		return ""
	}
	if p.Start != "" {
		return p.Start
	}
	return p.End
}

// firstDate returns the first value that parses as a FHIR date.
func firstDate(values ...string) *time.Time {
	for _, v := range values {
		if t, ok := fhir.ParseDateTime(v); ok {
			return &t
		}
	}
	return nil
}

func displays(c *fhir.CodeableConcept) []string {
	if c == nil {
		return nil
	}
	out := []string{c.Text}
	for _, cd := range c.Coding {
		out = append(out, cd.Display)
	}
	return out
}

// distinct drops empty and repeated values, keeping first occurrences.
func distinct(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// searchTerms splits texts into distinct lowercase words.
func searchTerms(texts ...string) []string {
	var words []string
	for _, t := range texts {
		words = append(words, strings.FieldsFunc(strings.ToLower(t), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})...)
	}
	out := distinct(words)
	kept := out[:0]
	for _, w := range out {
		if len([]rune(w)) > 1 {
			kept = append(kept, w)
		}
	}
	return kept
}
