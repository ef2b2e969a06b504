package timeline

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ehrlink/internal/domain/linkage"
)

var syncedAt = time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

func testLink() *linkage.LinkRecord {
	return &linkage.LinkRecord{
		ID:               uuid.MustParse("7d8f0c1e-4a7b-4f6e-9c1d-2b3a4c5d6e7f"),
		UserID:           "user-1",
		OrganizationID:   "org-1",
		OrganizationName: "General Hospital",
		Capabilities:     linkage.Capabilities{CanMessage: true},
	}
}

func mustConvert(t *testing.T, raw string) *Entry {
	t.Helper()
	e, err := Convert(testLink(), json.RawMessage(raw), syncedAt)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	return e
}

func hasTag(e *Entry, tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func TestConvert_ObservationCategories(t *testing.T) {
	tests := []struct {
		name     string
		category string
		want     Category
	}{
		{"laboratory", `[{"coding":[{"code":"laboratory"}]}]`, CategoryLab},
		{"vital signs", `[{"coding":[{"system":"http://terminology.hl7.org/CodeSystem/observation-category","code":"vital-signs"}]}]`, CategoryVital},
		{"dstu2 single category", `{"coding":[{"code":"vital-signs"}]}`, CategoryVital},
		{"no category", `[]`, CategoryLab},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := mustConvert(t, `{"resourceType":"Observation","id":"o1","status":"final","category":`+tt.category+`,
				"code":{"text":"Hemoglobin"},"valueQuantity":{"value":13.5,"unit":"g/dL"}}`)
			if e.Category != tt.want {
				t.Errorf("category = %s, want %s", e.Category, tt.want)
			}
		})
	}
}

func TestConvert_ObservationQuantity(t *testing.T) {
	e := mustConvert(t, `{"resourceType":"Observation","id":"o1","status":"final",
		"category":[{"coding":[{"code":"laboratory","display":"Laboratory"}]}],
		"code":{"coding":[{"system":"http://loinc.org","code":"718-7","display":"Hemoglobin [Mass/volume] in Blood"}]},
		"effectiveDateTime":"2025-04-02T09:30:00Z",
		"valueQuantity":{"value":13.5,"unit":"g/dL"},
		"interpretation":[{"coding":[{"code":"N"}]}]}`)

	if e.Title != "Hemoglobin [Mass/volume] in Blood" {
		t.Errorf("title = %q", e.Title)
	}
	if e.Summary != "Hemoglobin [Mass/volume] in Blood: 13.5 g/dL" {
		t.Errorf("summary = %q", e.Summary)
	}
	if e.EffectiveAt == nil || !e.EffectiveAt.Equal(time.Date(2025, 4, 2, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("effective = %v", e.EffectiveAt)
	}
	for _, tag := range []string{"laboratory", "final", "N"} {
		if !hasTag(e, tag) {
			t.Errorf("missing tag %q in %v", tag, e.Tags)
		}
	}
	if e.ID != EntryID(testLink().ID, "Observation", "o1") {
		t.Error("entry id is not derived from the idempotency key")
	}
	if !e.Capabilities.CanMessage || e.Capabilities.CanSchedule {
		t.Errorf("capabilities = %+v", e.Capabilities)
	}
	if e.OrganizationName != "General Hospital" || e.UserID != "user-1" {
		t.Errorf("link fields not copied: %+v", e)
	}
}

func TestConvert_ObservationComponents(t *testing.T) {
	e := mustConvert(t, `{"resourceType":"Observation","id":"bp","status":"final",
		"category":[{"coding":[{"code":"vital-signs"}]}],
		"code":{"text":"Blood pressure"},
		"effectivePeriod":{"start":"2025-04-02"},
		"component":[
			{"code":{"text":"Systolic"},"valueQuantity":{"value":120,"unit":"mmHg"}},
			{"code":{"text":"Diastolic"},"valueQuantity":{"value":80,"unit":"mmHg"}}]}`)
	if e.Summary != "Blood pressure: Systolic 120 mmHg, Diastolic 80 mmHg" {
		t.Errorf("summary = %q", e.Summary)
	}
	if e.EffectiveAt == nil || e.EffectiveAt.Format("2006-01-02") != "2025-04-02" {
		t.Errorf("effective = %v", e.EffectiveAt)
	}
}

func TestConvert_ObservationTextValue(t *testing.T) {
	e := mustConvert(t, `{"resourceType":"Observation","id":"o2","code":{"text":"Smoking status"},
		"valueCodeableConcept":{"text":"Never smoker"}}`)
	if e.Summary != "Smoking status: Never smoker" {
		t.Errorf("summary = %q", e.Summary)
	}
}

func TestConvert_MedicationOrder(t *testing.T) {
	e := mustConvert(t, `{"resourceType":"MedicationRequest","id":"m1","status":"stopped","intent":"order",
		"medicationCodeableConcept":{"text":"Lisinopril 10 MG Oral Tablet"},
		"authoredOn":"2024-11",
		"dosageInstruction":[{"text":"Take 1 tablet daily"}]}`)

	if e.Category != CategoryMedication {
		t.Errorf("category = %s", e.Category)
	}
	if !hasTag(e, "stopped") || !hasTag(e, "order") {
		t.Errorf("tags = %v", e.Tags)
	}
	if e.Title != "Lisinopril 10 MG Oral Tablet" || e.Summary != "Take 1 tablet daily" {
		t.Errorf("title/summary = %q / %q", e.Title, e.Summary)
	}
	if e.EffectiveAt == nil || !e.EffectiveAt.Equal(time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("effective = %v", e.EffectiveAt)
	}
}

func TestConvert_DSTU2MedicationOrderReference(t *testing.T) {
	e := mustConvert(t, `{"resourceType":"MedicationOrder","id":"m2","status":"active",
		"medicationReference":{"reference":"Medication/1","display":"Metformin"},"dateWritten":"2016-03-04"}`)
	if e.Category != CategoryMedication || e.Title != "Metformin" || !hasTag(e, "active") {
		t.Errorf("entry = %+v", e)
	}
}

func TestConvert_Allergy(t *testing.T) {
	e := mustConvert(t, `{"resourceType":"AllergyIntolerance","id":"a1",
		"clinicalStatus":{"coding":[{"code":"active"}]},"criticality":"high","category":["medication"],
		"code":{"text":"Penicillin"},
		"reaction":[{"description":"Hives after first dose","manifestation":[{"text":"Urticaria"}]}],
		"recordedDate":"2019"}`)

	if e.Category != CategoryAllergy || e.Title != "Penicillin" {
		t.Errorf("category/title = %s / %q", e.Category, e.Title)
	}
	if e.Summary != "Hives after first dose" {
		t.Errorf("summary = %q", e.Summary)
	}
	for _, tag := range []string{"active", "high", "medication"} {
		if !hasTag(e, tag) {
			t.Errorf("missing tag %q in %v", tag, e.Tags)
		}
	}
	if e.EffectiveAt == nil || e.EffectiveAt.Year() != 2019 {
		t.Errorf("effective = %v", e.EffectiveAt)
	}
}

func TestConvert_AllergyManifestationFallback(t *testing.T) {
	e := mustConvert(t, `{"resourceType":"AllergyIntolerance","id":"a2","clinicalStatus":"active",
		"substance":{"text":"Peanut"},
		"reaction":[{"manifestation":[{"text":"Anaphylaxis"},{"coding":[{"display":"Wheezing"}]}]}]}`)
	if e.Title != "Peanut" || e.Summary != "Anaphylaxis, Wheezing" || !hasTag(e, "active") {
		t.Errorf("entry = %q / %q / %v", e.Title, e.Summary, e.Tags)
	}
}

func TestConvert_Other(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		category  Category
		title     string
		effective string
	}{
		{"immunization", `{"resourceType":"Immunization","id":"i1","status":"completed","vaccineCode":{"text":"Influenza"},"occurrenceDateTime":"2024-10-01"}`,
			CategoryImmunization, "Influenza", "2024-10-01"},
		{"procedure", `{"resourceType":"Procedure","id":"p1","code":{"text":"Appendectomy"},"performedPeriod":{"start":"2020-06-10T10:00:00Z"}}`,
			CategoryProcedure, "Appendectomy", "2020-06-10"},
		{"encounter with type list", `{"resourceType":"Encounter","id":"e1","type":[{"text":"Office visit"}],"period":{"start":"2023-02-03"}}`,
			CategoryEncounter, "Office visit", "2023-02-03"},
		{"diagnostic report", `{"resourceType":"DiagnosticReport","id":"d1","code":{"text":"CBC"},"conclusion":"Normal","issued":"2025-01-05T00:00:00Z"}`,
			CategoryLab, "CBC", "2025-01-05"},
		{"unknown type", `{"resourceType":"Condition","id":"c9"}`,
			CategoryOther, "Condition - c9", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := mustConvert(t, tt.raw)
			if e.Category != tt.category {
				t.Errorf("category = %s, want %s", e.Category, tt.category)
			}
			if e.Title != tt.title {
				t.Errorf("title = %q, want %q", e.Title, tt.title)
			}
			got := ""
			if e.EffectiveAt != nil {
				got = e.EffectiveAt.Format("2006-01-02")
			}
			if got != tt.effective {
				t.Errorf("effective = %q, want %q", got, tt.effective)
			}
		})
	}
}

func TestConvert_OtherStatusTag(t *testing.T) {
	e := mustConvert(t, `{"resourceType":"Procedure","id":"p1","status":"completed","code":{"text":"Appendectomy"}}`)
	if len(e.Tags) != 1 || e.Tags[0] != "completed" {
		t.Errorf("tags = %v, want [completed]", e.Tags)
	}

	e = mustConvert(t, `{"resourceType":"Procedure","id":"p2","status":{"code":"completed"},"code":{"text":"Appendectomy"}}`)
	if len(e.Tags) != 0 {
		t.Errorf("non-string status produced tags %v", e.Tags)
	}
}

func TestConvert_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"empty", ``, ErrNoResource},
		{"null", `null`, ErrNoResource},
		{"not json", `{"resourceType":`, ErrMalformedResource},
		{"no id", `{"resourceType":"Observation"}`, ErrMalformedResource},
		{"wrong field type", `{"resourceType":"Observation","id":"x","code":"oops"}`, ErrMalformedResource},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Convert(testLink(), json.RawMessage(tt.raw), syncedAt)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSearchTerms(t *testing.T) {
	got := searchTerms("Hemoglobin [Mass/volume] in Blood", "Hemoglobin: 13.5 g/dL")
	want := []string{"hemoglobin", "mass", "volume", "in", "blood", "13", "dl"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("searchTerms = %v, want %v", got, want)
	}
}

func TestEntryID_Stable(t *testing.T) {
	link := uuid.New()
	a := EntryID(link, "Observation", "1")
	if a != EntryID(link, "Observation", "1") {
		t.Error("same key produced different ids")
	}
	if a == EntryID(link, "Observation", "2") || a == EntryID(link, "Procedure", "1") || a == EntryID(uuid.New(), "Observation", "1") {
		t.Error("different keys collided")
	}
}
