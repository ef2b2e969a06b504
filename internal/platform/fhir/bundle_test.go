package fhir

import (
	"testing"
)

const searchsetJSON = `{
  "resourceType": "Bundle",
  "type": "searchset",
  "total": 3,
  "link": [
    {"relation": "self", "url": "https://ehr.example.org/fhir/Observation?patient=123"},
    {"relation": "next", "url": "https://ehr.example.org/fhir/Observation?patient=123&_getpages=abc"}
  ],
  "entry": [
    {"fullUrl": "https://ehr.example.org/fhir/Observation/o1", "resource": {"resourceType": "Observation", "id": "o1"}, "search": {"mode": "match"}},
    {"fullUrl": "https://ehr.example.org/fhir/Observation/o2", "resource": {"resourceType": "Observation", "id": "o2"}},
    {"fullUrl": "https://ehr.example.org/fhir/Patient/123", "resource": {"resourceType": "Patient", "id": "123"}, "search": {"mode": "include"}},
    {"resource": {"resourceType": "OperationOutcome", "issue": []}, "search": {"mode": "outcome"}},
    {"fullUrl": "https://ehr.example.org/fhir/Observation/o3", "search": {"mode": "match"}}
  ]
}`

func TestDecodeBundle(t *testing.T) {
	b, err := DecodeBundle([]byte(searchsetJSON))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Type != "searchset" {
		t.Errorf("expected type searchset, got %s", b.Type)
	}
	if b.Total == nil || *b.Total != 3 {
		t.Errorf("expected total 3, got %v", b.Total)
	}
	if len(b.Entry) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(b.Entry))
	}
}

func TestDecodeBundle_WrongResourceType(t *testing.T) {
	if _, err := DecodeBundle([]byte(`{"resourceType":"Patient","id":"1"}`)); err == nil {
		t.Error("expected error for non-Bundle payload")
	}
	if _, err := DecodeBundle([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestBundle_NextURL(t *testing.T) {
	b, _ := DecodeBundle([]byte(searchsetJSON))
	if got := b.NextURL(); got != "https://ehr.example.org/fhir/Observation?patient=123&_getpages=abc" {
		t.Errorf("unexpected next url %q", got)
	}
	if got := b.LinkURL("previous"); got != "" {
		t.Errorf("expected empty previous link, got %q", got)
	}

	last := &Bundle{ResourceType: "Bundle", Type: "searchset"}
	if last.NextURL() != "" {
		t.Error("expected no next link on final page")
	}
}

func TestBundle_MatchAndIncludedEntries(t *testing.T) {
	b, _ := DecodeBundle([]byte(searchsetJSON))

	matches := b.MatchEntries()
	if len(matches) != 3 {
		t.Fatalf("expected 3 match entries, got %d", len(matches))
	}
	for _, e := range matches {
		if e.FullURL == "https://ehr.example.org/fhir/Patient/123" {
			t.Error("included Patient should not be a match")
		}
	}

	inc := b.IncludedEntries()
	if len(inc) != 1 || inc[0].FullURL != "https://ehr.example.org/fhir/Patient/123" {
		t.Errorf("unexpected included entries: %+v", inc)
	}
}

func TestBundleEntry_HasResource(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{`{"resourceType":"Observation","id":"o1"}`, true},
		{``, false},
		{`null`, false},
		{` {} `, false},
	}
	for _, tc := range cases {
		e := BundleEntry{Resource: []byte(tc.raw)}
		if got := e.HasResource(); got != tc.want {
			t.Errorf("HasResource(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}
