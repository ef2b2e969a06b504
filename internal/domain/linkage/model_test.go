package linkage

import (
	"testing"
	"time"

	"github.com/ehr/ehrlink/internal/platform/vault"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusError, true},
		{StatusPending, StatusExpired, false},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusError, true},
		{StatusActive, StatusPending, false},
		{StatusExpired, StatusActive, true},
		{StatusExpired, StatusError, true},
		{StatusError, StatusActive, true},
		{StatusError, StatusExpired, false},
		{StatusActive, StatusActive, true},
		{StatusPending, StatusRevoked, true},
		{StatusActive, StatusRevoked, true},
		{StatusError, StatusRevoked, true},
		{StatusRevoked, StatusActive, false},
		{StatusRevoked, StatusRevoked, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatus_Valid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusActive, StatusExpired, StatusRevoked, StatusError} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Status("paused").Valid() {
		t.Error("paused should not be valid")
	}
}

func TestCapabilitiesFor(t *testing.T) {
	caps := CapabilitiesFor([]string{"Observation", "AllergyIntolerance", "Appointment", "Slot", "MedicationRequest"})
	if !caps.CanReadLabs || !caps.CanReadVitals {
		t.Error("Observation should enable labs and vitals")
	}
	if !caps.CanReadAllergies || !caps.CanReadMedications {
		t.Error("expected allergies and medications")
	}
	if !caps.CanSchedule {
		t.Error("Appointment + Slot should enable scheduling")
	}
	if caps.CanMessage || caps.CanReadImmunizations || caps.CanReadDiagnosticReports {
		t.Errorf("unexpected flags: %+v", caps)
	}

	if (CapabilitiesFor([]string{"Appointment"})).CanSchedule {
		t.Error("Appointment alone should not enable scheduling")
	}
	if !(CapabilitiesFor([]string{"CommunicationRequest"})).CanMessage {
		t.Error("CommunicationRequest should enable messaging")
	}
}

func TestLinkRecord_Supports(t *testing.T) {
	l := &LinkRecord{}
	if !l.Supports("Observation") {
		t.Error("empty supported list should allow every type")
	}
	l.SupportedResources = []string{"Observation"}
	if !l.Supports("Observation") || l.Supports("Procedure") {
		t.Error("unexpected Supports result")
	}
}

func TestLinkRecord_Syncable(t *testing.T) {
	for s, want := range map[Status]bool{
		StatusActive: true, StatusExpired: true,
		StatusPending: false, StatusError: false, StatusRevoked: false,
	} {
		if got := (&LinkRecord{Status: s}).Syncable(); got != want {
			t.Errorf("Syncable(%s) = %v, want %v", s, got, want)
		}
	}
}

func TestLinkRecord_CloneIsDeep(t *testing.T) {
	exp := time.Now()
	ok := true
	l := &LinkRecord{
		PatientIdentities:  []PatientIdentity{{ExternalID: "p1"}},
		SupportedResources: []string{"Observation"},
		Token:              vault.Sealed{CipherText: []byte{1}, IV: []byte{2}, AuthTag: []byte{3}},
		TokenExpiresAt:     &exp,
		LastSyncSuccess:    &ok,
	}
	c := l.Clone()
	c.PatientIdentities[0].ExternalID = "changed"
	c.SupportedResources[0] = "changed"
	c.Token.CipherText[0] = 9
	*c.LastSyncSuccess = false

	if l.PatientIdentities[0].ExternalID != "p1" || l.SupportedResources[0] != "Observation" {
		t.Error("clone aliases slices")
	}
	if l.Token.CipherText[0] != 1 {
		t.Error("clone aliases token bytes")
	}
	if !*l.LastSyncSuccess {
		t.Error("clone aliases pointers")
	}
}

func TestLinkRecord_SummaryHasNoTokens(t *testing.T) {
	l := &LinkRecord{OrganizationID: "org", Status: StatusActive, GrantedScope: "patient/*.read"}
	s := l.Summary()
	if s.OrganizationID != "org" || s.Status != StatusActive {
		t.Errorf("unexpected summary %+v", s)
	}
}
