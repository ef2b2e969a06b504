package fhirclient

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolRequest matches every non-2xx response from a FHIR server.
	ErrProtocolRequest = errors.New("fhir request failed")
	// ErrNetwork matches transport failures and timeouts.
	ErrNetwork = errors.New("fhir network error")
	// ErrForeignURL is returned when a continuation link points away from the
	// link's FHIR base origin.
	ErrForeignURL = errors.New("continuation url outside fhir base")
	// ErrNoPatient is returned by patient-scoped calls on a client that has no
	// patient identity.
	ErrNoPatient = errors.New("no patient identity for link")
)

// maxErrorBody caps how much of an error response body is retained.
const maxErrorBody = 4 << 10

// RequestError is a non-2xx response.
type RequestError struct {
	Method string
	URL    string
	Status int
	Body   string
	// Outcome is the summarized OperationOutcome, when the body carried one.
	Outcome string
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("fhir %s %s: status %d", e.Method, e.URL, e.Status)
	if e.Outcome != "" {
		msg += ": " + e.Outcome
	}
	return msg
}

func (e *RequestError) Is(target error) bool { return target == ErrProtocolRequest }

// NetworkError wraps a transport-level failure.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fhir %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Status
	}
	return 0
}
