package fhirclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ehr/ehrlink/internal/platform/fhir"
	"github.com/ehr/ehrlink/internal/platform/telemetry"
)

const (
	fhirJSON    = "application/fhir+json"
	defaultSort = "-_lastUpdated"
)

// Client talks to one link's FHIR base URL on behalf of one patient.
type Client struct {
	f         *Factory
	base      *url.URL
	patientID string
	tokens    TokenProvider
}

// BaseURL returns the FHIR base the client is bound to.
func (c *Client) BaseURL() string { return c.base.String() }

// PatientID returns the patient the client scopes searches to.
func (c *Client) PatientID() string { return c.patientID }

// Request performs an authenticated call. path is relative to the base URL, or
// an absolute URL on the same origin as the base.
func (c *Client) Request(ctx context.Context, method, path string, query url.Values) (json.RawMessage, error) {
	u, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return c.call(ctx, method, u, resourceLabel(path))
}

func (c *Client) call(ctx context.Context, method string, u *url.URL, label string) (json.RawMessage, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("access token: %w", err)
	}
	body, err := c.f.do(ctx, method, u, fhirJSON, token, label)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// resolve turns a relative path or absolute URL into a request URL, refusing
// absolute URLs whose scheme or host differ from the base.
func (c *Client) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", path, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		abs := c.base.ResolveReference(ref)
		if !strings.EqualFold(abs.Scheme, c.base.Scheme) || !strings.EqualFold(abs.Host, c.base.Host) {
			return nil, fmt.Errorf("%w: %s", ErrForeignURL, abs.Host)
		}
		return abs, nil
	}
	u := c.base.JoinPath(strings.TrimLeft(ref.Path, "/"))
	u.RawQuery = ref.RawQuery
	return u, nil
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

// SearchOptions are the paging and filtering controls common to every search.
type SearchOptions struct {
	Count      int
	Since      *time.Time
	Include    []string
	RevInclude []string
	// Sort defaults to -_lastUpdated.
	Sort string
}

// ResultPage is one page of a searchset.
type ResultPage struct {
	ResourceType string
	Bundle       *fhir.Bundle
	// Entries holds the primary matches only.
	Entries []fhir.BundleEntry
	Total   *int
	NextURL string
}

// Search runs a type-level search scoped to the client's patient.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values, opts SearchOptions) (*ResultPage, error) {
	q := url.Values{}
	for k, vs := range params {
		q[k] = append([]string(nil), vs...)
	}
	if q.Get("patient") == "" && c.patientID != "" && resourceType != "Patient" {
		q.Set("patient", c.patientID)
	}
	if opts.Count > 0 {
		q.Set("_count", strconv.Itoa(opts.Count))
	}
	if opts.Since != nil && !opts.Since.IsZero() {
		q.Set("_since", opts.Since.UTC().Format(time.RFC3339))
	}
	sort := opts.Sort
	if sort == "" {
		sort = defaultSort
	}
	q.Set("_sort", sort)
	for _, inc := range opts.Include {
		q.Add("_include", inc)
	}
	for _, inc := range opts.RevInclude {
		q.Add("_revinclude", inc)
	}

	u := c.base.JoinPath(resourceType)
	u.RawQuery = q.Encode()
	body, err := c.call(ctx, http.MethodGet, u, resourceType)
	if err != nil {
		return nil, err
	}
	return newPage(resourceType, body)
}

// NextPage follows page's next link. It returns nil, nil on the last page.
func (c *Client) NextPage(ctx context.Context, page *ResultPage) (*ResultPage, error) {
	if page == nil || page.NextURL == "" {
		return nil, nil
	}
	u, err := c.resolve(page.NextURL)
	if err != nil {
		return nil, err
	}
	body, err := c.call(ctx, http.MethodGet, u, page.ResourceType)
	if err != nil {
		return nil, err
	}
	return newPage(page.ResourceType, body)
}

func newPage(resourceType string, body []byte) (*ResultPage, error) {
	b, err := fhir.DecodeBundle(body)
	if err != nil {
		return nil, fmt.Errorf("%s search: %w", resourceType, err)
	}
	return &ResultPage{
		ResourceType: resourceType,
		Bundle:       b,
		Entries:      b.MatchEntries(),
		Total:        b.Total,
		NextURL:      b.NextURL(),
	}, nil
}

// Read fetches a single resource by id.
func (c *Client) Read(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("read %s: id is required", resourceType)
	}
	u := c.base.JoinPath(resourceType, id)
	return c.call(ctx, http.MethodGet, u, resourceType)
}

// Capabilities fetches the server's CapabilityStatement.
func (c *Client) Capabilities(ctx context.Context) (*fhir.CapabilityStatement, error) {
	body, err := c.call(ctx, http.MethodGet, c.base.JoinPath("metadata"), "metadata")
	if err != nil {
		return nil, err
	}
	return fhir.DecodeCapabilityStatement(body)
}

// ---------------------------------------------------------------------------
// Typed queries
// ---------------------------------------------------------------------------

// ObservationQuery filters Observation searches.
type ObservationQuery struct {
	Category string
	Since    *time.Time
	Count    int
}

// MedicationQuery filters MedicationRequest searches.
type MedicationQuery struct {
	Status string
	Since  *time.Time
	Count  int
}

// GetPatientRecord reads the Patient resource of the client's patient.
func (c *Client) GetPatientRecord(ctx context.Context) (json.RawMessage, error) {
	if c.patientID == "" {
		return nil, ErrNoPatient
	}
	return c.Read(ctx, "Patient", c.patientID)
}

func (c *Client) GetObservations(ctx context.Context, q ObservationQuery) (*ResultPage, error) {
	params := url.Values{}
	if q.Category != "" {
		params.Set("category", q.Category)
	}
	return c.Search(ctx, "Observation", params, SearchOptions{Count: q.Count, Since: q.Since})
}

func (c *Client) GetMedications(ctx context.Context, q MedicationQuery) (*ResultPage, error) {
	params := url.Values{}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	return c.Search(ctx, "MedicationRequest", params, SearchOptions{Count: q.Count, Since: q.Since})
}

func (c *Client) GetAllergies(ctx context.Context, since *time.Time, count int) (*ResultPage, error) {
	return c.Search(ctx, "AllergyIntolerance", nil, SearchOptions{Count: count, Since: since})
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// resourceLabel picks the resource type out of a relative request path for
// metric labels.
func resourceLabel(path string) string {
	if strings.Contains(path, "://") {
		return "continuation"
	}
	p := strings.TrimLeft(path, "/")
	if i := strings.IndexAny(p, "/?"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "base"
	}
	return p
}

func observe(label, status string, start time.Time) {
	telemetry.FHIRRequestDuration.WithLabelValues(label, status).Observe(time.Since(start).Seconds())
}

func strconvStatus(code int) string { return strconv.Itoa(code) }

func outcomeSummary(body []byte) string {
	var oo fhir.OperationOutcome
	if err := json.Unmarshal(body, &oo); err != nil || oo.ResourceType != "OperationOutcome" {
		return ""
	}
	return oo.Summary()
}
