// Package fhirclient is an authenticated client for a remote FHIR R4 resource
// API, scoped to one provider link.
package fhirclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ehr/ehrlink/internal/platform/fhir"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "ehrlink/dev"
	// maxResponseBody bounds a single successful response read.
	maxResponseBody = 32 << 20
)

// TokenProvider supplies a currently valid bearer token for one link.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context) (string, error)

func (f TokenProviderFunc) AccessToken(ctx context.Context) (string, error) { return f(ctx) }

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithHTTPClient overrides the shared HTTP client.
func WithHTTPClient(c *http.Client) FactoryOption {
	return func(f *Factory) { f.httpClient = c }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) FactoryOption {
	return func(f *Factory) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithUserAgent sets the User-Agent header of outbound calls.
func WithUserAgent(ua string) FactoryOption {
	return func(f *Factory) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithRateLimit paces calls per remote host. rps <= 0 disables pacing.
func WithRateLimit(rps float64, burst int) FactoryOption {
	return func(f *Factory) {
		if rps <= 0 {
			f.limit = rate.Inf
		} else {
			f.limit = rate.Limit(rps)
		}
		if burst < 1 {
			burst = 1
		}
		f.burst = burst
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l zerolog.Logger) FactoryOption {
	return func(f *Factory) { f.logger = l }
}

// Factory builds per-link clients that share one HTTP client and one rate
// limiter per remote host.
type Factory struct {
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	limit      rate.Limit
	burst      int
	logger     zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFactory creates a Factory with sensible defaults.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
		userAgent:  defaultUserAgent,
		limit:      rate.Inf,
		burst:      1,
		logger:     zerolog.Nop(),
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// HTTPClient returns the shared outbound client. Token endpoint calls reuse it
// so they observe the same transport settings.
func (f *Factory) HTTPClient() *http.Client { return f.httpClient }

// Timeout returns the per-call timeout.
func (f *Factory) Timeout() time.Duration { return f.timeout }

func (f *Factory) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(f.limit, f.burst)
		f.limiters[host] = l
	}
	return l
}

// Client returns a client bound to baseURL and the link's patient. patientID
// may be empty for links that have not resolved an identity yet.
func (f *Factory) Client(baseURL, patientID string, tokens TokenProvider) (*Client, error) {
	base, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, errors.New("fhirclient: token provider is required")
	}
	return &Client{f: f, base: base, patientID: patientID, tokens: tokens}, nil
}

// Discover fetches the SMART configuration of a FHIR server. When the
// well-known document is missing it falls back to the oauth-uris extension of
// the CapabilityStatement.
func (f *Factory) Discover(ctx context.Context, baseURL string) (*fhir.SMARTConfiguration, error) {
	base, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}

	wellKnown := base.JoinPath(".well-known", "smart-configuration")
	body, err := f.fetchPublic(ctx, wellKnown, "application/json", "smart-configuration")
	if err == nil {
		var cfg fhir.SMARTConfiguration
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, fmt.Errorf("decode smart configuration: %w", err)
		}
		if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" {
			return nil, errors.New("smart configuration is missing authorization or token endpoint")
		}
		return &cfg, nil
	}
	if StatusCode(err) != http.StatusNotFound {
		return nil, err
	}

	body, err = f.fetchPublic(ctx, base.JoinPath("metadata"), "application/fhir+json", "metadata")
	if err != nil {
		return nil, err
	}
	cs, err := fhir.DecodeCapabilityStatement(body)
	if err != nil {
		return nil, err
	}
	authz, token := cs.OAuthURIs()
	if authz == "" || token == "" {
		return nil, errors.New("server advertises no oauth endpoints")
	}
	return &fhir.SMARTConfiguration{AuthorizationEndpoint: authz, TokenEndpoint: token}, nil
}

func (f *Factory) fetchPublic(ctx context.Context, u *url.URL, accept, label string) ([]byte, error) {
	return f.do(ctx, http.MethodGet, u, accept, "", label)
}

// do performs one paced, timed request. bearer may be empty.
func (f *Factory) do(ctx context.Context, method string, u *url.URL, accept, bearer, label string) ([]byte, error) {
	target := redactURL(u)
	if err := f.limiter(u.Host).Wait(ctx); err != nil {
		return nil, &NetworkError{Method: method, URL: target, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", f.userAgent)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		observe(label, "error", start)
		return nil, &NetworkError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()
	observe(label, strconvStatus(resp.StatusCode), start)

	f.logger.Debug().
		Str("method", method).
		Str("host", u.Host).
		Str("resource_type", label).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("fhir request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &RequestError{
			Method:  method,
			URL:     target,
			Status:  resp.StatusCode,
			Body:    string(raw),
			Outcome: outcomeSummary(raw),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &NetworkError{Method: method, URL: target, Err: err}
	}
	return body, nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(raw), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid fhir base url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid fhir base url %q: must be absolute http(s)", raw)
	}
	return u, nil
}

// redactURL drops the query string so patient identifiers stay out of errors
// and logs.
func redactURL(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	return c.String()
}
