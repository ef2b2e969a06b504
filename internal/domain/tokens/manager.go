package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/ehrlink/internal/domain/linkage"
	"github.com/ehr/ehrlink/internal/platform/audit"
	"github.com/ehr/ehrlink/internal/platform/fhirclient"
	"github.com/ehr/ehrlink/internal/platform/lease"
	"github.com/ehr/ehrlink/internal/platform/telemetry"
	"github.com/ehr/ehrlink/internal/platform/vault"
)

const (
	defaultLeaseTTL       = 30 * time.Second
	defaultRefreshTimeout = 30 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSkew refreshes tokens this long before they expire.
func WithSkew(d time.Duration) Option {
	return func(m *Manager) { m.skew = d }
}

// WithLocker sets the cross-process refresh lease.
func WithLocker(l lease.Locker, ttl time.Duration) Option {
	return func(m *Manager) {
		m.locker = l
		if ttl > 0 {
			m.leaseTTL = ttl
		}
	}
}

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithRefreshTimeout bounds one refresh, lease wait included.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

func WithAudit(r audit.Recorder) Option {
	return func(m *Manager) { m.audit = r }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l.With().Str("component", "tokens").Logger() }
}

// Manager hands out valid access tokens for provider links.
type Manager struct {
	repo           linkage.LinkRepository
	vault          *vault.Vault
	client         linkage.ClientConfig
	httpClient     *http.Client
	locker         lease.Locker
	leaseTTL       time.Duration
	refreshTimeout time.Duration
	skew           time.Duration
	now            func() time.Time
	audit          audit.Recorder
	logger         zerolog.Logger

	flights singleflight.Group
}

func NewManager(repo linkage.LinkRepository, v *vault.Vault, client linkage.ClientConfig, opts ...Option) *Manager {
	m := &Manager{
		repo:           repo,
		vault:          v,
		client:         client,
		httpClient:     http.DefaultClient,
		locker:         lease.NewLocalLocker(),
		leaseTTL:       defaultLeaseTTL,
		refreshTimeout: defaultRefreshTimeout,
		now:            time.Now,
		audit:          audit.Nop{},
		logger:         zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// GetValidToken returns a usable token for link, refreshing it first when it
// is expired or about to expire. Links in error status fail fast with
// ErrReauthRequired; RetryRefresh is the explicit recovery path.
func (m *Manager) GetValidToken(ctx context.Context, link *linkage.LinkRecord) (*TokenSet, error) {
	ts, _, err := m.validToken(ctx, link)
	return ts, err
}

// RetryRefresh attempts a refresh for a link in error or expired status.
func (m *Manager) RetryRefresh(ctx context.Context, link *linkage.LinkRecord) (*TokenSet, error) {
	if err := gate(link, true); err != nil {
		return nil, err
	}
	ts, _, err := m.refresh(ctx, link, true)
	return ts, err
}

// Provider adapts the manager to a fhirclient.TokenProvider for one link. The
// provider tracks the latest stored record so refreshed tokens are reused.
func (m *Manager) Provider(link *linkage.LinkRecord) fhirclient.TokenProvider {
	var mu sync.Mutex
	current := link
	return fhirclient.TokenProviderFunc(func(ctx context.Context) (string, error) {
		mu.Lock()
		l := current
		mu.Unlock()

		ts, updated, err := m.validToken(ctx, l)
		if err != nil {
			return "", err
		}
		mu.Lock()
		current = updated
		mu.Unlock()
		return ts.AccessToken, nil
	})
}

func (m *Manager) validToken(ctx context.Context, link *linkage.LinkRecord) (*TokenSet, *linkage.LinkRecord, error) {
	if err := gate(link, false); err != nil {
		return nil, nil, err
	}
	if m.fresh(link) {
		ts, err := m.open(ctx, link)
		if err != nil {
			return nil, nil, err
		}
		return ts, link, nil
	}
	return m.refresh(ctx, link, false)
}

// gate refuses links whose status forbids token use.
func gate(link *linkage.LinkRecord, allowError bool) error {
	switch link.Status {
	case linkage.StatusRevoked:
		return linkage.ErrRevoked
	case linkage.StatusPending:
		return ErrNotLinked
	case linkage.StatusError:
		if !allowError {
			return fmt.Errorf("%w: %s", ErrReauthRequired, link.StatusDetail)
		}
	}
	return nil
}

// fresh reports whether the stored token can be used without a refresh. A
// token without a known expiry is used until the server rejects it.
func (m *Manager) fresh(link *linkage.LinkRecord) bool {
	if link.Status != linkage.StatusActive || !link.HasToken() {
		return false
	}
	if link.TokenExpiresAt == nil {
		return true
	}
	return link.TokenExpiresAt.Add(-m.skew).After(m.now())
}

// open decrypts a link's token. An unreadable blob moves the link to error.
func (m *Manager) open(ctx context.Context, link *linkage.LinkRecord) (*TokenSet, error) {
	var ts TokenSet
	if err := m.vault.OpenJSON(link.Token, &ts); err != nil {
		telemetry.TokenRefreshes.WithLabelValues("decrypt_failed").Inc()
		m.logger.Error().Err(err).Str("link_id", link.ID.String()).Msg("stored token could not be decrypted")
		if linkage.CanTransition(link.Status, linkage.StatusError) {
			if uerr := m.repo.UpdateStatus(ctx, link.ID, linkage.StatusError, "stored token could not be decrypted"); uerr != nil {
				m.logger.Error().Err(uerr).Str("link_id", link.ID.String()).Msg("failed to mark link as error")
			}
		}
		m.audit.Record(ctx, &link.ID, link.UserID, audit.ActionTokenRefresh, audit.Outcome{
			Err:      err,
			Metadata: map[string]any{"stage": "decrypt"},
		})
		return nil, fmt.Errorf("%w: %w", ErrReauthRequired, err)
	}
	return &ts, nil
}

type flightResult struct {
	ts   *TokenSet
	link *linkage.LinkRecord
}

// refresh runs at most one refresh per link at a time. The flight is detached
// from the first caller's cancellation so a refresh that reached the token
// endpoint is always persisted; each caller still stops waiting when its own
// context ends.
func (m *Manager) refresh(ctx context.Context, link *linkage.LinkRecord, allowError bool) (*TokenSet, *linkage.LinkRecord, error) {
	key := link.ID.String()
	if allowError {
		key = "retry:" + key
	}
	ch := m.flights.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshTimeout)
		defer cancel()
		return m.refreshLocked(fctx, link, allowError)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, nil, res.Err
		}
		fr := res.Val.(flightResult)
		return fr.ts, fr.link, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (m *Manager) refreshLocked(ctx context.Context, link *linkage.LinkRecord, allowError bool) (flightResult, error) {
	release, err := m.locker.Acquire(ctx, "refresh:"+link.ID.String(), m.leaseTTL)
	if err != nil {
		return flightResult{}, fmt.Errorf("refresh lease for link %s: %w", link.ID, err)
	}
	defer release()

	// Another caller or process may have refreshed while we waited.
	current, err := m.repo.GetByID(ctx, link.ID)
	if err != nil {
		return flightResult{}, err
	}
	if err := gate(current, allowError); err != nil {
		return flightResult{}, err
	}
	if m.fresh(current) {
		ts, err := m.open(ctx, current)
		if err != nil {
			return flightResult{}, err
		}
		return flightResult{ts: ts, link: current}, nil
	}
	return m.doRefresh(ctx, current)
}

func (m *Manager) doRefresh(ctx context.Context, link *linkage.LinkRecord) (flightResult, error) {
	prev, err := m.open(ctx, link)
	if err != nil {
		return flightResult{}, err
	}
	if prev.RefreshToken == "" {
		return flightResult{}, m.fail(ctx, link, &RefreshError{
			LinkID: link.ID,
			Status: linkage.StatusExpired,
			Reason: "no refresh token",
		}, "no_refresh_token")
	}

	cfg := m.client.OAuth2(link.Discovery)
	src := cfg.TokenSource(context.WithValue(ctx, oauth2.HTTPClient, m.httpClient), &oauth2.Token{
		RefreshToken: prev.RefreshToken,
	})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return flightResult{}, m.fail(ctx, link, &RefreshError{
				LinkID: link.ID,
				Status: linkage.StatusError,
				Reason: "rejected by token endpoint",
				Err:    err,
			}, "rejected")
		}
		return flightResult{}, m.fail(ctx, link, &RefreshError{
			LinkID:  link.ID,
			Status:  linkage.StatusExpired,
			Reason:  "token endpoint unreachable",
			Network: true,
			Err:     err,
		}, "network")
	}

	ts := FromOAuth2(tok, m.now())
	ts.Merge(prev)
	sealed, err := m.vault.SealJSON(ts)
	if err != nil {
		return flightResult{}, err
	}
	expiresAt := ts.ExpiresAt()
	if err := m.repo.UpdateToken(ctx, link.ID, sealed, expiresAt, ts.Scope, linkage.StatusActive); err != nil {
		return flightResult{}, fmt.Errorf("persist refreshed token: %w", err)
	}

	telemetry.TokenRefreshes.WithLabelValues("success").Inc()
	m.audit.Record(ctx, &link.ID, link.UserID, audit.ActionTokenRefresh, audit.Outcome{
		Success:  true,
		Metadata: map[string]any{"previous_status": string(link.Status)},
	})
	m.logger.Info().
		Str("link_id", link.ID.String()).
		Object("token", ts).
		Msg("token refreshed")

	updated := link.Clone()
	updated.Token = sealed
	updated.TokenExpiresAt = expiresAt
	updated.GrantedScope = ts.Scope
	updated.Status = linkage.StatusActive
	updated.StatusDetail = ""
	return flightResult{ts: ts, link: updated}, nil
}

// fail records a failed refresh and moves the link to the status it implies,
// when the state machine allows it.
func (m *Manager) fail(ctx context.Context, link *linkage.LinkRecord, rerr *RefreshError, outcome string) error {
	telemetry.TokenRefreshes.WithLabelValues(outcome).Inc()
	m.logger.Warn().Err(rerr).Str("link_id", link.ID.String()).Msg("token refresh failed")

	if link.Status != rerr.Status && linkage.CanTransition(link.Status, rerr.Status) {
		if err := m.repo.UpdateStatus(ctx, link.ID, rerr.Status, rerr.Error()); err != nil {
			m.logger.Error().Err(err).Str("link_id", link.ID.String()).Msg("failed to update link status")
		} else {
			m.audit.Record(ctx, &link.ID, link.UserID, audit.ActionLinkStatusChanged, audit.Outcome{
				Success:  true,
				Metadata: map[string]any{"from": string(link.Status), "to": string(rerr.Status)},
			})
		}
	}
	m.audit.Record(ctx, &link.ID, link.UserID, audit.ActionTokenRefresh, audit.Outcome{Err: rerr})
	return rerr
}

// SaveExchanged seals the token of a completed authorization and activates
// the link.
func (m *Manager) SaveExchanged(ctx context.Context, link *linkage.LinkRecord, tok *oauth2.Token) error {
	if !linkage.CanTransition(link.Status, linkage.StatusActive) {
		return fmt.Errorf("%w: %s -> %s", linkage.ErrInvalidTransition, link.Status, linkage.StatusActive)
	}
	ts := FromOAuth2(tok, m.now())
	if ts.AccessToken == "" {
		return errors.New("token response has no access token")
	}
	sealed, err := m.vault.SealJSON(ts)
	if err != nil {
		return err
	}
	return m.repo.UpdateToken(ctx, link.ID, sealed, ts.ExpiresAt(), ts.Scope, linkage.StatusActive)
}

// RevocationToken returns the refresh token when there is one, else the
// access token.
func (m *Manager) RevocationToken(link *linkage.LinkRecord) (string, string, error) {
	var ts TokenSet
	if err := m.vault.OpenJSON(link.Token, &ts); err != nil {
		return "", "", err
	}
	if ts.RefreshToken != "" {
		return ts.RefreshToken, "refresh_token", nil
	}
	return ts.AccessToken, "access_token", nil
}
