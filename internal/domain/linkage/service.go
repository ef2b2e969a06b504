package linkage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/ehr/ehrlink/internal/platform/audit"
	"github.com/ehr/ehrlink/internal/platform/fhirclient"
	"github.com/ehr/ehrlink/internal/platform/vault"
)

// TokenKeeper owns sealed token material on behalf of the linking flow.
type TokenKeeper interface {
	// SaveExchanged seals a freshly exchanged token and activates the link.
	SaveExchanged(ctx context.Context, link *LinkRecord, tok *oauth2.Token) error
	// RevocationToken returns the most durable token of a link for an RFC 7009
	// revocation call, with its token_type_hint.
	RevocationToken(link *LinkRecord) (token, hint string, err error)
}

// EntryDeleter removes a link's timeline entries.
type EntryDeleter interface {
	DeleteByLink(ctx context.Context, linkID uuid.UUID) (int, error)
}

// TxRunner runs fn inside one transaction.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxFunc adapts a function to TxRunner.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func (f TxFunc) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error { return f(ctx, fn) }

// NoTx runs fn directly, for in-memory stores.
var NoTx TxRunner = TxFunc(func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) })

// Authorization is what BeginLink hands back to the app: where to send the
// user, and the state that will come back on the callback.
type Authorization struct {
	URL    string    `json:"authorization_url"`
	State  string    `json:"state"`
	LinkID uuid.UUID `json:"link_id"`
}

// Service implements the linking flow and link management.
type Service struct {
	repo     LinkRepository
	sessions SessionStore
	vault    *vault.Vault
	fhir     *fhirclient.Factory
	tokens   TokenKeeper
	entries  EntryDeleter
	tx       TxRunner
	audit    audit.Recorder
	client   ClientConfig
	logger   zerolog.Logger
	now      func() time.Time
}

// Deps bundles the collaborators of a Service.
type Deps struct {
	Repo     LinkRepository
	Sessions SessionStore
	Vault    *vault.Vault
	FHIR     *fhirclient.Factory
	Tokens   TokenKeeper
	Entries  EntryDeleter
	Tx       TxRunner
	Audit    audit.Recorder
	Client   ClientConfig
	Logger   zerolog.Logger
}

func NewService(d Deps) *Service {
	s := &Service{
		repo:     d.Repo,
		sessions: d.Sessions,
		vault:    d.Vault,
		fhir:     d.FHIR,
		tokens:   d.Tokens,
		entries:  d.Entries,
		tx:       d.Tx,
		audit:    d.Audit,
		client:   d.Client,
		logger:   d.Logger.With().Str("component", "linkage").Logger(),
		now:      time.Now,
	}
	if s.tx == nil {
		s.tx = NoTx
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	return s
}

// Discover fetches an organization's authorization endpoints.
func (s *Service) Discover(ctx context.Context, fhirBaseURL string) (Discovery, error) {
	cfg, err := s.fhir.Discover(ctx, fhirBaseURL)
	if err != nil {
		return Discovery{}, fmt.Errorf("discover %s: %w", fhirBaseURL, err)
	}
	if !cfg.SupportsS256() {
		return Discovery{}, ErrUnsupportedServer
	}
	return DiscoveryFrom(cfg), nil
}

// BeginLink starts the authorization-code + PKCE flow for userID at org.
func (s *Service) BeginLink(ctx context.Context, userID string, org OrganizationRef) (*Authorization, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	if org.ID == "" || org.FHIRBaseURL == "" {
		return nil, errors.New("organization_id and fhir_base_url are required")
	}
	if org.Name == "" {
		org.Name = org.ID
	}
	base := strings.TrimRight(org.FHIRBaseURL, "/")

	disc, err := s.Discover(ctx, base)
	if err != nil {
		return nil, err
	}

	link, err := s.pendingLink(ctx, userID, org, base, disc)
	if err != nil {
		return nil, err
	}

	pkce, err := s.vault.GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := s.vault.GenerateState()
	if err != nil {
		return nil, err
	}
	sealed, err := s.vault.Encrypt([]byte(pkce.Verifier))
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Save(ctx, &AuthSession{
		State:     state,
		LinkID:    link.ID,
		UserID:    userID,
		Verifier:  sealed,
		CreatedAt: s.now(),
	}); err != nil {
		return nil, err
	}

	authURL := s.client.OAuth2(disc).AuthCodeURL(state,
		oauth2.SetAuthURLParam("aud", base),
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pkce.Method),
	)

	s.logger.Info().
		Str("link_id", link.ID.String()).
		Str("organization_id", org.ID).
		Msg("authorization started")

	return &Authorization{URL: authURL, State: state, LinkID: link.ID}, nil
}

// pendingLink returns the link row an authorization attempt will complete,
// creating it if needed. A revoked link is terminal, so it is replaced.
func (s *Service) pendingLink(ctx context.Context, userID string, org OrganizationRef, base string, disc Discovery) (*LinkRecord, error) {
	existing, err := s.repo.GetByUserAndOrganization(ctx, userID, org.ID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	case existing.Status == StatusActive:
		return nil, ErrAlreadyLinked
	case existing.Status == StatusRevoked:
		if err := s.deleteLink(ctx, existing); err != nil {
			return nil, err
		}
	default:
		if err := s.repo.UpdateConnection(ctx, existing.ID, org.Name, base, disc); err != nil {
			return nil, err
		}
		existing.OrganizationName, existing.FHIRBaseURL, existing.Discovery = org.Name, base, disc
		return existing, nil
	}

	link := &LinkRecord{
		UserID:           userID,
		OrganizationID:   org.ID,
		OrganizationName: org.Name,
		Discovery:        disc,
		FHIRBaseURL:      base,
		Status:           StatusPending,
	}
	if err := s.repo.Create(ctx, link); err != nil {
		return nil, err
	}
	return link, nil
}

// CompleteLink finishes the flow started by BeginLink: it consumes the state,
// exchanges the code and activates the link.
func (s *Service) CompleteLink(ctx context.Context, state, code string) (*LinkRecord, error) {
	sess, err := s.sessions.Consume(ctx, state)
	if err != nil {
		return nil, err
	}
	link, err := s.repo.GetByID(ctx, sess.LinkID)
	if err != nil {
		return nil, err
	}
	if link.Status == StatusRevoked {
		return nil, ErrRevoked
	}

	verifier, err := s.vault.Decrypt(sess.Verifier)
	if err != nil {
		return nil, s.failExchange(ctx, link, &ExchangeError{Err: err})
	}

	exCtx := context.WithValue(ctx, oauth2.HTTPClient, s.fhir.HTTPClient())
	exCtx, cancel := context.WithTimeout(exCtx, s.fhir.Timeout())
	tok, err := s.client.OAuth2(link.Discovery).Exchange(exCtx, code, oauth2.VerifierOption(string(verifier)))
	cancel()
	if err != nil {
		return nil, s.failExchange(ctx, link, exchangeError(err))
	}

	if err := s.tokens.SaveExchanged(ctx, link, tok); err != nil {
		return nil, s.failExchange(ctx, link, &ExchangeError{Err: err})
	}
	s.audit.Record(ctx, &link.ID, link.UserID, audit.ActionTokenExchange, audit.Outcome{
		Success:  true,
		Metadata: map[string]any{"scope": tok.Extra("scope")},
	})

	if patient := PatientFromToken(tok); patient != "" {
		ids := []PatientIdentity{{ExternalID: patient, HashedID: s.vault.HashIdentifier(link.OrganizationID + "|" + patient)}}
		if err := s.repo.UpdatePatientIdentities(ctx, link.ID, ids); err != nil {
			return nil, err
		}
	} else {
		s.logger.Warn().Str("link_id", link.ID.String()).Msg("token response carried no patient context")
	}

	s.refreshCapabilities(ctx, link, tok.AccessToken)

	s.audit.Record(ctx, &link.ID, link.UserID, audit.ActionLinkCreated, audit.Outcome{
		Success:  true,
		Metadata: map[string]any{"organization_id": link.OrganizationID},
	})
	s.logger.Info().
		Str("link_id", link.ID.String()).
		Str("organization_id", link.OrganizationID).
		Msg("link activated")

	return s.repo.GetByID(ctx, link.ID)
}

// AbortLink handles a callback that carries an OAuth error instead of a code,
// such as a user declining consent.
func (s *Service) AbortLink(ctx context.Context, state, reason string) error {
	sess, err := s.sessions.Consume(ctx, state)
	if err != nil {
		return err
	}
	link, err := s.repo.GetByID(ctx, sess.LinkID)
	if err != nil {
		return err
	}
	return s.failExchange(ctx, link, &ExchangeError{Code: reason, Err: errors.New("authorization denied")})
}

func (s *Service) failExchange(ctx context.Context, link *LinkRecord, exErr *ExchangeError) error {
	s.audit.Record(ctx, &link.ID, link.UserID, audit.ActionTokenExchange, audit.Outcome{Err: exErr})
	s.logger.Warn().Err(exErr).Str("link_id", link.ID.String()).Msg("token exchange failed")

	// An already active link keeps its working token.
	if link.Status != StatusActive && CanTransition(link.Status, StatusError) {
		if err := s.setStatus(ctx, link, StatusError, exErr.Error()); err != nil {
			s.logger.Error().Err(err).Str("link_id", link.ID.String()).Msg("failed to mark link as error")
		}
	}
	return exErr
}

// refreshCapabilities derives capability flags from the CapabilityStatement.
// Failure leaves the link usable with unknown capabilities.
func (s *Service) refreshCapabilities(ctx context.Context, link *LinkRecord, accessToken string) {
	client, err := s.fhir.Client(link.FHIRBaseURL, "", fhirclient.TokenProviderFunc(func(context.Context) (string, error) {
		return accessToken, nil
	}))
	if err == nil {
		var types []string
		cs, cerr := client.Capabilities(ctx)
		if cerr == nil {
			types = cs.SearchableTypes()
			err = s.repo.UpdateCapabilities(ctx, link.ID, CapabilitiesFor(types), types)
		} else {
			err = cerr
		}
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("link_id", link.ID.String()).Msg("capability discovery failed")
	}
}

// setStatus moves a link to status after validating the transition, and
// audits the change.
func (s *Service) setStatus(ctx context.Context, link *LinkRecord, to Status, detail string) error {
	if !CanTransition(link.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, link.Status, to)
	}
	if err := s.repo.UpdateStatus(ctx, link.ID, to, detail); err != nil {
		return err
	}
	s.audit.Record(ctx, &link.ID, link.UserID, audit.ActionLinkStatusChanged, audit.Outcome{
		Success:  true,
		Metadata: map[string]any{"from": string(link.Status), "to": string(to)},
	})
	link.Status, link.StatusDetail = to, detail
	return nil
}

// Revoke scrubs a link's tokens and marks it revoked. The remote token is
// revoked best-effort when the organization advertises an endpoint.
func (s *Service) Revoke(ctx context.Context, userID string, id uuid.UUID) error {
	link, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if link.Status == StatusRevoked {
		return nil
	}

	if link.Discovery.RevocationEndpoint != "" && link.HasToken() && s.tokens != nil {
		if token, hint, err := s.tokens.RevocationToken(link); err == nil {
			if err := revokeToken(ctx, s.fhir.HTTPClient(), link.Discovery.RevocationEndpoint, s.client, token, hint); err != nil {
				s.logger.Warn().Err(err).Str("link_id", link.ID.String()).Msg("remote token revocation failed")
			}
		}
	}

	err = s.repo.Revoke(ctx, link.ID)
	s.audit.Record(ctx, &link.ID, userID, audit.ActionLinkRevoked, audit.Outcome{Success: err == nil, Err: err})
	return err
}

// Delete removes a link and its timeline entries in one transaction. Audit
// entries are kept.
func (s *Service) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	link, err := s.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	return s.deleteLink(ctx, link)
}

func (s *Service) deleteLink(ctx context.Context, link *LinkRecord) error {
	removed := 0
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if s.entries != nil {
			n, err := s.entries.DeleteByLink(ctx, link.ID)
			if err != nil {
				return fmt.Errorf("delete timeline entries: %w", err)
			}
			removed = n
		}
		return s.repo.Delete(ctx, link.ID)
	})
	s.audit.Record(ctx, &link.ID, link.UserID, audit.ActionLinkDeleted, audit.Outcome{
		Success:  err == nil,
		Err:      err,
		Metadata: map[string]any{"entries_removed": removed, "organization_id": link.OrganizationID},
	})
	return err
}

// Get returns a link owned by userID. Links of other users are reported as
// not found.
func (s *Service) Get(ctx context.Context, userID string, id uuid.UUID) (*LinkRecord, error) {
	link, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if link.UserID != userID {
		return nil, ErrNotFound
	}
	return link, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]*LinkRecord, error) {
	return s.repo.ListByUser(ctx, userID)
}
