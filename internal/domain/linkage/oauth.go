package linkage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/ehr/ehrlink/internal/platform/fhir"
)

// ClientConfig is the process-wide OAuth client registration.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// OAuth2 builds the oauth2 configuration for one organization's endpoints.
// Public clients send their id in the form body; confidential clients use
// HTTP basic auth.
func (c ClientConfig) OAuth2(d Discovery) *oauth2.Config {
	style := oauth2.AuthStyleInHeader
	if c.ClientSecret == "" {
		style = oauth2.AuthStyleInParams
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   d.AuthorizationEndpoint,
			TokenURL:  d.TokenEndpoint,
			AuthStyle: style,
		},
	}
}

// DiscoveryFrom copies the endpoints of a SMART configuration document.
func DiscoveryFrom(cfg *fhir.SMARTConfiguration) Discovery {
	return Discovery{
		AuthorizationEndpoint:         cfg.AuthorizationEndpoint,
		TokenEndpoint:                 cfg.TokenEndpoint,
		RevocationEndpoint:            cfg.RevocationEndpoint,
		ScopesSupported:               cfg.ScopesSupported,
		GrantTypesSupported:           cfg.GrantTypesSupported,
		CodeChallengeMethodsSupported: cfg.CodeChallengeMethodsSupported,
	}
}

// PatientFromToken extracts the launch patient from a token response: the
// "patient" parameter when present, else the fhirUser or sub claim of the
// id_token. The id_token signature is not verified; it arrived over TLS
// directly from the token endpoint.
func PatientFromToken(tok *oauth2.Token) string {
	if p, ok := tok.Extra("patient").(string); ok && p != "" {
		return p
	}
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	if fu, ok := claims["fhirUser"].(string); ok {
		if id := patientRef(fu); id != "" {
			return id
		}
	}
	if sub, ok := claims["sub"].(string); ok {
		return sub
	}
	return ""
}

// patientRef returns the id of a Patient reference, absolute or relative.
func patientRef(ref string) string {
	parts := strings.Split(strings.TrimRight(ref, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-2] != "Patient" {
		return ""
	}
	return parts[len(parts)-1]
}

// exchangeError wraps a failed code exchange, keeping the OAuth error code.
func exchangeError(err error) *ExchangeError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return &ExchangeError{Code: re.ErrorCode, Err: err}
	}
	return &ExchangeError{Err: err}
}

// revokeToken calls an RFC 7009 revocation endpoint.
func revokeToken(ctx context.Context, client *http.Client, endpoint string, cc ClientConfig, token, hint string) error {
	form := url.Values{"token": {token}}
	if hint != "" {
		form.Set("token_type_hint", hint)
	}
	if cc.ClientSecret == "" {
		form.Set("client_id", cc.ClientID)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cc.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(cc.ClientID), url.QueryEscape(cc.ClientSecret))
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revocation endpoint returned %d", resp.StatusCode)
	}
	return nil
}
