// Package tokens guards every use of a provider link's OAuth token: it decides
// when a refresh is due, performs it once per link no matter how many callers
// race, and persists the result sealed.
package tokens

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// TokenSet is the decrypted token material of one link. It is only ever
// persisted sealed.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	PatientID    string    `json:"patient,omitempty"`
	EncounterID  string    `json:"encounter,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
}

// FromOAuth2 converts a token endpoint response received at now.
func FromOAuth2(tok *oauth2.Token, now time.Time) *TokenSet {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		IssuedAt:     now.UTC(),
	}
	if n, ok := extraInt(tok.Extra("expires_in")); ok && n > 0 {
		ts.ExpiresIn = n
	} else if !tok.Expiry.IsZero() {
		if d := tok.Expiry.Sub(now); d > 0 {
			ts.ExpiresIn = int64(d.Round(time.Second) / time.Second)
		}
	}
	ts.Scope, _ = tok.Extra("scope").(string)
	ts.PatientID, _ = tok.Extra("patient").(string)
	ts.EncounterID, _ = tok.Extra("encounter").(string)
	return ts
}

// Merge fills values the refresh response omitted from the previous set.
func (t *TokenSet) Merge(prev *TokenSet) {
	if prev == nil {
		return
	}
	if t.RefreshToken == "" {
		t.RefreshToken = prev.RefreshToken
	}
	if t.Scope == "" {
		t.Scope = prev.Scope
	}
	if t.PatientID == "" {
		t.PatientID = prev.PatientID
	}
	if t.EncounterID == "" {
		t.EncounterID = prev.EncounterID
	}
	if t.TokenType == "" {
		t.TokenType = prev.TokenType
	}
}

// ExpiresAt returns the absolute expiry, or nil when the server gave none.
func (t *TokenSet) ExpiresAt() *time.Time {
	if t.ExpiresIn <= 0 {
		return nil
	}
	at := t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
	return &at
}

// String never prints secrets.
func (t TokenSet) String() string {
	return fmt.Sprintf("TokenSet{type=%s, scope=%q, expires_in=%d, refresh=%t, access=[redacted]}",
		t.TokenType, t.Scope, t.ExpiresIn, t.RefreshToken != "")
}

// MarshalZerologObject logs only non-secret fields.
func (t TokenSet) MarshalZerologObject(e *zerolog.Event) {
	e.Str("token_type", t.TokenType).
		Str("scope", t.Scope).
		Int64("expires_in", t.ExpiresIn).
		Bool("has_refresh_token", t.RefreshToken != "").
		Time("issued_at", t.IssuedAt)
}

func extraInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}
