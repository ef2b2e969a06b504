package linkage

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("link not found")
	// ErrRevoked is returned for any use of a revoked link.
	ErrRevoked = errors.New("link revoked")
	// ErrTokenExchange matches every *ExchangeError.
	ErrTokenExchange = errors.New("token exchange failed")
	// ErrInvalidState is returned when a callback carries an unknown, expired
	// or already used state.
	ErrInvalidState = errors.New("invalid or expired authorization state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyLinked     = errors.New("organization already linked")
	ErrUnsupportedServer = errors.New("authorization server does not support S256 PKCE")
)

// ExchangeError is a failed authorization-code exchange.
type ExchangeError struct {
	// Code is the OAuth error code returned by the token endpoint, if any.
	Code string
	Err  error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("token exchange: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("token exchange: %v", e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

func (e *ExchangeError) Is(target error) bool { return target == ErrTokenExchange }
