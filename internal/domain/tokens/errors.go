package tokens

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/ehrlink/internal/domain/linkage"
	"github.com/ehr/ehrlink/internal/platform/fhirclient"
)

var (
	// ErrTokenRefresh matches every *RefreshError.
	ErrTokenRefresh = errors.New("token refresh failed")
	// ErrReauthRequired means the user has to link the organization again.
	ErrReauthRequired = errors.New("re-authorization required")
	// ErrNotLinked is returned for links that never completed authorization.
	ErrNotLinked = errors.New("link has not completed authorization")
)

// RefreshError is a failed refresh. Status is the link status it caused.
type RefreshError struct {
	LinkID uuid.UUID
	Status linkage.Status
	Reason string
	// Network marks transport failures, which are retryable and do not
	// require the user to re-authorize.
	Network bool
	Err     error
}

func (e *RefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("refresh token for link %s: %s: %v", e.LinkID, e.Reason, e.Err)
	}
	return fmt.Sprintf("refresh token for link %s: %s", e.LinkID, e.Reason)
}

func (e *RefreshError) Unwrap() error { return e.Err }

func (e *RefreshError) Is(target error) bool {
	switch target {
	case ErrTokenRefresh:
		return true
	case ErrReauthRequired:
		return !e.Network
	case fhirclient.ErrNetwork:
		return e.Network
	}
	return false
}
