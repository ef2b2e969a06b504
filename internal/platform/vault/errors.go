package vault

import "errors"

var (
	// ErrConfiguration matches any *ConfigurationError.
	ErrConfiguration = errors.New("vault: invalid configuration")
	// ErrDecryption matches any *DecryptionError.
	ErrDecryption = errors.New("vault: decryption failed")
)

// ConfigurationError reports unusable key material. It is fatal at startup.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return "vault: " + e.Reason + ": " + e.Err.Error()
	}
	return "vault: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// DecryptionError reports a sealed value that could not be authenticated.
// The stored credential must be treated as unusable.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	return "vault: decrypt: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }
