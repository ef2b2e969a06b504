// Package vault seals long-lived provider credentials at rest and generates
// the one-time secrets used by the authorization redirect (PKCE, state).
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/oauth2"
)

// KeySize is the required AES-256 key length in bytes.
const KeySize = 32

const (
	ivSize  = 12
	tagSize = 16
)

// Sealed is an AES-256-GCM ciphertext split into its parts. All three are
// needed to open it.
type Sealed struct {
	CipherText []byte `json:"cipher_text"`
	IV         []byte `json:"iv"`
	AuthTag    []byte `json:"auth_tag"`
}

// IsZero reports whether no sealed material is present.
func (s Sealed) IsZero() bool {
	return len(s.CipherText) == 0 && len(s.IV) == 0 && len(s.AuthTag) == 0
}

// Clone returns a copy that shares no backing arrays with s.
func (s Sealed) Clone() Sealed {
	return Sealed{
		CipherText: append([]byte(nil), s.CipherText...),
		IV:         append([]byte(nil), s.IV...),
		AuthTag:    append([]byte(nil), s.AuthTag...),
	}
}

// PKCE is a code verifier / challenge pair for the authorization-code flow.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// Vault provides authenticated encryption for secrets at rest. It is built
// once at process start from the configured key and passed to the components
// that need it.
type Vault struct {
	aead    cipher.AEAD
	hashKey []byte
	rand    io.Reader
}

// New creates a Vault from a 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("encryption key must be %d bytes, got %d", KeySize, len(key))}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &ConfigurationError{Reason: "create cipher", Err: err}
	}

	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, &ConfigurationError{Reason: "create GCM", Err: err}
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("ehrlink/patient-identity"))

	return &Vault{aead: aead, hashKey: mac.Sum(nil), rand: rand.Reader}, nil
}

// NewFromHex parses a 64-character hex key and creates a Vault.
func NewFromHex(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, &ConfigurationError{Reason: "encryption key is not valid hex", Err: err}
	}
	return New(key)
}

// Encrypt seals plaintext under a freshly generated IV.
func (v *Vault) Encrypt(plaintext []byte) (Sealed, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(v.rand, iv); err != nil {
		return Sealed{}, fmt.Errorf("vault encrypt: generate iv: %w", err)
	}

	out := v.aead.Seal(nil, iv, plaintext, nil)
	split := len(out) - tagSize

	return Sealed{
		CipherText: out[:split],
		IV:         iv,
		AuthTag:    out[split:],
	}, nil
}

// Decrypt opens a Sealed value. Any modification of the ciphertext, tag or IV
// yields a *DecryptionError and no plaintext.
func (v *Vault) Decrypt(s Sealed) ([]byte, error) {
	if len(s.IV) != ivSize {
		return nil, &DecryptionError{Reason: fmt.Sprintf("iv must be %d bytes, got %d", ivSize, len(s.IV))}
	}
	if len(s.AuthTag) != tagSize {
		return nil, &DecryptionError{Reason: fmt.Sprintf("auth tag must be %d bytes, got %d", tagSize, len(s.AuthTag))}
	}

	buf := make([]byte, 0, len(s.CipherText)+tagSize)
	buf = append(buf, s.CipherText...)
	buf = append(buf, s.AuthTag...)

	plaintext, err := v.aead.Open(nil, s.IV, buf, nil)
	if err != nil {
		return nil, &DecryptionError{Reason: "message authentication failed", Err: err}
	}
	return plaintext, nil
}

// SealJSON marshals v and seals the result.
func (v *Vault) SealJSON(value any) (Sealed, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Sealed{}, fmt.Errorf("vault seal: marshal: %w", err)
	}
	return v.Encrypt(data)
}

// OpenJSON decrypts s and unmarshals the plaintext into dst.
func (v *Vault) OpenJSON(s Sealed, dst any) error {
	data, err := v.Decrypt(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &DecryptionError{Reason: "decoded payload is not valid JSON", Err: err}
	}
	return nil
}

// GeneratePKCE returns a new S256 verifier/challenge pair. The verifier is
// 32 random bytes, base64url encoded.
func (v *Vault) GeneratePKCE() (PKCE, error) {
	verifier, err := v.randomToken(32)
	if err != nil {
		return PKCE{}, fmt.Errorf("vault pkce: %w", err)
	}
	return PKCE{
		Verifier:  verifier,
		Challenge: oauth2.S256ChallengeFromVerifier(verifier),
		Method:    "S256",
	}, nil
}

// GenerateState returns an unguessable value for the authorization redirect.
func (v *Vault) GenerateState() (string, error) {
	state, err := v.randomToken(32)
	if err != nil {
		return "", fmt.Errorf("vault state: %w", err)
	}
	return state, nil
}

// HashIdentifier returns a keyed, non-reversible form of an external patient
// identifier, suitable for indexing without storing the identifier in clear.
func (v *Vault) HashIdentifier(value string) string {
	mac := hmac.New(sha256.New, v.hashKey)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *Vault) randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(v.rand, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
