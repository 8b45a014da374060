// Package secrets implements the key derivation and challenge-response
// primitives behind connection authentication. File handling and policy live
// in the auth package; this package is pure crypto.
package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	// credentialVersion allows us to evolve the credential format while
	// remaining backward compatible.
	credentialVersion = 1

	saltSize  = 16
	nonceSize = 32

	// Scrypt parameters, published through the credential endpoint so
	// clients derive the same proof key.
	ScryptN = 1 << 15 // 32768
	ScryptR = 8
	ScryptP = 1
	KeySize = 32

	// FingerprintSize is the number of key bytes exposed as the public
	// fingerprint.
	FingerprintSize = 8
)

var (
	// ErrInvalidCredential indicates the credential structure is malformed.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrInvalidProof is returned when a challenge response does not match
	// the expected proof.
	ErrInvalidProof = errors.New("invalid proof")
)

// Credential is the shared secret material persisted to disk. Secret is the
// operator-chosen passphrase; Salt feeds key derivation so equal passphrases
// on different installs yield different keys.
type Credential struct {
	Version int    `json:"version"`
	Secret  string `json:"secret"`
	Salt    string `json:"salt"`
}

// NewCredential wraps a passphrase with a fresh random salt.
func NewCredential(secret string) (*Credential, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return &Credential{
		Version: credentialVersion,
		Secret:  secret,
		Salt:    base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// DeriveKey stretches the credential into the symmetric proof key.
func (c *Credential) DeriveKey() ([]byte, error) {
	if c == nil || c.Secret == "" {
		return nil, ErrInvalidCredential
	}
	salt, err := base64.StdEncoding.DecodeString(c.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: decode salt: %v", ErrInvalidCredential, err)
	}
	return DeriveKey(c.Secret, salt)
}

// EncodeCredential serializes the credential as JSON bytes.
func EncodeCredential(c *Credential) ([]byte, error) {
	if c == nil {
		return nil, ErrInvalidCredential
	}
	return json.MarshalIndent(c, "", "  ")
}

// DecodeCredential parses JSON bytes into a Credential instance.
func DecodeCredential(data []byte) (*Credential, error) {
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if c.Version == 0 || c.Secret == "" || c.Salt == "" {
		return nil, ErrInvalidCredential
	}
	if c.Version != credentialVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidCredential, c.Version)
	}
	return &c, nil
}

// DeriveKey stretches a passphrase and salt into the symmetric proof key.
func DeriveKey(secret string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(secret), salt, ScryptN, ScryptR, ScryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// NewNonce returns a fresh random challenge nonce in hex form. Nonces are
// single-use: a verified or expired nonce must never be accepted again.
func NewNonce() (string, error) {
	raw := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// ProofFor computes the expected challenge response: the hex HMAC-SHA256 of
// the nonce under the derived key.
func ProofFor(key []byte, nonce string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyProof checks a challenge response in constant time.
func VerifyProof(key []byte, nonce, response string) error {
	got, err := hex.DecodeString(response)
	if err != nil {
		return fmt.Errorf("%w: response is not hex", ErrInvalidProof)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(nonce))
	if !hmac.Equal(mac.Sum(nil), got) {
		return ErrInvalidProof
	}
	return nil
}

// Fingerprint derives a short public identifier from the key. It is safe to
// log and serve unauthenticated: recovering the key from it is as hard as
// reversing SHA-256.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:FingerprintSize])
}
