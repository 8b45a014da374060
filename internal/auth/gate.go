// Package auth implements the challenge-response gate every connection must
// pass before it can exchange envelopes. The handshake is HMAC-SHA256 over a
// single-use server nonce, keyed by a secret both sides derive from the
// shared credential. Failures consume a per-origin budget; an exhausted
// budget refuses further challenges from that origin.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/codefionn/stenobridge/internal/secrets"
)

var (
	// ErrMissingCredential is returned when no credential material is
	// available on either side of the handshake.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidProof is returned when the challenge response does not
	// match the expected proof.
	ErrInvalidProof = errors.New("invalid proof")
	// ErrExpiredChallenge is returned when the proof arrives after the
	// challenge deadline or reuses a consumed nonce.
	ErrExpiredChallenge = errors.New("expired challenge")
	// ErrRateLimited is returned when an origin has exhausted its failure
	// budget and must wait before trying again.
	ErrRateLimited = errors.New("authentication rate limited")
)

// KeySource provides the derived proof key and its public parameters.
// *Store is the production implementation.
type KeySource interface {
	WithKey(fn func(key []byte)) error
	Salt() (string, error)
	Fingerprint() (string, error)
}

// Config tunes gate behavior.
type Config struct {
	// ChallengeTTL bounds how long a client may take to answer a
	// challenge.
	ChallengeTTL time.Duration
	// FailureBurst is how many failed proofs an origin may accumulate
	// before being refused.
	FailureBurst int
	// FailureRefill is how long it takes to earn back one failed attempt.
	FailureRefill time.Duration
}

// Challenge is a single-use authentication puzzle bound to one connection.
type Challenge struct {
	Nonce    string
	Origin   string
	IssuedAt time.Time

	consumed bool
}

// Gate issues and verifies challenges. Safe for concurrent use.
type Gate struct {
	keys    KeySource
	limiter *FailureLimiter
	ttl     time.Duration
}

// NewGate creates a gate over the given key source.
func NewGate(keys KeySource, cfg Config) *Gate {
	ttl := cfg.ChallengeTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Gate{
		keys:    keys,
		limiter: NewFailureLimiter(cfg.FailureBurst, cfg.FailureRefill),
		ttl:     ttl,
	}
}

// Begin issues a challenge for the origin. Origins without remaining failure
// budget get ErrRateLimited; a gate without credential material refuses with
// ErrMissingCredential rather than admitting anyone.
func (g *Gate) Begin(origin string) (*Challenge, error) {
	if !g.limiter.Allowed(origin) {
		return nil, fmt.Errorf("%w: origin %s", ErrRateLimited, origin)
	}
	if err := g.keys.WithKey(func([]byte) {}); err != nil {
		return nil, err
	}

	nonce, err := secrets.NewNonce()
	if err != nil {
		return nil, fmt.Errorf("issue challenge: %w", err)
	}
	return &Challenge{
		Nonce:    nonce,
		Origin:   origin,
		IssuedAt: time.Now(),
	}, nil
}

// Verify checks the client's response against the challenge. Each challenge
// verifies at most once; failed and late responses consume the origin's
// failure budget.
func (g *Gate) Verify(ch *Challenge, response string) error {
	if ch == nil || ch.consumed {
		return ErrExpiredChallenge
	}
	ch.consumed = true

	if time.Since(ch.IssuedAt) > g.ttl {
		g.limiter.RecordFailure(ch.Origin)
		return fmt.Errorf("%w: answer took longer than %v", ErrExpiredChallenge, g.ttl)
	}
	if response == "" {
		g.limiter.RecordFailure(ch.Origin)
		return ErrMissingCredential
	}

	var proofErr error
	err := g.keys.WithKey(func(key []byte) {
		proofErr = secrets.VerifyProof(key, ch.Nonce, response)
	})
	if err != nil {
		return err
	}
	if proofErr != nil {
		g.limiter.RecordFailure(ch.Origin)
		return fmt.Errorf("%w: origin %s", ErrInvalidProof, ch.Origin)
	}
	return nil
}

// TTL returns the window a client has to answer a challenge.
func (g *Gate) TTL() time.Duration {
	return g.ttl
}

// Salt exposes the key derivation salt for the public credential endpoint.
func (g *Gate) Salt() (string, error) {
	return g.keys.Salt()
}

// Fingerprint exposes the loaded key's public identifier.
func (g *Gate) Fingerprint() (string, error) {
	return g.keys.Fingerprint()
}

// Close releases gate resources.
func (g *Gate) Close() {
	g.limiter.Stop()
}
