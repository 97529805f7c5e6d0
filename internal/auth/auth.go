// Package auth authenticates admin and tenant API keys and carries the
// calling tenant through request contexts.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrNoAdminKey is returned by NewAdminVerifier when neither a plaintext key
// nor a hash is configured.
var ErrNoAdminKey = errors.New("no admin key configured")

// AdminVerifier checks bearer tokens against the configured admin key. A
// bcrypt hash takes precedence over a plaintext key.
type AdminVerifier struct {
	plainHash string // sha256 of the plaintext key
	bcryptKey []byte
}

// NewAdminVerifier creates a verifier from a plaintext key, a bcrypt hash, or
// both.
func NewAdminVerifier(plaintext, bcryptHash string) (*AdminVerifier, error) {
	if plaintext == "" && bcryptHash == "" {
		return nil, ErrNoAdminKey
	}
	v := &AdminVerifier{}
	if bcryptHash != "" {
		if _, err := bcrypt.Cost([]byte(bcryptHash)); err != nil {
			return nil, fmt.Errorf("parsing admin key hash: %w", err)
		}
		v.bcryptKey = []byte(bcryptHash)
	}
	if plaintext != "" {
		v.plainHash = HashKey(plaintext)
	}
	return v, nil
}

// Verify reports whether token is the admin key.
func (v *AdminVerifier) Verify(token string) bool {
	if token == "" {
		return false
	}
	if v.bcryptKey != nil {
		return bcrypt.CompareHashAndPassword(v.bcryptKey, []byte(token)) == nil
	}
	got := HashKey(token)
	return subtle.ConstantTimeCompare([]byte(got), []byte(v.plainHash)) == 1
}

// GenerateAdminKey creates a random admin key with the "warden_" prefix and
// returns it together with its bcrypt hash.
func GenerateAdminKey() (plaintext, hash string, err error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}
	plaintext = "warden_" + base64.RawURLEncoding.EncodeToString(b)

	h, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing admin key: %w", err)
	}
	return plaintext, string(h), nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
