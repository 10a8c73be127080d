package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// secretPrefix marks family access secrets so leaked values are recognizable
// in scanners without revealing anything about their contents.
const secretPrefix = "fam_"

// secretBytes is the entropy of a bearer secret. 24 bytes = 192 bits, above
// the 128-bit floor.
const secretBytes = 24

// GenerateSecret returns a new raw bearer secret. It exists only transiently:
// the caller shows it once and discards it.
func GenerateSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return secretPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// DigestSecret returns the SHA-256 hex digest of a raw secret, the only form
// ever persisted.
func DigestSecret(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// VerifyDigest compares a raw secret against a stored digest in constant time.
func VerifyDigest(raw, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(DigestSecret(raw)), []byte(digest)) == 1
}

// newSessionMarker returns an opaque short-lived marker for a viewing
// session. It is never persisted and carries no authority of its own.
func newSessionMarker() string {
	raw := make([]byte, 16)
	rand.Read(raw) //nolint:errcheck
	return base64.RawURLEncoding.EncodeToString(raw)
}
