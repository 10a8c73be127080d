package models

import (
	"time"

	"github.com/google/uuid"
)

// TokenStatus is the derived display status of an access token.
// It is computed from the record, never stored.
type TokenStatus string

const (
	StatusActive    TokenStatus = "active"
	StatusExpired   TokenStatus = "expired"
	StatusExhausted TokenStatus = "exhausted"
	StatusRevoked   TokenStatus = "revoked"
)

// AccessToken is a time- and usage-bounded credential granting a guardian
// read access to one student's plan. Only the SHA-256 digest of the bearer
// secret is ever persisted; the raw secret exists only in the issue response.
type AccessToken struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	StudentID    uuid.UUID
	PlanID       uuid.UUID
	SecretDigest string
	IssuedBy     uuid.UUID
	IssuedAt     time.Time
	ExpiresAt    time.Time
	UsageLimit   int
	UsageCount   int
	LastUsedAt   *time.Time
	RevokedAt    *time.Time
}

// IsRevoked returns true if the token has been revoked.
func (t *AccessToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsExpired returns true if the token has passed its expiry at the given instant.
func (t *AccessToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsExhausted returns true if the token's usage budget is spent.
func (t *AccessToken) IsExhausted() bool {
	return t.UsageCount >= t.UsageLimit
}

// Status derives the display status. Revocation wins over expiry, expiry
// over exhaustion.
func (t *AccessToken) Status(now time.Time) TokenStatus {
	switch {
	case t.IsRevoked():
		return StatusRevoked
	case t.IsExpired(now):
		return StatusExpired
	case t.IsExhausted():
		return StatusExhausted
	default:
		return StatusActive
	}
}

// AccessGrant is what a successful validation exposes to the caller: the
// granted scope plus display context, never any token internals.
type AccessGrant struct {
	StudentID   uuid.UUID `json:"student_id"`
	PlanID      uuid.UUID `json:"plan_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	StudentName string    `json:"student_name"`
	TenantName  string    `json:"tenant_name"`
	ExpiresAt   time.Time `json:"expires_at"`
	// SessionID is a short-lived opaque marker for the viewing session.
	// It is not persisted and carries no authority of its own.
	SessionID        string    `json:"session_id"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
}
