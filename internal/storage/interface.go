package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/peicollab/familyaccess/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist, or when a
// conditional update matched no row.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a record that already exists.
var ErrAlreadyExists = errors.New("already exists")

// TokenFilter scopes a token listing. TenantID is mandatory: no staff query
// may cross the tenant boundary.
type TokenFilter struct {
	TenantID  uuid.UUID
	StudentID *uuid.UUID
	PlanID    *uuid.UUID
}

// AttemptFilter scopes an access-attempt query.
type AttemptFilter struct {
	TokenID *uuid.UUID
	Success *bool
	Since   *time.Time
	Limit   int
}

// Store is the persistence interface of the family access service. Platform
// records (tenants, students, plans, staff) are read-only here: they are
// owned by the wider platform, this service only consults them.
type Store interface {
	// Tokens
	CreateToken(ctx context.Context, token *models.AccessToken) error
	GetTokenByDigest(ctx context.Context, digest string) (*models.AccessToken, error)
	GetTokenByID(ctx context.Context, id uuid.UUID) (*models.AccessToken, error)
	// ConsumeToken atomically increments usage_count and sets last_used_at,
	// but only while the token is unrevoked, unexpired at `now`, and below
	// its usage limit. Returns ErrNotFound when the condition does not hold;
	// callers re-read the row to classify the rejection. The single
	// conditional update is what keeps two concurrent validations at the
	// usage-limit boundary from both succeeding.
	ConsumeToken(ctx context.Context, id uuid.UUID, now time.Time) (*models.AccessToken, error)
	// RevokeToken sets revoked_at if unset. Revoking an already revoked
	// token is a no-op, not an error.
	RevokeToken(ctx context.Context, id uuid.UUID, at time.Time) error
	ListTokens(ctx context.Context, filter TokenFilter) ([]*models.AccessToken, error)
	// PurgeTokens deletes tokens that are revoked, or expired before the
	// cutoff. Returns the number of rows removed.
	PurgeTokens(ctx context.Context, cutoff time.Time) (int64, error)

	// Platform records
	GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	GetStudent(ctx context.Context, id uuid.UUID) (*models.Student, error)
	GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error)
	GetStaff(ctx context.Context, id uuid.UUID) (*models.StaffMember, error)
	GetStaffByKeyID(ctx context.Context, keyID string) (*models.StaffMember, error)

	// Access attempts
	RecordAttempt(ctx context.Context, attempt *models.AccessAttempt) error
	QueryAttempts(ctx context.Context, filter AttemptFilter) ([]*models.AccessAttempt, error)

	// Metrics helpers
	CountActiveTokens(ctx context.Context, now time.Time) (int64, error)

	// Lifecycle
	Close()
}
