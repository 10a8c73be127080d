package models

import (
	"time"

	"github.com/google/uuid"
)

// StaffRole is a staff member's role within a tenant.
type StaffRole string

const (
	RoleTeacher            StaffRole = "teacher"
	RoleCoordinator        StaffRole = "coordinator"
	RoleEducationSecretary StaffRole = "education_secretary"
	RoleSuperadmin         StaffRole = "superadmin"
)

// CanIssueTokens reports whether the role may create family access tokens.
// Teachers work on plans but never mint credentials for them.
func (r StaffRole) CanIssueTokens() bool {
	return r == RoleCoordinator || r == RoleEducationSecretary || r == RoleSuperadmin
}

// CrossesTenants reports whether the role may act outside its own tenant.
func (r StaffRole) CrossesTenants() bool {
	return r == RoleSuperadmin
}

// Tenant is an educational network, the top-level multi-tenancy boundary.
type Tenant struct {
	ID          uuid.UUID
	NetworkName string
	CreatedAt   time.Time
}

// Student is the platform record a token grants visibility into.
type Student struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Name      string
	CreatedAt time.Time
}

// Plan is an individualized educational plan (PEI) document for one student.
type Plan struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	StudentID uuid.UUID
	Title     string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StaffMember is a platform user who can operate on tokens. API credentials
// are key-id plus bcrypt-hashed secret; the raw key is never stored.
type StaffMember struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Name       string
	Email      string
	Role       StaffRole
	APIKeyID   string
	APIKeyHash []byte
	CreatedAt  time.Time
}
