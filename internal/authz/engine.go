package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/peicollab/familyaccess/internal/storage"
	"github.com/peicollab/familyaccess/pkg/models"
)

// ErrNotAuthorized is returned when a staff member lacks the role or tenant
// relationship an operation requires. It deliberately carries no detail
// about records outside the caller's tenant.
var ErrNotAuthorized = errors.New("not authorized")

// StaffDirectory is the minimal interface the Engine needs from storage.
type StaffDirectory interface {
	GetStaff(ctx context.Context, id uuid.UUID) (*models.StaffMember, error)
}

// Engine evaluates staff authority for token operations.
type Engine struct {
	store StaffDirectory
}

// NewEngine creates an Engine backed by the given staff directory.
func NewEngine(store StaffDirectory) *Engine {
	return &Engine{store: store}
}

// CanIssue checks that the issuer holds a coordinator-equivalent role inside
// the student's tenant. Superadmins may issue across tenants.
func (e *Engine) CanIssue(ctx context.Context, issuerID, tenantID uuid.UUID) error {
	staff, err := e.lookup(ctx, issuerID)
	if err != nil {
		return err
	}
	if !staff.Role.CanIssueTokens() {
		return ErrNotAuthorized
	}
	return e.sameTenant(staff, tenantID)
}

// CanRevoke allows the original issuer, or any coordinator-equivalent of the
// token's tenant.
func (e *Engine) CanRevoke(ctx context.Context, revokerID uuid.UUID, token *models.AccessToken) error {
	staff, err := e.lookup(ctx, revokerID)
	if err != nil {
		return err
	}
	if staff.ID == token.IssuedBy {
		return nil
	}
	if !staff.Role.CanIssueTokens() {
		return ErrNotAuthorized
	}
	return e.sameTenant(staff, token.TenantID)
}

// CanView checks that the staff member may read token metadata and access
// attempts for the tenant. Any staff role of the tenant qualifies.
func (e *Engine) CanView(ctx context.Context, staffID, tenantID uuid.UUID) error {
	staff, err := e.lookup(ctx, staffID)
	if err != nil {
		return err
	}
	return e.sameTenant(staff, tenantID)
}

// CanPurge restricts retention purges to superadmins.
func (e *Engine) CanPurge(ctx context.Context, staffID uuid.UUID) error {
	staff, err := e.lookup(ctx, staffID)
	if err != nil {
		return err
	}
	if staff.Role != models.RoleSuperadmin {
		return ErrNotAuthorized
	}
	return nil
}

func (e *Engine) lookup(ctx context.Context, id uuid.UUID) (*models.StaffMember, error) {
	staff, err := e.store.GetStaff(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotAuthorized
		}
		return nil, fmt.Errorf("looking up staff member: %w", err)
	}
	return staff, nil
}

func (e *Engine) sameTenant(staff *models.StaffMember, tenantID uuid.UUID) error {
	if staff.Role.CrossesTenants() {
		return nil
	}
	if staff.TenantID != tenantID {
		return ErrNotAuthorized
	}
	return nil
}
