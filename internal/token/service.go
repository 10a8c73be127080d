package token

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/peicollab/familyaccess/internal/audit"
	"github.com/peicollab/familyaccess/internal/authz"
	"github.com/peicollab/familyaccess/internal/mail"
	"github.com/peicollab/familyaccess/internal/storage"
	"github.com/peicollab/familyaccess/pkg/models"
)

// Rejection is the reason a validation was refused. Rejections are expected
// outcomes, reported as results rather than errors. The distinctions exist
// for auditing and metrics; the presentation boundary collapses them all
// into one generic access-denied message.
type Rejection string

const (
	RejectNone          Rejection = ""
	RejectInvalidToken  Rejection = "invalid_token"
	RejectRevoked       Rejection = "revoked"
	RejectExpired       Rejection = "expired"
	RejectExhausted     Rejection = "exhausted"
	RejectScopeMismatch Rejection = "scope_mismatch"
)

// sessionTTL bounds the viewing-session marker handed out with a grant.
const sessionTTL = 15 * time.Minute

// ValidationError reports a request that fails input constraints.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// IssueRequest carries the typed, validated arguments of an issuance.
// Lifetime and usage limit are restricted to small enumerated sets by
// institution policy.
type IssueRequest struct {
	StudentID    uuid.UUID `json:"student_id" validate:"required"`
	PlanID       uuid.UUID `json:"plan_id" validate:"required"`
	IssuerID     uuid.UUID `json:"-" validate:"required"`
	LifetimeDays int       `json:"lifetime_days" validate:"required,oneof=1 3 7 14 30"`
	UsageLimit   int       `json:"usage_limit" validate:"required,oneof=1 5 10 25 50"`
	NotifyEmail  string    `json:"notify_email,omitempty" validate:"omitempty,email"`
}

// IssueResult is the one-time response of an issuance. RawSecret and
// AccessURL cannot be recovered afterwards; only the digest is durable.
type IssueResult struct {
	RawSecret string
	AccessURL string
	Token     *models.AccessToken
}

// ValidateRequest carries a presented bearer secret, optionally pinned to an
// expected student/plan for defense in depth.
type ValidateRequest struct {
	RawSecret         string
	ExpectedStudentID *uuid.UUID
	ExpectedPlanID    *uuid.UUID
	// ClientIP is recorded in the access-attempt audit trail.
	ClientIP string
}

// Service implements issuance, validation, revocation, listing and retention
// for family access tokens. All state lives in the injected store; the
// service itself holds none.
type Service struct {
	store    storage.Store
	authz    *authz.Engine
	mailer   mail.Mailer
	attempts *audit.Recorder
	validate *validator.Validate
	baseURL  string
	now      func() time.Time
}

// NewService wires a Service. baseURL is the public origin used to build
// access links, e.g. "https://pei.example.org".
func NewService(store storage.Store, authzEngine *authz.Engine, mailer mail.Mailer, attempts *audit.Recorder, baseURL string) *Service {
	return &Service{
		store:    store,
		authz:    authzEngine,
		mailer:   mailer,
		attempts: attempts,
		validate: validator.New(),
		baseURL:  strings.TrimRight(baseURL, "/"),
		now:      time.Now,
	}
}

// Issue creates a token for a student+plan pair and returns the raw secret
// exactly once. Fails with *ValidationError on out-of-policy inputs and
// authz.ErrNotAuthorized when the issuer lacks authority over the student.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, validationErrorf("invalid issue request: %s", verrs.Error())
		}
		return nil, err
	}

	plan, err := s.store.GetPlan(ctx, req.PlanID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, validationErrorf("unknown plan")
		}
		return nil, fmt.Errorf("loading plan: %w", err)
	}
	if plan.StudentID != req.StudentID {
		return nil, validationErrorf("plan does not belong to the given student")
	}
	student, err := s.store.GetStudent(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, validationErrorf("unknown student")
		}
		return nil, fmt.Errorf("loading student: %w", err)
	}

	if err := s.authz.CanIssue(ctx, req.IssuerID, student.TenantID); err != nil {
		return nil, err
	}

	rawSecret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}

	issuedAt := s.now().UTC()
	t := &models.AccessToken{
		ID:           uuid.New(),
		TenantID:     student.TenantID,
		StudentID:    student.ID,
		PlanID:       plan.ID,
		SecretDigest: DigestSecret(rawSecret),
		IssuedBy:     req.IssuerID,
		IssuedAt:     issuedAt,
		ExpiresAt:    issuedAt.Add(time.Duration(req.LifetimeDays) * 24 * time.Hour),
		UsageLimit:   req.UsageLimit,
		UsageCount:   0,
	}
	if err := s.store.CreateToken(ctx, t); err != nil {
		return nil, fmt.Errorf("persisting token: %w", err)
	}

	accessURL := s.accessURL(rawSecret)
	if req.NotifyEmail != "" {
		tenantName := ""
		if tenant, err := s.store.GetTenant(ctx, student.TenantID); err == nil {
			tenantName = tenant.NetworkName
		}
		s.mailer.SendAccessLink(mail.AccessLink{
			To:          req.NotifyEmail,
			StudentName: student.Name,
			TenantName:  tenantName,
			URL:         accessURL,
			ExpiresAt:   t.ExpiresAt,
			UsageLimit:  t.UsageLimit,
		})
	}

	return &IssueResult{RawSecret: rawSecret, AccessURL: accessURL, Token: t}, nil
}

func (s *Service) accessURL(rawSecret string) string {
	return s.baseURL + "/family/access?token=" + url.QueryEscape(rawSecret)
}

// Validate checks a presented secret and, on success, consumes one use and
// returns a grant. A non-empty Rejection is an expected refusal and costs no
// budget; the error return is reserved for storage faults.
func (s *Service) Validate(ctx context.Context, req ValidateRequest) (*models.AccessGrant, Rejection, error) {
	grant, tokenID, rejection, err := s.validateAndConsume(ctx, req)
	if err != nil {
		return nil, RejectNone, err
	}
	s.attempts.Record(ctx, &models.AccessAttempt{
		TokenID:     tokenID,
		AttemptedAt: s.now().UTC(),
		ClientIP:    req.ClientIP,
		Success:     rejection == RejectNone,
		Reason:      string(rejection),
	})
	return grant, rejection, nil
}

func (s *Service) validateAndConsume(ctx context.Context, req ValidateRequest) (*models.AccessGrant, *uuid.UUID, Rejection, error) {
	// An unknown digest and a malformed secret are indistinguishable to the
	// caller, which keeps rejections useless for enumeration.
	t, err := s.store.GetTokenByDigest(ctx, DigestSecret(req.RawSecret))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, RejectInvalidToken, nil
		}
		return nil, nil, RejectNone, fmt.Errorf("looking up token: %w", err)
	}

	now := s.now().UTC()
	if r := classify(t, now); r != RejectNone {
		return nil, &t.ID, r, nil
	}
	if req.ExpectedStudentID != nil && *req.ExpectedStudentID != t.StudentID {
		return nil, &t.ID, RejectScopeMismatch, nil
	}
	if req.ExpectedPlanID != nil && *req.ExpectedPlanID != t.PlanID {
		return nil, &t.ID, RejectScopeMismatch, nil
	}

	// The consume is conditional at the store: if a concurrent validation
	// spent the last use (or a revoke landed) since the read above, it
	// matches nothing and the fresh state decides the rejection.
	consumed, err := s.store.ConsumeToken(ctx, t.ID, now)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, nil, RejectNone, fmt.Errorf("consuming token: %w", err)
		}
		fresh, ferr := s.store.GetTokenByID(ctx, t.ID)
		if ferr != nil {
			if errors.Is(ferr, storage.ErrNotFound) {
				return nil, nil, RejectInvalidToken, nil
			}
			return nil, nil, RejectNone, fmt.Errorf("re-reading token: %w", ferr)
		}
		if r := classify(fresh, now); r != RejectNone {
			return nil, &t.ID, r, nil
		}
		return nil, &t.ID, RejectExhausted, nil
	}

	grant, err := s.buildGrant(ctx, consumed, now)
	if err != nil {
		return nil, nil, RejectNone, err
	}
	return grant, &t.ID, RejectNone, nil
}

// classify maps token state to a rejection, revocation first, then expiry,
// then exhaustion. RejectNone means the token is valid.
func classify(t *models.AccessToken, now time.Time) Rejection {
	switch {
	case t.IsRevoked():
		return RejectRevoked
	case t.IsExpired(now):
		return RejectExpired
	case t.IsExhausted():
		return RejectExhausted
	default:
		return RejectNone
	}
}

func (s *Service) buildGrant(ctx context.Context, t *models.AccessToken, now time.Time) (*models.AccessGrant, error) {
	student, err := s.store.GetStudent(ctx, t.StudentID)
	if err != nil {
		return nil, fmt.Errorf("loading student: %w", err)
	}
	tenantName := ""
	if tenant, err := s.store.GetTenant(ctx, t.TenantID); err == nil {
		tenantName = tenant.NetworkName
	}

	sessionExpiry := now.Add(sessionTTL)
	if sessionExpiry.After(t.ExpiresAt) {
		sessionExpiry = t.ExpiresAt
	}
	return &models.AccessGrant{
		StudentID:        t.StudentID,
		PlanID:           t.PlanID,
		TenantID:         t.TenantID,
		StudentName:      student.Name,
		TenantName:       tenantName,
		ExpiresAt:        t.ExpiresAt,
		SessionID:        newSessionMarker(),
		SessionExpiresAt: sessionExpiry,
	}, nil
}

// Revoke permanently invalidates a token. Revoking an already revoked token
// is a no-op. Returns storage.ErrNotFound for unknown ids and
// authz.ErrNotAuthorized when the revoker is neither the issuer nor a
// coordinator-equivalent of the token's tenant.
func (s *Service) Revoke(ctx context.Context, tokenID, revokerID uuid.UUID) error {
	t, err := s.store.GetTokenByID(ctx, tokenID)
	if err != nil {
		return err
	}
	if err := s.authz.CanRevoke(ctx, revokerID, t); err != nil {
		return err
	}
	if t.IsRevoked() {
		return nil
	}
	return s.store.RevokeToken(ctx, tokenID, s.now().UTC())
}

// List returns token metadata for the staff member's tenant, newest first.
// The secret digest is blanked: no read path ever exposes it.
func (s *Service) List(ctx context.Context, staffID uuid.UUID, filter storage.TokenFilter) ([]*models.AccessToken, error) {
	if filter.TenantID == uuid.Nil {
		staff, err := s.store.GetStaff(ctx, staffID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, authz.ErrNotAuthorized
			}
			return nil, err
		}
		filter.TenantID = staff.TenantID
	}
	if err := s.authz.CanView(ctx, staffID, filter.TenantID); err != nil {
		return nil, err
	}
	tokens, err := s.store.ListTokens(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, t := range tokens {
		t.SecretDigest = ""
	}
	return tokens, nil
}

// PurgeExpired removes revoked tokens and tokens expired for longer than
// retainFor. Expiry itself is always evaluated lazily at validation time;
// this is purely retention cleanup, invoked explicitly, never by a timer.
func (s *Service) PurgeExpired(ctx context.Context, staffID uuid.UUID, retainFor time.Duration) (int64, error) {
	if err := s.authz.CanPurge(ctx, staffID); err != nil {
		return 0, err
	}
	return s.store.PurgeTokens(ctx, s.now().UTC().Add(-retainFor))
}
