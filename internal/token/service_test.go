package token

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/peicollab/familyaccess/internal/audit"
	"github.com/peicollab/familyaccess/internal/authz"
	"github.com/peicollab/familyaccess/internal/mail"
	"github.com/peicollab/familyaccess/internal/storage"
	"github.com/peicollab/familyaccess/pkg/models"
)

type fixture struct {
	store       *storage.MemoryStore
	svc         *Service
	tenant      *models.Tenant
	student     *models.Student
	plan        *models.Plan
	coordinator *models.StaffMember
	teacher     *models.StaffMember
	superadmin  *models.StaffMember
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()

	tenant := &models.Tenant{ID: uuid.New(), NetworkName: "Rede Municipal Norte"}
	student := &models.Student{ID: uuid.New(), TenantID: tenant.ID, Name: "Ana Souza"}
	plan := &models.Plan{ID: uuid.New(), TenantID: tenant.ID, StudentID: student.ID, Title: "PEI 2026.1"}
	coordinator := &models.StaffMember{ID: uuid.New(), TenantID: tenant.ID, Role: models.RoleCoordinator}
	teacher := &models.StaffMember{ID: uuid.New(), TenantID: tenant.ID, Role: models.RoleTeacher}
	superadmin := &models.StaffMember{ID: uuid.New(), TenantID: uuid.New(), Role: models.RoleSuperadmin}

	store.AddTenant(tenant)
	store.AddStudent(student)
	store.AddPlan(plan)
	store.AddStaff(coordinator)
	store.AddStaff(teacher)
	store.AddStaff(superadmin)

	svc := NewService(store, authz.NewEngine(store), mail.Disabled{}, audit.NewRecorder(store), "https://pei.example.org")

	return &fixture{
		store:       store,
		svc:         svc,
		tenant:      tenant,
		student:     student,
		plan:        plan,
		coordinator: coordinator,
		teacher:     teacher,
		superadmin:  superadmin,
	}
}

func (f *fixture) issue(t *testing.T, days, uses int) *IssueResult {
	t.Helper()
	result, err := f.svc.Issue(context.Background(), IssueRequest{
		StudentID:    f.student.ID,
		PlanID:       f.plan.ID,
		IssuerID:     f.coordinator.ID,
		LifetimeDays: days,
		UsageLimit:   uses,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return result
}

func TestIssueReturnsSecretOnce(t *testing.T) {
	f := newFixture(t)
	result := f.issue(t, 7, 10)

	if !strings.HasPrefix(result.RawSecret, "fam_") {
		t.Errorf("secret %q missing fam_ prefix", result.RawSecret)
	}
	if !strings.Contains(result.AccessURL, "/family/access?token=") {
		t.Errorf("unexpected access URL %q", result.AccessURL)
	}
	if result.Token.SecretDigest == "" {
		t.Error("issued record has no digest")
	}
	if result.Token.SecretDigest != DigestSecret(result.RawSecret) {
		t.Error("stored digest does not match raw secret")
	}
	if result.Token.UsageCount != 0 {
		t.Errorf("fresh token has usage count %d", result.Token.UsageCount)
	}

	wantExpiry := result.Token.IssuedAt.Add(7 * 24 * time.Hour)
	if !result.Token.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expiry = %v, want %v", result.Token.ExpiresAt, wantExpiry)
	}
}

func TestIssueRejectsOutOfPolicyInputs(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		days int
		uses int
	}{
		{"zero lifetime", 0, 10},
		{"lifetime not in menu", 2, 10},
		{"lifetime too long", 60, 10},
		{"zero uses", 7, 0},
		{"uses not in menu", 7, 7},
		{"uses too many", 7, 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Issue(context.Background(), IssueRequest{
				StudentID:    f.student.ID,
				PlanID:       f.plan.ID,
				IssuerID:     f.coordinator.ID,
				LifetimeDays: tc.days,
				UsageLimit:   tc.uses,
			})
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("got %v, want ValidationError", err)
			}
		})
	}
}

func TestIssueRejectsMismatchedPlan(t *testing.T) {
	f := newFixture(t)
	other := &models.Student{ID: uuid.New(), TenantID: f.tenant.ID, Name: "Bruno Lima"}
	f.store.AddStudent(other)

	_, err := f.svc.Issue(context.Background(), IssueRequest{
		StudentID:    other.ID,
		PlanID:       f.plan.ID,
		IssuerID:     f.coordinator.ID,
		LifetimeDays: 7,
		UsageLimit:   10,
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError for plan/student mismatch", err)
	}
}

func TestIssueAuthority(t *testing.T) {
	f := newFixture(t)

	// Teachers never mint credentials.
	_, err := f.svc.Issue(context.Background(), IssueRequest{
		StudentID:    f.student.ID,
		PlanID:       f.plan.ID,
		IssuerID:     f.teacher.ID,
		LifetimeDays: 7,
		UsageLimit:   10,
	})
	if !errors.Is(err, authz.ErrNotAuthorized) {
		t.Errorf("teacher issue: got %v, want ErrNotAuthorized", err)
	}

	// Coordinators are bounded by their own tenant.
	otherTenant := &models.Tenant{ID: uuid.New(), NetworkName: "Rede Sul"}
	otherStudent := &models.Student{ID: uuid.New(), TenantID: otherTenant.ID, Name: "Carla Dias"}
	otherPlan := &models.Plan{ID: uuid.New(), TenantID: otherTenant.ID, StudentID: otherStudent.ID}
	f.store.AddTenant(otherTenant)
	f.store.AddStudent(otherStudent)
	f.store.AddPlan(otherPlan)

	_, err = f.svc.Issue(context.Background(), IssueRequest{
		StudentID:    otherStudent.ID,
		PlanID:       otherPlan.ID,
		IssuerID:     f.coordinator.ID,
		LifetimeDays: 7,
		UsageLimit:   10,
	})
	if !errors.Is(err, authz.ErrNotAuthorized) {
		t.Errorf("cross-tenant issue: got %v, want ErrNotAuthorized", err)
	}

	// Superadmins may cross tenants.
	_, err = f.svc.Issue(context.Background(), IssueRequest{
		StudentID:    otherStudent.ID,
		PlanID:       otherPlan.ID,
		IssuerID:     f.superadmin.ID,
		LifetimeDays: 7,
		UsageLimit:   10,
	})
	if err != nil {
		t.Errorf("superadmin cross-tenant issue: %v", err)
	}
}

func TestValidateGrantsAndConsumes(t *testing.T) {
	f := newFixture(t)
	result := f.issue(t, 7, 10)

	grant, rejection, err := f.svc.Validate(context.Background(), ValidateRequest{RawSecret: result.RawSecret})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if rejection != RejectNone {
		t.Fatalf("rejection = %q, want none", rejection)
	}
	if grant.StudentID != f.student.ID || grant.PlanID != f.plan.ID {
		t.Error("grant scope does not match the token")
	}
	if grant.StudentName != "Ana Souza" || grant.TenantName != "Rede Municipal Norte" {
		t.Errorf("grant display context = %q / %q", grant.StudentName, grant.TenantName)
	}
	if grant.SessionID == "" {
		t.Error("grant has no session marker")
	}
	if grant.SessionExpiresAt.After(grant.ExpiresAt) {
		t.Error("session outlives the token")
	}

	stored, err := f.store.GetTokenByID(context.Background(), result.Token.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.UsageCount != 1 {
		t.Errorf("usage count = %d after one validation", stored.UsageCount)
	}
	if stored.LastUsedAt == nil {
		t.Error("last used timestamp not set")
	}
}

func TestValidateUnknownSecret(t *testing.T) {
	f := newFixture(t)
	f.issue(t, 7, 10)

	for _, raw := range []string{"", "garbage", "fam_AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"} {
		_, rejection, err := f.svc.Validate(context.Background(), ValidateRequest{RawSecret: raw})
		if err != nil {
			t.Fatalf("Validate(%q): %v", raw, err)
		}
		if rejection != RejectInvalidToken {
			t.Errorf("Validate(%q) rejection = %q, want %q", raw, rejection, RejectInvalidToken)
		}
	}
}

func TestValidateScopeMismatchCostsNoBudget(t *testing.T) {
	f := newFixture(t)
	result := f.issue(t, 7, 10)

	wrongStudent := uuid.New()
	_, rejection, err := f.svc.Validate(context.Background(), ValidateRequest{
		RawSecret:         result.RawSecret,
		ExpectedStudentID: &wrongStudent,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rejection != RejectScopeMismatch {
		t.Errorf("rejection = %q, want %q", rejection, RejectScopeMismatch)
	}

	wrongPlan := uuid.New()
	_, rejection, err = f.svc.Validate(context.Background(), ValidateRequest{
		RawSecret:      result.RawSecret,
		ExpectedPlanID: &wrongPlan,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rejection != RejectScopeMismatch {
		t.Errorf("rejection = %q, want %q", rejection, RejectScopeMismatch)
	}

	stored, _ := f.store.GetTokenByID(context.Background(), result.Token.ID)
	if stored.UsageCount != 0 {
		t.Errorf("usage count = %d, rejections must not consume budget", stored.UsageCount)
	}

	// Matching pins succeed.
	_, rejection, err = f.svc.Validate(context.Background(), ValidateRequest{
		RawSecret:         result.RawSecret,
		ExpectedStudentID: &f.student.ID,
		ExpectedPlanID:    &f.plan.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rejection != RejectNone {
		t.Errorf("pinned validation rejected with %q", rejection)
	}
}

func TestExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	issuedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return issuedAt }
	result := f.issue(t, 1, 10)

	// One minute before the 24h mark the token is still good.
	f.svc.now = func() time.Time { return issuedAt.Add(23*time.Hour + 59*time.Minute) }
	_, rejection, err := f.svc.Validate(context.Background(), ValidateRequest{RawSecret: result.RawSecret})
	if err != nil {
		t.Fatal(err)
	}
	if rejection != RejectNone {
		t.Errorf("at 23h59m rejection = %q, want none", rejection)
	}

	// One minute after, it is expired.
	f.svc.now = func() time.Time { return issuedAt.Add(24*time.Hour + 1*time.Minute) }
	_, rejection, err = f.svc.Validate(context.Background(), ValidateRequest{RawSecret: result.RawSecret})
	if err != nil {
		t.Fatal(err)
	}
	if rejection != RejectExpired {
		t.Errorf("at 24h01m rejection = %q, want %q", rejection, RejectExpired)
	}

	// Exactly at expiry counts as expired.
	f.svc.now = func() time.Time { return issuedAt.Add(24 * time.Hour) }
	_, rejection, _ = f.svc.Validate(context.Background(), ValidateRequest{RawSecret: result.RawSecret})
	if rejection != RejectExpired {
		t.Errorf("at exactly 24h rejection = %q, want %q", rejection, RejectExpired)
	}
}

func TestUsageLimitRace(t *testing.T) {
	f := newFixture(t)
	result := f.issue(t, 7, 1)

	const attempts = 2
	var wg sync.WaitGroup
	rejections := make([]Rejection, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, rejection, err := f.svc.Validate(context.Background(), ValidateRequest{RawSecret: result.RawSecret})
			if err != nil {
				t.Errorf("Validate: %v", err)
				return
			}
			rejections[i] = rejection
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, r := range rejections {
		if r == RejectNone {
			granted++
		} else if r != RejectExhausted {
			t.Errorf("loser rejected with %q, want %q", r, RejectExhausted)
		}
	}
	if granted != 1 {
		t.Fatalf("%d validations succeeded against a limit of 1", granted)
	}

	stored, _ := f.store.GetTokenByID(context.Background(), result.Token.ID)
	if stored.UsageCount != 1 {
		t.Errorf("usage count = %d, want 1", stored.UsageCount)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	result := f.issue(t, 7, 10)

	if err := f.svc.Revoke(context.Background(), result.Token.ID, f.coordinator.ID); err != nil {
		t.Fatalf("first revoke: %v", err)
	}
	stored, _ := f.store.GetTokenByID(context.Background(), result.Token.ID)
	if stored.RevokedAt == nil {
		t.Fatal("token not marked revoked")
	}
	firstRevokedAt := *stored.RevokedAt

	if err := f.svc.Revoke(context.Background(), result.Token.ID, f.coordinator.ID); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	stored, _ = f.store.GetTokenByID(context.Background(), result.Token.ID)
	if !stored.RevokedAt.Equal(firstRevokedAt) {
		t.Error("second revoke moved the revocation timestamp")
	}

	_, rejection, err := f.svc.Validate(context.Background(), ValidateRequest{RawSecret: result.RawSecret})
	if err != nil {
		t.Fatal(err)
	}
	if rejection != RejectRevoked {
		t.Errorf("rejection = %q, want %q", rejection, RejectRevoked)
	}
}

func TestRevokeAuthority(t *testing.T) {
	f := newFixture(t)
	result := f.issue(t, 7, 10)

	if err := f.svc.Revoke(context.Background(), result.Token.ID, f.teacher.ID); !errors.Is(err, authz.ErrNotAuthorized) {
		t.Errorf("teacher revoke: got %v, want ErrNotAuthorized", err)
	}
	if err := f.svc.Revoke(context.Background(), uuid.New(), f.coordinator.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown token revoke: got %v, want ErrNotFound", err)
	}

	// Another coordinator of the same tenant may revoke what they didn't issue.
	other := &models.StaffMember{ID: uuid.New(), TenantID: f.tenant.ID, Role: models.RoleEducationSecretary}
	f.store.AddStaff(other)
	if err := f.svc.Revoke(context.Background(), result.Token.ID, other.ID); err != nil {
		t.Errorf("peer revoke: %v", err)
	}
}

func TestSecretNeverRecoverable(t *testing.T) {
	f := newFixture(t)
	result := f.issue(t, 7, 10)

	stored, err := f.store.GetTokenByID(context.Background(), result.Token.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.SecretDigest == result.RawSecret {
		t.Fatal("raw secret persisted verbatim")
	}
	if strings.Contains(stored.SecretDigest, result.RawSecret) {
		t.Fatal("raw secret embedded in the stored digest")
	}

	// Listing exposes metadata only.
	tokens, err := f.svc.List(context.Background(), f.coordinator.ID, storage.TokenFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 1 {
		t.Fatalf("listed %d tokens, want 1", len(tokens))
	}
	if tokens[0].SecretDigest != "" {
		t.Error("listing exposes the secret digest")
	}
}

func TestListScopedAndOrdered(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		f.svc.now = func() time.Time { return base.Add(time.Duration(i) * time.Hour) }
		f.issue(t, 7, 10)
	}

	tokens, err := f.svc.List(context.Background(), f.coordinator.ID, storage.TokenFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 3 {
		t.Fatalf("listed %d tokens, want 3", len(tokens))
	}
	for i := 1; i < len(tokens); i++ {
		if tokens[i].IssuedAt.After(tokens[i-1].IssuedAt) {
			t.Fatal("tokens not ordered newest first")
		}
	}

	// A staff member of another tenant sees nothing of this one.
	outsider := &models.StaffMember{ID: uuid.New(), TenantID: uuid.New(), Role: models.RoleCoordinator}
	f.store.AddStaff(outsider)
	_, err = f.svc.List(context.Background(), outsider.ID, storage.TokenFilter{TenantID: f.tenant.ID})
	if !errors.Is(err, authz.ErrNotAuthorized) {
		t.Errorf("cross-tenant list: got %v, want ErrNotAuthorized", err)
	}
}

func TestFullLifecycleTenUses(t *testing.T) {
	f := newFixture(t)
	result := f.issue(t, 7, 10)

	for i := 0; i < 10; i++ {
		grant, rejection, err := f.svc.Validate(context.Background(), ValidateRequest{RawSecret: result.RawSecret})
		if err != nil {
			t.Fatalf("use %d: %v", i+1, err)
		}
		if rejection != RejectNone {
			t.Fatalf("use %d rejected with %q", i+1, rejection)
		}
		if grant == nil {
			t.Fatalf("use %d returned no grant", i+1)
		}
	}

	_, rejection, err := f.svc.Validate(context.Background(), ValidateRequest{RawSecret: result.RawSecret})
	if err != nil {
		t.Fatal(err)
	}
	if rejection != RejectExhausted {
		t.Errorf("11th use rejection = %q, want %q", rejection, RejectExhausted)
	}

	stored, _ := f.store.GetTokenByID(context.Background(), result.Token.ID)
	if stored.UsageCount != 10 {
		t.Errorf("usage count = %d, want 10", stored.UsageCount)
	}
	if stored.Status(time.Now().UTC()) != models.StatusExhausted {
		t.Errorf("status = %q, want exhausted", stored.Status(time.Now().UTC()))
	}
}

func TestValidateRecordsAttempts(t *testing.T) {
	f := newFixture(t)
	result := f.issue(t, 7, 1)

	f.svc.Validate(context.Background(), ValidateRequest{RawSecret: result.RawSecret, ClientIP: "203.0.113.9"}) //nolint:errcheck
	f.svc.Validate(context.Background(), ValidateRequest{RawSecret: result.RawSecret, ClientIP: "203.0.113.9"}) //nolint:errcheck
	f.svc.Validate(context.Background(), ValidateRequest{RawSecret: "fam_bogus", ClientIP: "198.51.100.7"})     //nolint:errcheck

	attempts, err := f.store.QueryAttempts(context.Background(), storage.AttemptFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 3 {
		t.Fatalf("recorded %d attempts, want 3", len(attempts))
	}

	var ok, failed int
	for _, a := range attempts {
		if a.Success {
			ok++
			if a.TokenID == nil || *a.TokenID != result.Token.ID {
				t.Error("successful attempt not linked to the token")
			}
		} else {
			failed++
		}
	}
	if ok != 1 || failed != 2 {
		t.Errorf("got %d successes and %d failures, want 1 and 2", ok, failed)
	}
}

func TestPurgeExpired(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return base }

	keep := f.issue(t, 30, 10)
	gone := f.issue(t, 1, 10)
	revoked := f.issue(t, 30, 10)
	if err := f.svc.Revoke(context.Background(), revoked.Token.ID, f.coordinator.ID); err != nil {
		t.Fatal(err)
	}

	// A week later: the 1-day token has been expired for six days.
	f.svc.now = func() time.Time { return base.Add(7 * 24 * time.Hour) }

	if _, err := f.svc.PurgeExpired(context.Background(), f.coordinator.ID, 0); !errors.Is(err, authz.ErrNotAuthorized) {
		t.Errorf("coordinator purge: got %v, want ErrNotAuthorized", err)
	}

	purged, err := f.svc.PurgeExpired(context.Background(), f.superadmin.ID, 48*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if purged != 2 {
		t.Errorf("purged %d tokens, want 2", purged)
	}
	if _, err := f.store.GetTokenByID(context.Background(), keep.Token.ID); err != nil {
		t.Errorf("live token was purged: %v", err)
	}
	if _, err := f.store.GetTokenByID(context.Background(), gone.Token.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Error("expired token survived the purge")
	}
}
