package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/peicollab/familyaccess/internal/mail"
	"github.com/peicollab/familyaccess/internal/storage"
	"github.com/peicollab/familyaccess/pkg/models"
)

type testEnv struct {
	srv       *httptest.Server
	store     *storage.MemoryStore
	tenant    *models.Tenant
	student   *models.Student
	plan      *models.Plan
	coordKey  string
	adminKey  string
	teachKey  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()

	tenant := &models.Tenant{ID: uuid.New(), NetworkName: "Rede Municipal Norte"}
	student := &models.Student{ID: uuid.New(), TenantID: tenant.ID, Name: "Ana Souza"}
	plan := &models.Plan{ID: uuid.New(), TenantID: tenant.ID, StudentID: student.ID, Title: "PEI 2026.1"}
	store.AddTenant(tenant)
	store.AddStudent(student)
	store.AddPlan(plan)

	coordKey := seedStaff(t, store, tenant.ID, models.RoleCoordinator)
	teachKey := seedStaff(t, store, tenant.ID, models.RoleTeacher)
	adminKey := seedStaff(t, store, uuid.New(), models.RoleSuperadmin)

	server := NewServer(store, mail.Disabled{}, Config{PublicBaseURL: "https://pei.example.org"})
	srv := httptest.NewServer(server.BuildRouter())
	t.Cleanup(srv.Close)

	return &testEnv{
		srv:      srv,
		store:    store,
		tenant:   tenant,
		student:  student,
		plan:     plan,
		coordKey: coordKey,
		adminKey: adminKey,
		teachKey: teachKey,
	}
}

// seedStaff adds a staff member and returns their full API key.
func seedStaff(t *testing.T, store *storage.MemoryStore, tenantID uuid.UUID, role models.StaffRole) string {
	t.Helper()
	keyID := uuid.NewString()[:8]
	secret := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	store.AddStaff(&models.StaffMember{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Role:       role,
		APIKeyID:   keyID,
		APIKeyHash: hash,
	})
	return "fsk_" + keyID + "_" + secret
}

func (e *testEnv) request(t *testing.T, method, path, staffKey string, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if staffKey != "" {
		req.Header.Set("X-Staff-Key", staffKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil {
			t.Fatalf("unmarshal %q: %v", data, err)
		}
	}
	return resp, parsed
}

func (e *testEnv) issue(t *testing.T, days, uses int) (secret string, tokenID string) {
	t.Helper()
	body := fmt.Sprintf(`{"student_id":%q,"plan_id":%q,"lifetime_days":%d,"usage_limit":%d}`,
		e.student.ID, e.plan.ID, days, uses)
	resp, parsed := e.request(t, "POST", "/v1/tokens", e.coordKey, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("issue status = %d: %v", resp.StatusCode, parsed)
	}
	record := parsed["record"].(map[string]any)
	return parsed["token"].(string), record["id"].(string)
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp, parsed := e.request(t, "GET", "/v1/sys/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if parsed["status"] != "ok" {
		t.Errorf("status field = %v", parsed["status"])
	}
}

func TestStaffAuth(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.request(t, "GET", "/v1/tokens", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", resp.StatusCode)
	}

	for _, key := range []string{"garbage", "fsk_nope", "fsk_unknownid_secret", e.coordKey + "x"} {
		resp, parsed := e.request(t, "GET", "/v1/tokens", key, "")
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("key %q: status = %d, want 403", key, resp.StatusCode)
		}
		// Unknown key ids and wrong secrets must be indistinguishable.
		errs := parsed["errors"].([]any)
		if errs[0] != "invalid staff key" {
			t.Errorf("key %q: error = %v", key, errs[0])
		}
	}

	resp, _ = e.request(t, "GET", "/v1/tokens", e.coordKey, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", resp.StatusCode)
	}
}

func TestIssueEndpoint(t *testing.T) {
	e := newTestEnv(t)
	body := fmt.Sprintf(`{"student_id":%q,"plan_id":%q,"lifetime_days":7,"usage_limit":10}`, e.student.ID, e.plan.ID)

	resp, parsed := e.request(t, "POST", "/v1/tokens", e.coordKey, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d: %v", resp.StatusCode, parsed)
	}
	secret := parsed["token"].(string)
	if !strings.HasPrefix(secret, "fam_") {
		t.Errorf("secret %q missing prefix", secret)
	}
	accessURL := parsed["access_url"].(string)
	if !strings.Contains(accessURL, url.QueryEscape(secret)) {
		t.Errorf("access URL %q does not carry the secret", accessURL)
	}
	record := parsed["record"].(map[string]any)
	if _, ok := record["secret_digest"]; ok {
		t.Error("issue response exposes the digest")
	}
	if record["status"] != "active" {
		t.Errorf("record status = %v", record["status"])
	}

	// Teachers cannot issue.
	resp, _ = e.request(t, "POST", "/v1/tokens", e.teachKey, body)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("teacher issue: status = %d, want 403", resp.StatusCode)
	}

	// Out-of-policy lifetime is a 400.
	bad := fmt.Sprintf(`{"student_id":%q,"plan_id":%q,"lifetime_days":2,"usage_limit":10}`, e.student.ID, e.plan.ID)
	resp, _ = e.request(t, "POST", "/v1/tokens", e.coordKey, bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad lifetime: status = %d, want 400", resp.StatusCode)
	}
}

func TestFamilyAccessEndpoint(t *testing.T) {
	e := newTestEnv(t)
	secret, tokenID := e.issue(t, 7, 5)

	resp, parsed := e.request(t, "GET", "/family/access?token="+url.QueryEscape(secret), "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %v", resp.StatusCode, parsed)
	}
	grant := parsed["grant"].(map[string]any)
	if grant["student_name"] != "Ana Souza" {
		t.Errorf("student_name = %v", grant["student_name"])
	}
	if grant["tenant_name"] != "Rede Municipal Norte" {
		t.Errorf("tenant_name = %v", grant["tenant_name"])
	}
	if grant["session_id"] == "" {
		t.Error("grant has no session marker")
	}

	// Scope pins.
	resp, _ = e.request(t, "GET", "/family/access?token="+url.QueryEscape(secret)+"&student="+uuid.NewString(), "", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("scope mismatch: status = %d, want 403", resp.StatusCode)
	}

	// A bogus secret and a revoked token must produce identical responses.
	resp, bogus := e.request(t, "GET", "/family/access?token=fam_bogus", "", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("bogus secret: status = %d, want 403", resp.StatusCode)
	}
	if resp, _ := e.request(t, "POST", "/v1/tokens/"+tokenID+"/revoke", e.coordKey, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}
	resp, revoked := e.request(t, "GET", "/family/access?token="+url.QueryEscape(secret), "", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("revoked token: status = %d, want 403", resp.StatusCode)
	}
	if fmt.Sprint(bogus) != fmt.Sprint(revoked) {
		t.Errorf("denial responses differ: %v vs %v", bogus, revoked)
	}
}

func TestRevokeEndpointIdempotent(t *testing.T) {
	e := newTestEnv(t)
	_, tokenID := e.issue(t, 7, 5)

	for i := 0; i < 2; i++ {
		resp, _ := e.request(t, "POST", "/v1/tokens/"+tokenID+"/revoke", e.coordKey, "")
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("revoke %d: status = %d, want 204", i+1, resp.StatusCode)
		}
	}

	resp, _ := e.request(t, "POST", "/v1/tokens/"+uuid.NewString()+"/revoke", e.coordKey, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown token: status = %d, want 404", resp.StatusCode)
	}
}

func TestListEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.issue(t, 7, 5)
	e.issue(t, 14, 25)

	resp, parsed := e.request(t, "GET", "/v1/tokens", e.coordKey, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	tokens := parsed["tokens"].([]any)
	if len(tokens) != 2 {
		t.Fatalf("listed %d tokens, want 2", len(tokens))
	}
	for _, raw := range tokens {
		view := raw.(map[string]any)
		if _, ok := view["secret_digest"]; ok {
			t.Error("listing exposes the digest")
		}
		if view["status"] != "active" {
			t.Errorf("status = %v", view["status"])
		}
	}

	resp, parsed = e.request(t, "GET", "/v1/tokens?student="+e.student.ID.String(), e.coordKey, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("filtered list status = %d", resp.StatusCode)
	}
	if len(parsed["tokens"].([]any)) != 2 {
		t.Error("student filter dropped tokens")
	}
}

func TestAttemptsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	secret, tokenID := e.issue(t, 7, 5)
	e.request(t, "GET", "/family/access?token="+url.QueryEscape(secret), "", "")
	e.request(t, "GET", "/family/access?token=fam_bogus", "", "")

	// Tenant staff read attempts through a token filter.
	resp, parsed := e.request(t, "GET", "/v1/attempts?token="+tokenID, e.coordKey, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	attempts := parsed["attempts"].([]any)
	if len(attempts) != 1 {
		t.Fatalf("got %d attempts, want 1", len(attempts))
	}
	if attempts[0].(map[string]any)["success"] != true {
		t.Error("attempt not marked successful")
	}

	// Unfiltered queries cross tenants; only superadmins get them.
	resp, _ = e.request(t, "GET", "/v1/attempts", e.coordKey, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("coordinator unfiltered: status = %d, want 403", resp.StatusCode)
	}
	resp, parsed = e.request(t, "GET", "/v1/attempts", e.adminKey, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("superadmin unfiltered: status = %d", resp.StatusCode)
	}
	if len(parsed["attempts"].([]any)) != 2 {
		t.Error("superadmin should see all attempts")
	}
}

func TestPurgeEndpoint(t *testing.T) {
	e := newTestEnv(t)
	_, tokenID := e.issue(t, 7, 5)
	e.request(t, "POST", "/v1/tokens/"+tokenID+"/revoke", e.coordKey, "")

	resp, _ := e.request(t, "POST", "/v1/admin/purge", e.coordKey, "{}")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("coordinator purge: status = %d, want 403", resp.StatusCode)
	}

	resp, parsed := e.request(t, "POST", "/v1/admin/purge", e.adminKey, "{}")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("superadmin purge: status = %d", resp.StatusCode)
	}
	if parsed["purged"].(float64) != 1 {
		t.Errorf("purged = %v, want 1", parsed["purged"])
	}

	resp, _ = e.request(t, "POST", "/v1/admin/purge", e.adminKey, `{"retain_for":"bogus"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad duration: status = %d, want 400", resp.StatusCode)
	}
}

func TestSplitStaffKey(t *testing.T) {
	cases := []struct {
		in     string
		keyID  string
		secret string
		ok     bool
	}{
		{"fsk_abc_s3cret", "abc", "s3cret", true},
		{"fsk_abc_s3_cret", "abc", "s3_cret", true},
		{"fsk_abc", "", "", false},
		{"fsk__secret", "", "", false},
		{"fsk_abc_", "", "", false},
		{"abc_secret", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		keyID, secret, ok := splitStaffKey(tc.in)
		if keyID != tc.keyID || secret != tc.secret || ok != tc.ok {
			t.Errorf("splitStaffKey(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.in, keyID, secret, ok, tc.keyID, tc.secret, tc.ok)
		}
	}
}
