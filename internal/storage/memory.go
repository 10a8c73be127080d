package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peicollab/familyaccess/pkg/models"
)

// MemoryStore is an in-memory Store for tests and throwaway dev servers.
// All mutation runs under one mutex, so the conditional consume has the
// same all-or-nothing behavior as the SQL backends.
type MemoryStore struct {
	mu       sync.Mutex
	tokens   map[uuid.UUID]*models.AccessToken
	byDigest map[string]uuid.UUID
	tenants  map[uuid.UUID]*models.Tenant
	students map[uuid.UUID]*models.Student
	plans    map[uuid.UUID]*models.Plan
	staff    map[uuid.UUID]*models.StaffMember
	byKeyID  map[string]uuid.UUID
	attempts []*models.AccessAttempt
	nextID   int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:   map[uuid.UUID]*models.AccessToken{},
		byDigest: map[string]uuid.UUID{},
		tenants:  map[uuid.UUID]*models.Tenant{},
		students: map[uuid.UUID]*models.Student{},
		plans:    map[uuid.UUID]*models.Plan{},
		staff:    map[uuid.UUID]*models.StaffMember{},
		byKeyID:  map[string]uuid.UUID{},
	}
}

func (m *MemoryStore) Close() {}

// Seed helpers: the platform owns these records in real deployments, so the
// Store interface exposes no writes for them. Tests and dev mode seed
// directly.

func (m *MemoryStore) AddTenant(t *models.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenants[t.ID] = t
}

func (m *MemoryStore) AddStudent(s *models.Student) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.students[s.ID] = s
}

func (m *MemoryStore) AddPlan(p *models.Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = p
}

func (m *MemoryStore) AddStaff(s *models.StaffMember) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staff[s.ID] = s
	if s.APIKeyID != "" {
		m.byKeyID[s.APIKeyID] = s.ID
	}
}

// --- Tokens ---

func (m *MemoryStore) CreateToken(ctx context.Context, t *models.AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byDigest[t.SecretDigest]; ok {
		return ErrAlreadyExists
	}
	cp := *t
	m.tokens[t.ID] = &cp
	m.byDigest[t.SecretDigest] = t.ID
	return nil
}

func (m *MemoryStore) GetTokenByDigest(ctx context.Context, digest string) (*models.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byDigest[digest]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.tokens[id]
	return &cp, nil
}

func (m *MemoryStore) GetTokenByID(ctx context.Context, id uuid.UUID) (*models.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ConsumeToken(ctx context.Context, id uuid.UUID, now time.Time) (*models.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.RevokedAt != nil || !now.Before(t.ExpiresAt) || t.UsageCount >= t.UsageLimit {
		return nil, ErrNotFound
	}
	t.UsageCount++
	used := now
	t.LastUsedAt = &used
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) RevokeToken(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return nil
	}
	if t.RevokedAt == nil {
		t.RevokedAt = &at
	}
	return nil
}

func (m *MemoryStore) ListTokens(ctx context.Context, filter TokenFilter) ([]*models.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tokens []*models.AccessToken
	for _, t := range m.tokens {
		if t.TenantID != filter.TenantID {
			continue
		}
		if filter.StudentID != nil && t.StudentID != *filter.StudentID {
			continue
		}
		if filter.PlanID != nil && t.PlanID != *filter.PlanID {
			continue
		}
		cp := *t
		tokens = append(tokens, &cp)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].IssuedAt.After(tokens[j].IssuedAt)
	})
	return tokens, nil
}

func (m *MemoryStore) PurgeTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for id, t := range m.tokens {
		if t.RevokedAt != nil || t.ExpiresAt.Before(cutoff) {
			delete(m.byDigest, t.SecretDigest)
			delete(m.tokens, id)
			purged++
		}
	}
	return purged, nil
}

// --- Platform records ---

func (m *MemoryStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) GetStudent(ctx context.Context, id uuid.UUID) (*models.Student, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.students[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) GetStaff(ctx context.Context, id uuid.UUID) (*models.StaffMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.staff[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) GetStaffByKeyID(ctx context.Context, keyID string) (*models.StaffMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKeyID[keyID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.staff[id], nil
}

// --- Access attempts ---

func (m *MemoryStore) RecordAttempt(ctx context.Context, a *models.AccessAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	cp := *a
	m.attempts = append(m.attempts, &cp)
	return nil
}

func (m *MemoryStore) QueryAttempts(ctx context.Context, filter AttemptFilter) ([]*models.AccessAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var attempts []*models.AccessAttempt
	for _, a := range m.attempts {
		if filter.TokenID != nil && (a.TokenID == nil || *a.TokenID != *filter.TokenID) {
			continue
		}
		if filter.Success != nil && a.Success != *filter.Success {
			continue
		}
		if filter.Since != nil && a.AttemptedAt.Before(*filter.Since) {
			continue
		}
		cp := *a
		attempts = append(attempts, &cp)
	}
	sort.Slice(attempts, func(i, j int) bool {
		return attempts[i].AttemptedAt.After(attempts[j].AttemptedAt)
	})
	if filter.Limit > 0 && len(attempts) > filter.Limit {
		attempts = attempts[:filter.Limit]
	}
	return attempts, nil
}

// --- Metrics ---

func (m *MemoryStore) CountActiveTokens(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, t := range m.tokens {
		if t.RevokedAt == nil && now.Before(t.ExpiresAt) && t.UsageCount < t.UsageLimit {
			count++
		}
	}
	return count, nil
}
