package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/peicollab/familyaccess/pkg/models"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pgxpool connection and returns a ready store.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

// --- Tokens ---

const tokenColumns = `id, tenant_id, student_id, plan_id, secret_digest, issued_by,
	issued_at, expires_at, usage_limit, usage_count, last_used_at, revoked_at`

func (p *PostgresStore) CreateToken(ctx context.Context, t *models.AccessToken) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO family_access_tokens
		 (id, tenant_id, student_id, plan_id, secret_digest, issued_by, issued_at, expires_at, usage_limit, usage_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.TenantID, t.StudentID, t.PlanID, t.SecretDigest, t.IssuedBy,
		t.IssuedAt, t.ExpiresAt, t.UsageLimit, t.UsageCount,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetTokenByDigest(ctx context.Context, digest string) (*models.AccessToken, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM family_access_tokens WHERE secret_digest = $1`,
		digest,
	)
	return scanToken(row)
}

func (p *PostgresStore) GetTokenByID(ctx context.Context, id uuid.UUID) (*models.AccessToken, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM family_access_tokens WHERE id = $1`,
		id,
	)
	return scanToken(row)
}

// ConsumeToken performs the check-then-increment as one conditional update
// so two concurrent validations cannot both pass at the usage-limit boundary.
func (p *PostgresStore) ConsumeToken(ctx context.Context, id uuid.UUID, now time.Time) (*models.AccessToken, error) {
	row := p.pool.QueryRow(ctx,
		`UPDATE family_access_tokens
		 SET usage_count = usage_count + 1, last_used_at = $2
		 WHERE id = $1
		   AND revoked_at IS NULL
		   AND expires_at > $2
		   AND usage_count < usage_limit
		 RETURNING `+tokenColumns,
		id, now,
	)
	return scanToken(row)
}

func (p *PostgresStore) RevokeToken(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE family_access_tokens SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		id, at,
	)
	return err
}

func (p *PostgresStore) ListTokens(ctx context.Context, filter TokenFilter) ([]*models.AccessToken, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT ` + tokenColumns + ` FROM family_access_tokens WHERE tenant_id = $1`)
	args := []any{filter.TenantID}
	n := 2
	if filter.StudentID != nil {
		fmt.Fprintf(&query, ` AND student_id = $%d`, n)
		args = append(args, *filter.StudentID)
		n++
	}
	if filter.PlanID != nil {
		fmt.Fprintf(&query, ` AND plan_id = $%d`, n)
		args = append(args, *filter.PlanID)
	}
	query.WriteString(` ORDER BY issued_at DESC`)

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*models.AccessToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (p *PostgresStore) PurgeTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM family_access_tokens WHERE revoked_at IS NOT NULL OR expires_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanToken(row pgx.Row) (*models.AccessToken, error) {
	var t models.AccessToken
	err := row.Scan(&t.ID, &t.TenantID, &t.StudentID, &t.PlanID, &t.SecretDigest,
		&t.IssuedBy, &t.IssuedAt, &t.ExpiresAt, &t.UsageLimit, &t.UsageCount,
		&t.LastUsedAt, &t.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// --- Platform records ---

func (p *PostgresStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	err := p.pool.QueryRow(ctx,
		`SELECT id, network_name, created_at FROM tenants WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.NetworkName, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (p *PostgresStore) GetStudent(ctx context.Context, id uuid.UUID) (*models.Student, error) {
	var s models.Student
	err := p.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, created_at FROM students WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.TenantID, &s.Name, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	var pl models.Plan
	err := p.pool.QueryRow(ctx,
		`SELECT id, tenant_id, student_id, title, status, created_at, updated_at
		 FROM peis WHERE id = $1`,
		id,
	).Scan(&pl.ID, &pl.TenantID, &pl.StudentID, &pl.Title, &pl.Status, &pl.CreatedAt, &pl.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pl, nil
}

func (p *PostgresStore) GetStaff(ctx context.Context, id uuid.UUID) (*models.StaffMember, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, email, role, api_key_id, api_key_hash, created_at
		 FROM staff_members WHERE id = $1`,
		id,
	)
	return scanStaff(row)
}

func (p *PostgresStore) GetStaffByKeyID(ctx context.Context, keyID string) (*models.StaffMember, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, email, role, api_key_id, api_key_hash, created_at
		 FROM staff_members WHERE api_key_id = $1`,
		keyID,
	)
	return scanStaff(row)
}

func scanStaff(row pgx.Row) (*models.StaffMember, error) {
	var m models.StaffMember
	var role string
	err := row.Scan(&m.ID, &m.TenantID, &m.Name, &m.Email, &role, &m.APIKeyID, &m.APIKeyHash, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.Role = models.StaffRole(role)
	return &m, nil
}

// --- Access attempts ---

func (p *PostgresStore) RecordAttempt(ctx context.Context, a *models.AccessAttempt) error {
	return p.pool.QueryRow(ctx,
		`INSERT INTO family_access_attempts (token_id, attempted_at, client_ip, success, reason)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		a.TokenID, a.AttemptedAt, a.ClientIP, a.Success, a.Reason,
	).Scan(&a.ID)
}

func (p *PostgresStore) QueryAttempts(ctx context.Context, filter AttemptFilter) ([]*models.AccessAttempt, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, token_id, attempted_at, client_ip, success, reason
		 FROM family_access_attempts WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.TokenID != nil {
		fmt.Fprintf(&query, ` AND token_id = $%d`, n)
		args = append(args, *filter.TokenID)
		n++
	}
	if filter.Success != nil {
		fmt.Fprintf(&query, ` AND success = $%d`, n)
		args = append(args, *filter.Success)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND attempted_at >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	query.WriteString(` ORDER BY attempted_at DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*models.AccessAttempt
	for rows.Next() {
		var a models.AccessAttempt
		if err := rows.Scan(&a.ID, &a.TokenID, &a.AttemptedAt, &a.ClientIP, &a.Success, &a.Reason); err != nil {
			return nil, err
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// --- Metrics ---

func (p *PostgresStore) CountActiveTokens(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM family_access_tokens
		 WHERE revoked_at IS NULL AND expires_at > $1 AND usage_count < usage_limit`,
		now,
	).Scan(&count)
	return count, err
}
