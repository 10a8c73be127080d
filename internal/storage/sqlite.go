package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/peicollab/familyaccess/pkg/models"
)

// SQLiteStore is a Store backed by SQLite, for single-school deployments
// where running postgres is not worth the operational weight.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if necessary initializes) a SQLite database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}
	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() {
	s.db.Close() //nolint:errcheck
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	network_name TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS students (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	name TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS peis (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	student_id TEXT NOT NULL REFERENCES students(id),
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'draft',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS staff_members (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	name TEXT NOT NULL,
	email TEXT NOT NULL,
	role TEXT NOT NULL,
	api_key_id TEXT NOT NULL UNIQUE,
	api_key_hash BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS family_access_tokens (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL REFERENCES tenants(id),
	student_id TEXT NOT NULL REFERENCES students(id),
	plan_id TEXT NOT NULL REFERENCES peis(id),
	secret_digest TEXT NOT NULL UNIQUE,
	issued_by TEXT NOT NULL REFERENCES staff_members(id),
	issued_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	usage_limit INTEGER NOT NULL,
	usage_count INTEGER NOT NULL DEFAULT 0,
	last_used_at DATETIME,
	revoked_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_fat_student ON family_access_tokens(student_id);
CREATE INDEX IF NOT EXISTS idx_fat_plan ON family_access_tokens(plan_id);
CREATE TABLE IF NOT EXISTS family_access_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token_id TEXT REFERENCES family_access_tokens(id) ON DELETE SET NULL,
	attempted_at DATETIME NOT NULL,
	client_ip TEXT NOT NULL,
	success INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_faa_attempted ON family_access_attempts(attempted_at);
`

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(sqliteSchema)
	return err
}

// --- Tokens ---

const sqliteTokenColumns = `id, tenant_id, student_id, plan_id, secret_digest, issued_by,
	issued_at, expires_at, usage_limit, usage_count, last_used_at, revoked_at`

func (s *SQLiteStore) CreateToken(ctx context.Context, t *models.AccessToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO family_access_tokens
		 (id, tenant_id, student_id, plan_id, secret_digest, issued_by, issued_at, expires_at, usage_limit, usage_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.TenantID.String(), t.StudentID.String(), t.PlanID.String(),
		t.SecretDigest, t.IssuedBy.String(), t.IssuedAt, t.ExpiresAt, t.UsageLimit, t.UsageCount,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTokenByDigest(ctx context.Context, digest string) (*models.AccessToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTokenColumns+` FROM family_access_tokens WHERE secret_digest = ?`,
		digest,
	)
	return scanSQLiteToken(row)
}

func (s *SQLiteStore) GetTokenByID(ctx context.Context, id uuid.UUID) (*models.AccessToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTokenColumns+` FROM family_access_tokens WHERE id = ?`,
		id.String(),
	)
	return scanSQLiteToken(row)
}

func (s *SQLiteStore) ConsumeToken(ctx context.Context, id uuid.UUID, now time.Time) (*models.AccessToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE family_access_tokens
		 SET usage_count = usage_count + 1, last_used_at = ?
		 WHERE id = ?
		   AND revoked_at IS NULL
		   AND expires_at > ?
		   AND usage_count < usage_limit`,
		now, id.String(), now,
	)
	if err != nil {
		return nil, fmt.Errorf("consuming token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+sqliteTokenColumns+` FROM family_access_tokens WHERE id = ?`,
		id.String(),
	)
	t, err := scanSQLiteToken(row)
	if err != nil {
		return nil, err
	}
	return t, tx.Commit()
}

func (s *SQLiteStore) RevokeToken(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE family_access_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		at, id.String(),
	)
	return err
}

func (s *SQLiteStore) ListTokens(ctx context.Context, filter TokenFilter) ([]*models.AccessToken, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT ` + sqliteTokenColumns + ` FROM family_access_tokens WHERE tenant_id = ?`)
	args := []any{filter.TenantID.String()}
	if filter.StudentID != nil {
		query.WriteString(` AND student_id = ?`)
		args = append(args, filter.StudentID.String())
	}
	if filter.PlanID != nil {
		query.WriteString(` AND plan_id = ?`)
		args = append(args, filter.PlanID.String())
	}
	query.WriteString(` ORDER BY issued_at DESC`)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*models.AccessToken
	for rows.Next() {
		t, err := scanSQLiteToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStore) PurgeTokens(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM family_access_tokens WHERE revoked_at IS NOT NULL OR expires_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteToken(row rowScanner) (*models.AccessToken, error) {
	var t models.AccessToken
	var id, tenantID, studentID, planID, issuedBy string
	var lastUsed, revoked sql.NullTime
	err := row.Scan(&id, &tenantID, &studentID, &planID, &t.SecretDigest,
		&issuedBy, &t.IssuedAt, &t.ExpiresAt, &t.UsageLimit, &t.UsageCount,
		&lastUsed, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if t.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parsing token id: %w", err)
	}
	if t.TenantID, err = uuid.Parse(tenantID); err != nil {
		return nil, fmt.Errorf("parsing tenant id: %w", err)
	}
	if t.StudentID, err = uuid.Parse(studentID); err != nil {
		return nil, fmt.Errorf("parsing student id: %w", err)
	}
	if t.PlanID, err = uuid.Parse(planID); err != nil {
		return nil, fmt.Errorf("parsing plan id: %w", err)
	}
	if t.IssuedBy, err = uuid.Parse(issuedBy); err != nil {
		return nil, fmt.Errorf("parsing issuer id: %w", err)
	}
	if lastUsed.Valid {
		t.LastUsedAt = &lastUsed.Time
	}
	if revoked.Valid {
		t.RevokedAt = &revoked.Time
	}
	return &t, nil
}

// --- Platform records ---

func (s *SQLiteStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	var rawID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, network_name, created_at FROM tenants WHERE id = ?`,
		id.String(),
	).Scan(&rawID, &t.NetworkName, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.ID, err = uuid.Parse(rawID)
	return &t, err
}

func (s *SQLiteStore) GetStudent(ctx context.Context, id uuid.UUID) (*models.Student, error) {
	var st models.Student
	var rawID, tenantID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, created_at FROM students WHERE id = ?`,
		id.String(),
	).Scan(&rawID, &tenantID, &st.Name, &st.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if st.ID, err = uuid.Parse(rawID); err != nil {
		return nil, err
	}
	st.TenantID, err = uuid.Parse(tenantID)
	return &st, err
}

func (s *SQLiteStore) GetPlan(ctx context.Context, id uuid.UUID) (*models.Plan, error) {
	var p models.Plan
	var rawID, tenantID, studentID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, student_id, title, status, created_at, updated_at
		 FROM peis WHERE id = ?`,
		id.String(),
	).Scan(&rawID, &tenantID, &studentID, &p.Title, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if p.ID, err = uuid.Parse(rawID); err != nil {
		return nil, err
	}
	if p.TenantID, err = uuid.Parse(tenantID); err != nil {
		return nil, err
	}
	p.StudentID, err = uuid.Parse(studentID)
	return &p, err
}

func (s *SQLiteStore) GetStaff(ctx context.Context, id uuid.UUID) (*models.StaffMember, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, email, role, api_key_id, api_key_hash, created_at
		 FROM staff_members WHERE id = ?`,
		id.String(),
	)
	return scanSQLiteStaff(row)
}

func (s *SQLiteStore) GetStaffByKeyID(ctx context.Context, keyID string) (*models.StaffMember, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, email, role, api_key_id, api_key_hash, created_at
		 FROM staff_members WHERE api_key_id = ?`,
		keyID,
	)
	return scanSQLiteStaff(row)
}

func scanSQLiteStaff(row rowScanner) (*models.StaffMember, error) {
	var m models.StaffMember
	var rawID, tenantID, role string
	err := row.Scan(&rawID, &tenantID, &m.Name, &m.Email, &role, &m.APIKeyID, &m.APIKeyHash, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if m.ID, err = uuid.Parse(rawID); err != nil {
		return nil, err
	}
	if m.TenantID, err = uuid.Parse(tenantID); err != nil {
		return nil, err
	}
	m.Role = models.StaffRole(role)
	return &m, nil
}

// --- Access attempts ---

func (s *SQLiteStore) RecordAttempt(ctx context.Context, a *models.AccessAttempt) error {
	var tokenID any
	if a.TokenID != nil {
		tokenID = a.TokenID.String()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO family_access_attempts (token_id, attempted_at, client_ip, success, reason)
		 VALUES (?, ?, ?, ?, ?)`,
		tokenID, a.AttemptedAt, a.ClientIP, a.Success, a.Reason,
	)
	if err != nil {
		return fmt.Errorf("inserting access attempt: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) QueryAttempts(ctx context.Context, filter AttemptFilter) ([]*models.AccessAttempt, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, token_id, attempted_at, client_ip, success, reason
		 FROM family_access_attempts WHERE 1=1`)
	args := []any{}
	if filter.TokenID != nil {
		query.WriteString(` AND token_id = ?`)
		args = append(args, filter.TokenID.String())
	}
	if filter.Success != nil {
		query.WriteString(` AND success = ?`)
		args = append(args, *filter.Success)
	}
	if filter.Since != nil {
		query.WriteString(` AND attempted_at >= ?`)
		args = append(args, *filter.Since)
	}
	query.WriteString(` ORDER BY attempted_at DESC`)
	if filter.Limit > 0 {
		query.WriteString(` LIMIT ?`)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*models.AccessAttempt
	for rows.Next() {
		var a models.AccessAttempt
		var tokenID sql.NullString
		if err := rows.Scan(&a.ID, &tokenID, &a.AttemptedAt, &a.ClientIP, &a.Success, &a.Reason); err != nil {
			return nil, err
		}
		if tokenID.Valid {
			id, err := uuid.Parse(tokenID.String)
			if err != nil {
				return nil, fmt.Errorf("parsing attempt token id: %w", err)
			}
			a.TokenID = &id
		}
		attempts = append(attempts, &a)
	}
	return attempts, rows.Err()
}

// --- Metrics ---

func (s *SQLiteStore) CountActiveTokens(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM family_access_tokens
		 WHERE revoked_at IS NULL AND expires_at > ? AND usage_count < usage_limit`,
		now,
	).Scan(&count)
	return count, err
}
