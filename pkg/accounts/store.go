package accounts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/oidcaccount/pkg/authz"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Activity types recorded by the login flow
const (
	ActivitySignIn  = "sign_in"
	ActivitySignOut = "sign_out"
)

// Identity is what an identity provider asserts about a user
type Identity struct {
	Issuer  string
	Subject string
	Email   string
	Name    string
	Locale  string
}

// Activity is one entry of a user's activity log
type Activity struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	IPAddress   string    `json:"ip_address,omitempty"`
	Type        string    `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	Description string    `json:"description,omitempty"`
}

// Store handles account persistence
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new account store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const userColumns = `id, issuer, subject, email, name, locale, enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*authz.User, error) {
	var u authz.User
	err := row.Scan(&u.ID, &u.Issuer, &u.Subject, &u.Email, &u.Name, &u.Locale, &u.Enabled, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// FindOrCreateUser returns the user keyed by (issuer, subject), creating
// it from id when absent. created reports whether a row was inserted.
func (s *Store) FindOrCreateUser(ctx context.Context, id Identity) (user *authz.User, created bool, err error) {
	if id.Issuer == "" || id.Subject == "" {
		return nil, false, fmt.Errorf("issuer and subject are required")
	}

	user, err = s.userByIdentity(ctx, id.Issuer, id.Subject)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	locale := id.Locale
	if locale == "" {
		locale = "en_US"
	}
	now := s.now()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (issuer, subject, email, name, locale, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+userColumns,
		id.Issuer, id.Subject, id.Email, id.Name, locale, true, now, now,
	)
	user, err = scanUser(row)
	if err != nil {
		// A concurrent login may have inserted the same identity.
		if existing, lookupErr := s.userByIdentity(ctx, id.Issuer, id.Subject); lookupErr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}
	return user, true, nil
}

func (s *Store) userByIdentity(ctx context.Context, issuer, subject string) (*authz.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE issuer = $1 AND subject = $2`,
		issuer, subject,
	)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID int64) (*authz.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpdateProfile overwrites the email and name of a user. An empty
// locale keeps the stored one.
func (s *Store) UpdateProfile(ctx context.Context, userID int64, id Identity) error {
	return s.execOne(ctx, "user", userID, `
		UPDATE users SET email = $1, name = $2, locale = COALESCE(NULLIF($3, ''), locale), updated_at = $4 WHERE id = $5
	`, id.Email, id.Name, id.Locale, s.now(), userID)
}

// SetUserEnabled enables or disables an account
func (s *Store) SetUserEnabled(ctx context.Context, userID int64, enabled bool) error {
	return s.execOne(ctx, "user", userID,
		`UPDATE users SET enabled = $1, updated_at = $2 WHERE id = $3`,
		enabled, s.now(), userID,
	)
}

func (s *Store) execOne(ctx context.Context, kind string, id int64, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

// CreateRole creates a new role
func (s *Store) CreateRole(ctx context.Context, role *authz.Role) error {
	if role.Slug == "" || role.Name == "" {
		return fmt.Errorf("role slug and name are required")
	}
	now := s.now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO roles (slug, name, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, role.Slug, role.Name, role.Description, now, now).Scan(&role.ID)
	if err != nil {
		return fmt.Errorf("failed to create role: %w", err)
	}
	role.CreatedAt = now
	return nil
}

// GetRoleBySlug retrieves a role by slug
func (s *Store) GetRoleBySlug(ctx context.Context, slug string) (*authz.Role, error) {
	var role authz.Role
	var description sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, description, created_at FROM roles WHERE slug = $1`, slug,
	).Scan(&role.ID, &role.Slug, &role.Name, &description, &role.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("role %q: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	role.Description = description.String
	return &role, nil
}

// AssignRole gives a user a role. Assigning a held role is a no-op.
func (s *Store) AssignRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_users (user_id, role_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, role_id) DO NOTHING
	`, userID, roleID, s.now())
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	return nil
}

// RevokeRole removes a role from a user
func (s *Store) RevokeRole(ctx context.Context, userID, roleID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM role_users WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	return nil
}

// RolesForUser lists the roles held by a user ordered by id
func (s *Store) RolesForUser(ctx context.Context, userID int64) ([]authz.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.slug, r.name, r.description, r.created_at
		FROM roles r
		JOIN role_users ru ON ru.role_id = r.id
		WHERE ru.user_id = $1
		ORDER BY r.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []authz.Role
	for rows.Next() {
		var role authz.Role
		var description sql.NullString
		if err := rows.Scan(&role.ID, &role.Slug, &role.Name, &description, &role.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		role.Description = description.String
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// CreatePermission stores a permission. The template is encoded in its
// stored JSON form.
func (s *Store) CreatePermission(ctx context.Context, p *authz.Permission) error {
	if p.Slug == "" || p.Callback == "" {
		return fmt.Errorf("permission slug and callback are required")
	}
	if p.Name == "" {
		p.Name = p.Slug
	}

	var params sql.NullString
	if p.Parameters != nil {
		data, err := json.Marshal(p.Parameters)
		if err != nil {
			return fmt.Errorf("failed to marshal parameters: %w", err)
		}
		params = sql.NullString{String: string(data), Valid: true}
	}

	now := s.now()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO permissions (slug, name, callback, parameters, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, p.Slug, p.Name, p.Callback, params, p.Description, now, now).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to create permission: %w", err)
	}
	p.CreatedAt = now
	return nil
}

// CreatePermissionFromJSON stores a permission whose template is given in
// stored form, rejecting malformed templates before anything is written.
func (s *Store) CreatePermissionFromJSON(ctx context.Context, p *authz.Permission, template []byte) error {
	tmpl, err := authz.ParseTemplate(template)
	if err != nil {
		return err
	}
	p.Parameters = tmpl
	return s.CreatePermission(ctx, p)
}

// GrantPermission attaches a permission to a role
func (s *Store) GrantPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_roles (permission_id, role_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (permission_id, role_id) DO NOTHING
	`, permissionID, roleID, s.now())
	if err != nil {
		return fmt.Errorf("failed to grant permission: %w", err)
	}
	return nil
}

// PermissionsForUser returns the permissions with slug reachable through
// the user's roles, ordered by id. A stored template that does not
// decode marks only its own permission Invalid.
func (s *Store) PermissionsForUser(ctx context.Context, userID int64, slug string) ([]authz.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT p.id, p.slug, p.name, p.callback, p.parameters, p.description, p.created_at
		FROM permissions p
		JOIN permission_roles pr ON pr.permission_id = p.id
		JOIN role_users ru ON ru.role_id = pr.role_id
		WHERE ru.user_id = $1 AND p.slug = $2
		ORDER BY p.id
	`, userID, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	defer rows.Close()

	var permissions []authz.Permission
	for rows.Next() {
		var p authz.Permission
		var params, description sql.NullString
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.Callback, &params, &description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		p.Description = description.String
		if params.Valid {
			if p.Parameters, err = authz.ParseTemplate([]byte(params.String)); err != nil {
				p.Invalid = fmt.Errorf("permission %d: %w", p.ID, err)
			}
		}
		permissions = append(permissions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	return permissions, nil
}

// RecordActivity appends to a user's activity log
func (s *Store) RecordActivity(ctx context.Context, a *Activity) error {
	if a.Type == "" {
		return fmt.Errorf("activity type is required")
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = s.now()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO activities (user_id, ip_address, type, occurred_at, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, a.UserID, nullString(a.IPAddress), a.Type, a.OccurredAt, nullString(a.Description)).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	return nil
}

// ListActivities returns a user's most recent activities first
func (s *Store) ListActivities(ctx context.Context, userID int64, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, ip_address, type, occurred_at, description
		FROM activities
		WHERE user_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list activities: %w", err)
	}
	defer rows.Close()

	var activities []Activity
	for rows.Next() {
		var a Activity
		var ip, description sql.NullString
		if err := rows.Scan(&a.ID, &a.UserID, &ip, &a.Type, &a.OccurredAt, &description); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		a.IPAddress = ip.String
		a.Description = description.String
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
