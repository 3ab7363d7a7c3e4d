package accounts

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/oidcaccount/pkg/observability"
)

// Dialect selects the SQL flavour of the schema
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect maps a database/sql driver name to a Dialect
func ParseDialect(driver string) (Dialect, error) {
	switch Dialect(driver) {
	case DialectSQLite, DialectPostgres:
		return Dialect(driver), nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

// Migration represents a schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

func (d Dialect) serial() string {
	if d == DialectPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (d Dialect) bigint() string {
	if d == DialectPostgres {
		return "BIGINT"
	}
	return "INTEGER"
}

// Migrations returns the schema for dialect in version order
func Migrations(d Dialect) []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS users (
					id %s,
					issuer VARCHAR(255) NOT NULL,
					subject VARCHAR(255) NOT NULL,
					email VARCHAR(254) NOT NULL DEFAULT '',
					name VARCHAR(255) NOT NULL DEFAULT '',
					locale VARCHAR(10) NOT NULL DEFAULT 'en_US',
					enabled BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					UNIQUE(issuer, subject)
				);

				CREATE INDEX IF NOT EXISTS idx_users_subject ON users(subject);
				CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
			`, d.serial()),
		},
		{
			Version:     2,
			Description: "Create activities table",
			SQL: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS activities (
					id %s,
					user_id %s NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					ip_address VARCHAR(45),
					type VARCHAR(255) NOT NULL,
					occurred_at TIMESTAMP NOT NULL,
					description TEXT
				);

				CREATE INDEX IF NOT EXISTS idx_activities_user_id ON activities(user_id);
			`, d.serial(), d.bigint()),
		},
		{
			Version:     3,
			Description: "Create roles and role_users tables",
			SQL: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS roles (
					id %s,
					slug VARCHAR(255) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					description TEXT,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE TABLE IF NOT EXISTS role_users (
					user_id %[2]s NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					role_id %[2]s NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					created_at TIMESTAMP NOT NULL,
					PRIMARY KEY (user_id, role_id)
				);

				CREATE INDEX IF NOT EXISTS idx_role_users_role_id ON role_users(role_id);
			`, d.serial(), d.bigint()),
		},
		{
			Version:     4,
			Description: "Create permissions and permission_roles tables",
			SQL: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS permissions (
					id %s,
					slug VARCHAR(255) NOT NULL,
					name VARCHAR(255) NOT NULL,
					callback VARCHAR(255) NOT NULL,
					parameters TEXT,
					description TEXT,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_permissions_slug ON permissions(slug);

				CREATE TABLE IF NOT EXISTS permission_roles (
					permission_id %[2]s NOT NULL REFERENCES permissions(id) ON DELETE CASCADE,
					role_id %[2]s NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
					created_at TIMESTAMP NOT NULL,
					PRIMARY KEY (permission_id, role_id)
				);

				CREATE INDEX IF NOT EXISTS idx_permission_roles_role_id ON permission_roles(role_id);
			`, d.serial(), d.bigint()),
		},
		{
			Version:     5,
			Description: "Seed default roles",
			SQL: `
				INSERT INTO roles (slug, name, description, created_at, updated_at)
				VALUES ('site-admin', 'Site Administrator',
					'Site administrators can do anything except create, edit, or delete other administrators.',
					CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
				ON CONFLICT (slug) DO NOTHING;
			`,
		},
	}
}

// Migrate applies every migration not yet recorded in schema_migrations
func Migrate(ctx context.Context, db *sql.DB, d Dialect, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NopLogger()
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range Migrations(d) {
		if applied[migration.Version] {
			continue
		}

		log := logger.WithFields(map[string]interface{}{
			"version":     migration.Version,
			"description": migration.Description,
		})
		log.Info("Running migration")

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}
	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
