// Package accounts persists users, roles, permissions and the activity
// log over database/sql. SQLite and PostgreSQL are supported; the schema
// is created by Migrate.
//
// Store implements authz.PermissionSource.
package accounts
