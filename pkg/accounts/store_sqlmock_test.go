package accounts

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewStore(db), mock
}

var errDown = errors.New("connection refused")

func TestStore_PermissionsForUserQueryError(t *testing.T) {
	store, mock := setupMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT p.id")).
		WithArgs(int64(7), "edit_post").
		WillReturnError(errDown)

	_, err := store.PermissionsForUser(context.Background(), 7, "edit_post")
	assert.ErrorIs(t, err, errDown)
}

func TestStore_PermissionsForUserRowError(t *testing.T) {
	store, mock := setupMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "slug", "name", "callback", "parameters", "description", "created_at"}).
		AddRow(1, "edit_post", "edit_post", "owner", nil, nil, time.Now()).
		RowError(0, errDown)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT p.id")).WillReturnRows(rows)

	_, err := store.PermissionsForUser(context.Background(), 7, "edit_post")
	assert.ErrorIs(t, err, errDown)
}

func TestStore_GetUserError(t *testing.T) {
	store, mock := setupMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs(int64(3)).
		WillReturnError(errDown)

	_, err := store.GetUser(context.Background(), 3)
	assert.ErrorIs(t, err, errDown)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestStore_FindOrCreateUserInsertError(t *testing.T) {
	store, mock := setupMockStore(t)
	lookup := regexp.QuoteMeta("FROM users WHERE issuer = $1 AND subject = $2")

	mock.ExpectQuery(lookup).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO users")).WillReturnError(errDown)
	mock.ExpectQuery(lookup).WillReturnError(sql.ErrNoRows)

	_, _, err := store.FindOrCreateUser(context.Background(), alice())
	assert.ErrorIs(t, err, errDown)
}

func TestStore_SetUserEnabledErrors(t *testing.T) {
	store, mock := setupMockStore(t)
	update := regexp.QuoteMeta("UPDATE users SET enabled")

	mock.ExpectExec(update).WillReturnError(errDown)
	assert.ErrorIs(t, store.SetUserEnabled(context.Background(), 1, false), errDown)

	mock.ExpectExec(update).WillReturnResult(sqlmock.NewErrorResult(errDown))
	assert.ErrorIs(t, store.SetUserEnabled(context.Background(), 1, false), errDown)
}

func TestMigrate_FailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS users")).WillReturnError(errDown)
	mock.ExpectRollback()

	err = Migrate(context.Background(), db, DialectPostgres, nil)
	assert.ErrorIs(t, err, errDown)
	assert.NoError(t, mock.ExpectationsWereMet())
}
