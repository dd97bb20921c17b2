package sso

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortly/tms/pkg/auth"
)

func errNoRows() error { return sql.ErrNoRows }

func provisionedUserRows(id int64, email, role, provider, subject string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "email", "display_name", "role", "password_hash",
		"sso_provider", "sso_subject", "last_login_at", "created_at", "updated_at",
	}).AddRow(id, email, "Test User", role, nil, provider, subject, now, now, now)
}

func TestProvisionCreatesNewUser(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM users WHERE email = (.+) FOR UPDATE").
		WithArgs("new@example.org").
		WillReturnError(errNoRows())
	mock.ExpectQuery("INSERT INTO users").
		WillReturnRows(provisionedUserRows(11, "new@example.org", "COORDINATOR", "saml", "ext-1"))
	mock.ExpectCommit()

	p := NewProvisioner(db)
	user, created, err := p.Provision(context.Background(), &Profile{
		Subject:  "ext-1",
		Email:    "New@Example.org",
		Groups:   []string{"coordinators"},
		Provider: "saml",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(11), user.ID)
	assert.Equal(t, auth.RoleCoordinator, user.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisionUpdatesExistingUser(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM users WHERE email = (.+) FOR UPDATE").
		WithArgs("existing@example.org").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	// role overwritten from current directory groups
	mock.ExpectQuery("UPDATE users").
		WillReturnRows(provisionedUserRows(5, "existing@example.org", "ADMIN", "oidc", "ext-9"))
	mock.ExpectCommit()

	p := NewProvisioner(db)
	user, created, err := p.Provision(context.Background(), &Profile{
		Subject:  "ext-9",
		Email:    "existing@example.org",
		Groups:   []string{"admins"},
		Provider: "oidc",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, auth.RoleAdmin, user.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisionRollsBackOnWriteFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM users WHERE email = (.+) FOR UPDATE").
		WillReturnError(errNoRows())
	mock.ExpectQuery("INSERT INTO users").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	p := NewProvisioner(db)
	_, _, err = p.Provision(context.Background(), &Profile{
		Subject:  "ext-2",
		Email:    "fail@example.org",
		Provider: "saml",
	})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisionInsertRaceSurfacesConflict(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	// a concurrent first login inserted the row between lookup and insert
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM users WHERE email = (.+) FOR UPDATE").
		WillReturnError(errNoRows())
	mock.ExpectQuery("INSERT INTO users").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	p := NewProvisioner(db)
	_, _, err = p.Provision(context.Background(), &Profile{
		Subject:  "ext-3",
		Email:    "race@example.org",
		Provider: "oidc",
	})
	assert.ErrorIs(t, err, auth.ErrEmailTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisionRequiresEmail(t *testing.T) {
	p := NewProvisioner(nil)
	_, _, err := p.Provision(context.Background(), &Profile{Subject: "s"})
	assert.ErrorIs(t, err, ErrEmailNotProvided)
}
