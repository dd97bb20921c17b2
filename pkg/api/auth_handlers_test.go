package api

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortly/tms/pkg/audit"
	"github.com/cohortly/tms/pkg/auth"
	"github.com/cohortly/tms/pkg/middleware"
	"github.com/cohortly/tms/pkg/observability"
)

// auditSink is an in-memory audit.Logger for handler tests.
type auditSink struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (s *auditSink) Log(ctx context.Context, event *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *auditSink) Search(ctx context.Context, filter audit.SearchFilter) ([]*audit.Event, error) {
	return nil, nil
}

func (s *auditSink) GetStats(ctx context.Context, startTime, endTime *time.Time) (*audit.Stats, error) {
	return nil, nil
}

func (s *auditSink) Close() error { return nil }

func (s *auditSink) last(t *testing.T) *audit.Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.events)
	return s.events[len(s.events)-1]
}

type authTestEnv struct {
	handlers *AuthHandlers
	mock     sqlmock.Sqlmock
	sink     *auditSink
	tokens   *auth.TokenService
	db       *sql.DB
}

func newAuthTestEnv(t *testing.T) *authTestEnv {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := auth.NewStore(db)
	require.NoError(t, err)

	tokens, err := auth.NewTokenService("handler-test-secret", time.Hour, 24*time.Hour, store)
	require.NoError(t, err)

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	guard, err := middleware.NewCSRFGuard("csrf-handler-secret", time.Hour, false, false, nil, logger)
	require.NoError(t, err)

	sink := &auditSink{}
	recorder := audit.NewRecorder(sink, logger, nil)

	handlers := NewAuthHandlers(store, tokens, guard, recorder, logger, nil,
		time.Hour, 24*time.Hour, false)

	return &authTestEnv{handlers: handlers, mock: mock, sink: sink, tokens: tokens, db: db}
}

var userColumns = []string{
	"id", "email", "display_name", "role", "password_hash",
	"sso_provider", "sso_subject", "last_login_at", "created_at", "updated_at",
}

func userRow(t *testing.T, id int64, email string, role auth.Role, password string) *sqlmock.Rows {
	t.Helper()
	var hash driver.Value
	if password != "" {
		hashed, err := auth.HashPassword(password)
		require.NoError(t, err)
		hash = hashed
	}
	now := time.Now().UTC()
	return sqlmock.NewRows(userColumns).
		AddRow(id, email, "Test User", string(role), hash, nil, nil, nil, now, now)
}

func ssoUserRow(id int64, email string, role auth.Role) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(userColumns).
		AddRow(id, email, "Federated User", string(role), nil, "okta", "sub-1", nil, now, now)
}

func postJSON(path string, body interface{}) *http.Request {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func cookieByName(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("cookie %s not set", name)
	return nil
}

func TestLoginSuccess(t *testing.T) {
	env := newAuthTestEnv(t)

	env.mock.ExpectQuery("SELECT .* FROM users WHERE email").
		WithArgs("alice@example.com").
		WillReturnRows(userRow(t, 1, "alice@example.com", auth.RoleCoordinator, "hunter22"))
	env.mock.ExpectExec("UPDATE users SET last_login_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := httptest.NewRecorder()
	env.handlers.Login(rec, postJSON("/api/v1/auth/login", loginRequest{
		Email:    "alice@example.com",
		Password: "hunter22",
	}))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.User)
	assert.Equal(t, int64(1), resp.User.ID)
	assert.NotEmpty(t, resp.AccessToken)

	access := cookieByName(t, rec, middleware.AccessTokenCookie)
	assert.True(t, access.HttpOnly)
	refresh := cookieByName(t, rec, middleware.RefreshTokenCookie)
	assert.True(t, refresh.HttpOnly)

	claims, err := env.tokens.Verify(access.Value)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", claims.Email)

	event := env.sink.last(t)
	assert.Equal(t, audit.EventTypeAuthLogin, event.EventType)
	assert.Equal(t, audit.OutcomeSuccess, event.Outcome)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestLoginWrongPassword(t *testing.T) {
	env := newAuthTestEnv(t)

	env.mock.ExpectQuery("SELECT .* FROM users WHERE email").
		WithArgs("alice@example.com").
		WillReturnRows(userRow(t, 1, "alice@example.com", auth.RoleCoordinator, "hunter22"))

	rec := httptest.NewRecorder()
	env.handlers.Login(rec, postJSON("/api/v1/auth/login", loginRequest{
		Email:    "alice@example.com",
		Password: "not-the-password",
	}))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid credentials")

	event := env.sink.last(t)
	assert.Equal(t, audit.EventTypeAuthLoginFailed, event.EventType)
	assert.Equal(t, "alice@example.com", event.ActorEmail)
}

func TestLoginUnknownEmail(t *testing.T) {
	env := newAuthTestEnv(t)

	env.mock.ExpectQuery("SELECT .* FROM users WHERE email").
		WithArgs("ghost@example.com").
		WillReturnError(sql.ErrNoRows)

	rec := httptest.NewRecorder()
	env.handlers.Login(rec, postJSON("/api/v1/auth/login", loginRequest{
		Email:    "ghost@example.com",
		Password: "whatever",
	}))

	// identical response to a wrong password
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid credentials")
}

func TestLoginSSOOnlyAccount(t *testing.T) {
	env := newAuthTestEnv(t)

	env.mock.ExpectQuery("SELECT .* FROM users WHERE email").
		WithArgs("fed@example.com").
		WillReturnRows(ssoUserRow(2, "fed@example.com", auth.RoleFacilitator))

	rec := httptest.NewRecorder()
	env.handlers.Login(rec, postJSON("/api/v1/auth/login", loginRequest{
		Email:    "fed@example.com",
		Password: "irrelevant",
	}))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid credentials")
}

func TestLoginMissingFields(t *testing.T) {
	env := newAuthTestEnv(t)

	rec := httptest.NewRecorder()
	env.handlers.Login(rec, postJSON("/api/v1/auth/login", loginRequest{Email: "a@b.co"}))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshPicksUpRoleChange(t *testing.T) {
	env := newAuthTestEnv(t)

	pair, err := env.tokens.Issue(&auth.User{ID: 5, Email: "bob@example.com", Role: auth.RoleFacilitator})
	require.NoError(t, err)

	// the account was promoted since the refresh token was issued
	env.mock.ExpectQuery("SELECT .* FROM users WHERE id").
		WithArgs(int64(5)).
		WillReturnRows(userRow(t, 5, "bob@example.com", auth.RoleCoordinator, "pw"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: middleware.RefreshTokenCookie, Value: pair.RefreshToken})

	rec := httptest.NewRecorder()
	env.handlers.Refresh(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	access := cookieByName(t, rec, middleware.AccessTokenCookie)
	claims, err := env.tokens.Verify(access.Value)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleCoordinator, claims.Role)
}

func TestRefreshDeletedAccountIsDistinguishable(t *testing.T) {
	env := newAuthTestEnv(t)

	pair, err := env.tokens.Issue(&auth.User{ID: 5, Email: "bob@example.com", Role: auth.RoleFacilitator})
	require.NoError(t, err)

	// the account was deleted after the refresh token was issued
	env.mock.ExpectQuery("SELECT .* FROM users WHERE id").
		WithArgs(int64(5)).
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: middleware.RefreshTokenCookie, Value: pair.RefreshToken})

	rec := httptest.NewRecorder()
	env.handlers.Refresh(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "account no longer exists")

	event := env.sink.last(t)
	assert.Equal(t, audit.EventTypeAuthTokenRefresh, event.EventType)
	assert.Equal(t, audit.OutcomeFailure, event.Outcome)
}

func TestRefreshFromBody(t *testing.T) {
	env := newAuthTestEnv(t)

	pair, err := env.tokens.Issue(&auth.User{ID: 5, Email: "bob@example.com", Role: auth.RoleHR})
	require.NoError(t, err)

	env.mock.ExpectQuery("SELECT .* FROM users WHERE id").
		WithArgs(int64(5)).
		WillReturnRows(userRow(t, 5, "bob@example.com", auth.RoleHR, "pw"))

	rec := httptest.NewRecorder()
	env.handlers.Refresh(rec, postJSON("/api/v1/auth/refresh", refreshRequest{
		RefreshToken: pair.RefreshToken,
	}))

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	env := newAuthTestEnv(t)

	pair, err := env.tokens.Issue(&auth.User{ID: 5, Email: "bob@example.com", Role: auth.RoleHR})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: middleware.RefreshTokenCookie, Value: pair.AccessToken})

	rec := httptest.NewRecorder()
	env.handlers.Refresh(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	event := env.sink.last(t)
	assert.Equal(t, audit.EventTypeAuthTokenRefresh, event.EventType)
	assert.Equal(t, audit.OutcomeFailure, event.Outcome)
}

func TestRefreshWithoutToken(t *testing.T) {
	env := newAuthTestEnv(t)

	rec := httptest.NewRecorder()
	env.handlers.Refresh(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "refresh token required")
}

func TestLogoutWithoutSession(t *testing.T) {
	env := newAuthTestEnv(t)

	rec := httptest.NewRecorder()
	env.handlers.Logout(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)

	access := cookieByName(t, rec, middleware.AccessTokenCookie)
	assert.Empty(t, access.Value)
	assert.Negative(t, access.MaxAge)

	event := env.sink.last(t)
	assert.Equal(t, audit.EventTypeAuthLogout, event.EventType)
	assert.Nil(t, event.ActorID)
}

func TestLogoutAttributesActorFromCookie(t *testing.T) {
	env := newAuthTestEnv(t)

	pair, err := env.tokens.Issue(&auth.User{ID: 9, Email: "carol@example.com", Role: auth.RoleAdmin})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: middleware.AccessTokenCookie, Value: pair.AccessToken})

	rec := httptest.NewRecorder()
	env.handlers.Logout(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	event := env.sink.last(t)
	require.NotNil(t, event.ActorID)
	assert.Equal(t, int64(9), *event.ActorID)
	assert.Equal(t, "carol@example.com", event.ActorEmail)
}

func TestMe(t *testing.T) {
	env := newAuthTestEnv(t)

	env.mock.ExpectQuery("SELECT .* FROM users WHERE id").
		WithArgs(int64(3)).
		WillReturnRows(userRow(t, 3, "dave@example.com", auth.RoleHR, "pw"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req = req.WithContext(middleware.WithPrincipal(req.Context(), &auth.Principal{
		UserID: 3, Email: "dave@example.com", Role: auth.RoleHR,
	}))

	rec := httptest.NewRecorder()
	env.handlers.Me(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var user auth.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.Equal(t, int64(3), user.ID)
	assert.Equal(t, "dave@example.com", user.Email)
}

func TestMeAccountDeleted(t *testing.T) {
	env := newAuthTestEnv(t)

	env.mock.ExpectQuery("SELECT .* FROM users WHERE id").
		WithArgs(int64(3)).
		WillReturnError(sql.ErrNoRows)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req = req.WithContext(middleware.WithPrincipal(req.Context(), &auth.Principal{
		UserID: 3, Email: "dave@example.com", Role: auth.RoleHR,
	}))

	rec := httptest.NewRecorder()
	env.handlers.Me(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "account no longer exists")
}

func TestMeWithoutPrincipal(t *testing.T) {
	env := newAuthTestEnv(t)

	rec := httptest.NewRecorder()
	env.handlers.Me(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIssueCSRF(t *testing.T) {
	env := newAuthTestEnv(t)

	rec := httptest.NewRecorder()
	env.handlers.IssueCSRF(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["csrf_token"])

	value := cookieByName(t, rec, middleware.CSRFValueCookie)
	assert.Equal(t, resp["csrf_token"], value.Value)
	assert.False(t, value.HttpOnly)

	signed := cookieByName(t, rec, middleware.CSRFCookie)
	assert.True(t, signed.HttpOnly)
}
