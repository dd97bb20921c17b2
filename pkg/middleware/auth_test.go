package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortly/tms/pkg/auth"
	"github.com/cohortly/tms/pkg/observability"
)

type staticLookup struct {
	user *auth.User
}

func (s *staticLookup) GetByID(_ context.Context, _ int64) (*auth.User, error) {
	if s.user == nil {
		return nil, auth.ErrUserNotFound
	}
	return s.user, nil
}

func newTestTokenService(t *testing.T) *auth.TokenService {
	t.Helper()
	svc, err := auth.NewTokenService("test-secret-test-secret-test-secr", time.Hour, 24*time.Hour, &staticLookup{})
	require.NoError(t, err)
	return svc
}

func issueAccessToken(t *testing.T, svc *auth.TokenService, user *auth.User) string {
	t.Helper()
	pair, err := svc.Issue(user)
	require.NoError(t, err)
	return pair.AccessToken
}

func principalEcho() (http.Handler, *auth.Principal) {
	captured := &auth.Principal{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := PrincipalFromContext(r.Context()); p != nil {
			*captured = *p
		}
		w.WriteHeader(http.StatusOK)
	})
	return handler, captured
}

func TestAuthenticateBearerHeader(t *testing.T) {
	svc := newTestTokenService(t)
	token := issueAccessToken(t, svc, &auth.User{ID: 7, Email: "c@example.org", Role: auth.RoleCoordinator})

	handler, captured := principalEcho()
	wrapped := Authenticate(AuthConfig{Verifier: svc})(handler)

	req := httptest.NewRequest("GET", "/api/v1/programs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), captured.UserID)
	assert.Equal(t, auth.RoleCoordinator, captured.Role)
}

func TestAuthenticateCookieFallback(t *testing.T) {
	svc := newTestTokenService(t)
	token := issueAccessToken(t, svc, &auth.User{ID: 2, Email: "hr@example.org", Role: auth.RoleHR})

	handler, captured := principalEcho()
	wrapped := Authenticate(AuthConfig{Verifier: svc})(handler)

	req := httptest.NewRequest("GET", "/api/v1/participants", nil)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: token})
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), captured.UserID)
}

func TestAuthenticateHeaderTakesPrecedence(t *testing.T) {
	svc := newTestTokenService(t)
	headerToken := issueAccessToken(t, svc, &auth.User{ID: 1, Email: "a@example.org", Role: auth.RoleAdmin})
	cookieToken := issueAccessToken(t, svc, &auth.User{ID: 9, Email: "b@example.org", Role: auth.RoleFacilitator})

	handler, captured := principalEcho()
	wrapped := Authenticate(AuthConfig{Verifier: svc})(handler)

	req := httptest.NewRequest("GET", "/api/v1/programs", nil)
	req.Header.Set("Authorization", "Bearer "+headerToken)
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: cookieToken})
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, int64(1), captured.UserID)
}

func TestAuthenticateNonBearerHeaderFallsBackToCookie(t *testing.T) {
	svc := newTestTokenService(t)
	token := issueAccessToken(t, svc, &auth.User{ID: 5, Email: "f@example.org", Role: auth.RoleFacilitator})

	handler, captured := principalEcho()
	wrapped := Authenticate(AuthConfig{Verifier: svc})(handler)

	req := httptest.NewRequest("GET", "/api/v1/cohorts", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: token})
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5), captured.UserID)
}

func TestAuthenticateMissingToken(t *testing.T) {
	svc := newTestTokenService(t)
	handler, _ := principalEcho()
	wrapped := Authenticate(AuthConfig{Verifier: svc})(handler)

	req := httptest.NewRequest("GET", "/api/v1/programs", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticateGarbageToken(t *testing.T) {
	svc := newTestTokenService(t)
	handler, _ := principalEcho()
	wrapped := Authenticate(AuthConfig{Verifier: svc})(handler)

	req := httptest.NewRequest("GET", "/api/v1/programs", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticateCountsVerifyFailures(t *testing.T) {
	svc := newTestTokenService(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	handler, _ := principalEcho()
	wrapped := Authenticate(AuthConfig{Verifier: svc, Metrics: metrics})(handler)

	req := httptest.NewRequest("GET", "/api/v1/programs", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.TokenVerifyFailed))
}

func TestAuthenticateRefreshTokenRejectedAsAccess(t *testing.T) {
	svc := newTestTokenService(t)
	pair, err := svc.Issue(&auth.User{ID: 4, Email: "d@example.org", Role: auth.RoleHR})
	require.NoError(t, err)

	handler, _ := principalEcho()
	wrapped := Authenticate(AuthConfig{Verifier: svc})(handler)

	req := httptest.NewRequest("GET", "/api/v1/programs", nil)
	req.Header.Set("Authorization", "Bearer "+pair.RefreshToken)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticateDevBypass(t *testing.T) {
	handler, captured := principalEcho()
	wrapped := Authenticate(AuthConfig{DevBypass: true})(handler)

	req := httptest.NewRequest("GET", "/api/v1/programs", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, auth.RoleAdmin, captured.Role)
	assert.Equal(t, "dev@localhost", captured.Email)
}

func TestAuthenticateOptionalAnonymous(t *testing.T) {
	svc := newTestTokenService(t)
	var sawPrincipal bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawPrincipal = PrincipalFromContext(r.Context()) != nil
		w.WriteHeader(http.StatusOK)
	})
	wrapped := AuthenticateOptional(AuthConfig{Verifier: svc})(handler)

	req := httptest.NewRequest("GET", "/api/v1/public", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, sawPrincipal)
}

func TestPipelineOrder(t *testing.T) {
	var order []string
	stage := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	p := NewPipeline(stage("first")).Use(stage("second"), stage("third"))
	handler := p.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, []string{"first", "second", "third", "handler"}, order)
}
