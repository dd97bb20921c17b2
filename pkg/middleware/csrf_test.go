package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T, testMode bool) *CSRFGuard {
	t.Helper()
	guard, err := NewCSRFGuard("csrf-test-secret", 24*time.Hour, false, testMode, nil, nil)
	require.NoError(t, err)
	return guard
}

// issuePair runs Issue and returns the signed cookie and the bare value.
func issuePair(t *testing.T, guard *CSRFGuard) (signed, value string) {
	t.Helper()
	rec := httptest.NewRecorder()
	issued, err := guard.Issue(rec)
	require.NoError(t, err)

	for _, cookie := range rec.Result().Cookies() {
		switch cookie.Name {
		case CSRFCookie:
			signed = cookie.Value
		case CSRFValueCookie:
			assert.Equal(t, issued, cookie.Value)
		}
	}
	require.NotEmpty(t, signed)
	return signed, issued
}

func TestCSRFIssueSetsBothCookies(t *testing.T) {
	guard := newTestGuard(t, false)
	rec := httptest.NewRecorder()
	value, err := guard.Issue(rec)
	require.NoError(t, err)
	require.NotEmpty(t, value)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 2)

	byName := map[string]*http.Cookie{}
	for _, cookie := range cookies {
		byName[cookie.Name] = cookie
	}

	signed := byName[CSRFCookie]
	require.NotNil(t, signed)
	assert.True(t, signed.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, signed.SameSite)
	assert.Equal(t, int((24 * time.Hour).Seconds()), signed.MaxAge)
	assert.True(t, strings.HasPrefix(signed.Value, value+"."))

	readable := byName[CSRFValueCookie]
	require.NotNil(t, readable)
	assert.False(t, readable.HttpOnly)
	assert.Equal(t, value, readable.Value)
}

func TestCSRFValidateHappyPath(t *testing.T) {
	guard := newTestGuard(t, false)
	signed, value := issuePair(t, guard)

	req := httptest.NewRequest("POST", "/api/v1/programs", nil)
	req.AddCookie(&http.Cookie{Name: CSRFCookie, Value: signed})
	req.Header.Set(CSRFHeader, value)

	assert.NoError(t, guard.Validate(req))
}

func TestCSRFValidateMissing(t *testing.T) {
	guard := newTestGuard(t, false)
	signed, value := issuePair(t, guard)

	// no cookie, no header
	req := httptest.NewRequest("POST", "/x", nil)
	assert.ErrorIs(t, guard.Validate(req), ErrCSRFNotFound)

	// cookie but no header
	req = httptest.NewRequest("POST", "/x", nil)
	req.AddCookie(&http.Cookie{Name: CSRFCookie, Value: signed})
	assert.ErrorIs(t, guard.Validate(req), ErrCSRFNotFound)

	// header but no cookie
	req = httptest.NewRequest("POST", "/x", nil)
	req.Header.Set(CSRFHeader, value)
	assert.ErrorIs(t, guard.Validate(req), ErrCSRFNotFound)
}

func TestCSRFValidateForgedSignature(t *testing.T) {
	guard := newTestGuard(t, false)
	_, value := issuePair(t, guard)

	req := httptest.NewRequest("POST", "/x", nil)
	req.AddCookie(&http.Cookie{Name: CSRFCookie, Value: value + ".deadbeef"})
	req.Header.Set(CSRFHeader, value)
	assert.ErrorIs(t, guard.Validate(req), ErrCSRFInvalidSignature)

	// unsigned cookie (no separator)
	req = httptest.NewRequest("POST", "/x", nil)
	req.AddCookie(&http.Cookie{Name: CSRFCookie, Value: value})
	req.Header.Set(CSRFHeader, value)
	assert.ErrorIs(t, guard.Validate(req), ErrCSRFInvalidSignature)
}

func TestCSRFValidateSignedByOtherSecret(t *testing.T) {
	guard := newTestGuard(t, false)
	other, err := NewCSRFGuard("some-other-secret", 24*time.Hour, false, false, nil, nil)
	require.NoError(t, err)
	signed, value := issuePair(t, other)

	req := httptest.NewRequest("POST", "/x", nil)
	req.AddCookie(&http.Cookie{Name: CSRFCookie, Value: signed})
	req.Header.Set(CSRFHeader, value)
	assert.ErrorIs(t, guard.Validate(req), ErrCSRFInvalidSignature)
}

func TestCSRFValidateHeaderMismatch(t *testing.T) {
	guard := newTestGuard(t, false)
	signed, _ := issuePair(t, guard)
	_, otherValue := issuePair(t, guard)

	req := httptest.NewRequest("POST", "/x", nil)
	req.AddCookie(&http.Cookie{Name: CSRFCookie, Value: signed})
	req.Header.Set(CSRFHeader, otherValue)
	assert.ErrorIs(t, guard.Validate(req), ErrCSRFMismatch)
}

func TestCSRFProtectSkipsSafeMethods(t *testing.T) {
	guard := newTestGuard(t, false)
	handler := guard.Protect()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, method := range []string{"GET", "HEAD", "OPTIONS"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(method, "/x", nil))
		assert.Equal(t, http.StatusOK, rec.Code, method)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("POST", "/x", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCSRFProtectTestMode(t *testing.T) {
	guard := newTestGuard(t, true)
	handler := guard.Protect()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("DELETE", "/x", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
