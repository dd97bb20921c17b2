package middleware

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cohortly/tms/pkg/httputil"
	"github.com/cohortly/tms/pkg/observability"
)

const (
	// CSRFCookie is the httpOnly cookie carrying "value.signature".
	CSRFCookie = "tms_csrf"
	// CSRFValueCookie is the script-readable cookie carrying the bare value.
	CSRFValueCookie = "tms_csrf_value"
	// CSRFHeader is the request header echoed back by the client.
	CSRFHeader = "x-csrf-token"

	csrfValueBytes = 32
)

// The three rejection reasons are distinct so operators can tell a
// missing token from a forged one from a stale pair.
var (
	ErrCSRFNotFound         = errors.New("csrf token not found")
	ErrCSRFInvalidSignature = errors.New("csrf token signature invalid")
	ErrCSRFMismatch         = errors.New("csrf token mismatch")
)

// CSRFGuard implements the double-submit cookie pattern with an
// HMAC-signed server cookie.
type CSRFGuard struct {
	secret   []byte
	tokenTTL time.Duration
	secure   bool

	// testMode skips validation entirely. Wired from config, which
	// refuses it outside development.
	testMode bool

	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewCSRFGuard creates a guard. secure controls the cookies' Secure flag.
func NewCSRFGuard(secret string, tokenTTL time.Duration, secure, testMode bool, metrics *observability.Metrics, logger *observability.Logger) (*CSRFGuard, error) {
	if secret == "" {
		return nil, fmt.Errorf("csrf secret is required")
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &CSRFGuard{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		secure:   secure,
		testMode: testMode,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

func (g *CSRFGuard) sign(value string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// Issue generates a fresh token pair and sets both cookies. Both are
// always refreshed together so the signed cookie and the readable value
// never drift apart. Returns the bare value for response bodies.
func (g *CSRFGuard) Issue(w http.ResponseWriter) (string, error) {
	raw := make([]byte, csrfValueBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate csrf token: %w", err)
	}
	value := hex.EncodeToString(raw)
	signed := value + "." + g.sign(value)
	maxAge := int(g.tokenTTL.Seconds())

	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookie,
		Value:    signed,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFValueCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: false,
		Secure:   g.secure,
		SameSite: http.SameSiteStrictMode,
	})
	return value, nil
}

// Validate checks the header token against the signed cookie.
func (g *CSRFGuard) Validate(r *http.Request) error {
	cookie, err := r.Cookie(CSRFCookie)
	if err != nil || cookie.Value == "" {
		return ErrCSRFNotFound
	}
	headerToken := r.Header.Get(CSRFHeader)
	if headerToken == "" {
		return ErrCSRFNotFound
	}

	value, signature, ok := strings.Cut(cookie.Value, ".")
	if !ok {
		return ErrCSRFInvalidSignature
	}
	expected := g.sign(value)
	if subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) != 1 {
		return ErrCSRFInvalidSignature
	}
	if subtle.ConstantTimeCompare([]byte(headerToken), []byte(value)) != 1 {
		return ErrCSRFMismatch
	}
	return nil
}

// safeMethods are exempt from CSRF validation.
func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Protect validates unsafe-method requests and rejects failures with 403.
func (g *CSRFGuard) Protect() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g.testMode || safeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			if err := g.Validate(r); err != nil {
				if g.metrics != nil {
					g.metrics.CSRFRejectionsTotal.Inc()
				}
				if g.logger != nil {
					g.logger.WithError(err).WithFields(map[string]interface{}{
						"method": r.Method,
						"path":   r.URL.Path,
						"ip":     httputil.ClientIP(r),
					}).Warn("csrf validation failed")
				}
				httputil.WriteForbidden(w, "csrf validation failed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
