package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/cohortly/tms/pkg/auth"
	"github.com/cohortly/tms/pkg/contextkeys"
	"github.com/cohortly/tms/pkg/httputil"
	"github.com/cohortly/tms/pkg/observability"
)

// AccessTokenCookie is the httpOnly cookie carrying the access token.
const AccessTokenCookie = "tms_token"

// RefreshTokenCookie is the httpOnly cookie carrying the refresh token.
const RefreshTokenCookie = "tms_refresh"

// devBypassPrincipal is the synthetic identity injected when the dev
// auth bypass is active. Config validation refuses to enable the bypass
// outside a development environment.
var devBypassPrincipal = &auth.Principal{
	UserID: 0,
	Email:  "dev@localhost",
	Role:   auth.RoleAdmin,
}

// TokenVerifier verifies an access token and returns its claims.
type TokenVerifier interface {
	Verify(tokenString string) (*auth.Claims, error)
}

// AuthConfig configures the authentication stage.
type AuthConfig struct {
	Verifier TokenVerifier
	Logger   *observability.Logger
	Metrics  *observability.Metrics

	// DevBypass injects a synthetic admin principal without looking at
	// the request. Resolved once at startup by config validation.
	DevBypass bool
}

// Authenticate requires a valid access token on every request. The
// token is taken from the Authorization bearer header first, then from
// the access token cookie. Requests without a valid token get 401.
func Authenticate(cfg AuthConfig) Middleware {
	return authenticate(cfg, true)
}

// AuthenticateOptional attaches a principal when a valid token is
// present and passes the request through anonymous otherwise.
func AuthenticateOptional(cfg AuthConfig) Middleware {
	return authenticate(cfg, false)
}

func authenticate(cfg AuthConfig, required bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.DevBypass {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), devBypassPrincipal)))
				return
			}

			tokenString := extractToken(r)
			if tokenString == "" {
				if required {
					httputil.WriteUnauthorized(w, "authentication required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			claims, err := cfg.Verifier.Verify(tokenString)
			if err != nil {
				if cfg.Metrics != nil {
					cfg.Metrics.TokenVerifyFailed.Inc()
				}
				if required {
					httputil.WriteUnauthorized(w, "invalid or expired token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			principal, err := claims.Principal()
			if err != nil {
				if cfg.Logger != nil {
					cfg.Logger.WithError(err).Warn("token verified but principal malformed")
				}
				if required {
					httputil.WriteUnauthorized(w, "invalid or expired token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// extractToken looks in the Authorization header first, then falls back
// to the access token cookie.
func extractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie(AccessTokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// WithPrincipal stores the principal in the context.
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, contextkeys.PrincipalKey, p)
}

// PrincipalFromContext retrieves the authenticated principal, or nil.
func PrincipalFromContext(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(contextkeys.PrincipalKey).(*auth.Principal)
	return p
}
