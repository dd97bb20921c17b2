package middleware

import (
	"net/http"

	"github.com/cohortly/tms/pkg/audit"
	"github.com/cohortly/tms/pkg/auth"
	"github.com/cohortly/tms/pkg/httputil"
	"github.com/cohortly/tms/pkg/observability"
)

// RequireRoles gates a route to the listed roles. A request whose
// principal carries none of them is rejected with 403; exactly one
// denied audit entry is recorded per rejection, best-effort. The 403
// body names the required roles and the caller's role.
func RequireRoles(recorder *audit.Recorder, metrics *observability.Metrics, roles ...auth.Role) Middleware {
	allowed := make(map[auth.Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := PrincipalFromContext(r.Context())
			if principal == nil {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			if _, ok := allowed[principal.Role]; ok {
				next.ServeHTTP(w, r)
				return
			}

			if recorder != nil {
				recorder.RecordAuthorizationDenied(r.Context(), r, principal, roles)
			}
			if metrics != nil {
				metrics.AccessDeniedTotal.WithLabelValues(string(principal.Role)).Inc()
			}

			required := make([]string, len(roles))
			for i, role := range roles {
				required[i] = string(role)
			}
			httputil.WriteJSON(w, http.StatusForbidden, map[string]interface{}{
				"error":         "insufficient permissions",
				"requiredRoles": required,
				"userRole":      string(principal.Role),
			})
		})
	}
}
