package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cohortly/tms/pkg/audit"
	"github.com/cohortly/tms/pkg/auth"
	"github.com/cohortly/tms/pkg/httputil"
	"github.com/cohortly/tms/pkg/middleware"
	"github.com/cohortly/tms/pkg/observability"
)

// AuthHandlers serves login, refresh, logout, session introspection
// and CSRF issuance.
type AuthHandlers struct {
	store    *auth.Store
	tokens   *auth.TokenService
	guard    *middleware.CSRFGuard
	recorder *audit.Recorder
	logger   *observability.Logger
	metrics  *observability.Metrics

	accessTTL  time.Duration
	refreshTTL time.Duration
	secure     bool
}

// NewAuthHandlers creates the authentication handlers.
func NewAuthHandlers(store *auth.Store, tokens *auth.TokenService, guard *middleware.CSRFGuard,
	recorder *audit.Recorder, logger *observability.Logger, metrics *observability.Metrics,
	accessTTL, refreshTTL time.Duration, secure bool) *AuthHandlers {
	return &AuthHandlers{
		store:      store,
		tokens:     tokens,
		guard:      guard,
		recorder:   recorder,
		logger:     logger,
		metrics:    metrics,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		secure:     secure,
	}
}

// RegisterPublicRoutes mounts the routes that do not require a
// session. wrap applies the sessionless pipeline stages.
func (h *AuthHandlers) RegisterPublicRoutes(router *mux.Router, wrap func(http.HandlerFunc) http.Handler) {
	router.Handle("/auth/login", wrap(h.Login)).Methods(http.MethodPost)
	router.Handle("/auth/refresh", wrap(h.Refresh)).Methods(http.MethodPost)
	router.Handle("/auth/logout", wrap(h.Logout)).Methods(http.MethodPost)
	router.Handle("/auth/csrf", wrap(h.IssueCSRF)).Methods(http.MethodGet)
}

// RegisterProtectedRoutes mounts the routes that run behind the auth
// middleware.
func (h *AuthHandlers) RegisterProtectedRoutes(router *mux.Router, wrap func(http.HandlerFunc) http.Handler) {
	router.Handle("/auth/me", wrap(h.Me)).Methods(http.MethodGet)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	User        *auth.User `json:"user"`
	AccessToken string     `json:"access_token"`
}

// Login authenticates with email and password. Failure is always
// reported as invalid credentials, whether the account is missing, is
// SSO-only or the password is wrong.
func (h *AuthHandlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		httputil.WriteValidationError(w, "email and password are required")
		return
	}

	user, err := h.store.GetByEmail(r.Context(), req.Email)
	if err != nil {
		h.rejectLogin(w, r, req.Email)
		return
	}
	if user.IsSSO() || user.PasswordHash == "" {
		h.rejectLogin(w, r, req.Email)
		return
	}
	if auth.VerifyPassword(user.PasswordHash, req.Password) != nil {
		h.rejectLogin(w, r, req.Email)
		return
	}

	pair, err := h.tokens.Issue(user)
	if err != nil {
		h.logger.WithError(err).Error("failed to issue tokens")
		httputil.WriteAppError(w, r, err, h.secure)
		return
	}

	if err := h.store.UpdateLastLogin(r.Context(), user.ID, time.Now().UTC()); err != nil {
		h.logger.WithError(err).WithField("user_id", user.ID).Warn("failed to stamp last login")
	}

	middleware.SetAuthCookies(w, pair, h.accessTTL, h.refreshTTL, h.secure)
	if h.metrics != nil {
		h.metrics.LoginsTotal.WithLabelValues("success").Inc()
	}
	h.recorder.RecordAuthentication(r.Context(), r, audit.EventTypeAuthLogin, user, "")

	httputil.WriteSuccess(w, sessionResponse{User: user, AccessToken: pair.AccessToken})
}

func (h *AuthHandlers) rejectLogin(w http.ResponseWriter, r *http.Request, email string) {
	if h.metrics != nil {
		h.metrics.LoginsTotal.WithLabelValues("failure").Inc()
	}
	event := audit.BaseEvent(r, audit.EventTypeAuthLoginFailed, audit.OutcomeFailure)
	event.ActorEmail = email
	event.ErrorMessage = "invalid credentials"
	event.StatusCode = http.StatusUnauthorized
	h.recorder.Record(r.Context(), event)

	httputil.WriteUnauthorized(w, "invalid credentials")
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges a refresh token (cookie first, then body) for a
// fresh pair. The role in the new tokens reflects the account's current
// role, not the one captured at issuance.
func (h *AuthHandlers) Refresh(w http.ResponseWriter, r *http.Request) {
	tokenString := ""
	if cookie, err := r.Cookie(middleware.RefreshTokenCookie); err == nil {
		tokenString = cookie.Value
	}
	if tokenString == "" {
		var req refreshRequest
		if err := httputil.ParseJSON(r, &req); err == nil {
			tokenString = req.RefreshToken
		}
	}
	if tokenString == "" {
		httputil.WriteUnauthorized(w, "refresh token required")
		return
	}

	pair, user, err := h.tokens.Refresh(r.Context(), tokenString)
	if err != nil {
		if h.metrics != nil {
			h.metrics.TokenRefreshTotal.WithLabelValues("failure").Inc()
		}
		event := audit.BaseEvent(r, audit.EventTypeAuthTokenRefresh, audit.OutcomeFailure)
		if errors.Is(err, auth.ErrUserNotFound) {
			event.ErrorMessage = "account no longer exists"
			h.recorder.Record(r.Context(), event)
			httputil.WriteUnauthorized(w, "account no longer exists")
			return
		}
		event.ErrorMessage = "invalid refresh token"
		h.recorder.Record(r.Context(), event)
		httputil.WriteUnauthorized(w, "invalid or expired token")
		return
	}

	middleware.SetAuthCookies(w, pair, h.accessTTL, h.refreshTTL, h.secure)
	if h.metrics != nil {
		h.metrics.TokenRefreshTotal.WithLabelValues("success").Inc()
	}
	h.recorder.RecordAuthentication(r.Context(), r, audit.EventTypeAuthTokenRefresh, user, "")

	httputil.WriteSuccess(w, sessionResponse{User: user, AccessToken: pair.AccessToken})
}

// Logout clears the token cookies. It works with or without a valid
// session so a client with an expired token can still log out cleanly.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	middleware.ClearAuthCookies(w, h.secure)

	event := audit.BaseEvent(r, audit.EventTypeAuthLogout, audit.OutcomeSuccess)
	if principal := middleware.PrincipalFromContext(r.Context()); principal != nil {
		event.WithActor(principal)
	} else if cookie, err := r.Cookie(middleware.AccessTokenCookie); err == nil {
		if claims, err := h.tokens.Verify(cookie.Value); err == nil {
			if principal, err := claims.Principal(); err == nil {
				event.WithActor(principal)
			}
		}
	}
	h.recorder.Record(r.Context(), event)

	httputil.WriteNoContent(w)
}

// Me returns the authenticated user's current record.
func (h *AuthHandlers) Me(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())
	if principal == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	user, err := h.store.GetByID(r.Context(), principal.UserID)
	if err == auth.ErrUserNotFound {
		httputil.WriteUnauthorized(w, "account no longer exists")
		return
	}
	if err != nil {
		httputil.WriteAppError(w, r, err, h.secure)
		return
	}
	httputil.WriteSuccess(w, user)
}

// IssueCSRF issues a fresh CSRF token pair and echoes the value.
func (h *AuthHandlers) IssueCSRF(w http.ResponseWriter, r *http.Request) {
	value, err := h.guard.Issue(w)
	if err != nil {
		httputil.WriteAppError(w, r, err, h.secure)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"csrf_token": value})
}
