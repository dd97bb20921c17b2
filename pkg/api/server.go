package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cohortly/tms/pkg/audit"
	"github.com/cohortly/tms/pkg/auth"
	"github.com/cohortly/tms/pkg/config"
	"github.com/cohortly/tms/pkg/httputil"
	"github.com/cohortly/tms/pkg/middleware"
	"github.com/cohortly/tms/pkg/observability"
	"github.com/cohortly/tms/pkg/sso"
	"github.com/cohortly/tms/pkg/training"
)

// Server wires the HTTP surface: the shared middleware pipeline, the
// public auth routes, the federation routes when enabled, and the
// protected application routes.
type Server struct {
	router *mux.Router
}

// Deps carries everything the server needs, built in main.
type Deps struct {
	Config   *config.Config
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Store    *auth.Store
	Tokens   *auth.TokenService
	Guard    *middleware.CSRFGuard
	Recorder *audit.Recorder

	AuditHandlers    *audit.Handlers
	TrainingHandlers *training.Handlers
	SSOHandlers      *sso.Handlers
}

// NewServer builds the router. Pipeline order is fixed: request id and
// logging, then metrics, then recovery, then per-route CSRF,
// authentication and role gates.
func NewServer(deps Deps) *Server {
	router := mux.NewRouter()
	router.Use(
		mux.MiddlewareFunc(httputil.RequestIDMiddleware),
		mux.MiddlewareFunc(httputil.LoggingMiddleware(deps.Logger)),
		mux.MiddlewareFunc(deps.Metrics.HTTPMiddleware),
		mux.MiddlewareFunc(httputil.RecoveryMiddleware(deps.Logger)),
	)
	router.NotFoundHandler = deps.Metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteNotFoundError(w, "route not found")
	}))

	secure := deps.Config.Environment == config.EnvProduction

	authHandlers := NewAuthHandlers(deps.Store, deps.Tokens, deps.Guard, deps.Recorder,
		deps.Logger, deps.Metrics, deps.Config.Auth.AccessTokenTTL, deps.Config.Auth.RefreshTokenTTL, secure)
	userHandlers := NewUserHandlers(deps.Store, deps.Recorder, deps.Logger, secure)

	authStage := middleware.Authenticate(middleware.AuthConfig{
		Verifier:  deps.Tokens,
		Logger:    deps.Logger,
		Metrics:   deps.Metrics,
		DevBypass: deps.Config.Auth.DevAuthBypass,
	})
	csrfStage := deps.Guard.Protect()
	adminGate := middleware.RequireRoles(deps.Recorder, deps.Metrics, auth.RoleAdmin)
	writerGate := middleware.RequireRoles(deps.Recorder, deps.Metrics, auth.RoleAdmin, auth.RoleCoordinator)

	// Route pipelines, innermost gate last. Every route declares its
	// pipeline explicitly instead of inheriting one from a subrouter.
	public := middleware.NewPipeline(csrfStage).ThenFunc
	protected := middleware.NewPipeline(csrfStage, authStage).ThenFunc
	admin := middleware.NewPipeline(csrfStage, authStage, adminGate).ThenFunc
	writer := middleware.NewPipeline(csrfStage, authStage, writerGate).ThenFunc

	api := router.PathPrefix("/api/v1").Subrouter()

	authHandlers.RegisterPublicRoutes(api, public)
	authHandlers.RegisterProtectedRoutes(api, protected)

	// federation round trip: the IdP posts the callback without our
	// CSRF header; the flow carries its own state cookie instead
	if deps.SSOHandlers != nil {
		deps.SSOHandlers.RegisterRoutes(api, func(fn http.HandlerFunc) http.Handler { return fn })
	}

	userHandlers.RegisterRoutes(api, admin)
	deps.AuditHandlers.RegisterRoutes(api, admin)
	deps.TrainingHandlers.RegisterRoutes(api, protected, writer)

	return &Server{router: router}
}

// Router returns the fully wired handler.
func (s *Server) Router() http.Handler {
	return s.router
}
