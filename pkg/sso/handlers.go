package sso

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cohortly/tms/pkg/audit"
	"github.com/cohortly/tms/pkg/auth"
	"github.com/cohortly/tms/pkg/httputil"
	"github.com/cohortly/tms/pkg/middleware"
	"github.com/cohortly/tms/pkg/observability"
)

// stateCookie carries the anti-forgery state across the IdP round trip.
const stateCookie = "tms_sso_state"

// Handlers wires the federation login flow: initiate, callback,
// metadata. Routes are only registered when federation is enabled.
type Handlers struct {
	provider    Provider
	provisioner *Provisioner
	tokens      *auth.TokenService
	recorder    *audit.Recorder
	logger      *observability.Logger
	metrics     *observability.Metrics

	accessTTL    time.Duration
	refreshTTL   time.Duration
	secure       bool
	successURL   string
}

// HandlersConfig carries the federation handler dependencies.
type HandlersConfig struct {
	Provider    Provider
	Provisioner *Provisioner
	Tokens      *auth.TokenService
	Recorder    *audit.Recorder
	Logger      *observability.Logger
	Metrics     *observability.Metrics

	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Secure     bool

	// SuccessURL is where the browser lands after a federated login.
	SuccessURL string
}

// NewHandlers creates the federation handlers.
func NewHandlers(cfg HandlersConfig) *Handlers {
	successURL := cfg.SuccessURL
	if successURL == "" {
		successURL = "/"
	}
	return &Handlers{
		provider:    cfg.Provider,
		provisioner: cfg.Provisioner,
		tokens:      cfg.Tokens,
		recorder:    cfg.Recorder,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		accessTTL:   cfg.AccessTTL,
		refreshTTL:  cfg.RefreshTTL,
		secure:      cfg.Secure,
		successURL:  successURL,
	}
}

// RegisterRoutes mounts the federation endpoints. wrap applies the
// sessionless pipeline stages; the IdP posts the callback without our
// CSRF header, so these routes rely on the state cookie instead. The
// metadata route is registered only for SAML, where the IdP needs an
// SP descriptor.
func (h *Handlers) RegisterRoutes(router *mux.Router, wrap func(http.HandlerFunc) http.Handler) {
	router.Handle("/auth/sso/login", wrap(h.InitiateLogin)).Methods(http.MethodGet)
	router.Handle("/auth/sso/callback", wrap(h.Callback)).Methods(http.MethodGet, http.MethodPost)
	if _, ok := h.provider.(*SAMLProvider); ok {
		router.Handle("/auth/sso/metadata", wrap(h.Metadata)).Methods(http.MethodGet)
	}
}

// InitiateLogin generates state and hands off to the identity provider.
func (h *Handlers) InitiateLogin(w http.ResponseWriter, r *http.Request) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		httputil.WriteAppError(w, r, err, h.secure)
		return
	}
	state := hex.EncodeToString(raw)

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})

	if err := h.provider.InitiateLogin(w, r, state); err != nil {
		h.logger.WithError(err).Error("failed to initiate federated login")
		httputil.WriteAppError(w, r, err, h.secure)
	}
}

// Callback handles the IdP response: validate state, extract the
// profile, provision the account, issue tokens and redirect.
func (h *Handlers) Callback(w http.ResponseWriter, r *http.Request) {
	if !h.validState(r) {
		h.failLogin(w, r, nil, "invalid or missing state")
		return
	}
	// one-shot state
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true, Secure: h.secure})

	profile, err := h.provider.HandleCallback(w, r)
	if err != nil {
		h.logger.WithError(err).WithField("provider", h.provider.Name()).Warn("federated login rejected")
		h.failLogin(w, r, nil, err.Error())
		return
	}

	user, created, err := h.provisioner.Provision(r.Context(), profile)
	if err != nil {
		h.logger.WithError(err).WithField("email", profile.Email).Error("failed to provision federated user")
		h.failLogin(w, r, nil, "provisioning failed")
		return
	}

	pair, err := h.tokens.Issue(user)
	if err != nil {
		h.failLogin(w, r, user, "token issuance failed")
		return
	}

	middleware.SetAuthCookies(w, pair, h.accessTTL, h.refreshTTL, h.secure)

	if h.metrics != nil {
		h.metrics.SSOLoginsTotal.WithLabelValues(h.provider.Name(), "success").Inc()
	}
	event := audit.BaseEvent(r, audit.EventTypeAuthSSOLogin, audit.OutcomeSuccess)
	event.ActorID = &user.ID
	event.ActorEmail = user.Email
	event.ActorRole = string(user.Role)
	event.Metadata = map[string]interface{}{
		"provider":    h.provider.Name(),
		"subject":     user.SSOSubject,
		"provisioned": created,
	}
	h.recorder.Record(r.Context(), event)

	http.Redirect(w, r, h.successURL, http.StatusFound)
}

// Metadata serves the SAML SP descriptor.
func (h *Handlers) Metadata(w http.ResponseWriter, r *http.Request) {
	samlProvider, ok := h.provider.(*SAMLProvider)
	if !ok {
		httputil.WriteNotFoundError(w, "metadata not available")
		return
	}
	doc, err := samlProvider.Metadata()
	if err != nil {
		httputil.WriteAppError(w, r, err, h.secure)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(doc)
}

// validState compares the returned state (RelayState for SAML, state
// query parameter for OIDC) against the pre-login cookie.
func (h *Handlers) validState(r *http.Request) bool {
	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" {
		return false
	}
	returned := r.URL.Query().Get("state")
	if returned == "" {
		returned = r.FormValue("RelayState")
	}
	return subtle.ConstantTimeCompare([]byte(returned), []byte(cookie.Value)) == 1
}

func (h *Handlers) failLogin(w http.ResponseWriter, r *http.Request, user *auth.User, reason string) {
	if h.metrics != nil {
		h.metrics.SSOLoginsTotal.WithLabelValues(h.provider.Name(), "failure").Inc()
	}
	event := audit.BaseEvent(r, audit.EventTypeAuthSSOFailed, audit.OutcomeFailure)
	if user != nil {
		event.ActorID = &user.ID
		event.ActorEmail = user.Email
	}
	event.ErrorMessage = reason
	event.Metadata = map[string]interface{}{"provider": h.provider.Name()}
	h.recorder.Record(r.Context(), event)

	httputil.WriteUnauthorized(w, "federated login failed")
}
