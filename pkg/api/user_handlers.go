package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/cohortly/tms/pkg/audit"
	"github.com/cohortly/tms/pkg/auth"
	"github.com/cohortly/tms/pkg/httputil"
	"github.com/cohortly/tms/pkg/middleware"
	"github.com/cohortly/tms/pkg/observability"
)

// UserHandlers serves the admin user management API. Routes live
// behind RequireRoles(ADMIN).
type UserHandlers struct {
	store      *auth.Store
	recorder   *audit.Recorder
	logger     *observability.Logger
	production bool
}

// NewUserHandlers creates the admin user handlers. production controls
// how much internal failure detail reaches the response body.
func NewUserHandlers(store *auth.Store, recorder *audit.Recorder, logger *observability.Logger, production bool) *UserHandlers {
	return &UserHandlers{store: store, recorder: recorder, logger: logger, production: production}
}

// RegisterRoutes mounts the user CRUD endpoints. wrap applies the
// admin pipeline stages.
func (h *UserHandlers) RegisterRoutes(router *mux.Router, wrap func(http.HandlerFunc) http.Handler) {
	router.Handle("/users", wrap(h.Create)).Methods(http.MethodPost)
	router.Handle("/users", wrap(h.List)).Methods(http.MethodGet)
	router.Handle("/users/{id:[0-9]+}", wrap(h.Get)).Methods(http.MethodGet)
	router.Handle("/users/{id:[0-9]+}", wrap(h.Update)).Methods(http.MethodPut)
	router.Handle("/users/{id:[0-9]+}", wrap(h.Delete)).Methods(http.MethodDelete)
}

type createUserRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Password    string `json:"password"`
}

func (h *UserHandlers) recordAdminEvent(r *http.Request, eventType audit.EventType, userID int64, email string, changes *audit.ChangeDetails) {
	principal := middleware.PrincipalFromContext(r.Context())
	h.recorder.RecordResourceMutation(r.Context(), r, principal, eventType,
		audit.ResourceTypeUser, strconv.FormatInt(userID, 10), email, changes)
}

func (h *UserHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") ||
		!httputil.RequireNonEmpty(w, req.Password, "password") {
		return
	}
	role := auth.Role(req.Role)
	if !role.Valid() {
		httputil.WriteValidationError(w, "invalid role")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		httputil.WriteAppError(w, r, err, h.production)
		return
	}

	user := &auth.User{
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		Role:         role,
		PasswordHash: hash,
	}
	if err := h.store.Create(r.Context(), user); err != nil {
		if err == auth.ErrEmailTaken {
			httputil.WriteConflict(w, "email already in use")
			return
		}
		h.logger.WithError(err).Error("failed to create user")
		httputil.WriteAppError(w, r, err, h.production)
		return
	}

	h.recordAdminEvent(r, audit.EventTypeAdminUserCreate, user.ID, user.Email, nil)
	httputil.WriteCreated(w, user)
}

func (h *UserHandlers) List(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteValidationError(w, "invalid limit")
		return
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteValidationError(w, "invalid offset")
		return
	}
	users, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		httputil.WriteAppError(w, r, err, h.production)
		return
	}
	httputil.WriteSuccess(w, users)
}

func (h *UserHandlers) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	user, err := h.store.GetByID(r.Context(), id)
	if err == auth.ErrUserNotFound {
		httputil.WriteNotFoundError(w, "user not found")
		return
	}
	if err != nil {
		httputil.WriteAppError(w, r, err, h.production)
		return
	}
	httputil.WriteSuccess(w, user)
}

type updateUserRequest struct {
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Password    string `json:"password,omitempty"`
}

func (h *UserHandlers) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req updateUserRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	user, err := h.store.GetByID(r.Context(), id)
	if err == auth.ErrUserNotFound {
		httputil.WriteNotFoundError(w, "user not found")
		return
	}
	if err != nil {
		httputil.WriteAppError(w, r, err, h.production)
		return
	}

	before := map[string]interface{}{
		"display_name": user.DisplayName,
		"role":         string(user.Role),
	}

	if req.DisplayName != "" {
		user.DisplayName = req.DisplayName
	}
	if req.Role != "" {
		role := auth.Role(req.Role)
		if !role.Valid() {
			httputil.WriteValidationError(w, "invalid role")
			return
		}
		user.Role = role
	}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			httputil.WriteAppError(w, r, err, h.production)
			return
		}
		user.PasswordHash = hash
	}

	if err := h.store.Update(r.Context(), user); err != nil {
		h.logger.WithError(err).Error("failed to update user")
		httputil.WriteAppError(w, r, err, h.production)
		return
	}

	h.recordAdminEvent(r, audit.EventTypeAdminUserUpdate, user.ID, user.Email, &audit.ChangeDetails{
		Before: before,
		After: map[string]interface{}{
			"display_name": user.DisplayName,
			"role":         string(user.Role),
		},
	})
	httputil.WriteSuccess(w, user)
}

func (h *UserHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	// admins cannot delete themselves
	if principal := middleware.PrincipalFromContext(r.Context()); principal != nil && principal.UserID == id {
		httputil.WriteValidationError(w, "cannot delete your own account")
		return
	}

	user, err := h.store.GetByID(r.Context(), id)
	if err == auth.ErrUserNotFound {
		httputil.WriteNotFoundError(w, "user not found")
		return
	}
	if err != nil {
		httputil.WriteAppError(w, r, err, h.production)
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		httputil.WriteAppError(w, r, err, h.production)
		return
	}

	h.recordAdminEvent(r, audit.EventTypeAdminUserDelete, id, user.Email, nil)
	httputil.WriteNoContent(w)
}
