package training

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/cohortly/tms/pkg/audit"
	"github.com/cohortly/tms/pkg/httputil"
	"github.com/cohortly/tms/pkg/middleware"
	"github.com/cohortly/tms/pkg/observability"
)

// Handlers serves the training domain API. Role gates are applied at
// registration: mutations require ADMIN or COORDINATOR, reads are open
// to every authenticated role.
type Handlers struct {
	storage    *Storage
	recorder   *audit.Recorder
	logger     *observability.Logger
	production bool
}

// NewHandlers creates the training handlers. production controls how
// much internal failure detail reaches the response body.
func NewHandlers(storage *Storage, recorder *audit.Recorder, logger *observability.Logger, production bool) *Handlers {
	return &Handlers{storage: storage, recorder: recorder, logger: logger, production: production}
}

// RegisterRoutes mounts the domain endpoints. read wraps each read
// route with the authenticated pipeline; mutate additionally applies
// the write-role gate.
func (h *Handlers) RegisterRoutes(router *mux.Router, read, mutate func(http.HandlerFunc) http.Handler) {
	// programs
	router.Handle("/programs", read(h.ListPrograms)).Methods(http.MethodGet)
	router.Handle("/programs/{id:[0-9]+}", read(h.GetProgram)).Methods(http.MethodGet)
	router.Handle("/programs", mutate(h.CreateProgram)).Methods(http.MethodPost)
	router.Handle("/programs/{id:[0-9]+}", mutate(h.UpdateProgram)).Methods(http.MethodPut)
	router.Handle("/programs/{id:[0-9]+}", mutate(h.DeleteProgram)).Methods(http.MethodDelete)

	// locations
	router.Handle("/locations", read(h.ListLocations)).Methods(http.MethodGet)
	router.Handle("/locations/{id:[0-9]+}", read(h.GetLocation)).Methods(http.MethodGet)
	router.Handle("/locations", mutate(h.CreateLocation)).Methods(http.MethodPost)
	router.Handle("/locations/{id:[0-9]+}", mutate(h.UpdateLocation)).Methods(http.MethodPut)
	router.Handle("/locations/{id:[0-9]+}", mutate(h.DeleteLocation)).Methods(http.MethodDelete)

	// participants
	router.Handle("/participants", read(h.ListParticipants)).Methods(http.MethodGet)
	router.Handle("/participants/{id:[0-9]+}", read(h.GetParticipant)).Methods(http.MethodGet)
	router.Handle("/participants", mutate(h.CreateParticipant)).Methods(http.MethodPost)
	router.Handle("/participants/{id:[0-9]+}", mutate(h.UpdateParticipant)).Methods(http.MethodPut)
	router.Handle("/participants/{id:[0-9]+}", mutate(h.DeleteParticipant)).Methods(http.MethodDelete)
	router.Handle("/participants/import", mutate(h.ImportParticipants)).Methods(http.MethodPost)

	// cohorts
	router.Handle("/cohorts", read(h.ListCohorts)).Methods(http.MethodGet)
	router.Handle("/cohorts/{id:[0-9]+}", read(h.GetCohort)).Methods(http.MethodGet)
	router.Handle("/cohorts/{id:[0-9]+}/members", read(h.ListCohortMembers)).Methods(http.MethodGet)
	router.Handle("/cohorts", mutate(h.CreateCohort)).Methods(http.MethodPost)
	router.Handle("/cohorts/{id:[0-9]+}", mutate(h.UpdateCohort)).Methods(http.MethodPut)
	router.Handle("/cohorts/{id:[0-9]+}", mutate(h.DeleteCohort)).Methods(http.MethodDelete)
	router.Handle("/cohorts/{id:[0-9]+}/members", mutate(h.EnrollParticipant)).Methods(http.MethodPost)
	router.Handle("/cohorts/{id:[0-9]+}/members/{participantID:[0-9]+}", mutate(h.UnenrollParticipant)).Methods(http.MethodDelete)
	router.Handle("/cohorts/move", mutate(h.MoveParticipant)).Methods(http.MethodPost)
}

func (h *Handlers) writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	switch err {
	case ErrNotFound:
		httputil.WriteNotFoundError(w, "resource not found")
	case ErrCohortFull:
		httputil.WriteConflict(w, "cohort is at capacity")
	case ErrDuplicateRow:
		httputil.WriteConflict(w, "duplicate entry")
	case ErrNotEnrolled:
		httputil.WriteConflict(w, "participant is not enrolled in the source cohort")
	default:
		h.logger.WithError(err).Error("training storage error")
		httputil.WriteAppError(w, r, err, h.production)
	}
}

func (h *Handlers) recordMutation(r *http.Request, eventType audit.EventType, resource audit.ResourceType, id int64, name string, changes *audit.ChangeDetails) {
	principal := middleware.PrincipalFromContext(r.Context())
	h.recorder.RecordResourceMutation(r.Context(), r, principal, eventType, resource, strconv.FormatInt(id, 10), name, changes)
}

// Programs

func (h *Handlers) ListPrograms(w http.ResponseWriter, r *http.Request) {
	programs, err := h.storage.ListPrograms(r.Context())
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, programs)
}

func (h *Handlers) GetProgram(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	program, err := h.storage.GetProgram(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, program)
}

func (h *Handlers) CreateProgram(w http.ResponseWriter, r *http.Request) {
	var program Program
	if !httputil.ParseJSONOrError(w, r, &program) {
		return
	}
	if !httputil.RequireNonEmpty(w, program.Name, "name") {
		return
	}
	if program.DurationDays <= 0 {
		program.DurationDays = 1
	}
	if err := h.storage.CreateProgram(r.Context(), &program); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.recordMutation(r, audit.EventTypeDataCreate, audit.ResourceTypeProgram, program.ID, program.Name, nil)
	httputil.WriteCreated(w, program)
}

func (h *Handlers) UpdateProgram(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	before, err := h.storage.GetProgram(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	var program Program
	if !httputil.ParseJSONOrError(w, r, &program) {
		return
	}
	if !httputil.RequireNonEmpty(w, program.Name, "name") {
		return
	}
	program.ID = id
	if err := h.storage.UpdateProgram(r.Context(), &program); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.recordMutation(r, audit.EventTypeDataUpdate, audit.ResourceTypeProgram, id, program.Name, &audit.ChangeDetails{
		Before: map[string]interface{}{"name": before.Name, "active": before.Active},
		After:  map[string]interface{}{"name": program.Name, "active": program.Active},
	})
	httputil.WriteSuccess(w, program)
}

func (h *Handlers) DeleteProgram(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.storage.DeleteProgram(r.Context(), id); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.recordMutation(r, audit.EventTypeDataDelete, audit.ResourceTypeProgram, id, "", nil)
	httputil.WriteNoContent(w)
}

// Locations

func (h *Handlers) ListLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := h.storage.ListLocations(r.Context())
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, locations)
}

func (h *Handlers) GetLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	location, err := h.storage.GetLocation(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, location)
}

func (h *Handlers) CreateLocation(w http.ResponseWriter, r *http.Request) {
	var location Location
	if !httputil.ParseJSONOrError(w, r, &location) {
		return
	}
	if !httputil.RequireNonEmpty(w, location.Name, "name") {
		return
	}
	if err := h.storage.CreateLocation(r.Context(), &location); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.recordMutation(r, audit.EventTypeDataCreate, audit.ResourceTypeLocation, location.ID, location.Name, nil)
	httputil.WriteCreated(w, location)
}

func (h *Handlers) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var location Location
	if !httputil.ParseJSONOrError(w, r, &location) {
		return
	}
	if !httputil.RequireNonEmpty(w, location.Name, "name") {
		return
	}
	location.ID = id
	if err := h.storage.UpdateLocation(r.Context(), &location); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.recordMutation(r, audit.EventTypeDataUpdate, audit.ResourceTypeLocation, id, location.Name, nil)
	httputil.WriteSuccess(w, location)
}

func (h *Handlers) DeleteLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.storage.DeleteLocation(r.Context(), id); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.recordMutation(r, audit.EventTypeDataDelete, audit.ResourceTypeLocation, id, "", nil)
	httputil.WriteNoContent(w)
}

// Participants

func (h *Handlers) ListParticipants(w http.ResponseWriter, r *http.Request) {
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
	participants, err := h.storage.ListParticipants(r.Context(), limit, offset)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, participants)
}

func (h *Handlers) GetParticipant(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	participant, err := h.storage.GetParticipant(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, participant)
}

func (h *Handlers) CreateParticipant(w http.ResponseWriter, r *http.Request) {
	var participant Participant
	if !httputil.ParseJSONOrError(w, r, &participant) {
		return
	}
	if !httputil.RequireNonEmpty(w, participant.Email, "email") ||
		!httputil.RequireNonEmpty(w, participant.FirstName, "first_name") ||
		!httputil.RequireNonEmpty(w, participant.LastName, "last_name") {
		return
	}
	if err := h.storage.CreateParticipant(r.Context(), &participant); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.recordMutation(r, audit.EventTypeDataCreate, audit.ResourceTypeParticipant, participant.ID, participant.Email, nil)
	httputil.WriteCreated(w, participant)
}

func (h *Handlers) UpdateParticipant(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var participant Participant
	if !httputil.ParseJSONOrError(w, r, &participant) {
		return
	}
	if !httputil.RequireNonEmpty(w, participant.Email, "email") {
		return
	}
	participant.ID = id
	if err := h.storage.UpdateParticipant(r.Context(), &participant); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.recordMutation(r, audit.EventTypeDataUpdate, audit.ResourceTypeParticipant, id, participant.Email, nil)
	httputil.WriteSuccess(w, participant)
}

func (h *Handlers) DeleteParticipant(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.storage.DeleteParticipant(r.Context(), id); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.recordMutation(r, audit.EventTypeDataDelete, audit.ResourceTypeParticipant, id, "", nil)
	httputil.WriteNoContent(w)
}

// ImportParticipants accepts a JSON array and inserts rows with
// per-row validation. The batch never aborts midway; the response and
// the audit entry carry the processed/failed counts.
func (h *Handlers) ImportParticipants(w http.ResponseWriter, r *http.Request) {
	var rows []*Participant
	if !httputil.ParseJSONOrError(w, r, &rows) {
		return
	}
	if len(rows) == 0 {
		httputil.WriteValidationError(w, "import requires at least one row")
		return
	}

	result := h.storage.ImportParticipants(r.Context(), rows)

	principal := middleware.PrincipalFromContext(r.Context())
	h.recorder.RecordBulkOperation(r.Context(), r, principal, audit.EventTypeBulkImport,
		audit.ResourceTypeParticipant, result.Processed, result.Failed)

	httputil.WriteSuccess(w, result)
}

// Cohorts

func (h *Handlers) ListCohorts(w http.ResponseWriter, r *http.Request) {
	cohorts, err := h.storage.ListCohorts(r.Context())
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, cohorts)
}

func (h *Handlers) GetCohort(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	cohort, err := h.storage.GetCohort(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, cohort)
}

func (h *Handlers) CreateCohort(w http.ResponseWriter, r *http.Request) {
	var cohort Cohort
	if !httputil.ParseJSONOrError(w, r, &cohort) {
		return
	}
	if !httputil.RequireNonEmpty(w, cohort.Name, "name") {
		return
	}
	if cohort.EndDate.Before(cohort.StartDate) {
		httputil.WriteValidationError(w, "end_date must not be before start_date")
		return
	}
	if err := h.storage.CreateCohort(r.Context(), &cohort); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.recordMutation(r, audit.EventTypeDataCreate, audit.ResourceTypeCohort, cohort.ID, cohort.Name, nil)
	httputil.WriteCreated(w, cohort)
}

func (h *Handlers) UpdateCohort(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var cohort Cohort
	if !httputil.ParseJSONOrError(w, r, &cohort) {
		return
	}
	if !httputil.RequireNonEmpty(w, cohort.Name, "name") {
		return
	}
	cohort.ID = id
	if err := h.storage.UpdateCohort(r.Context(), &cohort); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.recordMutation(r, audit.EventTypeDataUpdate, audit.ResourceTypeCohort, id, cohort.Name, nil)
	httputil.WriteSuccess(w, cohort)
}

func (h *Handlers) DeleteCohort(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.storage.DeleteCohort(r.Context(), id); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.recordMutation(r, audit.EventTypeDataDelete, audit.ResourceTypeCohort, id, "", nil)
	httputil.WriteNoContent(w)
}

func (h *Handlers) ListCohortMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	members, err := h.storage.ListCohortMembers(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, members)
}

type enrollRequest struct {
	ParticipantID int64 `json:"participant_id"`
}

func (h *Handlers) EnrollParticipant(w http.ResponseWriter, r *http.Request) {
	cohortID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req enrollRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.ParticipantID == 0 {
		httputil.WriteValidationError(w, "participant_id is required")
		return
	}
	if err := h.storage.Enroll(r.Context(), cohortID, req.ParticipantID); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.recordMutation(r, audit.EventTypeDataUpdate, audit.ResourceTypeCohort, cohortID, "", &audit.ChangeDetails{
		After: map[string]interface{}{"enrolled_participant": req.ParticipantID},
	})
	httputil.WriteNoContent(w)
}

func (h *Handlers) UnenrollParticipant(w http.ResponseWriter, r *http.Request) {
	cohortID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	participantID, ok := httputil.ParsePathInt64OrError(w, r, "participantID")
	if !ok {
		return
	}
	if err := h.storage.Unenroll(r.Context(), cohortID, participantID); err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	h.recordMutation(r, audit.EventTypeDataUpdate, audit.ResourceTypeCohort, cohortID, "", &audit.ChangeDetails{
		Before: map[string]interface{}{"enrolled_participant": participantID},
	})
	httputil.WriteNoContent(w)
}

type moveRequest struct {
	ParticipantID int64 `json:"participant_id"`
	FromCohortID  int64 `json:"from_cohort_id"`
	ToCohortID    int64 `json:"to_cohort_id"`
}

// MoveParticipant moves a participant between cohorts atomically.
func (h *Handlers) MoveParticipant(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.ParticipantID == 0 || req.FromCohortID == 0 || req.ToCohortID == 0 {
		httputil.WriteValidationError(w, "participant_id, from_cohort_id and to_cohort_id are required")
		return
	}
	if req.FromCohortID == req.ToCohortID {
		httputil.WriteValidationError(w, "source and destination cohorts must differ")
		return
	}

	if err := h.storage.MoveParticipant(r.Context(), req.ParticipantID, req.FromCohortID, req.ToCohortID); err != nil {
		h.writeStorageError(w, r, err)
		return
	}

	h.recordMutation(r, audit.EventTypeDataUpdate, audit.ResourceTypeCohort, req.ToCohortID, "", &audit.ChangeDetails{
		Before: map[string]interface{}{"cohort_id": req.FromCohortID},
		After:  map[string]interface{}{"cohort_id": req.ToCohortID, "participant_id": req.ParticipantID},
	})
	httputil.WriteNoContent(w)
}
