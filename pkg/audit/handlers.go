package audit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cohortly/tms/pkg/httputil"
	"github.com/cohortly/tms/pkg/observability"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
	maxExportRows      = 100000
)

// Handlers serves the audit trail read API. Routes are registered
// behind the admin role gate; the handlers themselves do not check
// authorization.
type Handlers struct {
	logger     Logger
	archive    ArchiveStore
	opsLog     *observability.Logger
	production bool
}

// NewHandlers creates audit API handlers. archive may be nil when
// export-to-archive is not configured. production controls how much
// internal failure detail reaches the response body.
func NewHandlers(logger Logger, archive ArchiveStore, opsLog *observability.Logger, production bool) *Handlers {
	return &Handlers{logger: logger, archive: archive, opsLog: opsLog, production: production}
}

// RegisterRoutes mounts the audit endpoints. wrap applies the admin
// pipeline stages.
func (h *Handlers) RegisterRoutes(router *mux.Router, wrap func(http.HandlerFunc) http.Handler) {
	router.Handle("/audit", wrap(h.Search)).Methods(http.MethodGet)
	router.Handle("/audit/stats", wrap(h.GetStats)).Methods(http.MethodGet)
	router.Handle("/audit/export", wrap(h.Export)).Methods(http.MethodGet)
}

// Search handles GET /audit with filter query parameters.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSearchFilter(r)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	events, err := h.logger.Search(r.Context(), filter)
	if err != nil {
		h.opsLog.WithError(err).Error("audit search failed")
		httputil.WriteAppError(w, r, err, h.production)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"events": events,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// GetStats handles GET /audit/stats.
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	startTime, endTime, err := parseTimeRange(r)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	stats, err := h.logger.GetStats(r.Context(), startTime, endTime)
	if err != nil {
		h.opsLog.WithError(err).Error("audit stats failed")
		httputil.WriteAppError(w, r, err, h.production)
		return
	}

	httputil.WriteSuccess(w, stats)
}

// Export handles GET /audit/export?format=json|csv|ndjson. When
// archive=true and an archive store is configured the result is also
// written to the archive.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSearchFilter(r)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	filter.Limit = maxExportRows
	filter.Offset = 0

	format := ExportFormat(httputil.ParseQueryString(r, "format", string(ExportFormatJSON)))
	switch format {
	case ExportFormatJSON, ExportFormatCSV, ExportFormatNDJSON:
	default:
		httputil.WriteValidationError(w, fmt.Sprintf("unsupported format: %s", format))
		return
	}

	events, err := h.logger.Search(r.Context(), filter)
	if err != nil {
		h.opsLog.WithError(err).Error("audit export search failed")
		httputil.WriteAppError(w, r, err, h.production)
		return
	}

	data, err := Export(events, format)
	if err != nil {
		h.opsLog.WithError(err).Error("audit export serialization failed")
		httputil.WriteAppError(w, r, err, h.production)
		return
	}

	if r.URL.Query().Get("archive") == "true" && h.archive != nil {
		key := ArchiveKey(format, time.Now())
		if err := h.archive.Put(r.Context(), key, data, format.ContentType()); err != nil {
			h.opsLog.WithError(err).Error("audit export archive failed")
			httputil.WriteAppError(w, r, err, h.production)
			return
		}
	}

	filename := fmt.Sprintf("audit-export-%s.%s", time.Now().UTC().Format("20060102T150405Z"), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func parseSearchFilter(r *http.Request) (SearchFilter, error) {
	filter := SearchFilter{}

	startTime, endTime, err := parseTimeRange(r)
	if err != nil {
		return filter, err
	}
	filter.StartTime = startTime
	filter.EndTime = endTime

	if raw := r.URL.Query().Get("actor_id"); raw != "" {
		actorID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid actor_id: %s", raw)
		}
		filter.ActorID = &actorID
	}

	if raw := r.URL.Query().Get("event_type"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			filter.EventTypes = append(filter.EventTypes, EventType(strings.TrimSpace(part)))
		}
	}

	if raw := r.URL.Query().Get("outcome"); raw != "" {
		outcome := Outcome(raw)
		switch outcome {
		case OutcomeSuccess, OutcomeFailure, OutcomeDenied:
			filter.Outcome = &outcome
		default:
			return filter, fmt.Errorf("invalid outcome: %s", raw)
		}
	}

	filter.ResourceType = ResourceType(r.URL.Query().Get("resource_type"))
	filter.ResourceID = r.URL.Query().Get("resource_id")

	limit, err := httputil.ParseQueryInt(r, "limit", defaultSearchLimit)
	if err != nil || limit < 1 {
		return filter, fmt.Errorf("invalid limit")
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	filter.Limit = limit

	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		return filter, fmt.Errorf("invalid offset")
	}
	filter.Offset = offset

	return filter, nil
}

func parseTimeRange(r *http.Request) (*time.Time, *time.Time, error) {
	var startTime, endTime *time.Time

	if raw := r.URL.Query().Get("start_time"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid start_time, expected RFC3339: %s", raw)
		}
		startTime = &t
	}

	if raw := r.URL.Query().Get("end_time"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid end_time, expected RFC3339: %s", raw)
		}
		endTime = &t
	}

	if startTime != nil && endTime != nil && endTime.Before(*startTime) {
		return nil, nil, fmt.Errorf("end_time must not be before start_time")
	}

	return startTime, endTime, nil
}
