package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/cohortly/tms/pkg/auth"
	"github.com/cohortly/tms/pkg/httputil"
	"github.com/cohortly/tms/pkg/observability"
)

// Recorder is the write-side facade used by handlers and middleware.
// Persistence failures are swallowed: they are logged to the operational
// log stream and counted, but never surfaced to the request that
// triggered the audited action.
type Recorder struct {
	logger  Logger
	opsLog  *observability.Logger
	metrics *observability.Metrics
}

// NewRecorder creates a Recorder on top of an audit Logger. opsLog and
// metrics may be nil.
func NewRecorder(logger Logger, opsLog *observability.Logger, metrics *observability.Metrics) *Recorder {
	return &Recorder{logger: logger, opsLog: opsLog, metrics: metrics}
}

// Record persists the event, filling in the timestamp if unset, and
// mirrors a condensed projection to the operational log stream.
func (r *Recorder) Record(ctx context.Context, event *Event) {
	if r == nil || r.logger == nil || event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := r.logger.Log(ctx, event); err != nil {
		if r.opsLog != nil {
			r.opsLog.WithError(err).WithFields(map[string]interface{}{
				"event_type": event.EventType,
				"actor_id":   event.ActorID,
			}).Error("failed to persist audit event")
		}
		if r.metrics != nil {
			r.metrics.AuditWritesTotal.WithLabelValues("failure").Inc()
		}
		return
	}
	if r.opsLog != nil {
		fields := map[string]interface{}{
			"event_type": event.EventType,
			"outcome":    event.Outcome,
		}
		if event.ActorID != nil {
			fields["actor_id"] = *event.ActorID
		}
		if event.ActorEmail != "" {
			fields["actor_email"] = event.ActorEmail
		}
		if event.ResourceType != "" {
			fields["resource_type"] = event.ResourceType
			fields["resource_id"] = event.ResourceID
		}
		r.opsLog.WithFields(fields).Info("audit event")
	}
	if r.metrics != nil {
		r.metrics.AuditWritesTotal.WithLabelValues("success").Inc()
	}
}

// BaseEvent builds an event pre-populated from the HTTP request:
// client IP, user agent, request id, method and path.
func BaseEvent(req *http.Request, eventType EventType, outcome Outcome) *Event {
	event := &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Outcome:   outcome,
	}
	if req != nil {
		event.IPAddress = httputil.ClientIP(req)
		event.UserAgent = req.UserAgent()
		event.RequestID = observability.GetRequestID(req.Context())
		event.Method = req.Method
		event.Path = req.URL.Path
	}
	return event
}

// WithActor stamps the principal onto the event.
func (e *Event) WithActor(p *auth.Principal) *Event {
	if p != nil {
		id := p.UserID
		e.ActorID = &id
		e.ActorEmail = p.Email
		e.ActorRole = string(p.Role)
	}
	return e
}

// RecordAuthentication records a login, logout, refresh or failed attempt.
func (r *Recorder) RecordAuthentication(ctx context.Context, req *http.Request, eventType EventType, user *auth.User, errMsg string) {
	outcome := OutcomeSuccess
	if errMsg != "" {
		outcome = OutcomeFailure
	}
	event := BaseEvent(req, eventType, outcome)
	if user != nil {
		event.ActorID = &user.ID
		event.ActorEmail = user.Email
		event.ActorRole = string(user.Role)
	}
	event.ErrorMessage = errMsg
	r.Record(ctx, event)
}

// RecordAuthorizationDenied records a role-gate rejection. The required
// and actual roles are carried in the event metadata.
func (r *Recorder) RecordAuthorizationDenied(ctx context.Context, req *http.Request, p *auth.Principal, requiredRoles []auth.Role) {
	event := BaseEvent(req, EventTypeAuthzAccessDenied, OutcomeDenied).WithActor(p)
	event.StatusCode = http.StatusForbidden
	required := make([]string, len(requiredRoles))
	for i, role := range requiredRoles {
		required[i] = string(role)
	}
	event.Metadata = map[string]interface{}{
		"requiredRoles": required,
	}
	if p != nil {
		event.Metadata["userRole"] = string(p.Role)
	}
	r.Record(ctx, event)
}

// RecordResourceMutation records a create, update or delete on a domain
// resource, with before/after details when supplied.
func (r *Recorder) RecordResourceMutation(ctx context.Context, req *http.Request, p *auth.Principal, eventType EventType, resource ResourceType, resourceID, resourceName string, changes *ChangeDetails) {
	event := BaseEvent(req, eventType, OutcomeSuccess).WithActor(p)
	event.ResourceType = resource
	event.ResourceID = resourceID
	event.ResourceName = resourceName
	event.Changes = changes
	r.Record(ctx, event)
}

// RecordBulkOperation records an import or export with row counts.
func (r *Recorder) RecordBulkOperation(ctx context.Context, req *http.Request, p *auth.Principal, eventType EventType, resource ResourceType, processed, failed int) {
	outcome := OutcomeSuccess
	if failed > 0 && processed == 0 {
		outcome = OutcomeFailure
	}
	event := BaseEvent(req, eventType, outcome).WithActor(p)
	event.ResourceType = resource
	event.Metadata = map[string]interface{}{
		"processed": processed,
		"failed":    failed,
	}
	r.Record(ctx, event)
}
