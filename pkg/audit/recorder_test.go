package audit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortly/tms/pkg/auth"
	"github.com/cohortly/tms/pkg/observability"
)

type captureLogger struct {
	events []*Event
	err    error
}

func (c *captureLogger) Log(_ context.Context, event *Event) error {
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, event)
	return nil
}

func (c *captureLogger) Search(context.Context, SearchFilter) ([]*Event, error) {
	return c.events, nil
}

func (c *captureLogger) GetStats(context.Context, *time.Time, *time.Time) (*Stats, error) {
	return &Stats{}, nil
}

func (c *captureLogger) Close() error { return nil }

func testRecorder(sink *captureLogger) *Recorder {
	return NewRecorder(sink, observability.NewLogger(observability.ErrorLevel, io.Discard), nil)
}

func TestRecorderFillsTimestamp(t *testing.T) {
	sink := &captureLogger{}
	rec := testRecorder(sink)

	rec.Record(context.Background(), &Event{EventType: EventTypeAuthLogin, Outcome: OutcomeSuccess})

	require.Len(t, sink.events, 1)
	assert.False(t, sink.events[0].Timestamp.IsZero())
}

func TestRecorderSwallowsPersistenceFailure(t *testing.T) {
	sink := &captureLogger{err: errors.New("connection refused")}
	rec := testRecorder(sink)

	// must not panic or propagate
	rec.Record(context.Background(), &Event{EventType: EventTypeDataCreate, Outcome: OutcomeSuccess})
	assert.Empty(t, sink.events)
}

func TestRecorderMirrorsProjectionToOpsLog(t *testing.T) {
	sink := &captureLogger{}
	var buf bytes.Buffer
	rec := NewRecorder(sink, observability.NewLogger(observability.InfoLevel, &buf), nil)

	actor := int64(7)
	rec.Record(context.Background(), &Event{
		EventType:  EventTypeDataUpdate,
		Outcome:    OutcomeSuccess,
		ActorID:    &actor,
		ActorEmail: "admin@example.org",
	})

	require.Len(t, sink.events, 1)
	out := buf.String()
	assert.Contains(t, out, "audit event")
	assert.Contains(t, out, string(EventTypeDataUpdate))
	assert.Contains(t, out, "admin@example.org")
	assert.Contains(t, out, `"actor_id":7`)
}

func TestRecorderOpsLogSilentBeforePersistence(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecorder(&captureLogger{err: errors.New("down")}, observability.NewLogger(observability.ErrorLevel, &buf), nil)

	rec.Record(context.Background(), &Event{EventType: EventTypeDataCreate, Outcome: OutcomeSuccess})

	assert.Contains(t, buf.String(), "failed to persist audit event")
	assert.NotContains(t, buf.String(), `"msg":"audit event"`)
}

func TestRecordAuthentication(t *testing.T) {
	sink := &captureLogger{}
	rec := testRecorder(sink)

	req := httptest.NewRequest("POST", "/api/v1/auth/login", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.50")
	user := &auth.User{ID: 3, Email: "hr@example.org", Role: auth.RoleHR}

	rec.RecordAuthentication(context.Background(), req, EventTypeAuthLogin, user, "")

	require.Len(t, sink.events, 1)
	event := sink.events[0]
	assert.Equal(t, EventTypeAuthLogin, event.EventType)
	assert.Equal(t, OutcomeSuccess, event.Outcome)
	require.NotNil(t, event.ActorID)
	assert.Equal(t, int64(3), *event.ActorID)
	assert.Equal(t, "hr@example.org", event.ActorEmail)
	assert.Equal(t, "203.0.113.50", event.IPAddress)
	assert.Equal(t, "/api/v1/auth/login", event.Path)
}

func TestRecordAuthenticationFailure(t *testing.T) {
	sink := &captureLogger{}
	rec := testRecorder(sink)

	req := httptest.NewRequest("POST", "/api/v1/auth/login", nil)
	rec.RecordAuthentication(context.Background(), req, EventTypeAuthLoginFailed, nil, "invalid credentials")

	require.Len(t, sink.events, 1)
	assert.Equal(t, OutcomeFailure, sink.events[0].Outcome)
	assert.Equal(t, "invalid credentials", sink.events[0].ErrorMessage)
	assert.Nil(t, sink.events[0].ActorID)
}

func TestRecordAuthorizationDenied(t *testing.T) {
	sink := &captureLogger{}
	rec := testRecorder(sink)

	req := httptest.NewRequest("DELETE", "/api/v1/programs/9", nil)
	principal := &auth.Principal{UserID: 8, Email: "fac@example.org", Role: auth.RoleFacilitator}

	rec.RecordAuthorizationDenied(context.Background(), req, principal, []auth.Role{auth.RoleAdmin, auth.RoleCoordinator})

	require.Len(t, sink.events, 1)
	event := sink.events[0]
	assert.Equal(t, EventTypeAuthzAccessDenied, event.EventType)
	assert.Equal(t, OutcomeDenied, event.Outcome)
	assert.Equal(t, 403, event.StatusCode)
	assert.Equal(t, []string{"ADMIN", "COORDINATOR"}, event.Metadata["requiredRoles"])
	assert.Equal(t, "FACILITATOR", event.Metadata["userRole"])
}

func TestRecordResourceMutation(t *testing.T) {
	sink := &captureLogger{}
	rec := testRecorder(sink)

	req := httptest.NewRequest("PUT", "/api/v1/programs/4", nil)
	principal := &auth.Principal{UserID: 1, Email: "admin@example.org", Role: auth.RoleAdmin}
	changes := &ChangeDetails{
		Before: map[string]interface{}{"name": "Old"},
		After:  map[string]interface{}{"name": "New"},
	}

	rec.RecordResourceMutation(context.Background(), req, principal, EventTypeDataUpdate, ResourceTypeProgram, "4", "New", changes)

	require.Len(t, sink.events, 1)
	event := sink.events[0]
	assert.Equal(t, ResourceTypeProgram, event.ResourceType)
	assert.Equal(t, "4", event.ResourceID)
	require.NotNil(t, event.Changes)
	assert.Equal(t, "Old", event.Changes.Before["name"])
}

func TestRecordBulkOperationOutcome(t *testing.T) {
	sink := &captureLogger{}
	rec := testRecorder(sink)
	req := httptest.NewRequest("POST", "/api/v1/participants/import", nil)
	principal := &auth.Principal{UserID: 2, Email: "c@example.org", Role: auth.RoleCoordinator}

	rec.RecordBulkOperation(context.Background(), req, principal, EventTypeBulkImport, ResourceTypeParticipant, 40, 2)
	rec.RecordBulkOperation(context.Background(), req, principal, EventTypeBulkImport, ResourceTypeParticipant, 0, 10)

	require.Len(t, sink.events, 2)
	assert.Equal(t, OutcomeSuccess, sink.events[0].Outcome)
	assert.Equal(t, 40, sink.events[0].Metadata["processed"])
	assert.Equal(t, OutcomeFailure, sink.events[1].Outcome)
}
