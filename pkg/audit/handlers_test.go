package audit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortly/tms/pkg/observability"
)

// brokenLogger fails every read so handler error paths can be exercised.
type brokenLogger struct {
	err error
}

func (b *brokenLogger) Log(context.Context, *Event) error { return b.err }

func (b *brokenLogger) Search(context.Context, SearchFilter) ([]*Event, error) {
	return nil, b.err
}

func (b *brokenLogger) GetStats(context.Context, *time.Time, *time.Time) (*Stats, error) {
	return nil, b.err
}

func (b *brokenLogger) Close() error { return nil }

func testHandlers(logger Logger, production bool) *Handlers {
	return NewHandlers(logger, nil, observability.NewLogger(observability.ErrorLevel, io.Discard), production)
}

func TestSearchReturnsEvents(t *testing.T) {
	sink := &captureLogger{}
	rec := testRecorder(sink)
	rec.Record(context.Background(), &Event{EventType: EventTypeAuthLogin, Outcome: OutcomeSuccess})

	h := testHandlers(sink, false)
	w := httptest.NewRecorder()
	h.Search(w, httptest.NewRequest(http.MethodGet, "/audit?limit=10", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(EventTypeAuthLogin))
}

func TestSearchFailureHidesDetailInProduction(t *testing.T) {
	broken := &brokenLogger{err: errors.New(`pq: password authentication failed for user "tms"`)}
	h := testHandlers(broken, true)

	w := httptest.NewRecorder()
	h.Search(w, httptest.NewRequest(http.MethodGet, "/audit", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal server error")
	assert.NotContains(t, w.Body.String(), "password authentication")
}

func TestSearchFailureShowsDetailInDevelopment(t *testing.T) {
	broken := &brokenLogger{err: errors.New("pq: connection refused")}
	h := testHandlers(broken, false)

	w := httptest.NewRecorder()
	h.Search(w, httptest.NewRequest(http.MethodGet, "/audit", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestGetStatsFailureHidesDetailInProduction(t *testing.T) {
	broken := &brokenLogger{err: errors.New("pq: relation audit_log does not exist")}
	h := testHandlers(broken, true)

	w := httptest.NewRecorder()
	h.GetStats(w, httptest.NewRequest(http.MethodGet, "/audit/stats", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "relation")
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	h := testHandlers(&captureLogger{}, false)

	w := httptest.NewRecorder()
	h.Export(w, httptest.NewRequest(http.MethodGet, "/audit/export?format=xml", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
