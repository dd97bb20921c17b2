package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authentication events
	EventTypeAuthLogin        EventType = "auth.login"
	EventTypeAuthLogout       EventType = "auth.logout"
	EventTypeAuthLoginFailed  EventType = "auth.login_failed"
	EventTypeAuthTokenRefresh EventType = "auth.token_refresh"
	EventTypeAuthSSOLogin     EventType = "auth.sso_login"
	EventTypeAuthSSOFailed    EventType = "auth.sso_failed"

	// Authorization events
	EventTypeAuthzAccessDenied EventType = "authz.access_denied"

	// Data mutation events
	EventTypeDataCreate EventType = "data.create"
	EventTypeDataUpdate EventType = "data.update"
	EventTypeDataDelete EventType = "data.delete"

	// Bulk operations
	EventTypeBulkImport EventType = "bulk.import"
	EventTypeBulkExport EventType = "bulk.export"

	// Admin events
	EventTypeAdminUserCreate EventType = "admin.user_create"
	EventTypeAdminUserUpdate EventType = "admin.user_update"
	EventTypeAdminUserDelete EventType = "admin.user_delete"
)

// Outcome represents the outcome of an event
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// ResourceType represents the type of resource being acted on
type ResourceType string

const (
	ResourceTypeUser        ResourceType = "user"
	ResourceTypeProgram     ResourceType = "program"
	ResourceTypeLocation    ResourceType = "location"
	ResourceTypeParticipant ResourceType = "participant"
	ResourceTypeCohort      ResourceType = "cohort"
	ResourceTypeSchedule    ResourceType = "schedule"
)

// Event is a single audit log entry. Entries are append-only: the subsystem
// never updates or deletes them outside retention sweeps.
type Event struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	Action    string    `json:"action,omitempty"`
	Outcome   Outcome   `json:"outcome"`

	// Actor information (optional; absent for anonymous events)
	ActorID    *int64 `json:"actor_id,omitempty"`
	ActorEmail string `json:"actor_email,omitempty"`
	ActorRole  string `json:"actor_role,omitempty"`

	// Target resource
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	ResourceName string       `json:"resource_name,omitempty"`

	// Request context
	IPAddress  string `json:"ip_address,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Method     string `json:"method,omitempty"`
	Path       string `json:"path,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`

	// Additional details
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`

	// Before/after values for updates
	Changes *ChangeDetails `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// ToJSON converts the event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// SearchFilter represents filters for querying the audit trail
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	ActorID      *int64
	EventTypes   []EventType
	Outcome      *Outcome
	ResourceType ResourceType
	ResourceID   string

	// Results are returned newest-first, capped by Limit
	Limit  int
	Offset int
}

// ActorActivity is one row of the most-active-actors aggregate
type ActorActivity struct {
	ActorID    int64  `json:"actor_id"`
	ActorEmail string `json:"actor_email,omitempty"`
	Events     int64  `json:"events"`
}

// Stats is the aggregate view over the audit trail
type Stats struct {
	TotalEvents     int64               `json:"total_events"`
	EventsByType    map[EventType]int64 `json:"events_by_type"`
	EventsByOutcome map[Outcome]int64   `json:"events_by_outcome"`
	TopActors       []ActorActivity     `json:"top_actors"`
	TimeRange       *TimeRange          `json:"time_range,omitempty"`
}

// TimeRange represents a time range for statistics
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ExportFormat represents the format for exporting audit logs
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)

// RetentionPolicy defines how long audit logs are kept
type RetentionPolicy struct {
	RetentionDays  int
	ArchiveEnabled bool
}

// DefaultRetentionPolicy returns the default retention policy (90 days)
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{RetentionDays: 90}
}
