package training

import (
	"errors"
	"time"
)

// Sentinel errors surfaced by the storage layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrCohortFull   = errors.New("cohort is at capacity")
	ErrNotEnrolled  = errors.New("participant is not enrolled in cohort")
	ErrDuplicateRow = errors.New("duplicate entry")
)

// Program is a training curriculum that cohorts run through.
type Program struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	DurationDays int       `json:"duration_days"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Location is a venue where cohorts meet.
type Location struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Capacity  int       `json:"capacity"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Participant is a person enrolled in training.
type Participant struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cohort is a scheduled run of a program at a location with a
// facilitator and a capacity.
type Cohort struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	ProgramID     int64     `json:"program_id"`
	LocationID    int64     `json:"location_id"`
	FacilitatorID int64     `json:"facilitator_id"`
	StartDate     time.Time `json:"start_date"`
	EndDate       time.Time `json:"end_date"`
	Capacity      int       `json:"capacity"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Enrolled is populated on reads, not stored.
	Enrolled int `json:"enrolled,omitempty"`
}

// CohortMember is a participant's membership in a cohort.
type CohortMember struct {
	CohortID      int64     `json:"cohort_id"`
	ParticipantID int64     `json:"participant_id"`
	EnrolledAt    time.Time `json:"enrolled_at"`
}

// ImportResult reports the outcome of a bulk participant import.
type ImportResult struct {
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Errors    []ImportError `json:"errors,omitempty"`
}

// ImportError names one rejected row and why.
type ImportError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}
