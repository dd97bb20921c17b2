package training

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Storage provides CRUD over the training domain tables.
type Storage struct {
	db *sql.DB
}

// NewStorage creates the storage layer and ensures the schema.
func NewStorage(db *sql.DB) (*Storage, error) {
	s := &Storage{db: db}
	if err := s.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure training tables: %w", err)
	}
	return s, nil
}

func (s *Storage) ensureTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS programs (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		description TEXT,
		duration_days INTEGER NOT NULL DEFAULT 1,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS locations (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		address TEXT,
		capacity INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS participants (
		id BIGSERIAL PRIMARY KEY,
		email VARCHAR(255) NOT NULL UNIQUE,
		first_name VARCHAR(255) NOT NULL,
		last_name VARCHAR(255) NOT NULL,
		phone VARCHAR(50),
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS cohorts (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		program_id BIGINT NOT NULL REFERENCES programs(id),
		location_id BIGINT NOT NULL REFERENCES locations(id),
		facilitator_id BIGINT NOT NULL,
		start_date TIMESTAMP WITH TIME ZONE NOT NULL,
		end_date TIMESTAMP WITH TIME ZONE NOT NULL,
		capacity INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS cohort_members (
		cohort_id BIGINT NOT NULL REFERENCES cohorts(id) ON DELETE CASCADE,
		participant_id BIGINT NOT NULL REFERENCES participants(id) ON DELETE CASCADE,
		enrolled_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		PRIMARY KEY (cohort_id, participant_id)
	);

	CREATE INDEX IF NOT EXISTS idx_cohorts_program ON cohorts(program_id);
	CREATE INDEX IF NOT EXISTS idx_cohorts_facilitator ON cohorts(facilitator_id);
	CREATE INDEX IF NOT EXISTS idx_participants_email ON participants(email);
	`
	_, err := s.db.Exec(query)
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Programs

func (s *Storage) CreateProgram(ctx context.Context, p *Program) error {
	return s.db.QueryRowContext(ctx, `
		INSERT INTO programs (name, description, duration_days, active)
		VALUES ($1, NULLIF($2, ''), $3, $4)
		RETURNING id, created_at, updated_at`,
		p.Name, p.Description, p.DurationDays, p.Active,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (s *Storage) GetProgram(ctx context.Context, id int64) (*Program, error) {
	p := &Program{}
	var description sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, duration_days, active, created_at, updated_at
		FROM programs WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &description, &p.DurationDays, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Description = description.String
	return p, nil
}

func (s *Storage) ListPrograms(ctx context.Context) ([]*Program, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, duration_days, active, created_at, updated_at
		FROM programs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	programs := make([]*Program, 0)
	for rows.Next() {
		p := &Program{}
		var description sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &description, &p.DurationDays, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Description = description.String
		programs = append(programs, p)
	}
	return programs, rows.Err()
}

func (s *Storage) UpdateProgram(ctx context.Context, p *Program) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE programs
		SET name = $2, description = NULLIF($3, ''), duration_days = $4, active = $5, updated_at = NOW()
		WHERE id = $1`,
		p.ID, p.Name, p.Description, p.DurationDays, p.Active)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *Storage) DeleteProgram(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM programs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// Locations

func (s *Storage) CreateLocation(ctx context.Context, l *Location) error {
	return s.db.QueryRowContext(ctx, `
		INSERT INTO locations (name, address, capacity)
		VALUES ($1, NULLIF($2, ''), $3)
		RETURNING id, created_at, updated_at`,
		l.Name, l.Address, l.Capacity,
	).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
}

func (s *Storage) GetLocation(ctx context.Context, id int64) (*Location, error) {
	l := &Location{}
	var address sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, address, capacity, created_at, updated_at
		FROM locations WHERE id = $1`, id,
	).Scan(&l.ID, &l.Name, &address, &l.Capacity, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	l.Address = address.String
	return l, nil
}

func (s *Storage) ListLocations(ctx context.Context) ([]*Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, address, capacity, created_at, updated_at
		FROM locations ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	locations := make([]*Location, 0)
	for rows.Next() {
		l := &Location{}
		var address sql.NullString
		if err := rows.Scan(&l.ID, &l.Name, &address, &l.Capacity, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.Address = address.String
		locations = append(locations, l)
	}
	return locations, rows.Err()
}

func (s *Storage) UpdateLocation(ctx context.Context, l *Location) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE locations
		SET name = $2, address = NULLIF($3, ''), capacity = $4, updated_at = NOW()
		WHERE id = $1`,
		l.ID, l.Name, l.Address, l.Capacity)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *Storage) DeleteLocation(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM locations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// Participants

func (s *Storage) CreateParticipant(ctx context.Context, p *Participant) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO participants (email, first_name, last_name, phone)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		RETURNING id, created_at, updated_at`,
		strings.ToLower(p.Email), p.FirstName, p.LastName, p.Phone,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateRow
	}
	return err
}

func (s *Storage) GetParticipant(ctx context.Context, id int64) (*Participant, error) {
	p := &Participant{}
	var phone sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, first_name, last_name, phone, created_at, updated_at
		FROM participants WHERE id = $1`, id,
	).Scan(&p.ID, &p.Email, &p.FirstName, &p.LastName, &phone, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Phone = phone.String
	return p, nil
}

func (s *Storage) ListParticipants(ctx context.Context, limit, offset int) ([]*Participant, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, first_name, last_name, phone, created_at, updated_at
		FROM participants ORDER BY last_name, first_name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := make([]*Participant, 0)
	for rows.Next() {
		p := &Participant{}
		var phone sql.NullString
		if err := rows.Scan(&p.ID, &p.Email, &p.FirstName, &p.LastName, &phone, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Phone = phone.String
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func (s *Storage) UpdateParticipant(ctx context.Context, p *Participant) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE participants
		SET email = $2, first_name = $3, last_name = $4, phone = NULLIF($5, ''), updated_at = NOW()
		WHERE id = $1`,
		p.ID, strings.ToLower(p.Email), p.FirstName, p.LastName, p.Phone)
	if isUniqueViolation(err) {
		return ErrDuplicateRow
	}
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *Storage) DeleteParticipant(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM participants WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// ImportParticipants validates and inserts rows one by one, collecting
// per-row failures instead of aborting the batch.
func (s *Storage) ImportParticipants(ctx context.Context, rows []*Participant) *ImportResult {
	result := &ImportResult{}
	for i, p := range rows {
		if p.Email == "" || !strings.Contains(p.Email, "@") {
			result.Failed++
			result.Errors = append(result.Errors, ImportError{Row: i + 1, Reason: "invalid email"})
			continue
		}
		if p.FirstName == "" || p.LastName == "" {
			result.Failed++
			result.Errors = append(result.Errors, ImportError{Row: i + 1, Reason: "name is required"})
			continue
		}
		if err := s.CreateParticipant(ctx, p); err != nil {
			result.Failed++
			reason := "insert failed"
			if err == ErrDuplicateRow {
				reason = "email already exists"
			}
			result.Errors = append(result.Errors, ImportError{Row: i + 1, Reason: reason})
			continue
		}
		result.Processed++
	}
	return result
}

// Cohorts

const cohortColumns = `c.id, c.name, c.program_id, c.location_id, c.facilitator_id,
	c.start_date, c.end_date, c.capacity, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM cohort_members m WHERE m.cohort_id = c.id) AS enrolled`

func scanCohort(row interface{ Scan(...interface{}) error }) (*Cohort, error) {
	c := &Cohort{}
	err := row.Scan(&c.ID, &c.Name, &c.ProgramID, &c.LocationID, &c.FacilitatorID,
		&c.StartDate, &c.EndDate, &c.Capacity, &c.CreatedAt, &c.UpdatedAt, &c.Enrolled)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Storage) CreateCohort(ctx context.Context, c *Cohort) error {
	return s.db.QueryRowContext(ctx, `
		INSERT INTO cohorts (name, program_id, location_id, facilitator_id, start_date, end_date, capacity)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		c.Name, c.ProgramID, c.LocationID, c.FacilitatorID, c.StartDate, c.EndDate, c.Capacity,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
}

func (s *Storage) GetCohort(ctx context.Context, id int64) (*Cohort, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM cohorts c WHERE c.id = $1`, cohortColumns), id)
	c, err := scanCohort(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Storage) ListCohorts(ctx context.Context) ([]*Cohort, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM cohorts c ORDER BY c.start_date DESC`, cohortColumns))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cohorts := make([]*Cohort, 0)
	for rows.Next() {
		c, err := scanCohort(rows)
		if err != nil {
			return nil, err
		}
		cohorts = append(cohorts, c)
	}
	return cohorts, rows.Err()
}

func (s *Storage) UpdateCohort(ctx context.Context, c *Cohort) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE cohorts
		SET name = $2, program_id = $3, location_id = $4, facilitator_id = $5,
		    start_date = $6, end_date = $7, capacity = $8, updated_at = NOW()
		WHERE id = $1`,
		c.ID, c.Name, c.ProgramID, c.LocationID, c.FacilitatorID, c.StartDate, c.EndDate, c.Capacity)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *Storage) DeleteCohort(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cohorts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// Enroll adds a participant to a cohort, enforcing capacity.
func (s *Storage) Enroll(ctx context.Context, cohortID, participantID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := checkCapacity(ctx, tx, cohortID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cohort_members (cohort_id, participant_id) VALUES ($1, $2)`,
		cohortID, participantID); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRow
		}
		return err
	}
	return tx.Commit()
}

// Unenroll removes a participant from a cohort.
func (s *Storage) Unenroll(ctx context.Context, cohortID, participantID int64) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM cohort_members WHERE cohort_id = $1 AND participant_id = $2`,
		cohortID, participantID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotEnrolled
	}
	return nil
}

// MoveParticipant moves a participant between cohorts in a single
// transaction: the removal and the insertion commit together or not at
// all, so the participant is never in both cohorts or neither.
func (s *Storage) MoveParticipant(ctx context.Context, participantID, fromCohortID, toCohortID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		DELETE FROM cohort_members WHERE cohort_id = $1 AND participant_id = $2`,
		fromCohortID, participantID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotEnrolled
	}

	if err := checkCapacity(ctx, tx, toCohortID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cohort_members (cohort_id, participant_id) VALUES ($1, $2)`,
		toCohortID, participantID); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRow
		}
		return err
	}

	return tx.Commit()
}

// checkCapacity locks the cohort row and verifies there is room.
// Capacity 0 means unlimited.
func checkCapacity(ctx context.Context, tx *sql.Tx, cohortID int64) error {
	var capacity, enrolled int
	err := tx.QueryRowContext(ctx, `
		SELECT c.capacity,
		       (SELECT COUNT(*) FROM cohort_members m WHERE m.cohort_id = c.id)
		FROM cohorts c WHERE c.id = $1 FOR UPDATE`, cohortID,
	).Scan(&capacity, &enrolled)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if capacity > 0 && enrolled >= capacity {
		return ErrCohortFull
	}
	return nil
}

// ListCohortMembers returns the participants enrolled in a cohort.
func (s *Storage) ListCohortMembers(ctx context.Context, cohortID int64) ([]*Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.email, p.first_name, p.last_name, p.phone, p.created_at, p.updated_at
		FROM participants p
		JOIN cohort_members m ON m.participant_id = p.id
		WHERE m.cohort_id = $1
		ORDER BY p.last_name, p.first_name`, cohortID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	participants := make([]*Participant, 0)
	for rows.Next() {
		p := &Participant{}
		var phone sql.NullString
		if err := rows.Scan(&p.ID, &p.Email, &p.FirstName, &p.LastName, &phone, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Phone = phone.String
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
