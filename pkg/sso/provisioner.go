package sso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/cohortly/tms/pkg/auth"
)

// Provisioner creates or updates local accounts from federation
// profiles (just-in-time provisioning).
type Provisioner struct {
	db *sql.DB
}

// NewProvisioner creates a provisioner over the shared users table.
func NewProvisioner(db *sql.DB) *Provisioner {
	return &Provisioner{db: db}
}

const provisionColumns = `id, email, display_name, role, password_hash, sso_provider, sso_subject, last_login_at, created_at, updated_at`

// Provision looks the user up by email inside a single transaction and
// either creates the account or re-links it to the federation identity.
// The role is always recomputed from the directory groups: the external
// directory is the source of truth for federated users, so a local role
// change is overwritten on the next login. Exactly one write happens
// per call.
func (p *Provisioner) Provision(ctx context.Context, profile *Profile) (*auth.User, bool, error) {
	if profile == nil {
		return nil, false, fmt.Errorf("profile is required")
	}
	email := strings.ToLower(profile.Email)
	if email == "" {
		return nil, false, ErrEmailNotProvided
	}
	role := MapGroupsToRole(profile.Groups)
	displayName := profile.DisplayName
	if displayName == "" {
		displayName = email
	}
	now := time.Now().UTC()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existingID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM users WHERE email = $1 FOR UPDATE`, email).Scan(&existingID)

	var user *auth.User
	created := false

	switch {
	case err == sql.ErrNoRows:
		user, err = p.create(ctx, tx, email, displayName, role, profile, now)
		if err != nil {
			return nil, false, err
		}
		created = true
	case err != nil:
		return nil, false, fmt.Errorf("failed to look up user: %w", err)
	default:
		user, err = p.update(ctx, tx, existingID, displayName, role, profile, now)
		if err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit provisioning: %w", err)
	}
	return user, created, nil
}

func (p *Provisioner) create(ctx context.Context, tx *sql.Tx, email, displayName string, role auth.Role, profile *Profile, now time.Time) (*auth.User, error) {
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO users (email, display_name, role, sso_provider, sso_subject, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING %s`, provisionColumns),
		email, displayName, string(role), profile.Provider, profile.Subject, now)

	user, err := scanProvisionedUser(row)
	if err != nil {
		// a concurrent first login can win the insert race
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, auth.ErrEmailTaken
		}
		return nil, fmt.Errorf("failed to provision user: %w", err)
	}
	return user, nil
}

func (p *Provisioner) update(ctx context.Context, tx *sql.Tx, id int64, displayName string, role auth.Role, profile *Profile, now time.Time) (*auth.User, error) {
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE users
		SET display_name = $2, role = $3, sso_provider = $4, sso_subject = $5,
		    last_login_at = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING %s`, provisionColumns),
		id, displayName, string(role), profile.Provider, profile.Subject, now)

	user, err := scanProvisionedUser(row)
	if err != nil {
		return nil, fmt.Errorf("failed to update provisioned user: %w", err)
	}
	return user, nil
}

func scanProvisionedUser(row *sql.Row) (*auth.User, error) {
	user := &auth.User{}
	var passwordHash, ssoProvider, ssoSubject sql.NullString
	var lastLogin sql.NullTime

	err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.Role,
		&passwordHash, &ssoProvider, &ssoSubject, &lastLogin,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}

	user.PasswordHash = passwordHash.String
	user.SSOProvider = ssoProvider.String
	user.SSOSubject = ssoSubject.String
	if lastLogin.Valid {
		user.LastLoginAt = &lastLogin.Time
	}
	return user, nil
}
