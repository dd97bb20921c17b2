package auth

import (
	"errors"
	"time"
)

// Role represents a user's role in the training system
type Role string

const (
	RoleAdmin       Role = "ADMIN"       // Full access, user administration
	RoleCoordinator Role = "COORDINATOR" // Manages programs, cohorts, schedules
	RoleHR          Role = "HR"          // Read access to participants and reports
	RoleFacilitator Role = "FACILITATOR" // Read-only access to own cohorts
)

// Roles lists every valid role, highest privilege first
var Roles = []Role{RoleAdmin, RoleCoordinator, RoleHR, RoleFacilitator}

// Valid reports whether the role is one of the four enumerated values
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleCoordinator, RoleHR, RoleFacilitator:
		return true
	}
	return false
}

var (
	// ErrInvalidToken indicates a token failed verification. Signature
	// mismatch, malformed structure, and elapsed expiry are deliberately
	// not distinguished to the caller.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrUserNotFound indicates the user does not exist in the store
	ErrUserNotFound = errors.New("user not found")

	// ErrEmailTaken indicates a uniqueness violation on the email column
	ErrEmailTaken = errors.New("email already registered")
)

// User represents a training system account. SSO-only accounts have no
// password hash; local accounts must have one.
type User struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	Role         Role       `json:"role"`
	PasswordHash string     `json:"-"`
	SSOProvider  string     `json:"sso_provider,omitempty"`
	SSOSubject   string     `json:"sso_subject,omitempty"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsSSO reports whether the account is federated
func (u *User) IsSSO() bool {
	return u.SSOProvider != ""
}

// Principal is the authenticated identity attached to a request context.
// Its role reflects the role at token issuance time, not necessarily the
// currently stored role.
type Principal struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
}

// TokenPair holds a freshly issued access/refresh token pair
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}
