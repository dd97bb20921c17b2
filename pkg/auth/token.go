package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "tms"

// Token types embedded in the "typ" claim
const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// Claims is the payload carried by both access and refresh tokens. The two
// variants share the shape and differ only in expiry and the type claim.
type Claims struct {
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Principal converts the claims into a request principal
func (c *Claims) Principal() (*Principal, error) {
	var userID int64
	if _, err := fmt.Sscanf(c.Subject, "%d", &userID); err != nil {
		return nil, ErrInvalidToken
	}
	return &Principal{UserID: userID, Email: c.Email, Role: c.Role}, nil
}

// UserLookup resolves a user by ID. Satisfied by *Store.
type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*User, error)
}

// TokenService issues and verifies signed, time-bounded credentials
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	users      UserLookup
}

// NewTokenService creates a token service bound to one shared HS256 secret
func NewTokenService(secret string, accessTTL, refreshTTL time.Duration, users UserLookup) (*TokenService, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	if accessTTL <= 0 || refreshTTL <= 0 {
		return nil, errors.New("token TTLs must be positive")
	}
	return &TokenService{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		users:      users,
	}, nil
}

// Issue signs an access/refresh token pair for the user. The role claim
// reflects the role at issuance time; only Refresh picks up later changes.
func (s *TokenService) Issue(user *User) (TokenPair, error) {
	access, err := s.sign(user, tokenTypeAccess, s.accessTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	refresh, err := s.sign(user, tokenTypeRefresh, s.refreshTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *TokenService) sign(user *User, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Email:     user.Email,
		Role:      user.Role,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   fmt.Sprintf("%d", user.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify validates signature and expiry and returns the payload. All failure
// modes collapse into ErrInvalidToken.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	return s.verify(tokenString, tokenTypeAccess)
}

func (s *TokenService) verify(tokenString, wantType string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != tokenIssuer || claims.TokenType != wantType {
		return nil, ErrInvalidToken
	}
	if !claims.Role.Valid() {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Refresh verifies a refresh token, re-resolves the user from the store, and
// re-issues both tokens with the user's current stored role. This is the only
// path that picks up role changes made after original issuance.
func (s *TokenService) Refresh(ctx context.Context, refreshToken string) (TokenPair, *User, error) {
	claims, err := s.verify(refreshToken, tokenTypeRefresh)
	if err != nil {
		return TokenPair{}, nil, err
	}

	principal, err := claims.Principal()
	if err != nil {
		return TokenPair{}, nil, err
	}

	user, err := s.users.GetByID(ctx, principal.UserID)
	if err != nil {
		return TokenPair{}, nil, err
	}

	pair, err := s.Issue(user)
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, user, nil
}
