// Package auth provides user accounts, password hashing, and the JWT access/
// refresh token service.
//
// Accounts carry one of four roles (ADMIN, COORDINATOR, HR, FACILITATOR) and
// are either local (bcrypt password hash) or federated (SSO provider/subject
// linkage, no password).
//
// Tokens are HS256-signed JWTs sharing one claim shape across both variants;
// the access token is short-lived, the refresh token long-lived. Verification
// is stateless. Refresh re-reads the account from the store so a changed role
// is picked up on the next refresh, never mid-lifetime of an access token.
package auth
