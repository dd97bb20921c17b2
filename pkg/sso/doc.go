// Package sso implements federated login against a corporate identity
// provider over SAML 2.0 or OpenID Connect.
//
// Both protocols normalize into a Profile: subject, email, name parts
// and directory groups, with per-claim fallback chains for the naming
// differences between IdPs. Groups map to a role through an ordered
// rule list (first tier wins, FACILITATOR by default), and the
// Provisioner creates or re-links the local account in a single
// transaction on every federated login.
package sso
