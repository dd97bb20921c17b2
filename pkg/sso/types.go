package sso

import (
	"errors"
	"net/http"
	"strings"
)

// Profile is the normalized identity extracted from a federation
// assertion or ID token, independent of the protocol that carried it.
type Profile struct {
	// Subject is the stable external identifier from the directory
	Subject string `json:"subject"`

	Email       string `json:"email"`
	GivenName   string `json:"given_name,omitempty"`
	FamilyName  string `json:"family_name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`

	// Groups are the directory group memberships used for role mapping
	Groups []string `json:"groups,omitempty"`

	// Provider is "saml" or "oidc"
	Provider string `json:"provider"`

	// Attributes holds every single-valued claim as received
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ErrEmailNotProvided is returned when no email claim could be
// extracted from the assertion through any fallback.
var ErrEmailNotProvided = errors.New("email not provided by identity provider")

// ErrSubjectNotProvided is returned when the assertion carries no
// usable subject identifier.
var ErrSubjectNotProvided = errors.New("subject not provided by identity provider")

// Provider abstracts the federation protocol.
type Provider interface {
	// Name returns "saml" or "oidc"
	Name() string

	// InitiateLogin redirects the browser to the identity provider
	InitiateLogin(w http.ResponseWriter, r *http.Request, state string) error

	// HandleCallback validates the IdP response and extracts a Profile
	HandleCallback(w http.ResponseWriter, r *http.Request) (*Profile, error)
}

// emailClaimChain is the ordered fallback for the email claim. SAML
// IdPs in particular disagree about naming; the schema-URI forms come
// from ADFS and Azure AD.
var emailClaimChain = []string{
	"email",
	"mail",
	"emailaddress",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
	"urn:oid:0.9.2342.19200300.100.1.3",
}

var givenNameClaimChain = []string{
	"given_name",
	"givenname",
	"firstName",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname",
}

var familyNameClaimChain = []string{
	"family_name",
	"surname",
	"lastName",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname",
}

var displayNameClaimChain = []string{
	"name",
	"displayName",
	"cn",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name",
}

// firstClaim returns the first non-empty value along the fallback
// chain. Lookup is case-insensitive on the claim name.
func firstClaim(attributes map[string]string, chain []string) string {
	for _, name := range chain {
		if v, ok := attributes[name]; ok && v != "" {
			return v
		}
	}
	for _, name := range chain {
		for k, v := range attributes {
			if v != "" && strings.EqualFold(k, name) {
				return v
			}
		}
	}
	return ""
}

// normalize fills the Profile's named fields from its attribute map,
// applying the fallback chains, and enforces the required fields.
// nameIDFallback is used for both subject and email when the
// attributes carry neither (SAML NameID).
func (p *Profile) normalize(nameIDFallback string) error {
	if p.Email == "" {
		p.Email = firstClaim(p.Attributes, emailClaimChain)
	}
	if p.Email == "" && strings.Contains(nameIDFallback, "@") {
		p.Email = nameIDFallback
	}
	if p.GivenName == "" {
		p.GivenName = firstClaim(p.Attributes, givenNameClaimChain)
	}
	if p.FamilyName == "" {
		p.FamilyName = firstClaim(p.Attributes, familyNameClaimChain)
	}
	if p.DisplayName == "" {
		p.DisplayName = firstClaim(p.Attributes, displayNameClaimChain)
	}
	if p.DisplayName == "" && p.GivenName != "" {
		p.DisplayName = strings.TrimSpace(p.GivenName + " " + p.FamilyName)
	}

	if p.Subject == "" {
		p.Subject = nameIDFallback
	}
	if p.Subject == "" {
		return ErrSubjectNotProvided
	}
	if p.Email == "" {
		return ErrEmailNotProvided
	}
	p.Email = strings.ToLower(p.Email)
	return nil
}
