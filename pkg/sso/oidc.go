package sso

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig holds OpenID Connect federation settings.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	BaseURL      string
	Scopes       []string
}

// OIDCProvider implements OpenID Connect federation via go-oidc.
type OIDCProvider struct {
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
}

var _ Provider = (*OIDCProvider)(nil)

// NewOIDCProvider discovers the issuer and prepares the code flow.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email", "groups"}
	}

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.BaseURL + "/api/v1/auth/sso/callback",
		Scopes:       scopes,
	}

	return &OIDCProvider{verifier: verifier, oauth2Config: oauth2Config}, nil
}

func (p *OIDCProvider) Name() string {
	return "oidc"
}

// InitiateLogin redirects the browser to the authorization endpoint.
func (p *OIDCProvider) InitiateLogin(w http.ResponseWriter, r *http.Request, state string) error {
	http.Redirect(w, r, p.oauth2Config.AuthCodeURL(state), http.StatusFound)
	return nil
}

// HandleCallback exchanges the authorization code, verifies the ID
// token and extracts a Profile from its claims.
func (p *OIDCProvider) HandleCallback(_ http.ResponseWriter, r *http.Request) (*Profile, error) {
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		return nil, fmt.Errorf("identity provider returned error: %s", errParam)
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		return nil, fmt.Errorf("missing authorization code")
	}

	ctx := r.Context()
	oauth2Token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("missing id_token in token response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}

	return profileFromClaims(claims, idToken.Subject)
}

// profileFromClaims maps a decoded claim set into a Profile.
func profileFromClaims(claims map[string]interface{}, subject string) (*Profile, error) {
	profile := &Profile{
		Provider:   "oidc",
		Attributes: make(map[string]string),
	}

	for k, v := range claims {
		if str, ok := v.(string); ok {
			profile.Attributes[k] = str
		}
	}
	profile.Groups = stringSlice(claims[groupsAttribute])

	if err := profile.normalize(subject); err != nil {
		return nil, err
	}
	return profile, nil
}

// stringSlice coerces a JSON claim value into []string. Providers emit
// groups as arrays, but a single group may arrive as a bare string.
func stringSlice(value interface{}) []string {
	switch v := value.(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}
