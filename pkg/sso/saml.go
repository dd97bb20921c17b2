package sso

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"
)

// SAMLConfig holds the IdP and SP settings for SAML federation.
type SAMLConfig struct {
	// IdP
	EntityID    string
	SSOURL      string
	Certificate string // PEM

	// SP
	BaseURL      string
	PrivateKey   string // PEM, optional; enables signed AuthnRequests
	NameIDFormat string
}

// SAMLProvider implements SAML 2.0 federation via gosaml2.
type SAMLProvider struct {
	sp *saml2.SAMLServiceProvider
}

var _ Provider = (*SAMLProvider)(nil)

const groupsAttribute = "groups"

// NewSAMLProvider parses the IdP certificate and builds the service
// provider. The ACS endpoint lives under /api/v1/auth/sso/callback.
func NewSAMLProvider(cfg SAMLConfig) (*SAMLProvider, error) {
	certBlock, _ := pem.Decode([]byte(cfg.Certificate))
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode IdP certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse IdP certificate: %w", err)
	}

	certStore := dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	}

	var keyStore dsig.X509KeyStore
	signRequests := false
	if cfg.PrivateKey != "" {
		keyBlock, _ := pem.Decode([]byte(cfg.PrivateKey))
		if keyBlock == nil {
			return nil, fmt.Errorf("failed to decode SP private key PEM")
		}
		privateKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
		if err != nil {
			pkcs8Key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse SP private key: %w", err)
			}
			var ok bool
			privateKey, ok = pkcs8Key.(*rsa.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("SP private key is not RSA")
			}
		}
		keyStore = &dsig.TLSCertKeyStore{
			PrivateKey:  privateKey,
			Certificate: [][]byte{certBlock.Bytes},
		}
		signRequests = true
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.SSOURL,
		IdentityProviderIssuer:      cfg.EntityID,
		ServiceProviderIssuer:       cfg.BaseURL + "/api/v1/auth/sso/metadata",
		AssertionConsumerServiceURL: cfg.BaseURL + "/api/v1/auth/sso/callback",
		AudienceURI:                 cfg.BaseURL,
		IDPCertificateStore:         &certStore,
		SPKeyStore:                  keyStore,
		SignAuthnRequests:           signRequests,
	}
	if cfg.NameIDFormat != "" {
		sp.NameIdFormat = cfg.NameIDFormat
	}

	return &SAMLProvider{sp: sp}, nil
}

func (p *SAMLProvider) Name() string {
	return "saml"
}

// InitiateLogin redirects the browser to the IdP with an AuthnRequest.
func (p *SAMLProvider) InitiateLogin(w http.ResponseWriter, r *http.Request, state string) error {
	authURL, err := p.sp.BuildAuthURL(state)
	if err != nil {
		return fmt.Errorf("failed to build auth URL: %w", err)
	}
	http.Redirect(w, r, authURL, http.StatusFound)
	return nil
}

// HandleCallback validates the posted assertion and extracts a Profile.
func (p *SAMLProvider) HandleCallback(_ http.ResponseWriter, r *http.Request) (*Profile, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}

	samlResponse := r.FormValue("SAMLResponse")
	if samlResponse == "" {
		return nil, fmt.Errorf("missing SAMLResponse parameter")
	}

	assertionBytes, err := base64.StdEncoding.DecodeString(samlResponse)
	if err != nil {
		return nil, fmt.Errorf("failed to decode SAMLResponse: %w", err)
	}

	assertionInfo, err := p.sp.RetrieveAssertionInfo(string(assertionBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to validate assertion: %w", err)
	}
	if assertionInfo.WarningInfo != nil {
		if assertionInfo.WarningInfo.InvalidTime {
			return nil, fmt.Errorf("assertion outside its validity window")
		}
		if assertionInfo.WarningInfo.NotInAudience {
			return nil, fmt.Errorf("assertion not addressed to this service")
		}
	}

	profile := &Profile{
		Provider:   "saml",
		Attributes: make(map[string]string),
	}

	for _, attr := range assertionInfo.Values {
		if len(attr.Values) == 0 {
			continue
		}
		if isGroupsAttribute(attr.Name) {
			for _, v := range attr.Values {
				if v.Value != "" {
					profile.Groups = append(profile.Groups, v.Value)
				}
			}
			continue
		}
		profile.Attributes[attr.Name] = attr.Values[0].Value
	}

	if err := profile.normalize(assertionInfo.NameID); err != nil {
		return nil, err
	}
	return profile, nil
}

// isGroupsAttribute recognizes the common names IdPs use for group
// membership, including the ADFS schema URI.
func isGroupsAttribute(name string) bool {
	lower := strings.ToLower(name)
	return lower == groupsAttribute ||
		lower == "membof" || lower == "memberof" ||
		strings.HasSuffix(lower, "/claims/groups") ||
		strings.HasSuffix(lower, "/claims/role")
}

// Metadata returns the SP metadata document for IdP registration.
func (p *SAMLProvider) Metadata() ([]byte, error) {
	metadata, err := p.sp.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to build SP metadata: %w", err)
	}
	raw, err := xml.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal SP metadata: %w", err)
	}
	return append([]byte(xml.Header), raw...), nil
}
