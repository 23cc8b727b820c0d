package federation

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"
	"github.com/jellydator/ttlcache/v3"
)

// samlRequestTTL bounds how long an issued AuthnRequest stays redeemable.
const samlRequestTTL = 5 * time.Minute

// Attribute names probed on incoming assertions, friendly names first, then
// the matching OID urns.
var (
	samlEmailAttributes     = []string{"email", "mail", "urn:oid:0.9.2342.19200300.100.1.3"}
	samlFirstNameAttributes = []string{"firstName", "givenName", "urn:oid:2.5.4.42"}
	samlLastNameAttributes  = []string{"lastName", "sn", "urn:oid:2.5.4.4"}
)

// SAMLProvider wraps one trusted identity provider behind a shared service
// provider. The web flow differs from OAuth2 (assertion POST instead of a
// code exchange) so it does not implement Provider; the gateway exposes both
// families to callers.
type SAMLProvider struct {
	id    string
	title string
	icon  string
	color string
	sp    *saml.ServiceProvider
	// requests holds the IDs of outstanding AuthnRequests: an assertion is
	// only accepted InResponseTo one of them.
	requests *ttlcache.Cache[string, struct{}]
}

func (p *SAMLProvider) ID() string    { return p.id }
func (p *SAMLProvider) Title() string { return p.title }
func (p *SAMLProvider) Icon() string  { return p.icon }
func (p *SAMLProvider) Color() string { return p.color }

// Metadata renders the shared service-provider descriptor.
func (p *SAMLProvider) Metadata() *saml.EntityDescriptor {
	return p.sp.Metadata()
}

// AuthorizationURL builds the redirect-binding authentication request. The
// relay state travels in the RelayState parameter, mirroring the OAuth2
// state round-trip.
func (p *SAMLProvider) AuthorizationURL(relayState string) (string, error) {
	req, err := p.sp.MakeAuthenticationRequest(p.sp.GetSSOBindingLocation(saml.HTTPRedirectBinding), saml.HTTPRedirectBinding, saml.HTTPPostBinding)
	if err != nil {
		return "", fmt.Errorf("building authn request for %s: %w", p.id, err)
	}
	p.requests.Set(req.ID, struct{}{}, ttlcache.DefaultTTL)
	redirect, err := req.Redirect(relayState, p.sp)
	if err != nil {
		return "", fmt.Errorf("encoding authn redirect for %s: %w", p.id, err)
	}
	return redirect.String(), nil
}

// ParseAssertion validates the POSTed response against the outstanding
// AuthnRequest IDs and normalizes the asserted subject. The NameID becomes
// the provider user id. Tracked request IDs age out of the cache, bounding
// the window in which an assertion is redeemable.
func (p *SAMLProvider) ParseAssertion(req *http.Request) (*FederatedIdentity, error) {
	assertion, err := p.sp.ParseResponse(req, p.requests.Keys())
	if err != nil {
		return nil, fmt.Errorf("parsing assertion from %s: %w", p.id, err)
	}
	identity := &FederatedIdentity{Raw: map[string]any{}}
	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		identity.ProviderUserID = assertion.Subject.NameID.Value
	}
	attrs := map[string]string{}
	for _, stmt := range assertion.AttributeStatements {
		for _, attr := range stmt.Attributes {
			if len(attr.Values) == 0 {
				continue
			}
			value := attr.Values[0].Value
			if attr.FriendlyName != "" {
				attrs[attr.FriendlyName] = value
			}
			attrs[attr.Name] = value
			identity.Raw[attr.Name] = value
		}
	}
	identity.Email = firstAttribute(attrs, samlEmailAttributes)
	identity.FirstName = firstAttribute(attrs, samlFirstNameAttributes)
	identity.LastName = firstAttribute(attrs, samlLastNameAttributes)
	identity.Name = strings.TrimSpace(identity.FirstName + " " + identity.LastName)
	if identity.Email == "" {
		// Some IdPs only assert the address as the NameID.
		if strings.Contains(identity.ProviderUserID, "@") {
			identity.Email = identity.ProviderUserID
		} else {
			return nil, fmt.Errorf("assertion from %s carries no email attribute", p.id)
		}
	}
	return identity, nil
}

func firstAttribute(attrs map[string]string, names []string) string {
	for _, name := range names {
		if v := attrs[name]; v != "" {
			return v
		}
	}
	return ""
}

// newSAMLProvider loads the IdP metadata and binds it to the shared service
// provider material. The provider id is derived from the IdP entity host the
// same way OAuth2 provider ids come from their discovery host.
func newSAMLProvider(ctx context.Context, cfg SAMLProviderConfig, keyPair tls.Certificate, publicURL string) (*SAMLProvider, error) {
	metadata, err := loadIDPMetadata(ctx, cfg)
	if err != nil {
		return nil, err
	}
	id := ProviderID(metadata.EntityID)
	acsURL, err := url.Parse(publicURL + "/api/auth/saml2-assert")
	if err != nil {
		return nil, fmt.Errorf("parsing ACS url: %w", err)
	}
	metadataURL, err := url.Parse(publicURL + "/api/auth/saml2-metadata.xml")
	if err != nil {
		return nil, fmt.Errorf("parsing metadata url: %w", err)
	}
	title := cfg.Title
	if title == "" {
		title = id
	}
	requests := ttlcache.New(
		ttlcache.WithTTL[string, struct{}](samlRequestTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go requests.Start()
	return &SAMLProvider{
		id:       id,
		title:    title,
		icon:     cfg.Icon,
		color:    cfg.Color,
		requests: requests,
		sp: &saml.ServiceProvider{
			EntityID:    metadataURL.String(),
			Key:         keyPair.PrivateKey.(*rsa.PrivateKey),
			Certificate: keyPair.Leaf,
			AcsURL:      *acsURL,
			MetadataURL: *metadataURL,
			IDPMetadata: metadata,
		},
	}, nil
}

func loadIDPMetadata(ctx context.Context, cfg SAMLProviderConfig) (*saml.EntityDescriptor, error) {
	switch {
	case cfg.MetadataXML != "":
		return samlsp.ParseMetadata([]byte(cfg.MetadataXML))
	case cfg.MetadataFile != "":
		data, err := os.ReadFile(cfg.MetadataFile)
		if err != nil {
			return nil, fmt.Errorf("reading metadata file %s: %w", cfg.MetadataFile, err)
		}
		return samlsp.ParseMetadata(data)
	case cfg.MetadataURL != "":
		u, err := url.Parse(cfg.MetadataURL)
		if err != nil {
			return nil, fmt.Errorf("parsing metadata url %s: %w", cfg.MetadataURL, err)
		}
		return samlsp.FetchMetadata(ctx, http.DefaultClient, *u)
	default:
		return nil, fmt.Errorf("saml provider needs metadataUrl, metadataFile or metadataXml")
	}
}

// loadSAMLKeyPair reads the signing certificate and key used for every SAML
// provider. Leaf is populated so the service provider can embed the cert in
// its own metadata.
func loadSAMLKeyPair(certFile, keyFile string) (tls.Certificate, error) {
	keyPair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("loading saml keypair: %w", err)
	}
	keyPair.Leaf, err = x509.ParseCertificate(keyPair.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parsing saml certificate: %w", err)
	}
	return keyPair, nil
}
