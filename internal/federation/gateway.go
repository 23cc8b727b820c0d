package federation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	apperrors "go.pilab.hu/directory/errors"
)

// OAuthProviderConfig selects one of the built-in providers by id and binds
// application credentials to it.
type OAuthProviderConfig struct {
	ID           string `mapstructure:"id"`
	ClientID     string `mapstructure:"clientId"`
	ClientSecret string `mapstructure:"clientSecret"`
}

// OIDCProviderConfig declares a provider resolved through OIDC discovery.
type OIDCProviderConfig struct {
	Title        string `mapstructure:"title"`
	Icon         string `mapstructure:"icon"`
	Color        string `mapstructure:"color"`
	DiscoveryURL string `mapstructure:"discovery"`
	ClientID     string `mapstructure:"clientId"`
	ClientSecret string `mapstructure:"clientSecret"`
	// IgnoreEmailVerified accepts identities whose email the provider has
	// not verified. Off by default.
	IgnoreEmailVerified bool `mapstructure:"ignoreEmailVerified"`
}

// SAMLProviderConfig declares one trusted SAML identity provider. Exactly one
// metadata source must be set.
type SAMLProviderConfig struct {
	Title        string `mapstructure:"title"`
	Icon         string `mapstructure:"icon"`
	Color        string `mapstructure:"color"`
	MetadataURL  string `mapstructure:"metadataUrl"`
	MetadataFile string `mapstructure:"metadataFile"`
	MetadataXML  string `mapstructure:"metadataXml"`
}

// SAMLConfig carries the shared service-provider material plus the trusted
// identity providers.
type SAMLConfig struct {
	CertFile  string               `mapstructure:"certFile"`
	KeyFile   string               `mapstructure:"keyFile"`
	Providers []SAMLProviderConfig `mapstructure:"providers"`
}

// Config is the federation section of the service configuration.
type Config struct {
	OAuth []OAuthProviderConfig `mapstructure:"oauth"`
	OIDC  []OIDCProviderConfig  `mapstructure:"oidc"`
	SAML  SAMLConfig            `mapstructure:"saml"`
}

// PublicProvider is the descriptor handed to login pages.
type PublicProvider struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Title string `json:"title"`
	Icon  string `json:"icon,omitempty"`
	Color string `json:"color,omitempty"`
}

// Gateway holds every configured identity provider behind one registry. It is
// built once at startup and read-only afterwards.
type Gateway struct {
	oauth     map[string]Provider
	oauthIDs  []string
	saml      map[string]*SAMLProvider
	samlIDs   []string
	samlOwner *SAMLProvider
}

// NewGateway instantiates all configured providers. Any failure is fatal:
// a directory that silently drops a login method misroutes its users.
func NewGateway(ctx context.Context, cfg Config, stateDir, publicURL string) (*Gateway, error) {
	g := &Gateway{
		oauth: map[string]Provider{},
		saml:  map[string]*SAMLProvider{},
	}

	for _, pc := range cfg.OAuth {
		def, ok := standardProviders[pc.ID]
		if !ok {
			return nil, fmt.Errorf("unknown oauth provider %q", pc.ID)
		}
		state, err := loadOrCreateState(stateDir, pc.ID)
		if err != nil {
			return nil, err
		}
		p := &oauthProvider{
			id:    pc.ID,
			title: def.title,
			icon:  def.icon,
			color: def.color,
			conf: &oauth2.Config{
				ClientID:     pc.ClientID,
				ClientSecret: pc.ClientSecret,
				Scopes:       def.scopes,
				Endpoint:     def.endpoint,
				RedirectURL:  publicURL + "/api/auth/oauth/" + pc.ID + "/callback",
			},
			state: state,
			fetch: def.fetch,
		}
		if err := g.registerOAuth(p); err != nil {
			return nil, err
		}
	}

	for _, pc := range cfg.OIDC {
		p, err := newOIDCProvider(ctx, stateDir, publicURL, pc)
		if err != nil {
			return nil, err
		}
		if err := g.registerOAuth(p); err != nil {
			return nil, err
		}
	}

	if len(cfg.SAML.Providers) > 0 {
		keyPair, err := loadSAMLKeyPair(cfg.SAML.CertFile, cfg.SAML.KeyFile)
		if err != nil {
			return nil, err
		}
		for _, pc := range cfg.SAML.Providers {
			p, err := newSAMLProvider(ctx, pc, keyPair, publicURL)
			if err != nil {
				return nil, err
			}
			if _, dup := g.saml[p.ID()]; dup {
				return nil, fmt.Errorf("%w: %s", apperrors.ErrDuplicateProviderID, p.ID())
			}
			g.saml[p.ID()] = p
			g.samlIDs = append(g.samlIDs, p.ID())
			if g.samlOwner == nil {
				g.samlOwner = p
			}
			log.Info().Str("provider", p.ID()).Str("type", "saml").Msg("identity provider registered")
		}
	}

	return g, nil
}

func (g *Gateway) registerOAuth(p Provider) error {
	if _, dup := g.oauth[p.ID()]; dup {
		return fmt.Errorf("%w: %s", apperrors.ErrDuplicateProviderID, p.ID())
	}
	g.oauth[p.ID()] = p
	g.oauthIDs = append(g.oauthIDs, p.ID())
	log.Info().Str("provider", p.ID()).Str("type", "oauth").Msg("identity provider registered")
	return nil
}

// OAuth returns the OAuth2/OIDC provider with the given id.
func (g *Gateway) OAuth(id string) (Provider, bool) {
	p, ok := g.oauth[id]
	return p, ok
}

// ByState resolves the provider owning a persisted CSRF state value. Used by
// the shared OIDC callback, where the redirect URI cannot identify the
// provider.
func (g *Gateway) ByState(state string) (Provider, bool) {
	for _, id := range g.oauthIDs {
		if p := g.oauth[id]; p.State() == state {
			return p, true
		}
	}
	return nil, false
}

// SAMLProviders lists the registered SAML providers in configuration order.
func (g *Gateway) SAMLProviders() []*SAMLProvider {
	out := make([]*SAMLProvider, 0, len(g.samlIDs))
	for _, id := range g.samlIDs {
		out = append(out, g.saml[id])
	}
	return out
}

// SAML returns the SAML provider with the given id.
func (g *Gateway) SAML(id string) (*SAMLProvider, bool) {
	p, ok := g.saml[id]
	return p, ok
}

// MetadataProvider returns the shared service-provider descriptor, nil when no SAML
// provider is configured. All SAML providers share the same SP material so
// any of them can render it.
func (g *Gateway) MetadataProvider() *SAMLProvider {
	return g.samlOwner
}

// Public lists provider descriptors in configuration order.
func (g *Gateway) Public() []PublicProvider {
	out := make([]PublicProvider, 0, len(g.oauthIDs)+len(g.samlIDs))
	for _, id := range g.oauthIDs {
		p := g.oauth[id]
		out = append(out, PublicProvider{Type: "oauth", ID: p.ID(), Title: p.Title(), Icon: p.Icon(), Color: p.Color()})
	}
	for _, id := range g.samlIDs {
		p := g.saml[id]
		out = append(out, PublicProvider{Type: "saml", ID: p.ID(), Title: p.Title(), Icon: p.Icon(), Color: p.Color()})
	}
	return out
}
