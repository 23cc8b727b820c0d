package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	apperrors "go.pilab.hu/directory/errors"
	"go.pilab.hu/directory/internal/metrics"
)

// TokenExchange is the result of trading an authorization code (or a refresh)
// with the provider's token endpoint.
type TokenExchange struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	// OfflineRefresh reports whether the refresh token is an offline one
	// (no session bound on the provider side), detected from its typ claim.
	OfflineRefresh bool
}

// Provider is the uniform contract of one configured identity provider.
type Provider interface {
	ID() string
	Title() string
	// Icon and Color feed the login-page button rendering.
	Icon() string
	Color() string
	// State returns this provider's persisted CSRF state value. Callers put
	// it at the head of the relay state round-tripped through the redirect.
	State() string
	AuthorizationURL(relayState []string, emailHint string, offlineAccess, forceLogin bool) (string, error)
	ExchangeCode(ctx context.Context, code string) (*TokenExchange, error)
	// RefreshToken trades the refresh token for a new access token. With
	// onlyIfExpired it returns (nil, nil) while the stored token is still
	// valid.
	RefreshToken(ctx context.Context, tok *TokenExchange, onlyIfExpired bool) (*TokenExchange, error)
	FetchIdentity(ctx context.Context, accessToken string) (*FederatedIdentity, error)
}

// identityFetcher runs the provider-specific user-info call(s) with a client
// already authenticated by the access token.
type identityFetcher func(ctx context.Context, client *http.Client) (*FederatedIdentity, error)

// oauthProvider is the shared OAuth2/OIDC implementation: endpoints and the
// identity fetcher differ per provider, everything else is uniform.
type oauthProvider struct {
	id    string
	title string
	icon  string
	color string
	conf  *oauth2.Config
	state string
	fetch identityFetcher
}

func (p *oauthProvider) ID() string    { return p.id }
func (p *oauthProvider) Title() string { return p.title }
func (p *oauthProvider) Icon() string  { return p.icon }
func (p *oauthProvider) Color() string { return p.color }
func (p *oauthProvider) State() string { return p.state }

func (p *oauthProvider) AuthorizationURL(relayState []string, emailHint string, offlineAccess, forceLogin bool) (string, error) {
	conf := p.conf
	if offlineAccess {
		scoped := *p.conf
		scoped.Scopes = append(append([]string{}, p.conf.Scopes...), "offline_access")
		conf = &scoped
	}
	relay, err := json.Marshal(relayState)
	if err != nil {
		return "", fmt.Errorf("encoding relay state: %w", err)
	}
	opts := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("display", "page")}
	if forceLogin {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "login"))
	}
	if emailHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("login_hint", emailHint))
	}
	return conf.AuthCodeURL(string(relay), opts...), nil
}

func (p *oauthProvider) ExchangeCode(ctx context.Context, code string) (*TokenExchange, error) {
	tok, err := p.conf.Exchange(ctx, code)
	if err != nil {
		log.Error().Err(err).Str("provider", p.id).Msg("authorization code exchange failed")
		return nil, fmt.Errorf("%w: %v", apperrors.ErrProviderExchange, err)
	}
	return fromOAuth2Token(tok), nil
}

func (p *oauthProvider) RefreshToken(ctx context.Context, tok *TokenExchange, onlyIfExpired bool) (*TokenExchange, error) {
	current := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if onlyIfExpired && current.Valid() {
		return nil, nil
	}
	// Force the token source to refresh even when the provider omitted an
	// expiry on the original exchange.
	current.Expiry = time.Now().Add(-time.Minute)
	fresh, err := p.conf.TokenSource(ctx, current).Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrProviderExchange, err)
	}
	return fromOAuth2Token(fresh), nil
}

func (p *oauthProvider) FetchIdentity(ctx context.Context, accessToken string) (*FederatedIdentity, error) {
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}))
	identity, err := p.fetch(ctx, client)
	if err != nil {
		return nil, err
	}
	metrics.FederatedLoginsTotal.Inc()
	return identity, nil
}

func fromOAuth2Token(tok *oauth2.Token) *TokenExchange {
	return &TokenExchange{
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		Expiry:         tok.Expiry,
		OfflineRefresh: isOfflineRefreshToken(tok.RefreshToken),
	}
}

// isOfflineRefreshToken checks the typ claim of a JWT-shaped refresh token.
// Keycloak marks offline tokens with typ=Offline; opaque tokens are not
// offline.
func isOfflineRefreshToken(refreshToken string) bool {
	if refreshToken == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(refreshToken, claims); err != nil {
		return false
	}
	typ, _ := claims["typ"].(string)
	return typ == "Offline"
}
