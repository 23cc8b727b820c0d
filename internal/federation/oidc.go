package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"

	apperrors "go.pilab.hu/directory/errors"
)

// discoveryDocument is the subset of the OIDC discovery metadata the gateway
// needs to drive the authorization-code flow.
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
}

// loadDiscovery resolves the discovery document for an OIDC provider. The
// document is cached to disk keyed by provider id, and the cached copy wins:
// a provider that was reachable once keeps working across restarts even while
// its discovery endpoint is down.
func loadDiscovery(ctx context.Context, stateDir, providerID, discoveryURL string) (*discoveryDocument, error) {
	path := filepath.Join(stateDir, "oidc-discovery-"+providerID)
	if data, err := os.ReadFile(path); err == nil {
		var doc discoveryDocument
		if err := json.Unmarshal(data, &doc); err == nil {
			return &doc, nil
		}
		// Corrupt cache, fall through and refetch.
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrProviderDiscovery, discoveryURL, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrProviderDiscovery, discoveryURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", apperrors.ErrProviderDiscovery, discoveryURL, resp.StatusCode)
	}
	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrProviderDiscovery, discoveryURL, err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" || doc.UserinfoEndpoint == "" {
		return nil, fmt.Errorf("%w: %s: incomplete document", apperrors.ErrProviderDiscovery, discoveryURL)
	}
	if data, err := json.Marshal(&doc); err == nil {
		_ = os.WriteFile(path, data, 0o600)
	}
	return &doc, nil
}

// oidcIdentityFetcher builds the userinfo fetch for a discovered provider.
// Identities whose email the provider has not verified are rejected unless
// the provider is configured to ignore the flag.
func oidcIdentityFetcher(userinfoEndpoint string, ignoreEmailVerified bool) identityFetcher {
	return func(ctx context.Context, client *http.Client) (*FederatedIdentity, error) {
		var raw map[string]any
		if err := getJSON(ctx, client, userinfoEndpoint, &raw); err != nil {
			return nil, fmt.Errorf("oidc: fetching userinfo: %w", err)
		}
		if !ignoreEmailVerified {
			if verified, ok := raw["email_verified"].(bool); ok && !verified {
				return nil, fmt.Errorf("oidc: email %s is not verified by the identity provider", str(raw["email"]))
			}
		}
		first := str(raw["given_name"])
		last := str(raw["family_name"])
		name := str(raw["name"])
		if name == "" {
			name = first + " " + last
		}
		return &FederatedIdentity{
			ProviderUserID: str(raw["sub"]),
			Email:          str(raw["email"]),
			Name:           name,
			FirstName:      first,
			LastName:       last,
			AvatarURL:      str(raw["picture"]),
			Raw:            raw,
		}, nil
	}
}

// newOIDCProvider discovers an OIDC issuer and wraps it as a regular OAuth2
// provider. All discovered providers share one callback route, so the code
// flow cannot tell them apart by redirect URI; the relay state carries the
// provider id instead.
func newOIDCProvider(ctx context.Context, stateDir, publicURL string, cfg OIDCProviderConfig) (*oauthProvider, error) {
	id := ProviderID(cfg.DiscoveryURL)
	doc, err := loadDiscovery(ctx, stateDir, id, cfg.DiscoveryURL)
	if err != nil {
		return nil, err
	}
	state, err := loadOrCreateState(stateDir, id)
	if err != nil {
		return nil, err
	}
	title := cfg.Title
	if title == "" {
		title = id
	}
	return &oauthProvider{
		id:    id,
		title: title,
		icon:  cfg.Icon,
		color: cfg.Color,
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			// Scope is forced, provider configuration cannot narrow it below
			// what identity normalization needs.
			Scopes: []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  doc.AuthorizationEndpoint,
				TokenURL: doc.TokenEndpoint,
			},
			RedirectURL: publicURL + "/api/auth/oauth-callback",
		},
		state: state,
		fetch: oidcIdentityFetcher(doc.UserinfoEndpoint, cfg.IgnoreEmailVerified),
	}, nil
}
