package federation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "go.pilab.hu/directory/errors"
)

func discoveryHandler(doc string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(doc))
	}
}

const testDiscoveryDoc = `{
	"issuer": "https://idp.example.com",
	"authorization_endpoint": "https://idp.example.com/auth",
	"token_endpoint": "https://idp.example.com/token",
	"userinfo_endpoint": "https://idp.example.com/userinfo"
}`

func TestLoadDiscoveryCachesToDisk(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(discoveryHandler(testDiscoveryDoc))

	doc, err := loadDiscovery(context.Background(), dir, "idp-example-com", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example.com/auth", doc.AuthorizationEndpoint)

	_, err = os.Stat(filepath.Join(dir, "oidc-discovery-idp-example-com"))
	require.NoError(t, err)

	// The cached copy must satisfy later loads even with the issuer down.
	srv.Close()
	doc, err = loadDiscovery(context.Background(), dir, "idp-example-com", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "https://idp.example.com/token", doc.TokenEndpoint)
}

func TestLoadDiscoveryIncompleteDocument(t *testing.T) {
	srv := httptest.NewServer(discoveryHandler(`{"issuer":"https://idp.example.com"}`))
	defer srv.Close()

	_, err := loadDiscovery(context.Background(), t.TempDir(), "idp-example-com", srv.URL)
	require.ErrorIs(t, err, apperrors.ErrProviderDiscovery)
}

func TestLoadDiscoveryUnreachable(t *testing.T) {
	srv := httptest.NewServer(discoveryHandler(testDiscoveryDoc))
	srv.Close()

	_, err := loadDiscovery(context.Background(), t.TempDir(), "idp-example-com", srv.URL)
	require.ErrorIs(t, err, apperrors.ErrProviderDiscovery)
}

func TestOIDCIdentityFetcherEmailVerified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"sub": "user-1",
			"email": "alice@example.com",
			"email_verified": false,
			"given_name": "Alice",
			"family_name": "Doe"
		}`))
	}))
	defer srv.Close()

	fetch := oidcIdentityFetcher(srv.URL, false)
	_, err := fetch(context.Background(), srv.Client())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not verified")

	fetch = oidcIdentityFetcher(srv.URL, true)
	identity, err := fetch(context.Background(), srv.Client())
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.ProviderUserID)
	assert.Equal(t, "alice@example.com", identity.Email)
	assert.Equal(t, "Alice Doe", identity.Name)
}

func TestNewGatewayRejectsDuplicateProviders(t *testing.T) {
	srv := httptest.NewServer(discoveryHandler(testDiscoveryDoc))
	defer srv.Close()

	cfg := Config{OIDC: []OIDCProviderConfig{
		{DiscoveryURL: srv.URL, ClientID: "a", ClientSecret: "s"},
		{DiscoveryURL: srv.URL, ClientID: "b", ClientSecret: "s"},
	}}
	_, err := NewGateway(context.Background(), cfg, t.TempDir(), "https://dir.example.com")
	require.ErrorIs(t, err, apperrors.ErrDuplicateProviderID)
}

func TestNewGatewayPublicDescriptors(t *testing.T) {
	srv := httptest.NewServer(discoveryHandler(testDiscoveryDoc))
	defer srv.Close()

	cfg := Config{
		OAuth: []OAuthProviderConfig{{ID: "github", ClientID: "gh", ClientSecret: "s"}},
		OIDC:  []OIDCProviderConfig{{Title: "Corp IdP", DiscoveryURL: srv.URL, ClientID: "a", ClientSecret: "s"}},
	}
	g, err := NewGateway(context.Background(), cfg, t.TempDir(), "https://dir.example.com")
	require.NoError(t, err)

	public := g.Public()
	require.Len(t, public, 2)
	assert.Equal(t, "github", public[0].ID)
	assert.Equal(t, "GitHub", public[0].Title)
	assert.Equal(t, "oauth", public[0].Type)
	assert.Equal(t, "Corp IdP", public[1].Title)

	p, ok := g.OAuth("github")
	require.True(t, ok)
	assert.Equal(t, "mdi-github", p.Icon())

	_, ok = g.OAuth("missing")
	assert.False(t, ok)
}

func TestNewGatewayUnknownOAuthProvider(t *testing.T) {
	cfg := Config{OAuth: []OAuthProviderConfig{{ID: "myspace"}}}
	_, err := NewGateway(context.Background(), cfg, t.TempDir(), "https://dir.example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown oauth provider")
}
