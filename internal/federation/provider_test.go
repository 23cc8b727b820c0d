package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	apperrors "go.pilab.hu/directory/errors"
)

func TestProviderID(t *testing.T) {
	assert.Equal(t, "idp-example-com", ProviderID("https://idp.example.com/realms/master/.well-known/openid-configuration"))
	assert.Equal(t, "login-test-org", ProviderID("https://login.test.org"))
	assert.Equal(t, "localhost-8080", ProviderID("http://localhost:8080/metadata"))
}

func newTestOAuthProvider(t *testing.T) *oauthProvider {
	t.Helper()
	return &oauthProvider{
		id:    "test",
		title: "Test",
		conf: &oauth2.Config{
			ClientID:     "client-id",
			ClientSecret: "secret",
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://idp.example.com/auth",
				TokenURL: "https://idp.example.com/token",
			},
			RedirectURL: "https://dir.example.com/api/auth/oauth-callback",
		},
		state: "csrf-state",
	}
}

func TestAuthorizationURL(t *testing.T) {
	p := newTestOAuthProvider(t)

	raw, err := p.AuthorizationURL([]string{p.State(), "https://dir.example.com/app", "adminMode=false"}, "user@example.com", false, true)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()

	var relay []string
	require.NoError(t, json.Unmarshal([]byte(q.Get("state")), &relay))
	assert.Equal(t, "csrf-state", relay[0])
	assert.Equal(t, "https://dir.example.com/app", relay[1])

	assert.Equal(t, "page", q.Get("display"))
	assert.Equal(t, "login", q.Get("prompt"))
	assert.Equal(t, "user@example.com", q.Get("login_hint"))
	assert.NotContains(t, q.Get("scope"), "offline_access")
}

func TestAuthorizationURLOfflineAccess(t *testing.T) {
	p := newTestOAuthProvider(t)

	raw, err := p.AuthorizationURL([]string{p.State()}, "", true, false)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Contains(t, u.Query().Get("scope"), "offline_access")
	assert.Empty(t, u.Query().Get("prompt"))

	// The offline request must not grow the provider's base scope set.
	assert.Equal(t, []string{"openid", "email", "profile"}, p.conf.Scopes)
}

func TestIsOfflineRefreshToken(t *testing.T) {
	// header/payload crafted by hand: {"alg":"none"} / {"typ":"Offline"}
	offline := "eyJhbGciOiJub25lIn0.eyJ0eXAiOiJPZmZsaW5lIn0."
	session := "eyJhbGciOiJub25lIn0.eyJ0eXAiOiJSZWZyZXNoIn0."

	assert.True(t, isOfflineRefreshToken(offline))
	assert.False(t, isOfflineRefreshToken(session))
	assert.False(t, isOfflineRefreshToken("opaque-refresh-token"))
	assert.False(t, isOfflineRefreshToken(""))
}

func newRefreshTestProvider(tokenURL string) *oauthProvider {
	return &oauthProvider{
		id: "test",
		conf: &oauth2.Config{
			ClientID:     "client-id",
			ClientSecret: "secret",
			Endpoint: oauth2.Endpoint{
				AuthURL:   "https://idp.example.com/auth",
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		state: "csrf-state",
	}
}

func TestRefreshTokenOnlyIfExpired(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh-access","refresh_token":"fresh-refresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()
	p := newRefreshTestProvider(srv.URL + "/token")

	// Still-valid token: the short-circuit must not hit the endpoint.
	valid := &TokenExchange{AccessToken: "old-access", RefreshToken: "old-refresh", Expiry: time.Now().Add(time.Hour)}
	fresh, err := p.RefreshToken(context.Background(), valid, true)
	require.NoError(t, err)
	assert.Nil(t, fresh)
	assert.Zero(t, calls)

	expired := &TokenExchange{AccessToken: "old-access", RefreshToken: "old-refresh", Expiry: time.Now().Add(-time.Hour)}
	fresh, err = p.RefreshToken(context.Background(), expired, true)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, "fresh-access", fresh.AccessToken)
	assert.Equal(t, "fresh-refresh", fresh.RefreshToken)
	assert.Equal(t, 1, calls)
}

func TestRefreshTokenExchangeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()
	p := newRefreshTestProvider(srv.URL + "/token")

	tok := &TokenExchange{AccessToken: "old-access", RefreshToken: "revoked", Expiry: time.Now().Add(time.Hour)}
	_, err := p.RefreshToken(context.Background(), tok, false)
	require.ErrorIs(t, err, apperrors.ErrProviderExchange)
}

func TestFetchGithubIdentityEmailSelection(t *testing.T) {
	tests := []struct {
		name   string
		emails string
		want   string
	}{
		{
			name:   "primary wins over verified",
			emails: `[{"email":"a@x.io","verified":true},{"email":"b@x.io","primary":true}]`,
			want:   "b@x.io",
		},
		{
			name:   "verified wins over first",
			emails: `[{"email":"a@x.io"},{"email":"b@x.io","verified":true}]`,
			want:   "b@x.io",
		},
		{
			name:   "first as last resort",
			emails: `[{"email":"a@x.io"},{"email":"b@x.io"}]`,
			want:   "a@x.io",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				switch r.URL.Path {
				case "/user":
					w.Write([]byte(`{"id":12345,"login":"octo","name":"Octo Cat","avatar_url":"https://img/octo"}`))
				case "/user/emails":
					w.Write([]byte(tt.emails))
				default:
					w.WriteHeader(http.StatusNotFound)
				}
			}))
			defer srv.Close()

			origUser, origEmails := GithubUserEndpoint, GithubUserEmailsEndpoint
			GithubUserEndpoint = srv.URL + "/user"
			GithubUserEmailsEndpoint = srv.URL + "/user/emails"
			defer func() {
				GithubUserEndpoint, GithubUserEmailsEndpoint = origUser, origEmails
			}()

			identity, err := fetchGithubIdentity(context.Background(), srv.Client())
			require.NoError(t, err)
			assert.Equal(t, "12345", identity.ProviderUserID)
			assert.Equal(t, "Octo Cat", identity.Name)
			assert.Equal(t, tt.want, identity.Email)
		})
	}
}

func TestLoadOrCreateState(t *testing.T) {
	dir := t.TempDir()

	first, err := loadOrCreateState(dir, "github")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Stable across restarts.
	second, err := loadOrCreateState(dir, "github")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Independent per provider.
	other, err := loadOrCreateState(dir, "google")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}
