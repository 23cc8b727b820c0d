package echo

import (
	"encoding/json"
	"encoding/xml"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/directory/internal/federation"
)

// OAuthLogin starts the authorization-code flow for one provider. The relay
// state round-trips the CSRF state value and the final destination through
// the provider.
func (a *DirectoryAPI) OAuthLogin(c echo.Context) error {
	provider, ok := a.gateway.OAuth(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown provider")
	}
	redirect := c.QueryParam("redirect")
	if redirect == "" {
		redirect = "/"
	}
	authURL, err := provider.AuthorizationURL(
		[]string{provider.State(), redirect},
		c.QueryParam("email"),
		c.QueryParam("offline") == "true",
		c.QueryParam("force_login") == "true",
	)
	if err != nil {
		return fail(c, err)
	}
	return c.Redirect(http.StatusFound, authURL)
}

// OAuthCallback finishes the flow on a provider-specific redirect URI.
func (a *DirectoryAPI) OAuthCallback(c echo.Context) error {
	provider, ok := a.gateway.OAuth(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown provider")
	}
	return a.finishOAuth(c, provider)
}

// SharedOAuthCallback serves every discovered OIDC provider: they all share
// one redirect URI, so the provider is resolved from the CSRF state value at
// the head of the relay state.
func (a *DirectoryAPI) SharedOAuthCallback(c echo.Context) error {
	relay, err := parseRelayState(c.QueryParam("state"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed state")
	}
	provider, ok := a.gateway.ByState(relay[0])
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown state")
	}
	return a.finishOAuth(c, provider)
}

func (a *DirectoryAPI) finishOAuth(c echo.Context, provider federation.Provider) error {
	relay, err := parseRelayState(c.QueryParam("state"))
	if err != nil || relay[0] != provider.State() {
		return echo.NewHTTPError(http.StatusBadRequest, "state mismatch")
	}
	ctx := c.Request().Context()

	exchange, err := provider.ExchangeCode(ctx, c.QueryParam("code"))
	if err != nil {
		return fail(c, err)
	}
	identity, err := provider.FetchIdentity(ctx, exchange.AccessToken)
	if err != nil {
		log.Error().Err(err).Str("provider", provider.ID()).Msg("identity fetch failed")
		return fail(c, err)
	}
	signed, err := a.svc.LoginWithIdentity(ctx, provider.ID(), identity)
	if err != nil {
		return fail(c, err)
	}
	a.setSessionCookie(c, signed, a.sessionMaxAge())

	redirect := "/"
	if len(relay) > 1 && relay[1] != "" {
		redirect = relay[1]
	}
	return c.Redirect(http.StatusFound, redirect)
}

func parseRelayState(raw string) ([]string, error) {
	var relay []string
	if err := json.Unmarshal([]byte(raw), &relay); err != nil {
		return nil, err
	}
	if len(relay) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "empty relay state")
	}
	return relay, nil
}

// SAMLLogin starts the redirect-binding flow for one trusted IdP.
func (a *DirectoryAPI) SAMLLogin(c echo.Context) error {
	provider, ok := a.gateway.SAML(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown provider")
	}
	redirect := c.QueryParam("redirect")
	if redirect == "" {
		redirect = "/"
	}
	authURL, err := provider.AuthorizationURL(redirect)
	if err != nil {
		return fail(c, err)
	}
	return c.Redirect(http.StatusFound, authURL)
}

// SAMLMetadata serves the shared service-provider descriptor.
func (a *DirectoryAPI) SAMLMetadata(c echo.Context) error {
	owner := a.gateway.MetadataProvider()
	if owner == nil {
		return echo.NewHTTPError(http.StatusNotFound, "saml is not configured")
	}
	out, err := xml.MarshalIndent(owner.Metadata(), "", "  ")
	if err != nil {
		return fail(c, err)
	}
	return c.Blob(http.StatusOK, "application/samlmetadata+xml", append([]byte(xml.Header), out...))
}

// SAMLAssert consumes the POSTed assertion. The issuing IdP is found by
// trying each trusted provider's validation; trust sets are disjoint so at
// most one accepts.
func (a *DirectoryAPI) SAMLAssert(c echo.Context) error {
	var identity *federation.FederatedIdentity
	var providerID string
	for _, provider := range a.gateway.SAMLProviders() {
		parsed, err := provider.ParseAssertion(c.Request())
		if err == nil {
			identity = parsed
			providerID = provider.ID()
			break
		}
	}
	if identity == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "assertion rejected")
	}
	signed, err := a.svc.LoginWithIdentity(c.Request().Context(), providerID, identity)
	if err != nil {
		return fail(c, err)
	}
	a.setSessionCookie(c, signed, a.sessionMaxAge())

	redirect := c.FormValue("RelayState")
	if redirect == "" {
		redirect = "/"
	}
	return c.Redirect(http.StatusFound, redirect)
}
