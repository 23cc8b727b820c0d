package echo

import (
	"errors"
	"net/http"

	"github.com/jellydator/ttlcache/v3"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	apperrors "go.pilab.hu/directory/errors"
)

// ListProviders exposes the login-page provider descriptors.
func (a *DirectoryAPI) ListProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, a.gateway.Public())
}

type passwordlessRequest struct {
	Email    string `json:"email"`
	Redirect string `json:"redirect"`
}

// PasswordlessLogin mails a login link. The response never reveals whether
// the account exists.
func (a *DirectoryAPI) PasswordlessLogin(c echo.Context) error {
	var req passwordlessRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if !a.allowPasswordless(req.Email) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many login links requested for this address")
	}
	err := a.svc.PasswordlessLogin(c.Request().Context(), req.Email, req.Redirect)
	switch {
	case err == nil, errors.Is(err, apperrors.ErrUserNotFound):
	case httpStatus(err) == http.StatusBadRequest:
		return fail(c, err)
	default:
		log.Error().Err(err).Msg("passwordless login failed")
		return echo.NewHTTPError(http.StatusInternalServerError)
	}
	return c.NoContent(http.StatusNoContent)
}

// allowPasswordless applies the per-email request budget.
func (a *DirectoryAPI) allowPasswordless(email string) bool {
	if a.limit.Requests <= 0 {
		return true
	}
	count := 0
	if item := a.throttle.Get(email); item != nil {
		count = item.Value()
	}
	if count >= a.limit.Requests {
		return false
	}
	a.throttle.Set(email, count+1, ttlcache.DefaultTTL)
	return true
}

type passwordLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// PasswordLogin trades email+password for a session token.
func (a *DirectoryAPI) PasswordLogin(c echo.Context) error {
	var req passwordLoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	user, err := a.svc.CheckPassword(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		// A wrong password and an unknown account are indistinguishable.
		return echo.NewHTTPError(http.StatusUnauthorized, "bad credentials")
	}
	signed, err := a.svc.MintSession(c.Request().Context(), user)
	if err != nil {
		return fail(c, err)
	}
	a.setSessionCookie(c, signed, a.sessionMaxAge())
	return c.JSON(http.StatusOK, map[string]string{"id_token": signed})
}

// TokenCallback redeems the token carried by a login link: verify, install
// the session cookie, redirect.
func (a *DirectoryAPI) TokenCallback(c echo.Context) error {
	raw := c.QueryParam("id_token")
	// The link token is short-lived; trade it for a full session.
	renewed, err := a.svc.ExchangeToken(c.Request().Context(), raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired login link")
	}
	a.setSessionCookie(c, renewed, a.sessionMaxAge())
	redirect := c.QueryParam("redirect")
	if redirect == "" {
		redirect = "/"
	}
	return c.Redirect(http.StatusFound, redirect)
}

// ExchangeToken renews the session token with freshly-read memberships.
func (a *DirectoryAPI) ExchangeToken(c echo.Context) error {
	raw := sessionToken(c)
	if raw == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing session token")
	}
	renewed, err := a.svc.ExchangeToken(c.Request().Context(), raw)
	if err != nil {
		return fail(c, err)
	}
	a.setSessionCookie(c, renewed, a.sessionMaxAge())
	return c.JSON(http.StatusOK, map[string]string{"id_token": renewed})
}

// ChangePasswordAction sets a password through a short-lived action token.
func (a *DirectoryAPI) ChangePasswordAction(c echo.Context) error {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := a.svc.ChangePasswordByAction(c.Request().Context(), c.QueryParam("action_token"), req.Password); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Logout clears the session cookie.
func (a *DirectoryAPI) Logout(c echo.Context) error {
	a.setSessionCookie(c, "", -1)
	return c.NoContent(http.StatusNoContent)
}
