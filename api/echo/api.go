// Package echo exposes the directory over HTTP. Handlers stay thin: every
// decision lives in the orchestrator, the gateway or the codec; this layer
// maps transport details (cookies, redirects, status codes) onto them.
package echo

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "go.pilab.hu/directory/errors"
	"go.pilab.hu/directory/internal/directory"
	"go.pilab.hu/directory/internal/federation"
	"go.pilab.hu/directory/internal/token"
)

const sessionCookie = "id_token"

// RateLimit caps passwordless link requests per email.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// Options carries the transport-level settings.
type Options struct {
	PasswordlessLimit RateLimit
	SessionTTL        time.Duration
}

// DirectoryAPI holds the handler dependencies.
type DirectoryAPI struct {
	svc      *directory.Service
	gateway  *federation.Gateway
	codec    *token.Codec
	throttle *ttlcache.Cache[string, int]
	limit    RateLimit
	session  time.Duration
}

// NewDirectoryAPI wires the HTTP surface.
func NewDirectoryAPI(svc *directory.Service, gateway *federation.Gateway, codec *token.Codec, opts Options) *DirectoryAPI {
	window := opts.PasswordlessLimit.Window
	if window <= 0 {
		window = 10 * time.Minute
	}
	throttle := ttlcache.New(
		ttlcache.WithTTL[string, int](window),
		ttlcache.WithDisableTouchOnHit[string, int](),
	)
	go throttle.Start()
	return &DirectoryAPI{
		svc:      svc,
		gateway:  gateway,
		codec:    codec,
		throttle: throttle,
		limit:    opts.PasswordlessLimit,
		session:  opts.SessionTTL,
	}
}

func (a *DirectoryAPI) sessionMaxAge() time.Duration {
	if a.session <= 0 {
		return 30 * 24 * time.Hour
	}
	return a.session
}

// RegisterRoutes mounts every route.
func (a *DirectoryAPI) RegisterRoutes(e *echo.Echo) {
	e.Use(middleware.Recover())

	auth := e.Group("/api/auth")
	auth.GET("/providers", a.ListProviders)
	auth.POST("/passwordless", a.PasswordlessLogin)
	auth.POST("/password", a.PasswordLogin)
	auth.GET("/token_callback", a.TokenCallback)
	auth.POST("/exchange", a.ExchangeToken)
	auth.POST("/action", a.ChangePasswordAction)
	auth.DELETE("", a.Logout)

	auth.GET("/oauth/:id/login", a.OAuthLogin)
	auth.GET("/oauth/:id/callback", a.OAuthCallback)
	auth.GET("/oauth-callback", a.SharedOAuthCallback)

	auth.GET("/saml2-metadata.xml", a.SAMLMetadata)
	auth.POST("/saml2-assert", a.SAMLAssert)
	auth.GET("/saml2/:id/login", a.SAMLLogin)

	organizations := e.Group("/api/organizations")
	organizations.POST("", a.CreateOrganization, a.RequireSession)

	invitations := e.Group("/api/invitations")
	invitations.POST("", a.CreateInvitation, a.RequireSession)
	invitations.GET("/_accept", a.AcceptInvitation)

	users := e.Group("/api/users")
	users.POST("", a.CreateUser)
	users.GET("/:id", a.GetUser, a.RequireSession)
	users.PATCH("/:id", a.PatchUser, a.RequireSession)
	users.DELETE("/:id", a.DeleteUser, a.RequireSession)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// Close stops the throttle janitor.
func (a *DirectoryAPI) Close() {
	a.throttle.Stop()
}

// sessionToken pulls the token from the cookie or the bearer header, cookie
// first.
func sessionToken(c echo.Context) string {
	if cookie, err := c.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// RequireSession verifies the session token and stores the claims in the
// request context.
func (a *DirectoryAPI) RequireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw := sessionToken(c)
		if raw == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing session token")
		}
		claims, err := a.codec.Verify(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid session token")
		}
		c.Set("claims", claims)
		return next(c)
	}
}

func claimsFrom(c echo.Context) *token.Claims {
	claims, _ := c.Get("claims").(*token.Claims)
	return claims
}

func (a *DirectoryAPI) setSessionCookie(c echo.Context, value string, maxAge time.Duration) {
	seconds := int(maxAge / time.Second)
	if maxAge < 0 {
		seconds = -1
	}
	c.SetCookie(&http.Cookie{
		Name:     sessionCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   seconds,
		HttpOnly: true,
		Secure:   c.Scheme() == "https",
		SameSite: http.SameSiteLaxMode,
	})
}

// httpStatus maps the error taxonomy onto status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrBadEmail), errors.Is(err, apperrors.ErrMalformedPassword):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrInvalidSignature), errors.Is(err, apperrors.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, apperrors.ErrUserNotFound), errors.Is(err, apperrors.ErrOrganizationNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrQuotaExceeded), errors.Is(err, apperrors.ErrLockUnavailable):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func fail(c echo.Context, err error) error {
	return c.JSON(httpStatus(err), map[string]string{"error": err.Error()})
}
