package echo

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"go.pilab.hu/directory/domain"
	apperrors "go.pilab.hu/directory/errors"
	"go.pilab.hu/directory/internal/directory"
	"go.pilab.hu/directory/internal/token"
)

// Quota locks are held only for the duration of one admission, so a
// contended accept is re-attempted a few times before giving up.
const (
	acceptLockRetries    = 3
	acceptLockRetryDelay = 200 * time.Millisecond
)

type invitationRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Role       string `json:"role"`
	Department string `json:"department,omitempty"`
	Redirect   string `json:"redirect,omitempty"`
}

// CreateInvitation signs and mails an invitation. Service admins get the
// acceptance link back for manual delivery; everyone else gets 201.
func (a *DirectoryAPI) CreateInvitation(c echo.Context) error {
	var req invitationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	claims := claimsFrom(c)
	link, err := a.svc.CreateInvitation(c.Request().Context(), claims, &token.Invitation{
		OrganizationID:   req.ID,
		OrganizationName: req.Name,
		Email:            req.Email,
		Role:             req.Role,
		Department:       req.Department,
		Redirect:         req.Redirect,
	})
	if err != nil {
		return fail(c, err)
	}
	if claims.IsAdmin {
		return c.JSON(http.StatusOK, map[string]string{"link": link})
	}
	return c.NoContent(http.StatusCreated)
}

// AcceptInvitation runs the acceptance state machine; the outcome is always
// a redirect.
func (a *DirectoryAPI) AcceptInvitation(c echo.Context) error {
	currentEmail := ""
	if raw := sessionToken(c); raw != "" {
		if claims, err := a.codec.Verify(raw); err == nil {
			currentEmail = claims.Email
		}
	}
	redirect, err := a.svc.AcceptInvitation(c.Request().Context(), c.QueryParam("invit_token"), currentEmail)
	for attempt := 0; attempt < acceptLockRetries && errors.Is(err, apperrors.ErrLockUnavailable); attempt++ {
		time.Sleep(acceptLockRetryDelay)
		redirect, err = a.svc.AcceptInvitation(c.Request().Context(), c.QueryParam("invit_token"), currentEmail)
	}
	if err != nil {
		return fail(c, err)
	}
	return c.Redirect(http.StatusFound, redirect)
}

type createOrganizationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CreateOrganization registers an organization owned by the caller.
func (a *DirectoryAPI) CreateOrganization(c echo.Context) error {
	var req createOrganizationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	org, err := a.svc.CreateOrganization(c.Request().Context(), claimsFrom(c), &domain.Organization{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, org)
}

type createUserRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Password  string `json:"password,omitempty"`
}

// CreateUser registers an account, optionally redeeming an invitation passed
// as the invit_token query parameter.
func (a *DirectoryAPI) CreateUser(c echo.Context) error {
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	user, err := a.svc.CreateUser(c.Request().Context(), directory.NewAccount{
		Email:           req.Email,
		FirstName:       req.FirstName,
		LastName:        req.LastName,
		Password:        req.Password,
		InvitationToken: c.QueryParam("invit_token"),
		Redirect:        c.QueryParam("redirect"),
	})
	if err != nil {
		return fail(c, err)
	}
	if user == nil {
		// Email already taken: same response as success, the owner was
		// warned by email.
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusCreated, user)
}

func (a *DirectoryAPI) GetUser(c echo.Context) error {
	user, err := a.svc.GetUser(c.Request().Context(), claimsFrom(c), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, user)
}

func (a *DirectoryAPI) PatchUser(c echo.Context) error {
	var patch map[string]any
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	user, err := a.svc.PatchUser(c.Request().Context(), claimsFrom(c), c.Param("id"), patch)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, user)
}

func (a *DirectoryAPI) DeleteUser(c echo.Context) error {
	if err := a.svc.DeleteUser(c.Request().Context(), claimsFrom(c), c.Param("id")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
