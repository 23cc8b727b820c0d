package directory

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/rs/zerolog/log"

	"go.pilab.hu/directory/domain"
	apperrors "go.pilab.hu/directory/errors"
	"go.pilab.hu/directory/internal/mail"
	"go.pilab.hu/directory/internal/metrics"
	"go.pilab.hu/directory/internal/notify"
	"go.pilab.hu/directory/internal/token"
)

// CreateInvitation signs an invitation token, mails the acceptance link and
// emits the invitation-sent event. Only an admin of the target organization
// (or a service admin) may invite. The returned link is exposed to service
// admins for manual delivery.
func (s *Service) CreateInvitation(ctx context.Context, inviter *token.Claims, inv *token.Invitation) (string, error) {
	if !validEmail(inv.Email) {
		return "", apperrors.ErrBadEmail
	}
	membership := membershipIn(inviter.Organizations, inv.OrganizationID)
	if !inviter.IsAdmin && (membership == nil || membership.Role != domain.RoleAdmin) {
		return "", apperrors.ErrPermissionDenied
	}

	limit, err := s.limits.Get(ctx, domain.Consumer{Type: "organization", ID: inv.OrganizationID}, domain.LimitMembers)
	if err != nil {
		return "", err
	}
	if limit.Exceeded() {
		return "", apperrors.ErrQuotaExceeded
	}

	signed, err := s.codec.SignInvitation(inv, s.opts.InvitationTTL)
	if err != nil {
		return "", err
	}

	link, err := url.Parse(s.opts.PublicURL + "/api/invitations/_accept")
	if err != nil {
		return "", fmt.Errorf("building invitation link: %w", err)
	}
	q := link.Query()
	q.Set("invit_token", signed)
	link.RawQuery = q.Encode()

	s.mail.Send(mail.Message{
		Key: "invitation",
		To:  inv.Email,
		Params: map[string]string{
			"Link":         link.String(),
			"Organization": inv.OrganizationName,
			"Host":         link.Host,
		},
	})
	s.notify.Send(notify.Event{
		Sender: notify.EventSender{Type: "organization", ID: inv.OrganizationID, Name: inv.OrganizationName, Role: domain.RoleAdmin},
		Topic:  "directory:invitation-sent",
		Title:  fmt.Sprintf("%s was invited to join %s", inv.Email, inv.OrganizationName),
	})
	metrics.InvitationsSentTotal.Inc()
	log.Info().Str("email", inv.Email).Str("org", inv.OrganizationID).Msg("invitation sent")
	return link.String(), nil
}

// AcceptInvitation drives the invitation-acceptance state machine and returns
// the URL the user must be redirected to. The token goes through three trust
// tiers: fully verified, expired-but-decodable, invalid.
//
// An expired token still resolves the target user and organization so the
// stale link lands on a meaningful page, but it authorizes no membership
// write. An invalid token resolves nothing.
//
// currentEmail is the authenticated caller's email, empty for anonymous
// visits.
func (s *Service) AcceptInvitation(ctx context.Context, rawToken, currentEmail string) (string, error) {
	inv, err := s.codec.VerifyInvitation(rawToken)
	verified := err == nil
	if err != nil {
		if !errors.Is(err, apperrors.ErrTokenExpired) {
			log.Debug().Err(err).Msg("invalid invitation token")
			return s.loginErrorURL("invalidInvitationToken"), nil
		}
		// Once-valid token: decode for redirect context only, no writes.
		if inv, err = s.codec.DecodeInvitation(rawToken); err != nil {
			return s.loginErrorURL("invalidInvitationToken"), nil
		}
	}

	user, err := s.store.GetUserByEmail(ctx, inv.Email)
	if err != nil && !errors.Is(err, apperrors.ErrUserNotFound) {
		return "", err
	}

	org, err := s.store.GetOrganization(ctx, inv.OrganizationID)
	if errors.Is(err, apperrors.ErrOrganizationNotFound) {
		return s.loginErrorURL("orgaUnknown"), nil
	}
	if err != nil {
		return "", err
	}

	destination := inv.Redirect
	if destination == "" {
		destination = s.opts.InvitationRedirect
	}
	if destination == "" {
		destination = s.opts.PublicURL + "/invitation"
	}
	redirectURL, err := url.Parse(destination)
	if err != nil {
		return s.loginErrorURL("invalidInvitationToken"), nil
	}
	q := redirectURL.Query()
	q.Set("email", inv.Email)
	q.Set("id_token_org", inv.OrganizationID)
	redirectURL.RawQuery = q.Encode()

	// Duplicate accept: the membership already exists, let the user through
	// without another write.
	if user != nil && user.Membership(inv.OrganizationID) != nil {
		hasPassword, err := s.store.HasPassword(ctx, inv.Email)
		if err != nil {
			return "", err
		}
		if !hasPassword && !s.opts.Passwordless {
			// Account creation was never finished: route through the
			// password-setup step with a short-lived action token.
			actionToken, err := s.codec.Sign(&token.Claims{
				ID:     user.ID,
				Email:  user.Email,
				Action: "changePassword",
			}, s.opts.InitialTTL)
			if err != nil {
				return "", err
			}
			return s.loginStepURL(url.Values{
				"step":         {"changePassword"},
				"email":        {inv.Email},
				"id_token_org": {inv.OrganizationID},
				"action_token": {actionToken},
				"redirect":     {redirectURL.String()},
			}), nil
		}
		if currentEmail != inv.Email {
			return s.loginStepURL(url.Values{
				"email":        {inv.Email},
				"id_token_org": {inv.OrganizationID},
				"redirect":     {redirectURL.String()},
			}), nil
		}
		return redirectURL.String(), nil
	}

	if !verified {
		return s.loginErrorURL("expiredInvitationToken"), nil
	}

	// Quota admission is serialized per organization: check and write under
	// the organization's lock so two racing accepts cannot both pass the
	// limit check.
	acquired, err := s.locks.Acquire(ctx, quotaLockResource(org.ID))
	if err != nil {
		return "", err
	}
	if !acquired {
		return "", apperrors.ErrLockUnavailable
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), quotaLockResource(org.ID)); err != nil {
			log.Warn().Err(err).Str("org", org.ID).Msg("releasing quota lock failed")
		}
	}()

	limit, err := s.limits.Get(ctx, domain.Consumer{Type: "organization", ID: org.ID}, domain.LimitMembers)
	if err != nil {
		return "", err
	}
	if limit.Exceeded() {
		return s.loginErrorURL("maxNbMembers"), nil
	}

	if user == nil {
		// No account yet: the user finishes through the account-creation
		// step, which redeems the same invitation token.
		return s.loginStepURL(url.Values{
			"step":        {"createUser"},
			"invit_token": {rawToken},
			"redirect":    {redirectURL.String()},
		}), nil
	}

	if err := s.store.AddMember(ctx, org, user, inv.Role, inv.Department); err != nil {
		return "", err
	}
	if err := s.limits.SetMemberCount(ctx, org.ID); err != nil {
		return "", err
	}

	s.notify.Send(notify.Event{
		Sender: notify.EventSender{Type: "organization", ID: org.ID, Name: org.Name, Role: domain.RoleAdmin},
		Topic:  "directory:invitation-accepted",
		Title:  fmt.Sprintf("%s (%s) joined %s", user.DisplayName(), user.Email, org.Name),
	})
	metrics.InvitationsAcceptedTotal.Inc()
	log.Info().Str("email", user.Email).Str("org", org.ID).Msg("invitation accepted")
	return redirectURL.String(), nil
}

func quotaLockResource(orgID string) string {
	return "org-quota-" + orgID
}

func (s *Service) loginErrorURL(code string) string {
	return s.loginStepURL(url.Values{"error": {code}})
}

func (s *Service) loginStepURL(params url.Values) string {
	u, _ := url.Parse(s.opts.PublicURL + "/login")
	u.RawQuery = params.Encode()
	return u.String()
}

func membershipIn(memberships []domain.OrganizationMembership, orgID string) *domain.OrganizationMembership {
	for i := range memberships {
		if memberships[i].ID == orgID {
			return &memberships[i]
		}
	}
	return nil
}
