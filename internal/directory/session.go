package directory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/directory/domain"
	apperrors "go.pilab.hu/directory/errors"
	"go.pilab.hu/directory/internal/federation"
	"go.pilab.hu/directory/internal/mail"
	"go.pilab.hu/directory/internal/metrics"
	"go.pilab.hu/directory/internal/token"
)

// PasswordlessLogin mails a one-shot login link to an existing account. The
// link carries a short-lived token redeemed by the exchange endpoint.
func (s *Service) PasswordlessLogin(ctx context.Context, email, redirect string) error {
	if !validEmail(email) {
		return apperrors.ErrBadEmail
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	claims, err := s.claimsForUser(ctx, user)
	if err != nil {
		return err
	}
	signed, err := s.codec.Sign(claims, s.opts.InitialTTL)
	if err != nil {
		return err
	}
	metrics.TokensIssuedTotal.Inc()

	if redirect == "" {
		redirect = s.opts.DefaultLoginRedirect
	}
	link, err := url.Parse(s.opts.PublicURL + "/api/auth/token_callback")
	if err != nil {
		return fmt.Errorf("building login link: %w", err)
	}
	q := link.Query()
	q.Set("id_token", signed)
	q.Set("redirect", redirect)
	link.RawQuery = q.Encode()

	s.mail.Send(mail.Message{
		Key: "login",
		To:  user.Email,
		Params: map[string]string{
			"Link": link.String(),
			"Host": link.Host,
		},
	})
	log.Info().Str("email", user.Email).Msg("passwordless login link sent")
	return nil
}

// LoginWithIdentity turns a normalized federated identity into a session
// token, creating the local account on first login.
func (s *Service) LoginWithIdentity(ctx context.Context, providerID string, identity *federation.FederatedIdentity) (string, error) {
	if !validEmail(identity.Email) {
		return "", fmt.Errorf("%w: provider %s returned no usable email", apperrors.ErrBadEmail, providerID)
	}
	user, err := s.store.GetUserByEmail(ctx, identity.Email)
	switch {
	case errors.Is(err, apperrors.ErrUserNotFound):
		user = &domain.User{
			ID:             uuid.NewString(),
			Email:          strings.ToLower(identity.Email),
			FirstName:      identity.FirstName,
			LastName:       identity.LastName,
			AvatarURL:      identity.AvatarURL,
			EmailConfirmed: true,
		}
		user.Name = user.DisplayName()
		if err := s.store.CreateUser(ctx, user); err != nil {
			return "", err
		}
		log.Info().Str("provider", providerID).Str("email", user.Email).Msg("account created from federated identity")
	case err != nil:
		return "", err
	default:
		// Refresh profile fields the provider is authoritative for.
		patch := map[string]any{"emailConfirmed": true}
		if identity.FirstName != "" {
			patch["firstName"] = identity.FirstName
		}
		if identity.LastName != "" {
			patch["lastName"] = identity.LastName
		}
		if user, err = s.store.PatchUser(ctx, user.ID, patch); err != nil {
			return "", err
		}
	}

	claims, err := s.claimsForUser(ctx, user)
	if err != nil {
		return "", err
	}
	signed, err := s.codec.Sign(claims, s.opts.SessionTTL)
	if err != nil {
		return "", err
	}
	metrics.TokensIssuedTotal.Inc()
	return signed, nil
}

// ExchangeToken renews a session token. The volatile issued-at and expiry
// claims are dropped and the membership list is re-read from the store, so
// the fresh token reflects the caller's current organizations rather than
// the ones minted into the old token. A verification failure is terminal.
func (s *Service) ExchangeToken(ctx context.Context, rawToken string) (string, error) {
	claims, err := s.codec.Verify(rawToken)
	if err != nil {
		return "", err
	}
	claims.StripVolatile()

	organizations, err := s.store.GetUserOrganizations(ctx, claims.ID)
	if err != nil {
		return "", err
	}
	claims.Organizations = organizations

	signed, err := s.codec.Sign(claims, s.opts.SessionTTL)
	if err != nil {
		return "", err
	}
	metrics.TokensRenewedTotal.Inc()
	return signed, nil
}

// MintSession issues a session token for an already-authenticated user.
func (s *Service) MintSession(ctx context.Context, user *domain.User) (string, error) {
	claims, err := s.claimsForUser(ctx, user)
	if err != nil {
		return "", err
	}
	signed, err := s.codec.Sign(claims, s.opts.SessionTTL)
	if err != nil {
		return "", err
	}
	metrics.TokensIssuedTotal.Inc()
	return signed, nil
}

func (s *Service) claimsForUser(ctx context.Context, user *domain.User) (*token.Claims, error) {
	organizations, err := s.store.GetUserOrganizations(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return token.UserClaims(user, organizations, s.isAdmin(user.Email)), nil
}
