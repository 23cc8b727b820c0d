package directory

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"go.pilab.hu/directory/domain"
	apperrors "go.pilab.hu/directory/errors"
	"go.pilab.hu/directory/internal/mail"
	"go.pilab.hu/directory/internal/notify"
	"go.pilab.hu/directory/internal/token"
)

// NewAccount is the account-creation request.
type NewAccount struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	// Password is optional, passwordless accounts are supported.
	Password string `json:"password,omitempty"`
	// InvitationToken redeems an organization invitation in the same step.
	InvitationToken string `json:"-"`
	Redirect        string `json:"-"`
}

// CreateUser registers an account, optionally redeeming an invitation in the
// same operation. When the email is already taken by a confirmed account no
// error leaks to the caller: the existing owner gets a conflict email
// instead.
func (s *Service) CreateUser(ctx context.Context, req NewAccount) (*domain.User, error) {
	if !validEmail(req.Email) {
		return nil, apperrors.ErrBadEmail
	}
	email := strings.ToLower(req.Email)

	// An invalid invitation aborts before any account write.
	var inv *token.Invitation
	var org *domain.Organization
	if req.InvitationToken != "" {
		var err error
		if inv, err = s.codec.VerifyInvitation(req.InvitationToken); err != nil {
			return nil, err
		}
		if org, err = s.store.GetOrganization(ctx, inv.OrganizationID); err != nil {
			return nil, err
		}
		if !strings.EqualFold(inv.Email, email) {
			return nil, fmt.Errorf("%w: invitation was issued for another address", apperrors.ErrBadEmail)
		}
	}

	user := &domain.User{
		ID:        uuid.NewString(),
		Email:     email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}
	user.Name = user.DisplayName()
	if inv != nil {
		// The invitation proves ownership of the address.
		user.EmailConfirmed = true
		user.DefaultOrg = inv.OrganizationID
		user.DefaultDep = inv.Department
		user.IgnorePersonalAccount = true
	}
	if req.Password != "" {
		hash, err := hashPassword(req.Password)
		if err != nil {
			return nil, err
		}
		user.PasswordHash = hash
	}

	existing, err := s.store.GetUserByEmail(ctx, email)
	if err != nil && !errors.Is(err, apperrors.ErrUserNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.EmailConfirmed {
			// Silently report success and warn the address owner, so the
			// endpoint cannot be used to probe which accounts exist.
			link := req.Redirect
			if link == "" {
				link = s.opts.DefaultLoginRedirect
			}
			params := map[string]string{}
			if u, err := url.Parse(link); err == nil {
				params["Host"] = u.Host
				params["Origin"] = u.Scheme + "://" + u.Host
			}
			s.mail.Send(mail.Message{Key: "conflict", To: email, Params: params})
			return nil, nil
		}
		// Never-validated leftover account: replace it.
		if err := s.store.DeleteUser(ctx, existing.ID); err != nil {
			return nil, err
		}
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	log.Info().Str("email", user.Email).Bool("invited", inv != nil).Msg("user created")

	if inv == nil {
		return user, nil
	}

	// Membership admission runs under the organization's quota lock, same
	// path as a plain invitation accept.
	acquired, err := s.locks.Acquire(ctx, quotaLockResource(org.ID))
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, apperrors.ErrLockUnavailable
	}
	defer func() {
		if err := s.locks.Release(context.WithoutCancel(ctx), quotaLockResource(org.ID)); err != nil {
			log.Warn().Err(err).Str("org", org.ID).Msg("releasing quota lock failed")
		}
	}()

	limit, err := s.limits.Get(ctx, domain.Consumer{Type: "organization", ID: org.ID}, domain.LimitMembers)
	if err != nil {
		return nil, err
	}
	if limit.Exceeded() {
		return nil, apperrors.ErrQuotaExceeded
	}
	if err := s.store.AddMember(ctx, org, user, inv.Role, inv.Department); err != nil {
		return nil, err
	}
	if err := s.limits.SetMemberCount(ctx, org.ID); err != nil {
		return nil, err
	}
	s.notify.Send(notify.Event{
		Sender: notify.EventSender{Type: "organization", ID: org.ID, Name: org.Name, Role: domain.RoleAdmin},
		Topic:  "directory:invitation-accepted",
		Title:  fmt.Sprintf("%s (%s) joined %s", user.DisplayName(), user.Email, org.Name),
	})
	return user, nil
}

// GetUser returns one account. Callers may read themselves; service admins
// may read anyone.
func (s *Service) GetUser(ctx context.Context, caller *token.Claims, id string) (*domain.User, error) {
	if caller.ID != id && !caller.IsAdmin {
		return nil, apperrors.ErrPermissionDenied
	}
	return s.store.GetUser(ctx, domain.UserFilter{ID: id})
}

// PatchUser applies the whitelisted self-service profile fields.
func (s *Service) PatchUser(ctx context.Context, caller *token.Claims, id string, patch map[string]any) (*domain.User, error) {
	if caller.ID != id && !caller.IsAdmin {
		return nil, apperrors.ErrPermissionDenied
	}
	for key := range patch {
		switch key {
		case "firstName", "lastName", "defaultOrg", "defaultDep", "ignorePersonalAccount":
		default:
			return nil, fmt.Errorf("%w: attribute %s is not patchable", apperrors.ErrPermissionDenied, key)
		}
	}
	if first, ok := patch["firstName"].(string); ok {
		if last, ok2 := patch["lastName"].(string); ok2 {
			u := domain.User{FirstName: first, LastName: last}
			patch["name"] = u.DisplayName()
		}
	}
	return s.store.PatchUser(ctx, id, patch)
}

// DeleteUser removes an account.
func (s *Service) DeleteUser(ctx context.Context, caller *token.Claims, id string) error {
	if caller.ID != id && !caller.IsAdmin {
		return apperrors.ErrPermissionDenied
	}
	if err := s.store.DeleteUser(ctx, id); err != nil {
		return err
	}
	log.Info().Str("user", id).Str("by", caller.ID).Msg("user deleted")
	return nil
}

// ChangePasswordByAction sets a password using a short-lived action token,
// the step stale invitation links and password resets route through.
func (s *Service) ChangePasswordByAction(ctx context.Context, rawActionToken, newPassword string) error {
	claims, err := s.codec.Verify(rawActionToken)
	if err != nil {
		return err
	}
	if claims.Action != "changePassword" {
		return apperrors.ErrPermissionDenied
	}
	hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	if _, err := s.store.PatchUser(ctx, claims.ID, map[string]any{"password": hash}); err != nil {
		return err
	}
	log.Info().Str("user", claims.ID).Msg("password changed by action token")
	return nil
}

// CheckPassword verifies a password login attempt.
func (s *Service) CheckPassword(ctx context.Context, email, password string) (*domain.User, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user.PasswordHash == "" {
		return nil, apperrors.ErrPermissionDenied
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, apperrors.ErrPermissionDenied
	}
	return user, nil
}

func hashPassword(password string) (string, error) {
	if !validPassword(password) {
		return "", apperrors.ErrMalformedPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// validPassword requires at least 8 characters mixing letters and digits.
func validPassword(password string) bool {
	if len(password) < 8 {
		return false
	}
	var hasLetter, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	return hasLetter && hasDigit
}
