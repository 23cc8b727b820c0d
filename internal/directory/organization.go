package directory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/directory/domain"
	"go.pilab.hu/directory/internal/notify"
	"go.pilab.hu/directory/internal/token"
)

// CreateOrganization registers an organization with the caller as its first
// admin member.
func (s *Service) CreateOrganization(ctx context.Context, caller *token.Claims, org *domain.Organization) (*domain.Organization, error) {
	user, err := s.store.GetUser(ctx, domain.UserFilter{ID: caller.ID})
	if err != nil {
		return nil, err
	}
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		return nil, err
	}
	if err := s.store.AddMember(ctx, org, user, domain.RoleAdmin, ""); err != nil {
		return nil, err
	}
	if err := s.limits.SetMemberCount(ctx, org.ID); err != nil {
		return nil, err
	}
	s.notify.Send(notify.Event{
		Sender: notify.EventSender{Type: "organization", ID: org.ID, Name: org.Name, Role: domain.RoleAdmin},
		Topic:  "directory:organization-created",
		Title:  fmt.Sprintf("%s created the organization %s", user.Email, org.Name),
	})
	log.Info().Str("org", org.ID).Str("by", user.Email).Msg("organization created")
	return org, nil
}
