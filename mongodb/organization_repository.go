package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"go.pilab.hu/directory/domain"
	apperrors "go.pilab.hu/directory/errors"
)

func (s *Store) GetOrganization(ctx context.Context, id string) (*domain.Organization, error) {
	var org domain.Organization
	err := s.orgs.FindOne(ctx, bson.M{"_id": id}).Decode(&org)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return &org, nil
}

func (s *Store) CreateOrganization(ctx context.Context, org *domain.Organization) error {
	now := time.Now().UTC()
	if org.CreatedAt.IsZero() {
		org.CreatedAt = now
	}
	org.UpdatedAt = now
	if _, err := s.orgs.InsertOne(ctx, org); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

// AddMember pushes the membership onto the user document. Memberships live on
// users; the organization document stays small and the common read path
// (building token claims for one user) needs no join.
func (s *Store) AddMember(ctx context.Context, org *domain.Organization, user *domain.User, role, department string) error {
	membership := domain.OrganizationMembership{
		ID:         org.ID,
		Name:       org.Name,
		Role:       role,
		Department: department,
	}
	result, err := s.users.UpdateOne(ctx,
		// Guard against double-insertion under concurrent accepts.
		bson.M{"_id": user.ID, "organizations.id": bson.M{"$ne": org.ID}},
		bson.M{
			"$push": bson.M{"organizations": membership},
			"$set":  bson.M{"updatedAt": time.Now().UTC()},
		},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	if result.MatchedCount == 0 {
		// Either the user vanished or the membership already exists; the
		// latter is a no-op outcome, distinguish by re-reading.
		if _, err := s.GetUser(ctx, domain.UserFilter{ID: user.ID}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CountMembers(ctx context.Context, orgID string) (int, error) {
	n, err := s.users.CountDocuments(ctx, bson.M{"organizations.id": orgID})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return int(n), nil
}
