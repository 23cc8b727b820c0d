package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.pilab.hu/directory/domain"
	apperrors "go.pilab.hu/directory/errors"
)

func (s *Store) GetUser(ctx context.Context, filter domain.UserFilter) (*domain.User, error) {
	if filter.Email != "" {
		return s.GetUserByEmail(ctx, filter.Email)
	}
	var user domain.User
	err := s.users.FindOne(ctx, bson.M{"_id": filter.ID}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user domain.User
	err := s.users.FindOne(ctx, bson.M{"email": strings.ToLower(email)}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return &user, nil
}

// GetUserOrganizations reads the current membership list. Token claims are
// never used in its place.
func (s *Store) GetUserOrganizations(ctx context.Context, userID string) ([]domain.OrganizationMembership, error) {
	user, err := s.GetUser(ctx, domain.UserFilter{ID: userID})
	if err != nil {
		return nil, err
	}
	return user.Organizations, nil
}

func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	user.Email = strings.ToLower(user.Email)
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	if _, err := s.users.InsertOne(ctx, user); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("user with email %s already exists: %w", user.Email, err)
		}
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) PatchUser(ctx context.Context, id string, patch map[string]any) (*domain.User, error) {
	set := bson.M{"updatedAt": time.Now().UTC()}
	for k, v := range patch {
		set[k] = v
	}
	var updated domain.User
	err := s.users.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperrors.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return &updated, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	result, err := s.users.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	if result.DeletedCount == 0 {
		return apperrors.ErrUserNotFound
	}
	return nil
}

// HasPassword checks for a stored hash without loading it.
func (s *Store) HasPassword(ctx context.Context, email string) (bool, error) {
	err := s.users.FindOne(ctx,
		bson.M{"email": strings.ToLower(email), "password": bson.M{"$exists": true, "$ne": ""}},
		options.FindOne().SetProjection(bson.M{"_id": 1}),
	).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return true, nil
}
