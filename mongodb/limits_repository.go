package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.pilab.hu/directory/domain"
	apperrors "go.pilab.hu/directory/errors"
)

// LimitsRepository implements domain.LimitsRepository. One document per
// consumer, keyed by {type, id}, holding a sub-document per limit key.
type LimitsRepository struct {
	store        *Store
	limits       *mongo.Collection
	defaultLimit int
}

// NewLimitsRepository wires the limits collection. defaultLimit applies to
// consumers with no stored ceiling; 0 or less means unlimited.
func NewLimitsRepository(ctx context.Context, db *mongo.Database, store *Store, defaultLimit int) (*LimitsRepository, error) {
	r := &LimitsRepository{
		store:        store,
		limits:       db.Collection(LimitsCollection),
		defaultLimit: defaultLimit,
	}
	if _, err := r.limits.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "type", Value: 1}, {Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("creating limits index: %w", err)
	}
	return r, nil
}

type limitsDoc struct {
	Type       string                  `bson:"type"`
	ID         string                  `bson:"id"`
	Limits     map[string]domain.Limit `bson:",inline"`
	LastUpdate time.Time               `bson:"lastUpdate"`
}

func (r *LimitsRepository) Get(ctx context.Context, consumer domain.Consumer, key string) (domain.Limit, error) {
	var doc limitsDoc
	err := r.limits.FindOne(ctx, bson.M{"type": consumer.Type, "id": consumer.ID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Limit{Limit: r.defaultLimit}, nil
	}
	if err != nil {
		return domain.Limit{}, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	limit, ok := doc.Limits[key]
	if !ok {
		return domain.Limit{Limit: r.defaultLimit}, nil
	}
	if limit.Limit == 0 {
		limit.Limit = r.defaultLimit
	}
	return limit, nil
}

// SetMemberCount recomputes the member-count consumption from the users
// collection after a membership write.
func (r *LimitsRepository) SetMemberCount(ctx context.Context, orgID string) error {
	count, err := r.store.CountMembers(ctx, orgID)
	if err != nil {
		return err
	}
	_, err = r.limits.UpdateOne(ctx,
		bson.M{"type": "organization", "id": orgID},
		bson.M{
			"$set":         bson.M{domain.LimitMembers + ".consumption": count, "lastUpdate": time.Now().UTC()},
			"$setOnInsert": bson.M{domain.LimitMembers + ".limit": r.defaultLimit},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}
