package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"go.pilab.hu/directory/domain"
	apperrors "go.pilab.hu/directory/errors"
)

// LockRepository implements domain.LockRepository on the locks collection.
// Row expiry is delegated to a TTL index on updatedAt: MongoDB itself reclaims
// rows whose owner stopped stamping them, which is the sole crash-recovery
// path.
type LockRepository struct {
	locks *mongo.Collection
}

// NewLockRepository ensures the owner index and the TTL index. When the TTL
// index already exists with a different expiry the index cannot be recreated
// in place, so it falls back to collMod.
func NewLockRepository(ctx context.Context, db *mongo.Database, ttl time.Duration) (*LockRepository, error) {
	r := &LockRepository{locks: db.Collection(LocksCollection)}
	ttlSeconds := int32(ttl / time.Second)

	if _, err := r.locks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "pid", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("creating lock owner index: %w", err)
	}

	_, err := r.locks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "updatedAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(ttlSeconds),
	})
	if err != nil {
		log.Warn().Err(err).Msg("creating lock TTL index failed, probably an expiry change; trying collMod")
		cmd := bson.D{
			{Key: "collMod", Value: LocksCollection},
			{Key: "index", Value: bson.D{
				{Key: "keyPattern", Value: bson.D{{Key: "updatedAt", Value: 1}}},
				{Key: "expireAfterSeconds", Value: ttlSeconds},
			}},
		}
		if err := db.RunCommand(ctx, cmd).Err(); err != nil {
			return nil, fmt.Errorf("updating lock TTL index: %w", err)
		}
	}
	return r, nil
}

// InsertIfAbsent relies on the _id uniqueness constraint for atomicity: the
// first insert wins, every concurrent one gets a duplicate-key error.
func (r *LockRepository) InsertIfAbsent(ctx context.Context, resourceID, ownerID string) error {
	_, err := r.locks.InsertOne(ctx, domain.Lock{ResourceID: resourceID, OwnerID: ownerID})
	if mongo.IsDuplicateKeyError(err) {
		return apperrors.ErrLockHeld
	}
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *LockRepository) Touch(ctx context.Context, resourceID string) error {
	_, err := r.locks.UpdateOne(ctx,
		bson.M{"_id": resourceID},
		bson.M{"$currentDate": bson.M{"updatedAt": true}},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

// TouchAllOwned refreshes every row of an owner in one batch write.
func (r *LockRepository) TouchAllOwned(ctx context.Context, ownerID string) error {
	_, err := r.locks.UpdateMany(ctx,
		bson.M{"pid": ownerID},
		bson.M{"$currentDate": bson.M{"updatedAt": true}},
	)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *LockRepository) DeleteIfOwned(ctx context.Context, resourceID, ownerID string) error {
	_, err := r.locks.DeleteOne(ctx, bson.M{"_id": resourceID, "pid": ownerID})
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *LockRepository) DeleteAllOwned(ctx context.Context, ownerID string) error {
	_, err := r.locks.DeleteMany(ctx, bson.M{"pid": ownerID})
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return nil
}
