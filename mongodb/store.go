package mongodb

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Store implements domain.Store over the users and organizations collections.
type Store struct {
	db    *mongo.Database
	users *mongo.Collection
	orgs  *mongo.Collection
}

// NewStore wires the collections and ensures indexes. Index creation failures
// are logged rather than fatal: a conflicting pre-existing index should not
// keep the service from starting.
func NewStore(ctx context.Context, db *mongo.Database) (*Store, error) {
	s := &Store{
		db:    db,
		users: db.Collection(UsersCollection),
		orgs:  db.Collection(OrganizationsCollection),
	}
	if err := s.createIndexes(ctx); err != nil {
		log.Warn().Err(err).Msg("ensuring store indexes failed (may already exist with other options)")
	}
	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			// Case-insensitive unique email.
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetCollation(&options.Collation{Locale: "en", Strength: 2}),
		},
		{
			Keys: bson.D{{Key: "organizations.id", Value: 1}},
		},
	})
	return err
}
