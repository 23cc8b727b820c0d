// Package mongodb implements the persistence interfaces on MongoDB: the user
// and organization store, the quota limits, and the TTL-expired lock rows.
package mongodb

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/v2/mongo/otelmongo"
)

const (
	UsersCollection         = "users"
	OrganizationsCollection = "organizations"
	LocksCollection         = "locks"
	LimitsCollection        = "limits"
)

// Connect opens an instrumented client and verifies the primary is
// reachable before anything depends on it.
func Connect(ctx context.Context, uri, dbName string) (*mongo.Client, *mongo.Database, error) {
	log.Info().Str("db", dbName).Msg("connecting to MongoDB")
	clientOptions := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetMonitor(otelmongo.NewMonitor())

	client, err := mongo.Connect(clientOptions)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, err
	}
	log.Info().Msg("MongoDB connection established")
	return client, client.Database(dbName), nil
}
