package integration

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// escrowCollections are the collections written by the mongo store.
var escrowCollections = []string{
	"contracts",
	"milestones",
	"teams",
	"wallets",
	"ledger_entries",
	"disputes",
	"admin_actions",
}

// DatabaseCleaner handles cleanup of test data from MongoDB
type DatabaseCleaner struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewDatabaseCleaner creates a new database cleaner
func NewDatabaseCleaner(mongoURI, dbName string) (*DatabaseCleaner, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &DatabaseCleaner{
		client: client,
		db:     client.Database(dbName),
	}, nil
}

// Close closes the database connection
func (d *DatabaseCleaner) Close(ctx context.Context) error {
	return d.client.Disconnect(ctx)
}

// CleanAll removes all documents from every escrow collection
func (d *DatabaseCleaner) CleanAll(ctx context.Context) error {
	for _, coll := range escrowCollections {
		if _, err := d.db.Collection(coll).DeleteMany(ctx, bson.M{}); err != nil {
			return fmt.Errorf("failed to clean collection %s: %w", coll, err)
		}
	}
	return nil
}

// CleanTestData removes records created by e2e runs, identified by the
// "e2e-" id prefix on the record, its contract or its wallet owner.
func (d *DatabaseCleaner) CleanTestData(ctx context.Context) error {
	filter := bson.M{
		"$or": []bson.M{
			{"_id": bson.M{"$regex": "^e2e-"}},
			{"contract_id": bson.M{"$regex": "^e2e-"}},
			{"owner_id": bson.M{"$regex": "^e2e-"}},
		},
	}
	for _, coll := range escrowCollections {
		if _, err := d.db.Collection(coll).DeleteMany(ctx, filter); err != nil {
			return fmt.Errorf("failed to clean collection %s: %w", coll, err)
		}
	}
	return nil
}
