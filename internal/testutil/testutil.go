package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoTestContainer represents a test MongoDB instance
type MongoTestContainer struct {
	Client *mongo.Client
	DBName string
}

// NewMongoTestContainer connects to the MongoDB named by TEST_MONGO_URI, or a
// local single-node replica set. Escrow transactions need a replica set, so
// the test is skipped when none is reachable.
func NewMongoTestContainer(t *testing.T) *MongoTestContainer {
	t.Helper()

	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetServerSelectionTimeout(3*time.Second))
	if err != nil {
		t.Skipf("MongoDB not available for testing: %v", err)
		return nil
	}

	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("MongoDB not responding: %v", err)
		return nil
	}

	// Use a unique database name for each test
	dbName := "escrow_test_" + time.Now().Format("20060102_150405_000000")

	return &MongoTestContainer{
		Client: client,
		DBName: dbName,
	}
}

// Cleanup removes the test database and closes the connection
func (m *MongoTestContainer) Cleanup(t *testing.T) {
	t.Helper()

	if m == nil || m.Client == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.Client.Database(m.DBName).Drop(ctx); err != nil {
		t.Logf("Warning: failed to drop test database %s: %v", m.DBName, err)
	}
	if err := m.Client.Disconnect(ctx); err != nil {
		t.Logf("Warning: failed to disconnect from MongoDB: %v", err)
	}
}

// FirestoreEmulator names an isolated collection namespace on the Firestore
// emulator. The client library finds the emulator via FIRESTORE_EMULATOR_HOST.
type FirestoreEmulator struct {
	ProjectID string
	Prefix    string
}

// NewFirestoreEmulator skips the test unless FIRESTORE_EMULATOR_HOST is set.
func NewFirestoreEmulator(t *testing.T) FirestoreEmulator {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set, skipping Firestore tests")
	}
	projectID := os.Getenv("FIRESTORE_PROJECT_ID")
	if projectID == "" {
		projectID = "escrow-test"
	}
	return FirestoreEmulator{
		ProjectID: projectID,
		Prefix:    "test_" + time.Now().Format("20060102_150405_000000") + "_",
	}
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if err != nil {
		if len(msgAndArgs) > 0 {
			t.Fatalf("Expected no error, got: %v - %v", err, msgAndArgs)
		} else {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}
}

// AssertEqual fails the test if expected != actual
func AssertEqual(t *testing.T, expected, actual interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if expected != actual {
		if len(msgAndArgs) > 0 {
			t.Fatalf("Expected %v, got %v - %v", expected, actual, msgAndArgs)
		} else {
			t.Fatalf("Expected %v, got %v", expected, actual)
		}
	}
}
