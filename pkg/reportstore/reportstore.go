// Package reportstore persists execution report envelopes in MongoDB,
// keyed by execution UID so re-delivered reports overwrite themselves.
package reportstore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nce-project/nce/pkg/models"
)

const connectTimeout = 10 * time.Second

// Store saves and retrieves report envelopes.
type Store interface {
	Save(ctx context.Context, envelope models.ReportEnvelope) error
	Get(ctx context.Context, executionUID string) (models.ReportEnvelope, error)
	Close(ctx context.Context) error
}

var _ Store = (*MongoStore)(nil)

type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore connects to MongoDB and verifies the connection with a
// ping before returning.
func NewMongoStore(uri, dbName, collName string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(dbName).Collection(collName),
	}, nil
}

func (s *MongoStore) Save(ctx context.Context, envelope models.ReportEnvelope) error {
	docID := envelope.ExecutionUID.String()

	doc := bson.M{"_id": docID}
	raw, err := bson.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("Save: failed to encode report %s: %w", docID, err)
	}
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("Save: failed to decode report %s: %w", docID, err)
	}

	_, err = s.collection.ReplaceOne(
		ctx,
		bson.M{"_id": docID},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("Save: MongoDB ReplaceOne failed for %s: %w", docID, err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, executionUID string) (models.ReportEnvelope, error) {
	var envelope models.ReportEnvelope
	res := s.collection.FindOne(ctx, bson.M{"_id": executionUID})
	if err := res.Err(); err != nil {
		if err == mongo.ErrNoDocuments {
			return envelope, fmt.Errorf("report %q not found", executionUID)
		}
		return envelope, fmt.Errorf("MongoDB FindOne failed: %w", err)
	}
	if err := res.Decode(&envelope); err != nil {
		return envelope, fmt.Errorf("failed to decode report %q: %w", executionUID, err)
	}
	return envelope, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
