package database

import (
	"context"
	"fmt"
	"time"

	"reposter/internal/database/models"

	"go.mongodb.org/mongo-driver/mongo"
)

const postLogCollectionName = "post_logs"

// MongoPostLogger writes delivery records to MongoDB.
type MongoPostLogger struct {
	collection *mongo.Collection
}

// NewMongoPostLogger creates a logger writing into db.
func NewMongoPostLogger(db *mongo.Database) *MongoPostLogger {
	return &MongoPostLogger{collection: db.Collection(postLogCollectionName)}
}

// LogPublishedPost inserts entry, stamping PublishedAt when unset.
func (m *MongoPostLogger) LogPublishedPost(ctx context.Context, entry models.PostLog) error {
	if entry.PublishedAt.IsZero() {
		entry.PublishedAt = time.Now()
	}
	insertCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := m.collection.InsertOne(insertCtx, entry); err != nil {
		return fmt.Errorf("failed to insert post log for %s post %d: %w", entry.Domain, entry.PostID, err)
	}
	return nil
}
