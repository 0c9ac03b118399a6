package database

import (
	"context"

	"reposter/internal/database/models"
)

// CheckpointStore persists the last delivered post id per
// (binding, domain, source).
type CheckpointStore interface {
	// Get returns the stored id, or 0 when nothing has been delivered yet.
	Get(ctx context.Context, binding, domain, source string) (int64, error)
	// Set records id as the last delivered post.
	Set(ctx context.Context, binding, domain, source string, id int64) error
}

// PostLogger records delivered posts for auditing.
type PostLogger interface {
	LogPublishedPost(ctx context.Context, entry models.PostLog) error
}

// NopPostLogger discards entries. Used when no database is configured.
type NopPostLogger struct{}

func (NopPostLogger) LogPublishedPost(context.Context, models.PostLog) error { return nil }
