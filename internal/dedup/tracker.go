// Package dedup provides a Redis-backed cache of recently indexed messages.
// It sits in front of the database existence check on the ingestion hot path;
// the database unique constraint remains the source of truth.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shaxb/tele-google/internal/logger"
)

// Tracker remembers recently indexed (channel, message_id) pairs.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
	logger logger.Logger
}

// NewTracker creates a new tracker.
func NewTracker(client *redis.Client, ttl time.Duration, log logger.Logger) *Tracker {
	return &Tracker{
		client: client,
		ttl:    ttl,
		logger: log,
	}
}

func (t *Tracker) key(channelID string, messageID int64) string {
	return fmt.Sprintf("indexed:%s:%d", channelID, messageID)
}

// Seen reports whether the message was recently indexed.
// Redis errors are logged and treated as "not seen" so that the database
// check still decides.
func (t *Tracker) Seen(ctx context.Context, channelID string, messageID int64) bool {
	exists, err := t.client.Exists(ctx, t.key(channelID, messageID)).Result()
	if err != nil {
		t.logger.Warn("Redis dedup check failed, falling through to database",
			logger.String("channel", channelID),
			logger.Int64("message_id", messageID),
			logger.Error(err),
		)
		return false
	}
	return exists == 1
}

// Mark records a message as indexed.
func (t *Tracker) Mark(ctx context.Context, channelID string, messageID int64) {
	if err := t.client.Set(ctx, t.key(channelID, messageID), "1", t.ttl).Err(); err != nil {
		t.logger.Warn("Redis dedup mark failed",
			logger.String("channel", channelID),
			logger.Int64("message_id", messageID),
			logger.Error(err),
		)
	}
}
