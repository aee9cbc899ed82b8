package dedup_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shaxb/tele-google/internal/dedup"
	"github.com/shaxb/tele-google/internal/logger"
)

func newTestTracker(t *testing.T) (*dedup.Tracker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return dedup.NewTracker(client, time.Hour, logger.NewNop()), mr
}

func TestTracker_MarkThenSeen(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	if tracker.Seen(ctx, "bazaar", 42) {
		t.Error("expected unseen message before Mark")
	}

	tracker.Mark(ctx, "bazaar", 42)

	if !tracker.Seen(ctx, "bazaar", 42) {
		t.Error("expected message to be seen after Mark")
	}
	if tracker.Seen(ctx, "bazaar", 43) {
		t.Error("expected different message id to be unseen")
	}
	if tracker.Seen(ctx, "other", 42) {
		t.Error("expected different channel to be unseen")
	}
}

func TestTracker_TTLExpiry(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()

	tracker.Mark(ctx, "bazaar", 42)
	mr.FastForward(2 * time.Hour)

	if tracker.Seen(ctx, "bazaar", 42) {
		t.Error("expected message to expire after TTL")
	}
}

func TestTracker_RedisDownFallsThrough(t *testing.T) {
	tracker, mr := newTestTracker(t)
	ctx := context.Background()

	tracker.Mark(ctx, "bazaar", 42)
	mr.Close()

	// A broken cache must never claim a message was seen; the database
	// existence check decides instead.
	if tracker.Seen(ctx, "bazaar", 42) {
		t.Error("expected Seen to report false when redis is unreachable")
	}
}
