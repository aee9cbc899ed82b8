package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shaxb/tele-google/internal/domain"
)

// DeferredMessage is a message whose processing exhausted its retries.
// It blocks the channel cursor until replayed or dropped by an operator.
type DeferredMessage struct {
	ChannelID  string    `db:"channel_id"`
	MessageID  int64     `db:"message_id"`
	Text       string    `db:"text"`
	HasMedia   bool      `db:"has_media"`
	PostedAt   time.Time `db:"posted_at"`
	Reason     string    `db:"reason"`
	DeferredAt time.Time `db:"deferred_at"`
}

// Message converts the deferred row back to a transport message for replay.
func (d *DeferredMessage) Message() domain.Message {
	return domain.Message{
		ChannelID: d.ChannelID,
		MessageID: d.MessageID,
		Text:      d.Text,
		HasMedia:  d.HasMedia,
		PostedAt:  d.PostedAt,
	}
}

// InsertDeferred records a message for later replay. Re-deferring the same
// message updates the reason instead of failing.
func (r *Repository) InsertDeferred(ctx context.Context, msg domain.Message, reason string) error {
	query := `
		INSERT INTO deferred_messages (channel_id, message_id, text, has_media, posted_at, reason, deferred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (channel_id, message_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			deferred_at = EXCLUDED.deferred_at
	`

	_, err := r.db.ExecContext(ctx, query,
		msg.ChannelID, msg.MessageID, msg.Text, msg.HasMedia, msg.PostedAt, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert deferred message: %w", err)
	}
	return nil
}

// ListDeferred returns deferred messages oldest first, up to limit.
func (r *Repository) ListDeferred(ctx context.Context, limit int) ([]DeferredMessage, error) {
	var out []DeferredMessage
	query := `SELECT channel_id, message_id, text, has_media, posted_at, reason, deferred_at
		FROM deferred_messages ORDER BY deferred_at ASC LIMIT $1`

	if err := r.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list deferred messages: %w", err)
	}
	return out, nil
}

// DeleteDeferred removes a deferred message after a successful replay.
func (r *Repository) DeleteDeferred(ctx context.Context, channelID string, messageID int64) error {
	query := `DELETE FROM deferred_messages WHERE channel_id = $1 AND message_id = $2`

	if _, err := r.db.ExecContext(ctx, query, channelID, messageID); err != nil {
		return fmt.Errorf("failed to delete deferred message: %w", err)
	}
	return nil
}

// MinDeferredID returns the lowest deferred message id for a channel.
// The cursor must never advance past it. Returns domain.ErrNotFound when
// the channel has no deferred messages.
func (r *Repository) MinDeferredID(ctx context.Context, channelID string) (int64, error) {
	var id sql.NullInt64
	query := `SELECT MIN(message_id) FROM deferred_messages WHERE channel_id = $1`

	err := r.db.GetContext(ctx, &id, query, channelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("failed to get min deferred id: %w", err)
	}
	if !id.Valid {
		return 0, domain.ErrNotFound
	}
	return id.Int64, nil
}
