package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shaxb/tele-google/internal/domain"
)

// GetCursor returns the cursor for a channel, or a zero cursor if none exists.
func (r *Repository) GetCursor(ctx context.Context, channelID string) (*domain.Cursor, error) {
	var c domain.Cursor
	query := `SELECT channel_id, last_processed_message_id, active, total_indexed, last_scraped_at
		FROM channel_cursors WHERE channel_id = $1`

	err := r.db.GetContext(ctx, &c, query, channelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.Cursor{ChannelID: channelID, Active: true}, nil
		}
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return &c, nil
}

// AdvanceCursor moves a channel's cursor forward to messageID and bumps the
// indexed count. GREATEST keeps the cursor monotonically non-decreasing even
// when backfill replays older messages.
func (r *Repository) AdvanceCursor(ctx context.Context, channelID string, messageID int64, indexed bool) error {
	delta := 0
	if indexed {
		delta = 1
	}

	query := `
		INSERT INTO channel_cursors (channel_id, last_processed_message_id, active, total_indexed, last_scraped_at)
		VALUES ($1, $2, TRUE, $3, $4)
		ON CONFLICT (channel_id) DO UPDATE SET
			last_processed_message_id = GREATEST(channel_cursors.last_processed_message_id, EXCLUDED.last_processed_message_id),
			total_indexed = channel_cursors.total_indexed + EXCLUDED.total_indexed,
			last_scraped_at = EXCLUDED.last_scraped_at
	`

	if _, err := r.db.ExecContext(ctx, query, channelID, messageID, delta, time.Now()); err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}

// SetChannelActive flips a channel's active flag. Paused channels
// (auth required) are skipped by the coordinator until reactivated.
func (r *Repository) SetChannelActive(ctx context.Context, channelID string, active bool) error {
	query := `
		INSERT INTO channel_cursors (channel_id, last_processed_message_id, active, total_indexed)
		VALUES ($1, 0, $2, 0)
		ON CONFLICT (channel_id) DO UPDATE SET active = EXCLUDED.active
	`

	if _, err := r.db.ExecContext(ctx, query, channelID, active); err != nil {
		return fmt.Errorf("failed to set channel active flag: %w", err)
	}
	return nil
}
