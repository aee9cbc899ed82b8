package ingest

import (
	"context"

	"github.com/shaxb/tele-google/internal/domain"
)

// Transport delivers channel messages. It is an external collaborator:
// the coordinator never touches the underlying messaging protocol.
type Transport interface {
	// Listen subscribes to new messages on a channel. The returned stream
	// is closed when the subscription ends; the coordinator reconnects.
	// Returns domain.ErrAuthRequired (possibly wrapped) when the transport
	// needs interactive re-authentication.
	Listen(ctx context.Context, channelID string) (<-chan domain.Message, error)

	// History returns up to limit historical messages with id > minID,
	// oldest first. Used by backfill.
	History(ctx context.Context, channelID string, minID int64, limit int) ([]domain.Message, error)

	// SupportsInteractiveAuth reports whether the transport can prompt an
	// operator for re-authentication. Headless deployments return false,
	// and an invalid session pauses the channel instead of looping on
	// reconnect attempts.
	SupportsInteractiveAuth() bool
}
