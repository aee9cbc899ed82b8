// Package transport implements the channel message transport against the
// session gateway, a sidecar that owns the actual messenger session. The
// coordinator stays protocol-agnostic: this client only speaks HTTP to the
// gateway and translates its responses into domain messages.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shaxb/tele-google/internal/domain"
	"github.com/shaxb/tele-google/internal/logger"
)

// Config configures the gateway client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// PollInterval between update polls on an idle channel.
	PollInterval time.Duration
}

// Gateway polls the session gateway for channel updates and history.
// The gateway runs headless, so an expired session cannot be repaired
// from here; SupportsInteractiveAuth reports false.
type Gateway struct {
	cfg    Config
	http   *http.Client
	logger logger.Logger
}

// NewGateway creates a gateway transport client.
func NewGateway(cfg Config, log logger.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	return &Gateway{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: log,
	}
}

// gatewayMessage is the wire shape of one message from the gateway.
type gatewayMessage struct {
	MessageID int64     `json:"message_id"`
	Text      string    `json:"text"`
	HasMedia  bool      `json:"has_media"`
	PostedAt  time.Time `json:"posted_at"`
}

func (m gatewayMessage) toDomain(channelID string) domain.Message {
	return domain.Message{
		ChannelID: channelID,
		MessageID: m.MessageID,
		Text:      m.Text,
		HasMedia:  m.HasMedia,
		PostedAt:  m.PostedAt,
	}
}

type updatesResponse struct {
	Messages   []gatewayMessage `json:"messages"`
	NextOffset int64            `json:"next_offset"`
}

// Listen subscribes to new messages on a channel. The first poll runs
// synchronously so session problems surface as an error instead of an
// immediately closed stream. The stream closes on persistent gateway
// failure; the coordinator reconnects and sees the underlying error then.
func (g *Gateway) Listen(ctx context.Context, channelID string) (<-chan domain.Message, error) {
	first, err := g.poll(ctx, channelID, 0)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.Message)
	go g.pump(ctx, channelID, first, out)
	return out, nil
}

func (g *Gateway) pump(ctx context.Context, channelID string, resp *updatesResponse, out chan<- domain.Message) {
	defer close(out)

	offset := resp.NextOffset
	pending := resp.Messages

	for {
		for _, m := range pending {
			select {
			case out <- m.toDomain(channelID):
			case <-ctx.Done():
				return
			}
		}
		pending = nil

		select {
		case <-time.After(g.cfg.PollInterval):
		case <-ctx.Done():
			return
		}

		resp, err := g.poll(ctx, channelID, offset)
		if err != nil {
			// Closing the stream hands the error handling back to the
			// coordinator, which reconnects and classifies the failure.
			g.logger.Warn("Update poll failed, closing stream",
				logger.String("channel", channelID),
				logger.Error(err),
			)
			return
		}
		offset = resp.NextOffset
		pending = resp.Messages
	}
}

// History returns up to limit messages with id > minID, oldest first.
func (g *Gateway) History(ctx context.Context, channelID string, minID int64, limit int) ([]domain.Message, error) {
	url := fmt.Sprintf("%s/v1/channels/%s/history?min_id=%d&limit=%d", g.cfg.BaseURL, channelID, minID, limit)

	var resp struct {
		Messages []gatewayMessage `json:"messages"`
	}
	if err := g.get(ctx, url, &resp); err != nil {
		return nil, err
	}

	out := make([]domain.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		out = append(out, m.toDomain(channelID))
	}
	return out, nil
}

// SupportsInteractiveAuth reports false: the gateway session is provisioned
// out of band and cannot prompt an operator.
func (g *Gateway) SupportsInteractiveAuth() bool {
	return false
}

func (g *Gateway) poll(ctx context.Context, channelID string, offset int64) (*updatesResponse, error) {
	url := fmt.Sprintf("%s/v1/channels/%s/updates?offset=%d", g.cfg.BaseURL, channelID, offset)

	var resp updatesResponse
	if err := g.get(ctx, url, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (g *Gateway) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("gateway call cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: gateway returned %d", domain.ErrAuthRequired, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: gateway returned %d", domain.ErrTransient, resp.StatusCode)
	default:
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
