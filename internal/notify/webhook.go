package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shaxb/tele-google/internal/domain"
	"github.com/shaxb/tele-google/internal/retry"
)

const webhookTimeout = 10 * time.Second

// WebhookSink posts events as JSON to an HTTP endpoint, typically the bot
// frontend that fans deal alerts out to subscribers.
type WebhookSink struct {
	url  string
	http *http.Client
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:  url,
		http: &http.Client{Timeout: webhookTimeout},
	}
}

// Deliver posts the event, retrying transient failures. Delivery runs on the
// dispatcher worker, so a slow endpoint never blocks ingestion.
func (s *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	cfg := retry.Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		IsRetryable:  domain.IsRetryable,
	}

	return retry.Do(ctx, cfg, func() error {
		return s.post(ctx, body)
	})
}

func (s *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("webhook cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: webhook returned %d", domain.ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
