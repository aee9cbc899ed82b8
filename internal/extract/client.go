// Package extract provides the client for the external classify/extract/embed
// service. Calls are rate limited, guarded by a circuit breaker and retried
// with backoff on transient provider errors.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/shaxb/tele-google/internal/circuitbreaker"
	"github.com/shaxb/tele-google/internal/domain"
	"github.com/shaxb/tele-google/internal/logger"
	"github.com/shaxb/tele-google/internal/retry"
)

// Result is the outcome of a classify+extract call.
type Result struct {
	IsListing        bool              `json:"is_listing"`
	Attributes       domain.Attributes `json:"attributes"`
	PriceMin         *float64          `json:"price_min"`
	PriceMax         *float64          `json:"price_max"`
	Currency         string            `json:"currency"`
	Location         string            `json:"location"`
	Confidence       float64           `json:"confidence"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
	// Raw is the unparsed provider payload, persisted for audit and replay.
	Raw json.RawMessage `json:"-"`
}

// Config configures the extraction client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	// RequestsPerSec bounds the call rate across all channel listeners.
	RequestsPerSec int
}

// Client calls the extraction/embedding provider over HTTP.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.Breaker
	logger  logger.Logger
}

// NewClient creates a new extraction client.
func NewClient(cfg Config, log logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestsPerSec),
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig()),
		logger:  log,
	}
}

// Extract classifies raw listing text and extracts structured attributes.
func (c *Client) Extract(ctx context.Context, text string) (*Result, error) {
	var result Result
	var raw json.RawMessage

	err := c.call(ctx, "/v1/extract", map[string]any{"text": text}, &raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedExtraction, err)
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v out of range", domain.ErrMalformedExtraction, result.Confidence)
	}
	result.Raw = raw
	return &result, nil
}

// Embed returns the fixed-length embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp struct {
		Embedding []float32 `json:"embedding"`
	}

	if err := c.callJSON(ctx, "/v1/embed", map[string]any{"text": text}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embedding) != domain.EmbeddingDimensions {
		return nil, fmt.Errorf("%w: expected %d dimensions, got %d",
			domain.ErrMalformedExtraction, domain.EmbeddingDimensions, len(resp.Embedding))
	}
	return resp.Embedding, nil
}

// Rerank asks the provider to order candidate texts by relevance to query.
// It returns candidate indices, best first. Out-of-range indices are dropped.
func (c *Client) Rerank(ctx context.Context, query string, candidates []string) ([]int, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	var resp struct {
		Indices []int `json:"relevant_indices"`
	}

	payload := map[string]any{"query": query, "candidates": candidates}
	if err := c.callJSON(ctx, "/v1/rerank", payload, &resp); err != nil {
		return nil, err
	}

	out := make([]int, 0, len(resp.Indices))
	for _, i := range resp.Indices {
		if i >= 0 && i < len(candidates) {
			out = append(out, i)
		}
	}
	return out, nil
}

// callJSON is call with the response decoded into respPtr.
func (c *Client) callJSON(ctx context.Context, path string, payload any, respPtr any) error {
	var raw json.RawMessage
	if err := c.call(ctx, path, payload, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, respPtr); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedExtraction, err)
	}
	return nil
}

// call posts payload to path with rate limiting, circuit breaking and retry.
func (c *Client) call(ctx context.Context, path string, payload any, raw *json.RawMessage) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	retryCfg := retry.Config{
		MaxAttempts:  c.cfg.MaxRetries,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		IsRetryable:  domain.IsRetryable,
	}

	return retry.Do(ctx, retryCfg, func() error {
		if limitErr := c.limiter.Wait(ctx); limitErr != nil {
			return fmt.Errorf("rate limiter: %w", limitErr)
		}
		return c.breaker.Execute(ctx, func() error {
			return c.doOnce(ctx, path, body, raw)
		})
	})
}

func (c *Client) doOnce(ctx context.Context, path string, body []byte, raw *json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("provider call cancelled: %w", ctx.Err())
		}
		// Network errors and client timeouts are transient
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: provider returned %d", domain.ErrTransient, resp.StatusCode)
	default:
		return fmt.Errorf("provider returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(raw); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMalformedExtraction, err)
	}
	return nil
}

// Health checks whether the provider is reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("provider unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// IsTripped reports whether the circuit breaker is currently open.
func (c *Client) IsTripped() bool {
	return c.breaker.State() == circuitbreaker.StateOpen
}
