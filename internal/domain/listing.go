// Package domain defines the core types shared across ingestion, search and valuation.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EmbeddingDimensions is the fixed length of listing embeddings
// (text-embedding-3-small).
const EmbeddingDimensions = 1536

// Message is a single post delivered by the channel transport.
type Message struct {
	ChannelID string    `json:"channel_id"`
	MessageID int64     `json:"message_id"`
	Text      string    `json:"text"`
	HasMedia  bool      `json:"has_media"`
	PostedAt  time.Time `json:"posted_at"`
}

// Link builds the public permalink for the message.
func (m Message) Link() string {
	return fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(m.ChannelID, "@"), m.MessageID)
}

// Outcome is the result of processing one message through the coordinator.
type Outcome int

const (
	// OutcomeIndexed means a new listing row was created.
	OutcomeIndexed Outcome = iota
	// OutcomeDuplicate means the message was already indexed.
	OutcomeDuplicate
	// OutcomeRejected means the message is not a marketplace listing.
	OutcomeRejected
	// OutcomeDeferred means processing failed after retries and the
	// message was recorded for later replay.
	OutcomeDeferred
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeIndexed:
		return "indexed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRejected:
		return "rejected"
	case OutcomeDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Attributes is the open-ended key/value mapping extracted from a listing.
// Keys and value types vary by category; the fast-filter fields
// (price, currency, location) are promoted to first-class columns on Listing.
type Attributes map[string]any

// String returns the string value for key, or "" if absent or not a string.
func (a Attributes) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Float returns the numeric value for key, or 0 if absent or not numeric.
func (a Attributes) Float(key string) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// Listing is one marketplace item observed once.
// (SourceChannel, SourceMessageID) is the immutable idempotency key.
type Listing struct {
	ID               int64           `db:"id"                        json:"id"`
	SourceChannel    string          `db:"source_channel"            json:"source_channel"`
	SourceMessageID  int64           `db:"source_message_id"         json:"source_message_id"`
	RawText          string          `db:"raw_text"                  json:"raw_text"`
	HasMedia         bool            `db:"has_media"                 json:"has_media"`
	MessageLink      string          `db:"message_link"              json:"message_link"`
	Embedding        []float32       `db:"-"                         json:"-"`
	Attributes       Attributes      `db:"-"                         json:"attributes"`
	PriceMin         *float64        `db:"price_min"                 json:"price_min,omitempty"`
	PriceMax         *float64        `db:"price_max"                 json:"price_max,omitempty"`
	Currency         string          `db:"currency"                  json:"currency,omitempty"`
	Location         string          `db:"location"                  json:"location,omitempty"`
	Confidence       float64         `db:"classification_confidence" json:"classification_confidence"`
	ProcessingTimeMs int64           `db:"processing_time_ms"        json:"processing_time_ms"`
	RawExtraction    json.RawMessage `db:"raw_extraction"            json:"-"`
	DealScore        *float64        `db:"deal_score"                json:"deal_score,omitempty"`
	CreatedAt        time.Time       `db:"created_at"                json:"created_at"`
}

// Priced reports whether the listing carries a usable price.
func (l *Listing) Priced() bool {
	return l.PriceMin != nil && *l.PriceMin > 0
}

// Cursor is the per-channel bookmark of the last durably processed message.
// Owned exclusively by the ingestion coordinator.
type Cursor struct {
	ChannelID              string     `db:"channel_id"                json:"channel_id"`
	LastProcessedMessageID int64      `db:"last_processed_message_id" json:"last_processed_message_id"`
	Active                 bool       `db:"active"                    json:"active"`
	TotalIndexed           int64      `db:"total_indexed"             json:"total_indexed"`
	LastScrapedAt          *time.Time `db:"last_scraped_at"           json:"last_scraped_at,omitempty"`
}

// ScoredListing is a listing paired with its similarity to a query vector.
type ScoredListing struct {
	Listing    Listing
	Similarity float64
}

// SearchFilters holds the structural filters applied to search candidates.
type SearchFilters struct {
	PriceMin *float64 `json:"price_min,omitempty"`
	PriceMax *float64 `json:"price_max,omitempty"`
	Currency string   `json:"currency,omitempty"`
	Channel  string   `json:"channel,omitempty"`
}

// SearchResult is a single ranked search hit.
type SearchResult struct {
	Listing    Listing `json:"listing"`
	Similarity float64 `json:"similarity"`
	Relevance  float64 `json:"relevance"`
}

// ValuationReport holds the price statistics for a comparable cohort.
// Median is the primary fair-value estimate.
type ValuationReport struct {
	Median     float64 `json:"median"`
	Mean       float64 `json:"mean"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	SpreadPct  float64 `json:"spread_pct"`
	CohortSize int     `json:"cohort_size"`
}
