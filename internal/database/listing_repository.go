package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/shaxb/tele-google/internal/domain"
)

// listingColumns are the columns selected for every listing read.
const listingColumns = `id, source_channel, source_message_id, raw_text, has_media,
	message_link, attributes, price_min, price_max, currency, location,
	classification_confidence, processing_time_ms, raw_extraction, deal_score, created_at`

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// ExistsListing reports whether a listing for (channel, messageID) exists.
func (r *Repository) ExistsListing(ctx context.Context, channel string, messageID int64) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (
		SELECT 1 FROM listings WHERE source_channel = $1 AND source_message_id = $2
	)`

	if err := r.db.GetContext(ctx, &exists, query, channel, messageID); err != nil {
		return false, fmt.Errorf("failed to check listing existence: %w", err)
	}
	return exists, nil
}

// InsertListing inserts a new listing row. Concurrent inserts for the same
// (source_channel, source_message_id) are resolved by the unique constraint;
// the loser gets domain.ErrDuplicate.
func (r *Repository) InsertListing(ctx context.Context, l *domain.Listing) error {
	attrs, err := json.Marshal(l.Attributes)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}

	query := `
		INSERT INTO listings (
			source_channel, source_message_id, raw_text, has_media, message_link,
			embedding, attributes, price_min, price_max, currency, location,
			classification_confidence, processing_time_ms, raw_extraction, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id
	`

	err = r.db.QueryRowContext(ctx, query,
		l.SourceChannel, l.SourceMessageID, l.RawText, l.HasMedia, l.MessageLink,
		pgvector.NewVector(l.Embedding), attrs, l.PriceMin, l.PriceMax, l.Currency,
		l.Location, l.Confidence, l.ProcessingTimeMs, []byte(l.RawExtraction), l.CreatedAt,
	).Scan(&l.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return domain.ErrDuplicate
		}
		return fmt.Errorf("failed to insert listing: %w", err)
	}
	return nil
}

// SimilarityQuery holds the parameters of a similarity search.
type SimilarityQuery struct {
	Limit      int
	PricedOnly bool
	Currency   string
	Channel    string
	PriceMin   *float64
	PriceMax   *float64
	// ExcludeID removes one listing from the result (a listing is never
	// part of its own comparable cohort).
	ExcludeID int64
}

// SimilaritySearch returns the top candidates by cosine similarity to the
// given embedding, most similar first, with optional scalar filters.
func (r *Repository) SimilaritySearch(ctx context.Context, embedding []float32, q SimilarityQuery) ([]domain.ScoredListing, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	vec := pgvector.NewVector(embedding)
	args := []any{vec}
	var where []string

	addFilter := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if q.PricedOnly {
		where = append(where, "price_min IS NOT NULL AND price_min > 0")
	}
	if q.Currency != "" {
		addFilter("currency = $%d", q.Currency)
	}
	if q.Channel != "" {
		addFilter("source_channel = $%d", q.Channel)
	}
	if q.PriceMin != nil {
		addFilter("price_min >= $%d", *q.PriceMin)
	}
	if q.PriceMax != nil {
		addFilter("price_min <= $%d", *q.PriceMax)
	}
	if q.ExcludeID != 0 {
		addFilter("id <> $%d", q.ExcludeID)
	}

	query := `SELECT ` + listingColumns + `,
		1 - (embedding <=> $1) AS similarity
		FROM listings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY embedding <=> $1 LIMIT " + strconv.Itoa(q.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to run similarity search: %w", err)
	}
	defer rows.Close()

	var results []domain.ScoredListing
	for rows.Next() {
		scored, scanErr := scanScoredListing(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		results = append(results, *scored)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read similarity results: %w", err)
	}
	return results, nil
}

func scanScoredListing(rows *sql.Rows) (*domain.ScoredListing, error) {
	var (
		l             domain.Listing
		attrs         []byte
		rawExtraction []byte
		currency      sql.NullString
		location      sql.NullString
		similarity    float64
	)

	err := rows.Scan(
		&l.ID, &l.SourceChannel, &l.SourceMessageID, &l.RawText, &l.HasMedia,
		&l.MessageLink, &attrs, &l.PriceMin, &l.PriceMax, &currency, &location,
		&l.Confidence, &l.ProcessingTimeMs, &rawExtraction, &l.DealScore, &l.CreatedAt,
		&similarity,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan listing row: %w", err)
	}

	l.Currency = currency.String
	l.Location = location.String
	l.RawExtraction = json.RawMessage(rawExtraction)
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &l.Attributes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attributes for listing %d: %w", l.ID, err)
		}
	}

	return &domain.ScoredListing{Listing: l, Similarity: similarity}, nil
}

// UpdateDealScore persists the deal score computed for a listing.
func (r *Repository) UpdateDealScore(ctx context.Context, listingID int64, score float64) error {
	query := `UPDATE listings SET deal_score = $2 WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, listingID, score)
	if err != nil {
		return fmt.Errorf("failed to update deal score: %w", err)
	}
	if n, raErr := res.RowsAffected(); raErr == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
