// Package search implements the retrieval engine: embed the query, fetch a
// candidate superset by vector similarity, filter, rerank, truncate.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shaxb/tele-google/internal/database"
	"github.com/shaxb/tele-google/internal/domain"
	"github.com/shaxb/tele-google/internal/logger"
	"github.com/shaxb/tele-google/internal/telemetry"
)

// Store is the subset of the listing store the engine needs.
type Store interface {
	SimilaritySearch(ctx context.Context, embedding []float32, q database.SimilarityQuery) ([]domain.ScoredListing, error)
}

// Provider supplies query embeddings and the secondary relevance pass.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Rerank(ctx context.Context, query string, candidates []string) ([]int, error)
}

// Config holds retrieval parameters.
type Config struct {
	// DefaultLimit is used when the caller passes limit <= 0.
	DefaultLimit int
	// CandidateMultiplier sizes the similarity superset relative to limit.
	CandidateMultiplier int
	// RerankTimeout bounds the secondary relevance pass.
	RerankTimeout time.Duration
}

// Engine is the retrieval engine.
type Engine struct {
	store    Store
	provider Provider
	metrics  *telemetry.Metrics
	logger   logger.Logger
	cfg      Config
}

// NewEngine creates a new retrieval engine.
func NewEngine(store Store, provider Provider, metrics *telemetry.Metrics, log logger.Logger, cfg Config) *Engine {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 5
	}
	if cfg.CandidateMultiplier <= 0 {
		cfg.CandidateMultiplier = 10
	}
	if cfg.RerankTimeout <= 0 {
		cfg.RerankTimeout = 10 * time.Second
	}

	return &Engine{
		store:    store,
		provider: provider,
		metrics:  metrics,
		logger:   log,
		cfg:      cfg,
	}
}

// Search returns up to limit listings ranked by relevance to the query.
// An empty result is a valid "no matches" outcome, not an error. When the
// reranker is unavailable, the similarity-ordered candidates are returned
// instead; relevance degrades, availability does not.
func (e *Engine) Search(ctx context.Context, query string, filters domain.SearchFilters, limit int) ([]domain.SearchResult, error) {
	e.metrics.SearchRequests.Inc()

	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.SearchResult{}, nil
	}
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}

	embedding, err := e.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	candidates, err := e.store.SimilaritySearch(ctx, embedding, database.SimilarityQuery{
		Limit:    limit * e.cfg.CandidateMultiplier,
		Currency: filters.Currency,
		Channel:  filters.Channel,
		PriceMin: filters.PriceMin,
		PriceMax: filters.PriceMax,
	})
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}
	if len(candidates) == 0 {
		return []domain.SearchResult{}, nil
	}

	results := e.rank(ctx, query, candidates)

	// Stable tie-break: relevance desc, then most recent first.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Relevance != results[j].Relevance {
			return results[i].Relevance > results[j].Relevance
		}
		return results[i].Listing.CreatedAt.After(results[j].Listing.CreatedAt)
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// rank applies the secondary relevance pass, falling back to the similarity
// order when the reranker errors or times out.
func (e *Engine) rank(ctx context.Context, query string, candidates []domain.ScoredListing) []domain.SearchResult {
	rerankCtx, cancel := context.WithTimeout(ctx, e.cfg.RerankTimeout)
	defer cancel()

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Listing.RawText
	}

	order, err := e.provider.Rerank(rerankCtx, query, texts)
	if err != nil {
		e.metrics.RerankFallbacks.Inc()
		e.logger.Warn("Rerank failed, falling back to similarity order",
			logger.String("query", query),
			logger.Error(err),
		)
		return similarityResults(candidates)
	}

	// Reranked candidates first with descending relevance; candidates the
	// reranker did not mention keep their similarity as relevance, scaled
	// below the reranked band.
	results := make([]domain.SearchResult, 0, len(candidates))
	mentioned := make(map[int]struct{}, len(order))
	for pos, idx := range order {
		mentioned[idx] = struct{}{}
		results = append(results, domain.SearchResult{
			Listing:    candidates[idx].Listing,
			Similarity: candidates[idx].Similarity,
			Relevance:  1 + float64(len(order)-pos),
		})
	}
	for i, c := range candidates {
		if _, ok := mentioned[i]; ok {
			continue
		}
		results = append(results, domain.SearchResult{
			Listing:    c.Listing,
			Similarity: c.Similarity,
			Relevance:  c.Similarity,
		})
	}
	return results
}

func similarityResults(candidates []domain.ScoredListing) []domain.SearchResult {
	results := make([]domain.SearchResult, len(candidates))
	for i, c := range candidates {
		results[i] = domain.SearchResult{
			Listing:    c.Listing,
			Similarity: c.Similarity,
			Relevance:  c.Similarity,
		}
	}
	return results
}
