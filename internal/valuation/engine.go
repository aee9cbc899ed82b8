// Package valuation estimates fair-market prices from comparable listings
// and flags underpriced ones for notification.
package valuation

import (
	"context"
	"fmt"
	"sort"

	"github.com/shaxb/tele-google/internal/database"
	"github.com/shaxb/tele-google/internal/domain"
	"github.com/shaxb/tele-google/internal/logger"
	"github.com/shaxb/tele-google/internal/notify"
	"github.com/shaxb/tele-google/internal/telemetry"
)

// Store is the subset of the listing store the engine needs.
type Store interface {
	SimilaritySearch(ctx context.Context, embedding []float32, q database.SimilarityQuery) ([]domain.ScoredListing, error)
	UpdateDealScore(ctx context.Context, listingID int64, score float64) error
}

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds valuation parameters.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity for a listing
	// to count as comparable.
	SimilarityThreshold float64
	// MinSamples is the smallest cohort a statistic may be derived from.
	MinSamples int
	// CohortLimit caps the number of neighbors fetched.
	CohortLimit int
	// DealThreshold is the minimum deal score for a delayed notification.
	DealThreshold float64
	// InstantThreshold is the minimum deal score for an instant notification.
	InstantThreshold float64
}

// Engine is the valuation and deal-detection engine.
//
// Deal score convention: score = (median - price) / median. Positive means
// the listing is priced below its cohort median (a deal), negative means
// above market. A score of 0.20 reads as "20% below market".
type Engine struct {
	store      Store
	embedder   Embedder
	dispatcher *notify.Dispatcher
	metrics    *telemetry.Metrics
	logger     logger.Logger
	cfg        Config
}

// NewEngine creates a new valuation engine.
func NewEngine(store Store, embedder Embedder, dispatcher *notify.Dispatcher, metrics *telemetry.Metrics, log logger.Logger, cfg Config) *Engine {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.80
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 3
	}
	if cfg.CohortLimit <= 0 {
		cfg.CohortLimit = 10
	}
	if cfg.DealThreshold <= 0 {
		cfg.DealThreshold = 0.15
	}
	if cfg.InstantThreshold <= 0 {
		cfg.InstantThreshold = 0.25
	}

	return &Engine{
		store:      store,
		embedder:   embedder,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     log,
		cfg:        cfg,
	}
}

// Valuate estimates the fair-market price for a free-text description.
// Returns domain.ErrInsufficientData when fewer than MinSamples comparable
// priced listings exist; it never fabricates a statistic.
func (e *Engine) Valuate(ctx context.Context, description string) (*domain.ValuationReport, error) {
	embedding, err := e.embedder.Embed(ctx, description)
	if err != nil {
		return nil, fmt.Errorf("embed description: %w", err)
	}

	cohort, err := e.fetchCohort(ctx, embedding, "", 0)
	if err != nil {
		return nil, err
	}
	if len(cohort) < e.cfg.MinSamples {
		e.metrics.ValuationSkipped.Inc()
		return nil, domain.ErrInsufficientData
	}

	return computeReport(cohortPrices(cohort)), nil
}

// EvaluateDeal scores a listing's price against its comparable cohort,
// persists the score and dispatches a tiered notification when the listing
// is a deal. The listing itself is excluded from its cohort. Returns
// (nil, nil) when the listing is unpriced or the cohort is too small.
func (e *Engine) EvaluateDeal(ctx context.Context, l *domain.Listing) (*float64, error) {
	if !l.Priced() || l.Currency == "" {
		return nil, nil
	}
	if len(l.Embedding) == 0 {
		return nil, fmt.Errorf("listing %d has no embedding", l.ID)
	}

	cohort, err := e.fetchCohort(ctx, l.Embedding, l.Currency, l.ID)
	if err != nil {
		return nil, err
	}
	if len(cohort) < e.cfg.MinSamples {
		e.metrics.ValuationSkipped.Inc()
		e.logger.Debug("Cohort too small, listing left unscored",
			logger.Int64("listing_id", l.ID),
			logger.Int("cohort_size", len(cohort)),
		)
		return nil, nil
	}

	med := median(cohortPrices(cohort))
	if med == 0 {
		return nil, nil
	}

	price := *l.PriceMin
	score := (med - price) / med

	if err := e.store.UpdateDealScore(ctx, l.ID, score); err != nil {
		return nil, fmt.Errorf("persist deal score: %w", err)
	}
	l.DealScore = &score

	e.notifyDeal(l, score, med)
	return &score, nil
}

// fetchCohort runs the similarity query and applies the similarity floor.
func (e *Engine) fetchCohort(ctx context.Context, embedding []float32, currency string, excludeID int64) ([]domain.ScoredListing, error) {
	candidates, err := e.store.SimilaritySearch(ctx, embedding, database.SimilarityQuery{
		Limit:      e.cfg.CohortLimit,
		PricedOnly: true,
		Currency:   currency,
		ExcludeID:  excludeID,
	})
	if err != nil {
		return nil, fmt.Errorf("cohort query: %w", err)
	}

	cohort := candidates[:0]
	for _, c := range candidates {
		if c.Similarity >= e.cfg.SimilarityThreshold {
			cohort = append(cohort, c)
		}
	}
	return cohort, nil
}

// notifyDeal dispatches a tiered deal notification. Fire-and-forget: the
// valuation path never waits on, or fails from, delivery.
func (e *Engine) notifyDeal(l *domain.Listing, score, med float64) {
	var tier notify.Tier
	switch {
	case score >= e.cfg.InstantThreshold:
		tier = notify.TierInstant
	case score >= e.cfg.DealThreshold:
		tier = notify.TierDelayed
	default:
		return
	}

	e.metrics.DealsDetected.WithLabelValues(string(tier)).Inc()
	e.logger.Info("Deal detected",
		logger.Int64("listing_id", l.ID),
		logger.Float64("deal_score", score),
		logger.Float64("cohort_median", med),
		logger.String("tier", string(tier)),
	)

	e.dispatcher.Dispatch(notify.Event{
		Kind:      notify.KindDealDetected,
		ListingID: l.ID,
		Channel:   l.SourceChannel,
		Title:     l.Attributes.String("title"),
		Price:     *l.PriceMin,
		Currency:  l.Currency,
		DealScore: score,
		Tier:      tier,
	})
}

func cohortPrices(cohort []domain.ScoredListing) []float64 {
	prices := make([]float64, 0, len(cohort))
	for _, c := range cohort {
		prices = append(prices, *c.Listing.PriceMin)
	}
	return prices
}

// computeReport derives the cohort statistics. The median is the primary
// fair-value estimate; the spread is (max-min)/median.
func computeReport(prices []float64) *domain.ValuationReport {
	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)

	var sum float64
	for _, p := range sorted {
		sum += p
	}

	med := medianSorted(sorted)
	report := &domain.ValuationReport{
		Median:     med,
		Mean:       sum / float64(len(sorted)),
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		CohortSize: len(sorted),
	}
	if med != 0 {
		report.SpreadPct = (report.Max - report.Min) / med
	}
	return report
}

func median(prices []float64) float64 {
	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)
	return medianSorted(sorted)
}

func medianSorted(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
