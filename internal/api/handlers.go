// Package api exposes the command surface over HTTP: search, valuate,
// backfill, health.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shaxb/tele-google/internal/domain"
	"github.com/shaxb/tele-google/internal/logger"
)

// SearchEngine is the retrieval engine surface.
type SearchEngine interface {
	Search(ctx context.Context, query string, filters domain.SearchFilters, limit int) ([]domain.SearchResult, error)
}

// ValuationEngine is the valuation engine surface.
type ValuationEngine interface {
	Valuate(ctx context.Context, description string) (*domain.ValuationReport, error)
}

// Backfiller replays historical channel messages through ingestion.
type Backfiller interface {
	Backfill(ctx context.Context, channelID string, limit int) (int, error)
}

// ErrorResponse is the common error body.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// SearchRequest is the POST /api/v1/search body.
type SearchRequest struct {
	Query   string               `binding:"required" json:"query"`
	Filters domain.SearchFilters `json:"filters"`
	Limit   int                  `json:"limit"`
}

// SearchResponse is the search result envelope.
type SearchResponse struct {
	Query   string                `json:"query"`
	Results []domain.SearchResult `json:"results"`
	TookMs  int64                 `json:"took_ms"`
}

// ValuateRequest is the POST /api/v1/valuate body.
type ValuateRequest struct {
	Description string `binding:"required" json:"description"`
}

// BackfillRequest is the POST /api/v1/backfill body.
type BackfillRequest struct {
	Channel string `binding:"required" json:"channel"`
	Limit   int    `json:"limit"`
}

// BackfillResponse reports a completed backfill run.
type BackfillResponse struct {
	Channel string `json:"channel"`
	Indexed int    `json:"indexed"`
}

// Handler holds HTTP request handlers.
type Handler struct {
	search    SearchEngine
	valuation ValuationEngine
	ingester  Backfiller
	logger    logger.Logger
}

// NewHandler creates a new handler instance. The ingester may be nil when
// the API runs without an attached coordinator; backfill then returns 503.
func NewHandler(search SearchEngine, valuation ValuationEngine, ingester Backfiller, log logger.Logger) *Handler {
	return &Handler{
		search:    search,
		valuation: valuation,
		ingester:  ingester,
		logger:    log,
	}
}

// Search handles POST /api/v1/search.
func (h *Handler) Search(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	start := time.Now()
	results, err := h.search.Search(c.Request.Context(), req.Query, req.Filters, req.Limit)
	if err != nil {
		h.logger.Error("Search failed",
			logger.String("query", req.Query),
			logger.Error(err),
		)
		// Provider errors are never surfaced verbatim to callers.
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "search is temporarily unavailable",
			Code:      "SEARCH_ERROR",
			Timestamp: time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, SearchResponse{
		Query:   req.Query,
		Results: results,
		TookMs:  time.Since(start).Milliseconds(),
	})
}

// Valuate handles POST /api/v1/valuate.
func (h *Handler) Valuate(c *gin.Context) {
	var req ValuateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	report, err := h.valuation.Valuate(c.Request.Context(), req.Description)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientData) {
			// A valid business outcome, not a fault.
			c.JSON(http.StatusOK, gin.H{
				"insufficient_data": true,
				"message":           "not enough comparable listings to estimate a price",
			})
			return
		}
		h.logger.Error("Valuation failed", logger.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "valuation is temporarily unavailable",
			Code:      "VALUATION_ERROR",
			Timestamp: time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, report)
}

// Backfill handles POST /api/v1/backfill.
func (h *Handler) Backfill(c *gin.Context) {
	var req BackfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if h.ingester == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:     "backfill requires the ingestion worker",
			Code:      "NO_INGESTER",
			Timestamp: time.Now(),
		})
		return
	}

	indexed, err := h.ingester.Backfill(c.Request.Context(), req.Channel, req.Limit)
	if err != nil {
		h.logger.Error("Backfill failed",
			logger.String("channel", req.Channel),
			logger.Error(err),
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "backfill failed",
			Code:      "BACKFILL_ERROR",
			Timestamp: time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, BackfillResponse{Channel: req.Channel, Indexed: indexed})
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     "invalid request body: " + err.Error(),
		Code:      "INVALID_REQUEST",
		Timestamp: time.Now(),
	})
}
