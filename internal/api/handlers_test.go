package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/shaxb/tele-google/internal/domain"
	"github.com/shaxb/tele-google/internal/logger"
)

type mockSearch struct {
	results []domain.SearchResult
	err     error

	lastQuery string
	lastLimit int
}

func (m *mockSearch) Search(_ context.Context, query string, _ domain.SearchFilters, limit int) ([]domain.SearchResult, error) {
	m.lastQuery = query
	m.lastLimit = limit
	return m.results, m.err
}

type mockValuation struct {
	report *domain.ValuationReport
	err    error
}

func (m *mockValuation) Valuate(context.Context, string) (*domain.ValuationReport, error) {
	return m.report, m.err
}

type mockBackfiller struct {
	indexed int
	err     error
}

func (m *mockBackfiller) Backfill(context.Context, string, int) (int, error) {
	return m.indexed, m.err
}

func newTestRouter(search SearchEngine, valuation ValuationEngine, ingester Backfiller) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := NewHandler(search, valuation, ingester, logger.NewNop())
	router := gin.New()
	SetupRoutes(router, handler)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal request: %v", err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_Search(t *testing.T) {
	search := &mockSearch{results: []domain.SearchResult{
		{Listing: domain.Listing{ID: 1, RawText: "iPhone 13"}, Similarity: 0.93, Relevance: 4},
	}}
	router := newTestRouter(search, &mockValuation{}, nil)

	w := doJSON(t, router, http.MethodPost, "/api/v1/search", SearchRequest{Query: "iphone", Limit: 5})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp SearchResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Errorf("expected 1 result, got %d", len(resp.Results))
	}
	if search.lastQuery != "iphone" || search.lastLimit != 5 {
		t.Errorf("unexpected engine call: query=%q limit=%d", search.lastQuery, search.lastLimit)
	}
}

func TestHandler_SearchMissingQuery(t *testing.T) {
	router := newTestRouter(&mockSearch{}, &mockValuation{}, nil)

	w := doJSON(t, router, http.MethodPost, "/api/v1/search", map[string]any{"limit": 5})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if resp.Code != "INVALID_REQUEST" {
		t.Errorf("expected INVALID_REQUEST, got %s", resp.Code)
	}
}

func TestHandler_SearchEngineError(t *testing.T) {
	provider := errors.New("provider 503: secret internal detail")
	router := newTestRouter(&mockSearch{err: provider}, &mockValuation{}, nil)

	w := doJSON(t, router, http.MethodPost, "/api/v1/search", SearchRequest{Query: "iphone"})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("secret internal detail")) {
		t.Error("internal error leaked to the caller")
	}
}

func TestHandler_Valuate(t *testing.T) {
	valuation := &mockValuation{report: &domain.ValuationReport{
		Median: 450, Mean: 586, Min: 400, Max: 1200, SpreadPct: 1.78, CohortSize: 5,
	}}
	router := newTestRouter(&mockSearch{}, valuation, nil)

	w := doJSON(t, router, http.MethodPost, "/api/v1/valuate", ValuateRequest{Description: "iphone 13 128gb"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var report domain.ValuationReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if report.Median != 450 {
		t.Errorf("expected median 450, got %v", report.Median)
	}
}

func TestHandler_ValuateInsufficientData(t *testing.T) {
	router := newTestRouter(&mockSearch{}, &mockValuation{err: domain.ErrInsufficientData}, nil)

	w := doJSON(t, router, http.MethodPost, "/api/v1/valuate", ValuateRequest{Description: "rare collectible"})
	// A thin cohort is a valid business outcome, not a server fault.
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["insufficient_data"] != true {
		t.Errorf("expected insufficient_data flag, got %v", resp)
	}
}

func TestHandler_Backfill(t *testing.T) {
	router := newTestRouter(&mockSearch{}, &mockValuation{}, &mockBackfiller{indexed: 12})

	w := doJSON(t, router, http.MethodPost, "/api/v1/backfill", BackfillRequest{Channel: "bazaar", Limit: 100})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp BackfillResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Indexed != 12 {
		t.Errorf("expected 12 indexed, got %d", resp.Indexed)
	}
}

func TestHandler_BackfillWithoutIngester(t *testing.T) {
	router := newTestRouter(&mockSearch{}, &mockValuation{}, nil)

	w := doJSON(t, router, http.MethodPost, "/api/v1/backfill", BackfillRequest{Channel: "bazaar"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestHandler_HealthCheck(t *testing.T) {
	router := newTestRouter(&mockSearch{}, &mockValuation{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
