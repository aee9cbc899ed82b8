package extract_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shaxb/tele-google/internal/domain"
	"github.com/shaxb/tele-google/internal/extract"
	"github.com/shaxb/tele-google/internal/logger"
)

func newTestClient(baseURL string) *extract.Client {
	return extract.NewClient(extract.Config{
		BaseURL:        baseURL,
		Timeout:        5 * time.Second,
		MaxRetries:     3,
		RequestsPerSec: 100,
	}, logger.NewNop())
}

func TestClient_Extract(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/extract" {
			t.Errorf("expected /v1/extract, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"is_listing": true,
			"attributes": {"title": "iPhone 13", "storage_gb": 128},
			"price_min": 300,
			"currency": "USD",
			"confidence": 0.92,
			"processing_time_ms": 40
		}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	result, err := client.Extract(context.Background(), "iPhone 13 128GB, $300")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.IsListing {
		t.Error("expected is_listing true")
	}
	if result.Attributes.String("title") != "iPhone 13" {
		t.Errorf("expected title attribute, got %v", result.Attributes)
	}
	if result.PriceMin == nil || *result.PriceMin != 300 {
		t.Errorf("expected price_min 300, got %v", result.PriceMin)
	}
	if len(result.Raw) == 0 {
		t.Error("expected raw payload to be preserved")
	}
}

func TestClient_ExtractConfidenceOutOfRange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"is_listing": true, "confidence": 1.7}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Extract(context.Background(), "iPhone 13")
	if !errors.Is(err, domain.ErrMalformedExtraction) {
		t.Errorf("expected ErrMalformedExtraction, got %v", err)
	}
}

func TestClient_ExtractRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"is_listing": false, "confidence": 0.8}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	result, err := client.Extract(context.Background(), "happy birthday")
	if err != nil {
		t.Fatalf("unexpected error after retry: %v", err)
	}
	if result.IsListing {
		t.Error("expected is_listing false")
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestClient_ExtractPermanentErrorNoRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Extract(context.Background(), "iPhone 13")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, domain.ErrTransient) {
		t.Errorf("400 must not be transient: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestClient_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embed" {
			t.Errorf("expected /v1/embed, got %s", r.URL.Path)
		}
		resp := map[string]any{"embedding": make([]float32, domain.EmbeddingDimensions)}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	embedding, err := client.Embed(context.Background(), "iPhone 13")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(embedding) != domain.EmbeddingDimensions {
		t.Errorf("expected %d dimensions, got %d", domain.EmbeddingDimensions, len(embedding))
	}
}

func TestClient_EmbedWrongDimensions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2}})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Embed(context.Background(), "iPhone 13")
	if !errors.Is(err, domain.ErrMalformedExtraction) {
		t.Errorf("expected ErrMalformedExtraction, got %v", err)
	}
}

func TestClient_RerankDropsOutOfRange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"relevant_indices": [2, 0, 7, -1]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	order, err := client.Rerank(context.Background(), "iphone", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 0 {
		t.Errorf("expected [2 0], got %v", order)
	}
}

func TestClient_RerankEmptyCandidates(t *testing.T) {
	client := newTestClient("http://localhost:1")
	order, err := client.Rerank(context.Background(), "iphone", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order != nil {
		t.Errorf("expected nil order, got %v", order)
	}
}

func TestClient_Health(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("expected /health, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
