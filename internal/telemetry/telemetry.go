// Package telemetry exports Prometheus metrics for ingestion, search and valuation.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all service Prometheus metrics.
type Metrics struct {
	// Ingestion
	MessagesProcessed *prometheus.CounterVec
	ExtractionSeconds prometheus.Histogram
	DeferredDepth     prometheus.Gauge
	ChannelsPaused    prometheus.Gauge

	// Search and valuation
	SearchRequests    prometheus.Counter
	RerankFallbacks   prometheus.Counter
	DealsDetected     *prometheus.CounterVec
	ValuationSkipped  prometheus.Counter
}

// NewMetrics registers and returns all service metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_messages_total",
			Help: "Messages processed by outcome (indexed, duplicate, rejected, deferred)",
		}, []string{"channel", "outcome"}),
		ExtractionSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "extraction_duration_seconds",
			Help:    "Time for one extract+embed pass",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		DeferredDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_deferred_depth",
			Help: "Messages currently awaiting replay",
		}),
		ChannelsPaused: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_channels_paused",
			Help: "Channels paused waiting for interactive authentication",
		}),
		SearchRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "search_requests_total",
			Help: "Search requests served",
		}),
		RerankFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "search_rerank_fallbacks_total",
			Help: "Searches that fell back to similarity order because reranking failed",
		}),
		DealsDetected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "valuation_deals_detected_total",
			Help: "Deals detected by notification tier",
		}, []string{"tier"}),
		ValuationSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "valuation_insufficient_cohort_total",
			Help: "Valuations skipped for lack of comparable listings",
		}),
	}
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
