// The httpd serves the query side: search, valuation and on-demand
// backfill over HTTP, plus health and Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/shaxb/tele-google/internal/api"
	"github.com/shaxb/tele-google/internal/config"
	"github.com/shaxb/tele-google/internal/database"
	"github.com/shaxb/tele-google/internal/dedup"
	"github.com/shaxb/tele-google/internal/extract"
	"github.com/shaxb/tele-google/internal/ingest"
	"github.com/shaxb/tele-google/internal/logger"
	"github.com/shaxb/tele-google/internal/notify"
	"github.com/shaxb/tele-google/internal/search"
	"github.com/shaxb/tele-google/internal/telemetry"
	"github.com/shaxb/tele-google/internal/transport"
	"github.com/shaxb/tele-google/internal/valuation"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Service.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()
	log = log.With(logger.String("service", "httpd"))

	log.Info("Starting API server",
		logger.String("name", cfg.Service.Name),
		logger.Int("port", cfg.Service.Port),
		logger.Bool("debug", cfg.Service.Debug),
	)

	db, err := database.NewPostgresConnection(database.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		DBName:       cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxConns:     cfg.Database.MaxConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		log.Error("Failed to connect to database", logger.Error(err))
		return 1
	}
	defer database.Close(db)
	log.Info("Connected to PostgreSQL")

	repo := database.NewRepository(db)

	extractor := extract.NewClient(extract.Config{
		BaseURL:        cfg.Provider.BaseURL,
		APIKey:         cfg.Provider.APIKey,
		Timeout:        cfg.Provider.Timeout,
		MaxRetries:     cfg.Provider.MaxRetries,
		RequestsPerSec: cfg.Provider.RequestsPerSec,
	}, log)

	metrics := telemetry.NewMetrics()

	// Query-side valuation never notifies; deal alerts come from the crawler.
	dispatcher := notify.NewDispatcher(notify.NopSink{}, cfg.Notify.QueueSize, log)
	defer dispatcher.Close()

	searchEngine := search.NewEngine(repo, extractor, metrics, log, search.Config{
		DefaultLimit:        cfg.Search.DefaultLimit,
		CandidateMultiplier: cfg.Search.CandidateMultiplier,
		RerankTimeout:       cfg.Search.RerankTimeout,
	})

	valuationEngine := valuation.NewEngine(repo, extractor, dispatcher, metrics, log, valuation.Config{
		SimilarityThreshold: cfg.Valuation.SimilarityThreshold,
		MinSamples:          cfg.Valuation.MinSamples,
		CohortLimit:         cfg.Valuation.CohortLimit,
		DealThreshold:       cfg.Valuation.DealThreshold,
		InstantThreshold:    cfg.Valuation.InstantThreshold,
	})

	// Backfill needs the gateway; without one the endpoint reports 503.
	var ingester api.Backfiller
	if cfg.Gateway.BaseURL != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = redisClient.Close() }()
		tracker := dedup.NewTracker(redisClient, cfg.Redis.DedupTTL, log)

		gateway := transport.NewGateway(transport.Config{
			BaseURL:      cfg.Gateway.BaseURL,
			APIKey:       cfg.Gateway.APIKey,
			Timeout:      cfg.Gateway.Timeout,
			PollInterval: cfg.Gateway.PollInterval,
		}, log)

		ingester = ingest.NewCoordinator(
			gateway, repo, extractor, valuationEngine, tracker, dispatcher, metrics, log,
			ingest.Config{
				ConfidenceFloor: cfg.Provider.ConfidenceFloor,
				BackfillPause:   cfg.Ingest.BackfillPause,
			},
		)
	}

	handler := api.NewHandler(searchEngine, valuationEngine, ingester, log)

	if !cfg.Service.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, handler)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go func() {
		log.Info("API server listening", logger.Int("port", cfg.Service.Port))
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.Error("Server failed", logger.Error(serveErr))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("Forced shutdown", logger.Error(err))
		return 1
	}

	log.Info("Server exited")
	return 0
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yml"
}
