// The crawler runs the ingestion side: channel listeners, deferred replay
// and deal evaluation. Search and valuation queries are served by httpd.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/shaxb/tele-google/internal/config"
	"github.com/shaxb/tele-google/internal/database"
	"github.com/shaxb/tele-google/internal/dedup"
	"github.com/shaxb/tele-google/internal/extract"
	"github.com/shaxb/tele-google/internal/ingest"
	"github.com/shaxb/tele-google/internal/logger"
	"github.com/shaxb/tele-google/internal/notify"
	"github.com/shaxb/tele-google/internal/telemetry"
	"github.com/shaxb/tele-google/internal/transport"
	"github.com/shaxb/tele-google/internal/valuation"
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
	log = log.With(logger.String("service", "crawler"))

	if cfg.Gateway.BaseURL == "" {
		log.Error("gateway.base_url is required for the crawler")
		return 1
	}
	if len(cfg.Ingest.Channels) == 0 {
		log.Error("ingest.channels is empty, nothing to monitor")
		return 1
	}

	log.Info("Starting crawler",
		logger.String("name", cfg.Service.Name),
		logger.Int("channels", len(cfg.Ingest.Channels)),
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = redisClient.Close() }()
	tracker := dedup.NewTracker(redisClient, cfg.Redis.DedupTTL, log)

	extractor := extract.NewClient(extract.Config{
		BaseURL:        cfg.Provider.BaseURL,
		APIKey:         cfg.Provider.APIKey,
		Timeout:        cfg.Provider.Timeout,
		MaxRetries:     cfg.Provider.MaxRetries,
		RequestsPerSec: cfg.Provider.RequestsPerSec,
	}, log)

	var sink notify.Sink = notify.NopSink{}
	if cfg.Notify.WebhookURL != "" {
		sink = notify.NewWebhookSink(cfg.Notify.WebhookURL)
	}
	dispatcher := notify.NewDispatcher(sink, cfg.Notify.QueueSize, log)
	defer dispatcher.Close()

	metrics := telemetry.NewMetrics()

	evaluator := valuation.NewEngine(repo, extractor, dispatcher, metrics, log, valuation.Config{
		SimilarityThreshold: cfg.Valuation.SimilarityThreshold,
		MinSamples:          cfg.Valuation.MinSamples,
		CohortLimit:         cfg.Valuation.CohortLimit,
		DealThreshold:       cfg.Valuation.DealThreshold,
		InstantThreshold:    cfg.Valuation.InstantThreshold,
	})

	gateway := transport.NewGateway(transport.Config{
		BaseURL:      cfg.Gateway.BaseURL,
		APIKey:       cfg.Gateway.APIKey,
		Timeout:      cfg.Gateway.Timeout,
		PollInterval: cfg.Gateway.PollInterval,
	}, log)

	coordinator := ingest.NewCoordinator(
		gateway, repo, extractor, evaluator, tracker, dispatcher, metrics, log,
		ingest.Config{
			Channels:          cfg.Ingest.Channels,
			ConfidenceFloor:   cfg.Provider.ConfidenceFloor,
			BackfillPause:     cfg.Ingest.BackfillPause,
			ReconnectDelay:    cfg.Ingest.ReconnectDelay,
			AuthRetryInterval: cfg.Ingest.AuthRetryInterval,
			ReplayBatchSize:   cfg.Ingest.ReplayBatchSize,
		},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := cron.New()
	if _, cronErr := scheduler.AddFunc(cfg.Ingest.ReplaySchedule, func() {
		coordinator.ReplayDeferred(ctx)
	}); cronErr != nil {
		log.Error("Invalid replay schedule",
			logger.String("schedule", cfg.Ingest.ReplaySchedule),
			logger.Error(cronErr),
		)
		return 1
	}
	scheduler.Start()
	defer scheduler.Stop()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		log.Info("Received signal, shutting down", logger.String("signal", sig.String()))
		cancel()
	}()

	log.Info("Crawler started, listening for channel messages")
	coordinator.Run(ctx)

	log.Info("Crawler stopped")
	return 0
}

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yml"
}
