// Package ingest implements the ingestion coordinator: per-channel
// concurrent listeners that dedupe, extract, embed and store marketplace
// messages with crash-safe cursor tracking.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shaxb/tele-google/internal/database"
	"github.com/shaxb/tele-google/internal/domain"
	"github.com/shaxb/tele-google/internal/extract"
	"github.com/shaxb/tele-google/internal/logger"
	"github.com/shaxb/tele-google/internal/notify"
	"github.com/shaxb/tele-google/internal/telemetry"
)

// Store combines the repositories the coordinator writes to.
type Store interface {
	ExistsListing(ctx context.Context, channel string, messageID int64) (bool, error)
	InsertListing(ctx context.Context, l *domain.Listing) error
	GetCursor(ctx context.Context, channelID string) (*domain.Cursor, error)
	AdvanceCursor(ctx context.Context, channelID string, messageID int64, indexed bool) error
	SetChannelActive(ctx context.Context, channelID string, active bool) error
	InsertDeferred(ctx context.Context, msg domain.Message, reason string) error
	ListDeferred(ctx context.Context, limit int) ([]database.DeferredMessage, error)
	DeleteDeferred(ctx context.Context, channelID string, messageID int64) error
	MinDeferredID(ctx context.Context, channelID string) (int64, error)
}

// Extractor is the external classify/extract/embed service.
type Extractor interface {
	Extract(ctx context.Context, text string) (*extract.Result, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DealEvaluator scores a freshly indexed listing against its cohort.
type DealEvaluator interface {
	EvaluateDeal(ctx context.Context, l *domain.Listing) (*float64, error)
}

// Deduper is the hot-path cache in front of the database existence check.
type Deduper interface {
	Seen(ctx context.Context, channelID string, messageID int64) bool
	Mark(ctx context.Context, channelID string, messageID int64)
}

// Config holds coordinator configuration.
type Config struct {
	// Channels to monitor.
	Channels []string
	// ConfidenceFloor below which listings are flagged but still ingested.
	ConfidenceFloor float64
	// BackfillPause between messages keeps bulk replays under transport limits.
	BackfillPause time.Duration
	// ReconnectDelay after a dropped subscription.
	ReconnectDelay time.Duration
	// AuthRetryInterval between reconnect attempts while a channel is paused.
	AuthRetryInterval time.Duration
	// ReplayBatchSize caps how many deferred messages one replay pass handles.
	ReplayBatchSize int
}

// Coordinator owns the channel listeners and the message pipeline.
// Listeners share nothing but the store and the extraction client.
type Coordinator struct {
	transport  Transport
	store      Store
	extractor  Extractor
	evaluator  DealEvaluator
	deduper    Deduper
	dispatcher *notify.Dispatcher
	metrics    *telemetry.Metrics
	logger     logger.Logger
	cfg        Config

	mu     sync.Mutex
	paused map[string]bool
	wg     sync.WaitGroup
}

// NewCoordinator creates a new ingestion coordinator.
func NewCoordinator(
	transport Transport,
	store Store,
	extractor Extractor,
	evaluator DealEvaluator,
	deduper Deduper,
	dispatcher *notify.Dispatcher,
	metrics *telemetry.Metrics,
	log logger.Logger,
	cfg Config,
) *Coordinator {
	if cfg.BackfillPause <= 0 {
		cfg.BackfillPause = 500 * time.Millisecond
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.AuthRetryInterval <= 0 {
		cfg.AuthRetryInterval = 15 * time.Minute
	}
	if cfg.ReplayBatchSize <= 0 {
		cfg.ReplayBatchSize = 100
	}

	return &Coordinator{
		transport:  transport,
		store:      store,
		extractor:  extractor,
		evaluator:  evaluator,
		deduper:    deduper,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     log,
		cfg:        cfg,
		paused:     make(map[string]bool),
	}
}

// Run starts one listener per configured channel and blocks until the
// context is cancelled and all listeners have stopped.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("Ingestion coordinator starting",
		logger.Int("channels", len(c.cfg.Channels)),
	)

	for _, channelID := range c.cfg.Channels {
		c.wg.Add(1)
		go func(ch string) {
			defer c.wg.Done()
			c.listen(ctx, ch)
		}(channelID)
	}

	c.wg.Wait()
	c.logger.Info("Ingestion coordinator stopped")
}

// listen is one channel's subscription loop. A single message's failure
// never aborts the loop; only context cancellation does.
func (c *Coordinator) listen(ctx context.Context, channelID string) {
	log := c.logger.With(logger.String("channel", channelID))

	for ctx.Err() == nil {
		stream, err := c.transport.Listen(ctx, channelID)
		if err != nil {
			if errors.Is(err, domain.ErrAuthRequired) {
				c.pause(ctx, channelID, log)
				if !sleepCtx(ctx, c.cfg.AuthRetryInterval) {
					return
				}
				continue
			}
			log.Warn("Channel subscription failed, reconnecting",
				logger.Duration("delay", c.cfg.ReconnectDelay),
				logger.Error(err),
			)
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		c.resume(ctx, channelID, log)
		log.Info("Listening")

		for msg := range stream {
			outcome, procErr := c.OnMessage(ctx, msg)
			c.metrics.MessagesProcessed.WithLabelValues(channelID, outcome.String()).Inc()
			if procErr != nil {
				log.Warn("Message processing failed",
					logger.Int64("message_id", msg.MessageID),
					logger.String("outcome", outcome.String()),
					logger.Error(procErr),
				)
			}
		}

		if ctx.Err() == nil {
			log.Info("Subscription closed, reconnecting")
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				return
			}
		}
	}
}

// OnMessage processes one message through the pipeline:
// dedupe → classify+extract → embed → store → deal evaluation.
// The returned error carries diagnostic context; the outcome alone decides
// control flow.
func (c *Coordinator) OnMessage(ctx context.Context, msg domain.Message) (domain.Outcome, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		c.advance(ctx, msg, false)
		return domain.OutcomeRejected, nil
	}

	if c.deduper != nil && c.deduper.Seen(ctx, msg.ChannelID, msg.MessageID) {
		return domain.OutcomeDuplicate, nil
	}

	exists, err := c.store.ExistsListing(ctx, msg.ChannelID, msg.MessageID)
	if err != nil {
		return c.deferMessage(ctx, msg, fmt.Errorf("existence check: %w", err))
	}
	if exists {
		c.markSeen(ctx, msg)
		c.advance(ctx, msg, false)
		return domain.OutcomeDuplicate, nil
	}

	started := time.Now()
	result, err := c.extractor.Extract(ctx, text)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedExtraction) {
			// Provider returned unusable data; retrying won't help.
			// Log with the payload context and skip the listing.
			c.advance(ctx, msg, false)
			return domain.OutcomeRejected, fmt.Errorf("message %s/%d: %w", msg.ChannelID, msg.MessageID, err)
		}
		return c.deferMessage(ctx, msg, fmt.Errorf("extract: %w", err))
	}

	if !result.IsListing {
		c.advance(ctx, msg, false)
		return domain.OutcomeRejected, nil
	}

	if result.Confidence < c.cfg.ConfidenceFloor {
		// Low confidence is persisted, not blocking; downstream consumers
		// discount these listings themselves.
		c.logger.Debug("Listing below confidence floor",
			logger.String("channel", msg.ChannelID),
			logger.Int64("message_id", msg.MessageID),
			logger.Float64("confidence", result.Confidence),
		)
	}

	embedding, err := c.extractor.Embed(ctx, text)
	if err != nil {
		return c.deferMessage(ctx, msg, fmt.Errorf("embed: %w", err))
	}
	c.metrics.ExtractionSeconds.Observe(time.Since(started).Seconds())

	listing := &domain.Listing{
		SourceChannel:    msg.ChannelID,
		SourceMessageID:  msg.MessageID,
		RawText:          text,
		HasMedia:         msg.HasMedia,
		MessageLink:      msg.Link(),
		Embedding:        embedding,
		Attributes:       result.Attributes,
		PriceMin:         result.PriceMin,
		PriceMax:         result.PriceMax,
		Currency:         result.Currency,
		Location:         result.Location,
		Confidence:       result.Confidence,
		ProcessingTimeMs: result.ProcessingTimeMs,
		RawExtraction:    result.Raw,
		CreatedAt:        messageTime(msg),
	}

	if err := c.store.InsertListing(ctx, listing); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			// Lost the insert race to a concurrent attempt. Benign.
			c.markSeen(ctx, msg)
			c.advance(ctx, msg, false)
			return domain.OutcomeDuplicate, nil
		}
		return c.deferMessage(ctx, msg, fmt.Errorf("insert listing: %w", err))
	}

	c.markSeen(ctx, msg)
	c.advance(ctx, msg, true)

	c.dispatcher.Dispatch(notify.Event{
		Kind:      notify.KindListingIndexed,
		ListingID: listing.ID,
		Channel:   listing.SourceChannel,
		Title:     listing.Attributes.String("title"),
		Price:     priceOrZero(listing),
		Currency:  listing.Currency,
	})

	// Deal evaluation runs once per listing, here. Its failure never fails
	// the ingestion outcome.
	if _, evalErr := c.evaluator.EvaluateDeal(ctx, listing); evalErr != nil {
		c.logger.Warn("Deal evaluation failed",
			logger.Int64("listing_id", listing.ID),
			logger.Error(evalErr),
		)
	}

	return domain.OutcomeIndexed, nil
}

// Backfill replays up to limit historical messages through OnMessage.
// It shares the dedup path with live ingestion, so overlapping ranges are
// safe to re-run. Returns the number of newly indexed listings.
func (c *Coordinator) Backfill(ctx context.Context, channelID string, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}

	log := c.logger.With(logger.String("channel", channelID))
	log.Info("Backfill starting", logger.Int("limit", limit))

	messages, err := c.transport.History(ctx, channelID, 0, limit)
	if err != nil {
		return 0, fmt.Errorf("fetch history for %s: %w", channelID, err)
	}

	indexed := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			return indexed, ctx.Err()
		}

		outcome, procErr := c.OnMessage(ctx, msg)
		c.metrics.MessagesProcessed.WithLabelValues(channelID, outcome.String()).Inc()
		if procErr != nil {
			log.Warn("Backfill message failed",
				logger.Int64("message_id", msg.MessageID),
				logger.Error(procErr),
			)
		}
		if outcome == domain.OutcomeIndexed {
			indexed++
		}

		if !sleepCtx(ctx, c.cfg.BackfillPause) {
			return indexed, ctx.Err()
		}
	}

	log.Info("Backfill done",
		logger.Int("messages", len(messages)),
		logger.Int("indexed", indexed),
	)
	return indexed, nil
}

// ReplayDeferred re-runs deferred messages through OnMessage. Messages that
// resolve (any outcome but Deferred) are removed from the deferred table.
func (c *Coordinator) ReplayDeferred(ctx context.Context) {
	deferred, err := c.store.ListDeferred(ctx, c.cfg.ReplayBatchSize)
	if err != nil {
		c.logger.Error("Failed to list deferred messages", logger.Error(err))
		return
	}
	c.metrics.DeferredDepth.Set(float64(len(deferred)))
	if len(deferred) == 0 {
		return
	}

	c.logger.Info("Replaying deferred messages", logger.Int("count", len(deferred)))

	resolved := 0
	for _, d := range deferred {
		msg := d.Message()
		outcome, procErr := c.OnMessage(ctx, msg)
		if outcome == domain.OutcomeDeferred {
			continue
		}
		if procErr != nil {
			c.logger.Warn("Deferred replay resolved with error",
				logger.String("channel", msg.ChannelID),
				logger.Int64("message_id", msg.MessageID),
				logger.Error(procErr),
			)
		}
		if delErr := c.store.DeleteDeferred(ctx, msg.ChannelID, msg.MessageID); delErr != nil {
			c.logger.Error("Failed to clear replayed message", logger.Error(delErr))
			continue
		}
		resolved++
	}

	c.metrics.DeferredDepth.Sub(float64(resolved))
	c.logger.Info("Deferred replay done",
		logger.Int("resolved", resolved),
		logger.Int("remaining", len(deferred)-resolved),
	)
}

// Paused returns the channels currently paused for re-authentication.
func (c *Coordinator) Paused() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.paused))
	for ch, p := range c.paused {
		if p {
			out = append(out, ch)
		}
	}
	return out
}

// deferMessage records the message for replay and returns the Deferred outcome.
// The cursor is not advanced; a deferred message must never become a
// silent gap.
func (c *Coordinator) deferMessage(ctx context.Context, msg domain.Message, cause error) (domain.Outcome, error) {
	if err := c.store.InsertDeferred(ctx, msg, cause.Error()); err != nil {
		c.logger.Error("Failed to record deferred message",
			logger.String("channel", msg.ChannelID),
			logger.Int64("message_id", msg.MessageID),
			logger.Error(err),
		)
	}
	c.metrics.DeferredDepth.Inc()
	return domain.OutcomeDeferred, fmt.Errorf("message %s/%d deferred: %w", msg.ChannelID, msg.MessageID, cause)
}

// advance moves the channel cursor, unless an older message on the same
// channel is still deferred: the cursor never skips over unresolved work.
func (c *Coordinator) advance(ctx context.Context, msg domain.Message, indexed bool) {
	minDeferred, err := c.store.MinDeferredID(ctx, msg.ChannelID)
	if err == nil && minDeferred < msg.MessageID {
		return
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.logger.Warn("Deferred check failed, cursor not advanced",
			logger.String("channel", msg.ChannelID),
			logger.Error(err),
		)
		return
	}

	if err := c.store.AdvanceCursor(ctx, msg.ChannelID, msg.MessageID, indexed); err != nil {
		c.logger.Error("Failed to advance cursor",
			logger.String("channel", msg.ChannelID),
			logger.Int64("message_id", msg.MessageID),
			logger.Error(err),
		)
	}
}

func (c *Coordinator) markSeen(ctx context.Context, msg domain.Message) {
	if c.deduper != nil {
		c.deduper.Mark(ctx, msg.ChannelID, msg.MessageID)
	}
}

// pause marks a channel as waiting for interactive authentication.
func (c *Coordinator) pause(ctx context.Context, channelID string, log logger.Logger) {
	c.mu.Lock()
	alreadyPaused := c.paused[channelID]
	c.paused[channelID] = true
	c.mu.Unlock()
	if alreadyPaused {
		return
	}

	c.metrics.ChannelsPaused.Inc()
	log.Error("Channel paused: interactive authentication required",
		logger.Bool("interactive_auth", c.transport.SupportsInteractiveAuth()),
		logger.Duration("retry_interval", c.cfg.AuthRetryInterval),
	)
	if err := c.store.SetChannelActive(ctx, channelID, false); err != nil {
		log.Warn("Failed to mark channel inactive", logger.Error(err))
	}
	c.dispatcher.Dispatch(notify.Event{
		Kind:    notify.KindChannelPaused,
		Channel: channelID,
	})
}

func (c *Coordinator) resume(ctx context.Context, channelID string, log logger.Logger) {
	c.mu.Lock()
	wasPaused := c.paused[channelID]
	c.paused[channelID] = false
	c.mu.Unlock()
	if !wasPaused {
		return
	}

	c.metrics.ChannelsPaused.Dec()
	log.Info("Channel resumed")
	if err := c.store.SetChannelActive(ctx, channelID, true); err != nil {
		log.Warn("Failed to mark channel active", logger.Error(err))
	}
}

func messageTime(msg domain.Message) time.Time {
	if msg.PostedAt.IsZero() {
		return time.Now().UTC()
	}
	return msg.PostedAt
}

func priceOrZero(l *domain.Listing) float64 {
	if l.PriceMin != nil {
		return *l.PriceMin
	}
	return 0
}

// sleepCtx sleeps for d or until the context is cancelled.
// Returns false when cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
