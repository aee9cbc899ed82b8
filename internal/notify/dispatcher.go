// Package notify provides fire-and-forget notification dispatch.
// The valuation and ingestion paths write events to a buffered queue and
// never wait for delivery; sink failures are logged and dropped.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaxb/tele-google/internal/logger"
)

// Tier selects the delivery class for a deal notification.
type Tier string

const (
	// TierInstant is for premium subscribers; delivered immediately.
	TierInstant Tier = "instant"
	// TierDelayed is for public delivery after the premium window.
	TierDelayed Tier = "delayed"
)

// Event kinds.
const (
	KindListingIndexed = "listing_indexed"
	KindDealDetected   = "deal_detected"
	KindChannelPaused  = "channel_paused"
)

// Event is a single notification.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	ListingID int64     `json:"listing_id,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Title     string    `json:"title,omitempty"`
	Price     float64   `json:"price,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	DealScore float64   `json:"deal_score,omitempty"`
	Tier      Tier      `json:"tier,omitempty"`
	At        time.Time `json:"at"`
}

// Sink delivers events to the downstream notification collaborator.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// NopSink discards all events. Used in tests and when notifications are disabled.
type NopSink struct{}

// Deliver does nothing.
func (NopSink) Deliver(context.Context, Event) error { return nil }

const defaultQueueSize = 256

// Dispatcher drains a buffered event queue into a sink on a single worker
// goroutine. Dispatch never blocks; when the queue is full the event is
// dropped and counted.
type Dispatcher struct {
	sink    Sink
	queue   chan Event
	logger  logger.Logger
	wg      sync.WaitGroup
	mu      sync.Mutex
	dropped int64
	closed  bool
}

// NewDispatcher creates and starts a dispatcher.
func NewDispatcher(sink Sink, queueSize int, log logger.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	d := &Dispatcher{
		sink:   sink,
		queue:  make(chan Event, queueSize),
		logger: log,
	}

	d.wg.Add(1)
	go d.run()
	return d
}

// Dispatch enqueues an event without blocking the caller.
func (d *Dispatcher) Dispatch(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	select {
	case d.queue <- ev:
		d.mu.Unlock()
	default:
		d.dropped++
		n := d.dropped
		d.mu.Unlock()
		d.logger.Warn("Notification queue full, event dropped",
			logger.String("kind", ev.Kind),
			logger.Int64("dropped_total", n),
		)
	}
}

// Dropped returns the number of events dropped so far.
func (d *Dispatcher) Dropped() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close stops the dispatcher after draining queued events.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.queue)
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.sink.Deliver(ctx, ev); err != nil {
			d.logger.Warn("Notification delivery failed",
				logger.String("kind", ev.Kind),
				logger.String("event_id", ev.ID),
				logger.Error(err),
			)
		}
		cancel()
	}
}
