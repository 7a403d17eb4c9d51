package statusbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventKind categorizes the status events the core emits for presentation
// layers (dashboards, voice, notifications).
type EventKind string

const (
	KindStateChange EventKind = "STATE_CHANGE"
	KindStep        EventKind = "STEP"
	KindEscalation  EventKind = "ESCALATION"
	KindPause       EventKind = "PAUSE"
	KindTerminated  EventKind = "TERMINATED"
)

// Event is the envelope for one structured status update.
type Event struct {
	ID        string
	Kind      EventKind
	SessionID string
	Message   string
	Details   map[string]string
	Timestamp time.Time
}

// Subscriber represents a consumer listening on the bus.
type Subscriber struct {
	ID      string
	Channel chan Event
	Filters map[EventKind]bool
}

// Bus fans status events out to any number of subscribers. The core posts;
// presentation layers subscribe. It is the only surface the core exposes to
// the outside world besides the resume entrypoint.
type Bus struct {
	logger *zap.Logger

	subscribersMutex sync.RWMutex
	subscribers      map[string]*Subscriber

	// WaitGroup tracking events currently being processed by subscribers.
	processingWg  sync.WaitGroup
	shutdownMutex sync.Mutex
	isShutdown    bool
	bufferSize    int
}

// New initializes the status bus.
func New(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		logger:      logger.Named("statusbus"),
		subscribers: make(map[string]*Subscriber),
		bufferSize:  bufferSize,
	}
}

// Post sends an event onto the bus.
func (b *Bus) Post(ctx context.Context, ev Event) error {
	b.shutdownMutex.Lock()
	if b.isShutdown {
		b.shutdownMutex.Unlock()
		return fmt.Errorf("cannot post event: status bus is shutting down")
	}
	b.shutdownMutex.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.subscribersMutex.RLock()
	defer b.subscribersMutex.RUnlock()

	if len(b.subscribers) == 0 {
		// Nothing is listening; status events are best-effort.
		return nil
	}

	for _, sub := range b.subscribers {
		if len(sub.Filters) > 0 && !sub.Filters[ev.Kind] {
			continue
		}

		// Increment the WG *before* sending to the channel.
		b.processingWg.Add(1)

		select {
		case sub.Channel <- ev:
			b.logger.Debug("Event dispatched",
				zap.String("event_id", ev.ID),
				zap.String("kind", string(ev.Kind)),
				zap.String("subscriber_id", sub.ID))
		case <-ctx.Done():
			b.processingWg.Done()
			b.logger.Warn("Failed to dispatch event due to context cancellation", zap.Error(ctx.Err()))
			return ctx.Err()
		default:
			// Backpressure: the subscriber's buffer is full.
			b.processingWg.Done()
			b.logger.Error("Subscriber buffer full, dropping status event.",
				zap.String("kind", string(ev.Kind)),
				zap.String("subscriber_id", sub.ID))
		}
	}
	return nil
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. Optional filters restrict delivery to specific kinds.
func (b *Bus) Subscribe(filters ...EventKind) (<-chan Event, func()) {
	b.subscribersMutex.Lock()
	defer b.subscribersMutex.Unlock()

	channel := make(chan Event, b.bufferSize)
	filterMap := make(map[EventKind]bool)
	for _, f := range filters {
		filterMap[f] = true
	}

	subID := uuid.NewString()[:8]
	b.subscribers[subID] = &Subscriber{
		ID:      subID,
		Channel: channel,
		Filters: filterMap,
	}
	b.logger.Debug("New subscriber registered.",
		zap.String("subscriber_id", subID),
		zap.Int("active_subscribers", len(b.subscribers)))

	unsubscribe := func() {
		b.subscribersMutex.Lock()
		defer b.subscribersMutex.Unlock()
		if sub, ok := b.subscribers[subID]; ok {
			delete(b.subscribers, subID)
			close(sub.Channel)
		}
	}
	return channel, unsubscribe
}

// Acknowledge signals that an event has been processed by a subscriber.
// Consumers MUST call this after handling an event received from Subscribe().
func (b *Bus) Acknowledge(ev Event) {
	b.processingWg.Done()
}

// Shutdown gracefully closes the bus, waiting for in-flight events to drain.
func (b *Bus) Shutdown() {
	b.shutdownMutex.Lock()
	if b.isShutdown {
		b.shutdownMutex.Unlock()
		return
	}
	b.isShutdown = true
	b.shutdownMutex.Unlock()

	b.logger.Debug("Shutting down status bus, waiting for event drain.")
	b.processingWg.Wait()

	b.subscribersMutex.Lock()
	for _, sub := range b.subscribers {
		close(sub.Channel)
	}
	b.subscribers = nil
	b.subscribersMutex.Unlock()
}
