// Package stream fans order, position and portfolio notifications out to
// in-process subscribers.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AllAccounts subscribes to events for every account.
const AllAccounts = ""

// HubConfig holds configuration for the Hub.
type HubConfig struct {
	// BufferSize is the size of the internal event channel buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
	// SlowConsumerDropThreshold is the number of drops between slow consumer warnings.
	SlowConsumerDropThreshold int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:                1000,
		SubscriberBufferSize:      100,
		SlowConsumerDropThreshold: 10,
	}
}

// Hub distributes events to subscribers. Publishing never blocks: events
// are dropped when the hub or a subscriber is backed up.
type Hub struct {
	config      HubConfig
	logger      zerolog.Logger
	mu          sync.RWMutex
	subscribers map[string][]*Subscriber
	events      chan Event
	done        chan struct{}
	started     bool

	metricsMu       sync.Mutex
	eventsReceived  uint64
	eventsDelivered uint64
	eventsDropped   uint64
}

// Subscriber represents a channel subscriber with metadata.
type Subscriber struct {
	AccountID    string
	Channel      chan Event
	DroppedCount int
	CreatedAt    time.Time
}

// NewHub creates a new hub with default configuration.
func NewHub(logger zerolog.Logger) *Hub {
	return NewHubWithConfig(DefaultHubConfig(), logger)
}

// NewHubWithConfig creates a new hub with custom configuration.
func NewHubWithConfig(config HubConfig, logger zerolog.Logger) *Hub {
	if config.BufferSize <= 0 {
		config.BufferSize = 1
	}
	if config.SlowConsumerDropThreshold <= 0 {
		config.SlowConsumerDropThreshold = 1
	}
	return &Hub{
		config:      config,
		logger:      logger.With().Str("component", "stream").Logger(),
		subscribers: make(map[string][]*Subscriber),
		events:      make(chan Event, config.BufferSize),
		done:        make(chan struct{}),
	}
}

// Start begins the hub's distribution loop.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return
	}
	h.started = true
	go h.broadcastLoop(ctx, h.done)
}

func (h *Hub) broadcastLoop(ctx context.Context, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev := <-h.events:
			h.metricsMu.Lock()
			h.eventsReceived++
			h.metricsMu.Unlock()

			h.broadcast(ev)
		}
	}
}

// Stop stops the hub and closes all subscriber channels.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return
	}

	close(h.done)
	h.done = make(chan struct{})
	h.started = false

	for account, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.Channel)
		}
		delete(h.subscribers, account)
	}
}

// Subscribe returns a channel receiving events for accountID, or for every
// account when accountID is AllAccounts.
func (h *Hub) Subscribe(accountID string) <-chan Event {
	ch := make(chan Event, h.config.SubscriberBufferSize)
	sub := &Subscriber{
		AccountID: accountID,
		Channel:   ch,
		CreatedAt: time.Now(),
	}

	h.mu.Lock()
	h.subscribers[accountID] = append(h.subscribers[accountID], sub)
	h.mu.Unlock()

	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(accountID string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[accountID]
	for i, sub := range subs {
		if sub.Channel == ch {
			close(sub.Channel)
			h.subscribers[accountID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subscribers[accountID]) == 0 {
		delete(h.subscribers, accountID)
	}
}

// Publish queues an event for distribution.
func (h *Hub) Publish(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.metricsMu.Lock()
		h.eventsDropped++
		h.metricsMu.Unlock()
		h.logger.Warn().Str("type", string(ev.Type)).Str("account_id", ev.AccountID).Msg("event buffer full, dropping event")
	}
}

// broadcast sends an event to the account's subscribers and to wildcard
// subscribers with non-blocking sends.
func (h *Hub) broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.subscribers[ev.AccountID]
	if ev.AccountID != AllAccounts {
		targets = append(targets[:len(targets):len(targets)], h.subscribers[AllAccounts]...)
	}

	for _, sub := range targets {
		select {
		case sub.Channel <- ev:
			h.metricsMu.Lock()
			h.eventsDelivered++
			h.metricsMu.Unlock()
		default:
			sub.DroppedCount++
			h.metricsMu.Lock()
			h.eventsDropped++
			h.metricsMu.Unlock()
			if sub.DroppedCount%h.config.SlowConsumerDropThreshold == 0 {
				h.logger.Warn().
					Str("subscriber_account", sub.AccountID).
					Int("dropped", sub.DroppedCount).
					Msg("slow consumer")
			}
		}
	}
}

// SubscriberCount returns the total number of subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, subs := range h.subscribers {
		count += len(subs)
	}
	return count
}

// HubMetrics contains hub counters.
type HubMetrics struct {
	EventsReceived  uint64
	EventsDelivered uint64
	EventsDropped   uint64
	Subscribers     int
}

// Metrics returns hub metrics.
func (h *Hub) Metrics() HubMetrics {
	subs := h.SubscriberCount()

	h.metricsMu.Lock()
	defer h.metricsMu.Unlock()
	return HubMetrics{
		EventsReceived:  h.eventsReceived,
		EventsDelivered: h.eventsDelivered,
		EventsDropped:   h.eventsDropped,
		Subscribers:     subs,
	}
}

// IsStarted returns whether the hub is running.
func (h *Hub) IsStarted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started
}
