// Package events carries engine events to observers. Publishing never blocks
// the evaluation loop: every subscriber runs on its own goroutine.
package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignal          EventType = "SIGNAL"
	EventRegimeChanged   EventType = "REGIME_CHANGED"
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionUpdated EventType = "POSITION_UPDATED"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventSpreadRejected  EventType = "SPREAD_REJECTED"
	EventTradeIngested   EventType = "TRADE_INGESTED"
	EventReconciled      EventType = "RECONCILED"
	EventSyncCompleted   EventType = "SYNC_COMPLETED"
	EventCircuitBreaker  EventType = "CIRCUIT_BREAKER"
	EventError           EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Pair      string                 `json:"pair,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Publisher is what producers of events depend on.
type Publisher interface {
	Publish(event Event)
}

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
	now         func() time.Time
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		now:         time.Now,
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = eb.now().UTC()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	for _, sub := range eb.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, pair string, err error) {
	data := map[string]interface{}{"source": source}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{Type: EventError, Pair: pair, Data: data})
}
