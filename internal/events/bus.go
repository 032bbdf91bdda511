// Package events is the in-process pub/sub bus. Services publish what
// happened; subscribers (metrics, cache invalidation) react without the
// publisher importing them.
package events

import (
	"sync"
	"time"
)

// EventType labels a bus event.
type EventType string

const (
	EventIngestCompleted  EventType = "INGEST_COMPLETED"
	EventIngestFailed     EventType = "INGEST_FAILED"
	EventScrapePassDone   EventType = "SCRAPE_PASS_DONE"
	EventDerivedRebuilt   EventType = "DERIVED_REBUILT"
	EventSimPositionOpen  EventType = "SIM_POSITION_OPENED"
	EventSimPositionClose EventType = "SIM_POSITION_CLOSED"
	EventAutoRunComplete  EventType = "AUTO_RUN_COMPLETE"
	EventBacktestComplete EventType = "BACKTEST_COMPLETE"
	EventError            EventType = "ERROR"
)

// Event carries the type, a timestamp, and an opaque payload.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber handles events. Handlers run on their own goroutine and
// must not assume ordering across events.
type Subscriber func(Event)

// EventBus fans events out to type-specific and catch-all subscribers.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a handler for one event type.
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a handler for every event.
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish delivers the event asynchronously to all matching handlers.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	for _, sub := range eb.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishIngest reports one trader payload landing in the raw store.
func (eb *EventBus) PublishIngest(leadID string, positions, orders, eventsDerived int) {
	eb.Publish(Event{
		Type: EventIngestCompleted,
		Data: map[string]interface{}{
			"lead_id":   leadID,
			"positions": positions,
			"orders":    orders,
			"events":    eventsDerived,
		},
	})
}

// PublishScrapePass reports one full scrape fan-out.
func (eb *EventBus) PublishScrapePass(total, failed int, elapsed time.Duration) {
	eb.Publish(Event{
		Type: EventScrapePassDone,
		Data: map[string]interface{}{
			"traders":    total,
			"failed":     failed,
			"elapsed_ms": elapsed.Milliseconds(),
		},
	})
}

// PublishSimOpened reports a paper position opening.
func (eb *EventBus) PublishSimOpened(id, symbol, direction, source string, margin float64) {
	eb.Publish(Event{
		Type: EventSimPositionOpen,
		Data: map[string]interface{}{
			"id":        id,
			"symbol":    symbol,
			"direction": direction,
			"source":    source,
			"margin":    margin,
		},
	})
}

// PublishSimClosed reports a paper position closing.
func (eb *EventBus) PublishSimClosed(id, symbol, reason string, pnl float64) {
	eb.Publish(Event{
		Type: EventSimPositionClose,
		Data: map[string]interface{}{
			"id":     id,
			"symbol": symbol,
			"reason": reason,
			"pnl":    pnl,
		},
	})
}

// PublishAutoRun reports one auto-trigger pass.
func (eb *EventBus) PublishAutoRun(opened, closed int, dryRun bool) {
	eb.Publish(Event{
		Type: EventAutoRunComplete,
		Data: map[string]interface{}{
			"opened":  opened,
			"closed":  closed,
			"dry_run": dryRun,
		},
	})
}

// PublishError reports a component failure.
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{Type: EventError, Data: data})
}
