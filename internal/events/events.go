package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the tracker. UI layers subscribe to these instead
// of reaching into tracker state.
const (
	EventJobSubmitted  = "job_submitted"
	EventJobStarted    = "job_started"
	EventJobProgress   = "job_progress"
	EventJobCompleted  = "job_completed"
	EventJobFailed     = "job_failed"
	EventJobCancelled  = "job_cancelled"
	EventQueueUpdated  = "queue_updated"
	EventSyncCompleted = "sync_completed"
)

// JobEventPayload is the minimal job snapshot delivered to event consumers.
type JobEventPayload struct {
	JobID      string  `json:"job_id"`
	LocalID    string  `json:"local_id,omitempty"`
	EntityType string  `json:"entity_type,omitempty"`
	EntityName string  `json:"entity_name,omitempty"`
	Status     string  `json:"status"`
	Message    string  `json:"message,omitempty"`
	Percentage float64 `json:"percentage,omitempty"`
}

// SyncEventPayload reports the outcome of a sync cycle.
type SyncEventPayload struct {
	SyncedCount int `json:"synced_count"`
	FailedCount int `json:"failed_count"`
	PendingLeft int `json:"pending_left"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for tracker events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
