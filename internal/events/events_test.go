package events

import (
	"encoding/json"
	"testing"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	bus.Subscribe(EventJobCompleted, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	payload := JobEventPayload{JobID: "j1", Status: "completed"}
	if err := bus.PublishJSON(EventJobCompleted, payload); err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
	if received.Type != EventJobCompleted {
		t.Errorf("expected type %s, got %s", EventJobCompleted, received.Type)
	}

	var decoded JobEventPayload
	if err := json.Unmarshal(received.Payload, &decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.JobID != "j1" {
		t.Errorf("expected job_id j1, got %s", decoded.JobID)
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var count1, count2 int

	bus.Subscribe("event", func(_ *Event) error { count1++; return nil })
	bus.Subscribe("event", func(_ *Event) error { count2++; return nil })

	bus.Publish(&Event{Type: "event"})

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both handlers to be called once, got %d and %d", count1, count2)
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	// Should not panic
	bus.Publish(&Event{Type: "unknown"})
	if err := bus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}
}

func TestEventBusNilSafe(t *testing.T) {
	var bus *EventBus
	if err := bus.PublishJSON("event", JobEventPayload{}); err != nil {
		t.Errorf("nil bus PublishJSON failed: %v", err)
	}
}
