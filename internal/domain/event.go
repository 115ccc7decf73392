package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event published on the in-process bus.
type EventType string

const (
	EventConnectionState EventType = "connection.state"
	EventMessagesUpdated EventType = "chat.messages.updated"
	EventStreamStarted   EventType = "chat.stream.started"
	EventStreamCompleted EventType = "chat.stream.completed"
	EventStreamAborted   EventType = "chat.stream.aborted"
	EventStreamError     EventType = "chat.stream.error"
	EventHistoryReplayed EventType = "chat.history.replayed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	SessionKey string          `json:"session_key,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for engine events.
// It is how the presentation layer observes the message list and
// connection state without reaching into the engine.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
