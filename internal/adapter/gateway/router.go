package gateway

import (
	"encoding/json"
	"sync"
)

// EventFunc handles the payload of one named gateway event.
type EventFunc func(payload json.RawMessage)

// Router dispatches inbound event frames by event name to the one
// registered handler for that name. Frames with unrecognized names
// are dropped without error.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]EventFunc
}

// NewRouter creates an empty event router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]EventFunc)}
}

// Handle registers the handler for an event name, replacing any
// previous registration. Safe to call concurrently with dispatch.
func (r *Router) Handle(event string, fn EventFunc) {
	r.mu.Lock()
	r.handlers[event] = fn
	r.mu.Unlock()
}

// Dispatch routes an event frame to its handler, if any.
func (r *Router) Dispatch(frame Frame) {
	r.mu.RLock()
	fn, ok := r.handlers[frame.Event]
	r.mu.RUnlock()
	if ok {
		fn(frame.Payload)
	}
}
