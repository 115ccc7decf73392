package gateway

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chatlink/internal/domain"
)

// ResponseFunc receives the response frame matched to a sent request,
// or an error when the request can no longer be answered (connection
// closed, deadline expired).
type ResponseFunc func(frame Frame, err error)

type pending struct {
	method   string
	deadline time.Time
	done     ResponseFunc
}

// Correlator assigns request IDs and matches response frames back to
// the request that caused them. Every tracked request carries a
// deadline so no wait is unbounded: overdue entries are expired by the
// owning client's sweep timer with ErrRequestTimeout.
//
// The counter is per-instance, so multiple independent connections in
// one process never collide.
type Correlator struct {
	mu       sync.Mutex
	next     uint64
	entropy  *ulid.MonotonicEntropy
	inFlight map[string]pending
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		inFlight: make(map[string]pending),
	}
}

// NextID returns a request ID unique for the life of this correlator:
// a monotonic counter joined with a ULID suffix.
func (c *Correlator) NextID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	suffix := ulid.MustNew(ulid.Timestamp(time.Now()), c.entropy)
	return fmt.Sprintf("%d-%s", c.next, suffix)
}

// Track registers a sent request. Unless the entry is dropped, the
// done callback fires exactly once: on Resolve, on deadline expiry, or
// on FailAll.
func (c *Correlator) Track(id, method string, deadline time.Time, done ResponseFunc) {
	c.mu.Lock()
	c.inFlight[id] = pending{method: method, deadline: deadline, done: done}
	c.mu.Unlock()
}

// Resolve matches a response frame to its pending request and invokes
// the callback. Unmatched responses are dropped silently.
func (c *Correlator) Resolve(frame Frame) {
	c.mu.Lock()
	p, ok := c.inFlight[frame.ID]
	if ok {
		delete(c.inFlight, frame.ID)
	}
	c.mu.Unlock()
	if ok {
		p.done(frame, nil)
	}
}

// Drop removes a pending request without invoking its callback. Used
// when the request frame could not be written: the send error is
// returned to the caller directly, so the callback is never armed.
func (c *Correlator) Drop(id string) {
	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()
}

// ExpireOverdue fails every pending request whose deadline has passed.
func (c *Correlator) ExpireOverdue(now time.Time) {
	var expired []pending
	c.mu.Lock()
	for id, p := range c.inFlight {
		if now.After(p.deadline) {
			delete(c.inFlight, id)
			expired = append(expired, p)
		}
	}
	c.mu.Unlock()
	for _, p := range expired {
		p.done(Frame{}, fmt.Errorf("%s: %w", p.method, domain.ErrRequestTimeout))
	}
}

// FailAll abandons every pending request with the given error. Called
// when the connection that produced them goes away.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	abandoned := make([]pending, 0, len(c.inFlight))
	for id, p := range c.inFlight {
		delete(c.inFlight, id)
		abandoned = append(abandoned, p)
	}
	c.mu.Unlock()
	for _, p := range abandoned {
		p.done(Frame{}, fmt.Errorf("%s: %w", p.method, err))
	}
}

// Len reports the number of in-flight requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}
