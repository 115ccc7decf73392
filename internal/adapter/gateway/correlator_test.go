package gateway

import (
	"errors"
	"testing"
	"time"

	"chatlink/internal/domain"
)

func TestNextIDUnique(t *testing.T) {
	c := NewCorrelator()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := c.NextID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestResolveMatchesPending(t *testing.T) {
	c := NewCorrelator()
	id := c.NextID()

	var got Frame
	c.Track(id, "echo", time.Now().Add(time.Minute), func(f Frame, err error) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		got = f
	})

	c.Resolve(Frame{Type: FrameResponse, ID: id, OK: true})
	if !got.OK {
		t.Fatal("callback did not receive the response")
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0", c.Len())
	}
}

func TestResolveUnknownIDIsDropped(t *testing.T) {
	c := NewCorrelator()
	c.Resolve(Frame{Type: FrameResponse, ID: "nope"}) // must not panic
}

func TestExpireOverdue(t *testing.T) {
	c := NewCorrelator()
	var expireErr error
	c.Track("r1", "chat.send", time.Now().Add(-time.Second), func(_ Frame, err error) {
		expireErr = err
	})
	c.Track("r2", "chat.send", time.Now().Add(time.Minute), func(Frame, error) {
		t.Error("fresh request expired")
	})

	c.ExpireOverdue(time.Now())

	if !errors.Is(expireErr, domain.ErrRequestTimeout) {
		t.Fatalf("error = %v, want ErrRequestTimeout", expireErr)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}

func TestFailAllAbandonsEverything(t *testing.T) {
	c := NewCorrelator()
	var calls int
	for _, id := range []string{"a", "b", "c"} {
		c.Track(id, "m", time.Now().Add(time.Minute), func(_ Frame, err error) {
			if !errors.Is(err, domain.ErrConnectionClosed) {
				t.Errorf("error = %v, want ErrConnectionClosed", err)
			}
			calls++
		})
	}

	c.FailAll(domain.ErrConnectionClosed)
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0", c.Len())
	}
}

func TestDropSkipsCallback(t *testing.T) {
	c := NewCorrelator()
	c.Track("x", "m", time.Now().Add(-time.Second), func(Frame, error) {
		t.Error("dropped request invoked its callback")
	})
	c.Drop("x")
	c.ExpireOverdue(time.Now())
	c.FailAll(domain.ErrConnectionClosed)
}
