package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatlink/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventMessagesUpdated, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventMessagesUpdated {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessagesUpdated))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestTypedSubscriberDoesNotCrossTypes(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventStreamCompleted, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessagesUpdated))
	bus.Publish(context.Background(), newEvent(domain.EventStreamCompleted))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessagesUpdated))
	bus.Publish(context.Background(), newEvent(domain.EventConnectionState))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventMessagesUpdated, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	unsub()
	bus.Publish(context.Background(), newEvent(domain.EventMessagesUpdated))
	bus.Close()

	if got.Load() != 0 {
		t.Fatalf("expected 0 after unsub, got %d", got.Load())
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventMessagesUpdated, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventMessagesUpdated))
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	// First subscriber panics
	bus.Subscribe(domain.EventMessagesUpdated, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	// Second subscriber should still fire
	bus.Subscribe(domain.EventMessagesUpdated, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessagesUpdated))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1 (second handler), got %d", got.Load())
	}
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventMessagesUpdated, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessagesUpdated))
	bus.Close() // should block until the handler finishes

	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}

	// After close, new publishes should be no-ops
	bus.Publish(context.Background(), newEvent(domain.EventMessagesUpdated))
	// Wait a bit to see if spurious delivery happens
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
}
