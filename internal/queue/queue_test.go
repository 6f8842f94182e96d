package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ward-net/alertfeed/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEvent(id, alertID string, t types.EventType) types.Event {
	return types.Event{
		ID:        id,
		Type:      t,
		AlertID:   alertID,
		ScopeID:   "scope-1",
		Timestamp: time.Now(),
	}
}

func TestDuplicateEnqueueIsNoOp(t *testing.T) {
	q := New(DefaultConfig(), testLogger())

	var mu sync.Mutex
	calls := 0
	q.RegisterHandler(types.EventAlertCreated, func(ctx context.Context, ev types.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	ev := testEvent("e1", "A1", types.EventAlertCreated)
	q.Enqueue(context.Background(), ev)
	q.Enqueue(context.Background(), ev)
	q.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("handler called %d times for duplicate id, want 1", calls)
	}
}

func TestPerAlertOrdering(t *testing.T) {
	q := New(DefaultConfig(), testLogger())

	var mu sync.Mutex
	var order []string
	inFlight := 0
	q.RegisterHandler(types.EventAlertUpdated, func(ctx context.Context, ev types.Event) error {
		mu.Lock()
		inFlight++
		if inFlight > 1 {
			mu.Unlock()
			t.Error("two handlers for the same alert ran concurrently")
			return nil
		}
		mu.Unlock()

		time.Sleep(time.Millisecond) // widen any race window

		mu.Lock()
		order = append(order, ev.ID)
		inFlight--
		mu.Unlock()
		return nil
	})

	const n = 20
	for i := 0; i < n; i++ {
		q.Enqueue(context.Background(), testEvent(fmt.Sprintf("e%d", i), "A1", types.EventAlertUpdated))
	}
	q.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != n {
		t.Fatalf("dispatched %d events, want %d", len(order), n)
	}
	for i := 0; i < n; i++ {
		if order[i] != fmt.Sprintf("e%d", i) {
			t.Fatalf("position %d = %s, want e%d", i, order[i], i)
		}
	}
}

func TestDifferentAlertsDispatchIndependently(t *testing.T) {
	q := New(DefaultConfig(), testLogger())

	release := make(chan struct{})
	a2done := make(chan struct{})
	q.RegisterHandler(types.EventAlertUpdated, func(ctx context.Context, ev types.Event) error {
		if ev.AlertID == "A1" {
			<-release // block A1's lane
		} else {
			close(a2done)
		}
		return nil
	})

	q.Enqueue(context.Background(), testEvent("e1", "A1", types.EventAlertUpdated))
	q.Enqueue(context.Background(), testEvent("e2", "A2", types.EventAlertUpdated))

	select {
	case <-a2done:
		// A2 dispatched while A1 is blocked
	case <-time.After(2 * time.Second):
		t.Fatal("event for A2 blocked behind A1's handler")
	}
	close(release)
	q.Wait()
}

func TestHandlerFaultIsolation(t *testing.T) {
	q := New(DefaultConfig(), testLogger())

	var mu sync.Mutex
	var handled []string
	q.RegisterHandler(types.EventAlertUpdated, func(ctx context.Context, ev types.Event) error {
		switch ev.ID {
		case "bad":
			return errors.New("boom")
		case "worse":
			panic("kaboom")
		}
		mu.Lock()
		handled = append(handled, ev.ID)
		mu.Unlock()
		return nil
	})

	q.Enqueue(context.Background(), testEvent("bad", "A1", types.EventAlertUpdated))
	q.Enqueue(context.Background(), testEvent("worse", "A1", types.EventAlertUpdated))
	q.Enqueue(context.Background(), testEvent("good", "A1", types.EventAlertUpdated))
	q.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 1 || handled[0] != "good" {
		t.Fatalf("handled = %v, want [good] after failing handlers", handled)
	}
}

func TestUnregisteredTypeDroppedSilently(t *testing.T) {
	q := New(DefaultConfig(), testLogger())
	// No handler registered at all; must not block or panic.
	q.Enqueue(context.Background(), testEvent("e1", "A1", types.EventAlertResolved))
	q.Wait()
}

func TestMissingIDDropped(t *testing.T) {
	q := New(DefaultConfig(), testLogger())
	called := false
	q.RegisterHandler(types.EventAlertCreated, func(ctx context.Context, ev types.Event) error {
		called = true
		return nil
	})
	q.Enqueue(context.Background(), testEvent("", "A1", types.EventAlertCreated))
	q.Wait()
	if called {
		t.Fatal("event without id should be dropped")
	}
}

func TestEvictionRespectsRetention(t *testing.T) {
	q := New(Config{Retention: time.Minute, MaxEntries: 100}, testLogger())

	base := time.Now()
	q.now = func() time.Time { return base }
	q.Enqueue(context.Background(), testEvent("old", "A1", types.EventAlertUpdated))

	q.now = func() time.Time { return base.Add(30 * time.Second) }
	q.Enqueue(context.Background(), testEvent("young", "A2", types.EventAlertUpdated))
	q.Wait()

	// Not yet past retention for either entry.
	q.now = func() time.Time { return base.Add(50 * time.Second) }
	q.evict()
	if got := q.SeenCount(); got != 2 {
		t.Fatalf("seen count = %d, want 2 inside retention window", got)
	}

	// "old" is now stale, "young" is not.
	q.now = func() time.Time { return base.Add(70 * time.Second) }
	q.evict()
	if got := q.SeenCount(); got != 1 {
		t.Fatalf("seen count = %d, want 1 after evicting stale entry", got)
	}
}

func TestSeenSetCapped(t *testing.T) {
	q := New(Config{Retention: time.Hour, MaxEntries: 10}, testLogger())
	for i := 0; i < 25; i++ {
		q.Enqueue(context.Background(), testEvent(fmt.Sprintf("e%d", i), fmt.Sprintf("A%d", i), types.EventAlertUpdated))
	}
	q.Wait()
	if got := q.SeenCount(); got != 10 {
		t.Fatalf("seen count = %d, want capped at 10", got)
	}
}

func TestUnregisterHandler(t *testing.T) {
	q := New(DefaultConfig(), testLogger())
	called := false
	q.RegisterHandler(types.EventAlertCreated, func(ctx context.Context, ev types.Event) error {
		called = true
		return nil
	})
	q.UnregisterHandler(types.EventAlertCreated)
	q.Enqueue(context.Background(), testEvent("e1", "A1", types.EventAlertCreated))
	q.Wait()
	if called {
		t.Fatal("handler called after unregister")
	}
}
