package activity

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartsActive(t *testing.T) {
	tr := New(time.Minute, testLogger())
	defer tr.Close()

	s := tr.State()
	if !s.Active || !s.Foreground || !s.Online {
		t.Fatalf("state = %+v, want active foreground online", s)
	}
}

func TestBackgroundingDeactivatesImmediately(t *testing.T) {
	tr := New(time.Minute, testLogger())
	defer tr.Close()

	var mu sync.Mutex
	var seen []bool
	tr.OnChange(func(s State) {
		mu.Lock()
		seen = append(seen, s.Active)
		mu.Unlock()
	})

	tr.SetForeground(false)
	if tr.State().Active {
		t.Fatal("expected inactive after backgrounding")
	}

	tr.SetForeground(true)
	if !tr.State().Active {
		t.Fatal("expected active after foregrounding")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] || !seen[1] {
		t.Fatalf("notifications = %v, want [false true]", seen)
	}
}

func TestInactivityTimeout(t *testing.T) {
	tr := New(30*time.Millisecond, testLogger())
	defer tr.Close()

	idle := make(chan struct{})
	tr.OnChange(func(s State) {
		if !s.Active {
			close(idle)
		}
	})

	select {
	case <-idle:
	case <-time.After(2 * time.Second):
		t.Fatal("inactivity timeout never fired")
	}
}

func TestActivityDefersTimeout(t *testing.T) {
	tr := New(80*time.Millisecond, testLogger())
	defer tr.Close()

	var mu sync.Mutex
	deactivated := false
	tr.OnChange(func(s State) {
		mu.Lock()
		if !s.Active {
			deactivated = true
		}
		mu.Unlock()
	})

	// Keep poking well within the timeout.
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		tr.RecordActivity()
	}

	mu.Lock()
	defer mu.Unlock()
	if deactivated {
		t.Fatal("tracker went inactive despite continuous activity")
	}
}

func TestActivityWhileBackgroundedDoesNotActivate(t *testing.T) {
	tr := New(time.Minute, testLogger())
	defer tr.Close()

	tr.SetForeground(false)
	tr.RecordActivity()
	if tr.State().Active {
		t.Fatal("input while backgrounded must not activate the session")
	}
}

func TestOnlineToggleNotifies(t *testing.T) {
	tr := New(time.Minute, testLogger())
	defer tr.Close()

	var mu sync.Mutex
	var online []bool
	tr.OnChange(func(s State) {
		mu.Lock()
		online = append(online, s.Online)
		mu.Unlock()
	})

	tr.SetOnline(false)
	tr.SetOnline(false) // no-op, no duplicate notification
	tr.SetOnline(true)

	mu.Lock()
	defer mu.Unlock()
	if len(online) != 2 || online[0] || !online[1] {
		t.Fatalf("notifications = %v, want [false true]", online)
	}
}
