package escalation

import (
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

// clock is a controllable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Unix(1_700_000_000, 0)} }

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func snapWithTarget(alertID string, level int, target time.Time) *types.AlertSnapshot {
	return &types.AlertSnapshot{
		AlertID:          alertID,
		ScopeID:          "scope-1",
		Status:           types.AlertStatusActive,
		EscalationLevel:  level,
		NextEscalationAt: &target,
	}
}

func newTestManager(due DueFunc) (*Manager, *clock) {
	clk := newClock()
	m := New(nil, due, testLogger())
	m.now = clk.now
	return m, clk
}

func TestCountdownCreatedForFutureTarget(t *testing.T) {
	m, clk := newTestManager(nil)
	m.Observe(snapWithTarget("A1", 0, clk.now().Add(20*time.Second)))

	rem, ok := m.Remaining("A1")
	if !ok {
		t.Fatal("expected a timer for A1")
	}
	if rem != 20*time.Second {
		t.Fatalf("remaining = %s, want 20s", rem)
	}
}

func TestNoTimerForPastTarget(t *testing.T) {
	m, clk := newTestManager(nil)
	m.Observe(snapWithTarget("A1", 0, clk.now().Add(-time.Second)))
	if _, ok := m.Remaining("A1"); ok {
		t.Fatal("no timer should exist for a past target")
	}
}

func TestPauseCorrectness(t *testing.T) {
	m, clk := newTestManager(nil)

	// targetAt = now + 20s
	m.Observe(snapWithTarget("A3", 0, clk.now().Add(20*time.Second)))

	// Go inactive at now+5s: 15s remain.
	clk.advance(5 * time.Second)
	m.setPaused(true)

	rem, _ := m.Remaining("A3")
	if rem != 15*time.Second {
		t.Fatalf("remaining at pause = %s, want 15s", rem)
	}

	// 95 seconds of wall clock pass while inactive.
	clk.advance(95 * time.Second)
	rem, _ = m.Remaining("A3")
	if rem != 15*time.Second {
		t.Fatalf("remaining while paused = %s, want frozen 15s", rem)
	}

	// Resume: targetAt' = resumeTime + 15s, independent of the delay.
	m.setPaused(false)
	rem, _ = m.Remaining("A3")
	if rem != 15*time.Second {
		t.Fatalf("remaining after resume = %s, want 15s", rem)
	}

	clk.advance(10 * time.Second)
	rem, _ = m.Remaining("A3")
	if rem != 5*time.Second {
		t.Fatalf("remaining 10s after resume = %s, want 5s", rem)
	}
}

func TestDueSignalFiresOnce(t *testing.T) {
	var mu sync.Mutex
	var fired []string
	m, clk := newTestManager(func(alertID string) {
		mu.Lock()
		fired = append(fired, alertID)
		mu.Unlock()
	})

	m.Observe(snapWithTarget("A1", 0, clk.now().Add(3*time.Second)))

	clk.advance(2 * time.Second)
	m.tick()
	mu.Lock()
	if len(fired) != 0 {
		t.Fatalf("fired early: %v", fired)
	}
	mu.Unlock()

	clk.advance(2 * time.Second)
	m.tick()
	m.tick() // must not re-fire

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "A1" {
		t.Fatalf("fired = %v, want exactly one signal for A1", fired)
	}
}

func TestServerTargetSupersedesLocal(t *testing.T) {
	var mu sync.Mutex
	count := 0
	m, clk := newTestManager(func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	m.Observe(snapWithTarget("A1", 0, clk.now().Add(2*time.Second)))
	clk.advance(3 * time.Second)
	m.tick() // local countdown due, signal fires

	// Authoritative escalation arrives with the next tier's target.
	m.Observe(snapWithTarget("A1", 1, clk.now().Add(30*time.Second)))
	rem, ok := m.Remaining("A1")
	if !ok || rem != 30*time.Second {
		t.Fatalf("remaining = %s ok=%v, want fresh 30s countdown", rem, ok)
	}

	clk.advance(31 * time.Second)
	m.tick()
	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("due signals = %d, want 2 (one per tier)", count)
	}
}

func TestTerminalStatusDestroysTimer(t *testing.T) {
	m, clk := newTestManager(nil)
	m.Observe(snapWithTarget("A1", 0, clk.now().Add(20*time.Second)))

	target := clk.now().Add(20 * time.Second)
	m.Observe(&types.AlertSnapshot{
		AlertID:          "A1",
		Status:           types.AlertStatusResolved,
		NextEscalationAt: &target,
	})
	if _, ok := m.Remaining("A1"); ok {
		t.Fatal("resolved alert must not keep a timer")
	}
}

func TestClearDestroysAllTimers(t *testing.T) {
	m, clk := newTestManager(nil)
	m.Observe(snapWithTarget("A1", 0, clk.now().Add(20*time.Second)))
	m.Observe(snapWithTarget("A2", 0, clk.now().Add(30*time.Second)))

	m.Clear()
	if _, ok := m.Remaining("A1"); ok {
		t.Fatal("timer survived Clear")
	}
	if _, ok := m.Remaining("A2"); ok {
		t.Fatal("timer survived Clear")
	}
}

func TestReobserveWhilePausedKeepsFrozenRemainder(t *testing.T) {
	m, clk := newTestManager(nil)
	target := clk.now().Add(20 * time.Second)
	m.Observe(snapWithTarget("A1", 0, target))

	// Go inactive at now+5s: 15s remain.
	clk.advance(5 * time.Second)
	m.setPaused(true)

	// A field edit redelivers the same target mid-pause, long after it
	// passed on the wall clock.
	clk.advance(95 * time.Second)
	m.Observe(snapWithTarget("A1", 0, target))

	rem, ok := m.Remaining("A1")
	if !ok {
		t.Fatal("timer destroyed by unchanged re-observe while paused")
	}
	if rem != 15*time.Second {
		t.Fatalf("remaining = %s, want frozen 15s", rem)
	}

	m.setPaused(false)
	rem, _ = m.Remaining("A1")
	if rem != 15*time.Second {
		t.Fatalf("remaining after resume = %s, want 15s", rem)
	}
}

func TestReobserveAfterResumeKeepsLocalDeadline(t *testing.T) {
	m, clk := newTestManager(nil)
	target := clk.now().Add(20 * time.Second)
	m.Observe(snapWithTarget("A1", 0, target))

	// A pause/resume cycle shifts the local deadline past the server's
	// original target.
	clk.advance(5 * time.Second)
	m.setPaused(true)
	clk.advance(time.Minute)
	m.setPaused(false)

	m.Observe(snapWithTarget("A1", 0, target))
	rem, ok := m.Remaining("A1")
	if !ok || rem != 15*time.Second {
		t.Fatalf("remaining = %s ok=%v, want 15s; unchanged server target must not reset the countdown", rem, ok)
	}
}

func TestNewServerTargetSupersedesPausedCountdown(t *testing.T) {
	m, clk := newTestManager(nil)
	m.Observe(snapWithTarget("A1", 0, clk.now().Add(20*time.Second)))

	clk.advance(5 * time.Second)
	m.setPaused(true)

	// The next tier's target replaces the frozen remainder.
	m.Observe(snapWithTarget("A1", 1, clk.now().Add(40*time.Second)))
	rem, ok := m.Remaining("A1")
	if !ok || rem != 40*time.Second {
		t.Fatalf("remaining = %s ok=%v, want fresh 40s countdown", rem, ok)
	}
}

func TestObserveWhilePausedCreatesPausedTimer(t *testing.T) {
	m, clk := newTestManager(nil)
	m.setPaused(true)

	m.Observe(snapWithTarget("A1", 0, clk.now().Add(10*time.Second)))
	clk.advance(time.Hour)

	rem, ok := m.Remaining("A1")
	if !ok || rem != 10*time.Second {
		t.Fatalf("remaining = %s ok=%v, want frozen 10s", rem, ok)
	}

	m.setPaused(false)
	clk.advance(4 * time.Second)
	rem, _ = m.Remaining("A1")
	if rem != 6*time.Second {
		t.Fatalf("remaining = %s, want 6s after resume", rem)
	}
}
