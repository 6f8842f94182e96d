// Package activity tracks whether the user and app are active.
//
// Activity is defined by input events reported via RecordActivity and
// by platform lifecycle (foreground/background, network connectivity).
// A session is active while it is foregrounded and input was seen
// within the inactivity timeout. The escalation timers pause while
// inactive; the transport orchestrator uses foreground and connectivity
// to pick its source.
package activity

import (
	"log/slog"
	"sync"
	"time"
)

// State is a read-only snapshot of the tracker.
type State struct {
	Active         bool
	Foreground     bool
	Online         bool
	LastActivityAt time.Time
}

// Tracker is the process-wide activity state, one per client session.
type Tracker struct {
	timeout time.Duration
	logger  *slog.Logger

	mu           sync.Mutex
	active       bool
	foreground   bool
	online       bool
	lastActivity time.Time
	idleTimer    *time.Timer
	listeners    []func(State)
	closed       bool

	now func() time.Time
}

// New creates a tracker that starts foregrounded, online, and active.
func New(timeout time.Duration, logger *slog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	t := &Tracker{
		timeout: timeout,
		logger:  logger.With("component", "activity"),
		now:     time.Now,
	}
	t.mu.Lock()
	t.foreground = true
	t.online = true
	t.active = true
	t.lastActivity = t.now()
	t.resetIdleTimerLocked()
	t.mu.Unlock()
	return t
}

// OnChange registers a listener invoked (outside the lock) whenever the
// state changes.
func (t *Tracker) OnChange(fn func(State)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// State returns the current snapshot.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *Tracker) stateLocked() State {
	return State{
		Active:         t.active,
		Foreground:     t.foreground,
		Online:         t.online,
		LastActivityAt: t.lastActivity,
	}
}

// RecordActivity notes an input event (pointer, key, touch, scroll).
func (t *Tracker) RecordActivity() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.lastActivity = t.now()
	t.resetIdleTimerLocked()
	changed := !t.active && t.foreground
	if changed {
		t.active = true
	}
	state := t.stateLocked()
	listeners := t.listenersLocked()
	t.mu.Unlock()

	if changed {
		t.logger.Debug("activity resumed")
		t.notify(state, listeners)
	}
}

// SetForeground reports an app lifecycle transition. Backgrounding
// makes the session inactive immediately; foregrounding counts as
// activity.
func (t *Tracker) SetForeground(fg bool) {
	t.mu.Lock()
	if t.closed || t.foreground == fg {
		t.mu.Unlock()
		return
	}
	t.foreground = fg
	if fg {
		t.lastActivity = t.now()
		t.active = true
		t.resetIdleTimerLocked()
	} else {
		t.active = false
		t.stopIdleTimerLocked()
	}
	state := t.stateLocked()
	listeners := t.listenersLocked()
	t.mu.Unlock()

	t.logger.Debug("lifecycle transition", "foreground", fg)
	t.notify(state, listeners)
}

// SetOnline reports a network connectivity change.
func (t *Tracker) SetOnline(online bool) {
	t.mu.Lock()
	if t.closed || t.online == online {
		t.mu.Unlock()
		return
	}
	t.online = online
	state := t.stateLocked()
	listeners := t.listenersLocked()
	t.mu.Unlock()

	t.logger.Debug("connectivity change", "online", online)
	t.notify(state, listeners)
}

// Close stops the idle timer. No further notifications fire.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.stopIdleTimerLocked()
	t.mu.Unlock()
}

// onIdle fires when the inactivity timeout elapses without input.
func (t *Tracker) onIdle() {
	t.mu.Lock()
	if t.closed || !t.active {
		t.mu.Unlock()
		return
	}
	// Input may have raced the timer firing.
	if t.now().Sub(t.lastActivity) < t.timeout {
		t.resetIdleTimerLocked()
		t.mu.Unlock()
		return
	}
	t.active = false
	state := t.stateLocked()
	listeners := t.listenersLocked()
	t.mu.Unlock()

	t.logger.Debug("inactivity timeout elapsed")
	t.notify(state, listeners)
}

func (t *Tracker) resetIdleTimerLocked() {
	t.stopIdleTimerLocked()
	t.idleTimer = time.AfterFunc(t.timeout, t.onIdle)
}

func (t *Tracker) stopIdleTimerLocked() {
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
}

func (t *Tracker) listenersLocked() []func(State) {
	return append([]func(State){}, t.listeners...)
}

func (t *Tracker) notify(state State, listeners []func(State)) {
	for _, fn := range listeners {
		fn(state)
	}
}
