// Package escalation runs per-alert countdowns to the next escalation
// tier.
//
// A countdown pauses while the session is inactive and resumes with its
// remaining time intact, so paused wall-clock time is never counted
// against an alert. Reaching zero only signals "escalation due": the
// actual tier transition is authoritative from the server and arrives
// as an alert.escalated event through the normal pipeline, which avoids
// a split brain over the current tier.
package escalation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ward-net/alertfeed/internal/activity"
	"github.com/ward-net/alertfeed/internal/metrics"
	"github.com/ward-net/alertfeed/pkg/types"
)

// DueFunc is invoked once when an alert's countdown reaches zero.
type DueFunc func(alertID string)

// timerState is one alert's countdown.
// Invariant: remaining is meaningful if and only if paused is true.
type timerState struct {
	targetAt       time.Time // live deadline, shifts forward on resume
	serverTargetAt time.Time // authoritative target, for change detection
	remaining      time.Duration
	paused         bool
	fired          bool
	level          int
}

// Manager owns all countdown timers for one session. At most one timer
// exists per alert; observing a new target replaces the old timer.
type Manager struct {
	due    DueFunc
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*timerState
	paused bool // session-wide, mirrors activity state

	now func() time.Time
}

// New creates a manager and subscribes it to the activity tracker.
func New(tracker *activity.Tracker, due DueFunc, logger *slog.Logger) *Manager {
	m := &Manager{
		due:    due,
		logger: logger.With("component", "escalation"),
		timers: make(map[string]*timerState),
		now:    time.Now,
	}
	if tracker != nil {
		m.paused = !tracker.State().Active
		tracker.OnChange(func(s activity.State) {
			m.setPaused(!s.Active)
		})
	}
	return m
}

// Observe updates timer state from an authoritative snapshot. Terminal
// alerts and alerts without a future target lose their timer; a changed
// server target supersedes the local countdown.
func (m *Manager) Observe(snap *types.AlertSnapshot) {
	if snap == nil {
		return
	}
	if snap.Status.Terminal() || snap.NextEscalationAt == nil {
		m.Cancel(snap.AlertID)
		return
	}

	target := *snap.NextEscalationAt
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.timers[snap.AlertID]; ok {
		// Unchanged server state never touches the local countdown: a
		// paused timer keeps its frozen remainder, a resumed timer keeps
		// its shifted deadline. Only a new target or level supersedes.
		if existing.serverTargetAt.Equal(target) && existing.level == snap.EscalationLevel {
			return
		}
	}
	if !target.After(now) {
		// Target already in the past: the authoritative escalated
		// event is imminent, no local countdown to run.
		m.removeLocked(snap.AlertID)
		return
	}

	st := &timerState{targetAt: target, serverTargetAt: target, level: snap.EscalationLevel}
	if m.paused {
		st.paused = true
		st.remaining = target.Sub(now)
	}
	if _, replaced := m.timers[snap.AlertID]; !replaced {
		metrics.EscalationTimersActive.Inc()
	}
	m.timers[snap.AlertID] = st
	m.logger.Debug("escalation countdown set",
		"alert_id", snap.AlertID,
		"level", snap.EscalationLevel,
		"target_at", target,
	)
}

// Cancel destroys the timer for an alert, if any.
func (m *Manager) Cancel(alertID string) {
	m.mu.Lock()
	m.removeLocked(alertID)
	m.mu.Unlock()
}

// Clear destroys all timers. Used on scope teardown.
func (m *Manager) Clear() {
	m.mu.Lock()
	for id := range m.timers {
		m.removeLocked(id)
	}
	m.mu.Unlock()
}

func (m *Manager) removeLocked(alertID string) {
	if _, ok := m.timers[alertID]; ok {
		delete(m.timers, alertID)
		metrics.EscalationTimersActive.Dec()
	}
}

// Remaining returns the countdown time left for an alert. While paused
// this is the frozen remainder; zero means escalation is due.
func (m *Manager) Remaining(alertID string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.timers[alertID]
	if !ok {
		return 0, false
	}
	if st.paused {
		return st.remaining, true
	}
	rem := st.targetAt.Sub(m.now())
	if rem < 0 {
		rem = 0
	}
	return rem, true
}

// setPaused freezes or resumes every countdown. On pause the remainder
// is captured; on resume each target is recomputed as now + remainder,
// so inactive wall-clock time never counts against an alert.
func (m *Manager) setPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused == paused {
		return
	}
	m.paused = paused
	now := m.now()
	for id, st := range m.timers {
		if paused {
			if st.paused || st.fired {
				continue
			}
			st.remaining = st.targetAt.Sub(now)
			if st.remaining < 0 {
				st.remaining = 0
			}
			st.paused = true
			m.logger.Debug("countdown paused", "alert_id", id, "remaining", st.remaining)
		} else {
			if !st.paused {
				continue
			}
			st.targetAt = now.Add(st.remaining)
			st.remaining = 0
			st.paused = false
			m.logger.Debug("countdown resumed", "alert_id", id, "target_at", st.targetAt)
		}
	}
}

// Run ticks at 1 Hz until the context is cancelled; enough resolution
// for a UI countdown.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick signals timers whose countdown reached zero. The timer stays in
// place (marked fired) until the authoritative event destroys or
// replaces it.
func (m *Manager) tick() {
	now := m.now()

	m.mu.Lock()
	var due []string
	for id, st := range m.timers {
		if st.paused || st.fired {
			continue
		}
		if !st.targetAt.After(now) {
			st.fired = true
			due = append(due, id)
		}
	}
	m.mu.Unlock()

	for _, id := range due {
		metrics.EscalationsDueTotal.Inc()
		m.logger.Info("escalation due", "alert_id", id)
		if m.due != nil {
			m.due(id)
		}
	}
}
