// Package conn implements the connection state machine that tracks
// transport health and drives reconnection policy.
//
// # States
//
//	disconnected → connecting → connected
//	connected    → reconnecting   on transport error or missed heartbeat
//	reconnecting → connected      on success
//	reconnecting → error          after maxRetries consecutive failures
//	error        → connecting     on manual retry or platform reconnect
//
// The machine is single-writer: only its transition methods mutate the
// state. Readers get copies via State.
package conn

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ward-net/alertfeed/internal/metrics"
	"github.com/ward-net/alertfeed/pkg/types"
)

// Config holds the reconnection and liveness policy.
type Config struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	MaxRetries        int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:         1 * time.Second,
		MaxDelay:          30 * time.Second,
		MaxRetries:        5,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
	}
}

// Machine is the connection state machine.
type Machine struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	state     types.ConnectionState
	listeners []func(types.ConnectionState)

	now    func() time.Time
	jitter func(time.Duration) time.Duration
}

// New creates a machine in the disconnected state.
func New(cfg Config, logger *slog.Logger) *Machine {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	m := &Machine{
		cfg:    cfg,
		logger: logger.With("component", "conn"),
		state:  types.ConnectionState{Status: types.ConnDisconnected},
		now:    time.Now,
		jitter: applyJitter,
	}
	metrics.SetConnectionState(types.ConnDisconnected)
	return m
}

// Config returns the machine's policy configuration.
func (m *Machine) Config() Config { return m.cfg }

// State returns a copy of the current state.
func (m *Machine) State() types.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnChange registers a listener invoked after every transition, outside
// the machine's lock.
func (m *Machine) OnChange(fn func(types.ConnectionState)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Connecting marks the start of a connection attempt. Valid from
// disconnected, reconnecting, and error (manual retry path).
func (m *Machine) Connecting() {
	m.transition(func(s *types.ConnectionState) {
		s.Status = types.ConnConnecting
	})
}

// ConnectionOpened records a successful connection: state connected,
// retry count reset, heartbeat recorded.
func (m *Machine) ConnectionOpened() {
	now := m.now()
	m.transition(func(s *types.ConnectionState) {
		s.Status = types.ConnConnected
		s.RetryCount = 0
		s.LastError = ""
		s.LastHeartbeatAt = &now
	})
}

// RecordHeartbeat notes liveness without changing state.
func (m *Machine) RecordHeartbeat() {
	now := m.now()
	m.mu.Lock()
	m.state.LastHeartbeatAt = &now
	m.mu.Unlock()
}

// ConnectionError records a transport failure. It returns the backoff
// delay before the next attempt and whether a retry should happen at
// all; once the consecutive failure count reaches MaxRetries the
// machine enters error and stops automatic reconnection.
func (m *Machine) ConnectionError(err error) (delay time.Duration, retry bool) {
	m.mu.Lock()
	m.state.RetryCount++
	if err != nil {
		m.state.LastError = err.Error()
	}
	if m.state.RetryCount >= m.cfg.MaxRetries {
		m.state.Status = types.ConnError
		state := m.state
		listeners := append([]func(types.ConnectionState){}, m.listeners...)
		m.mu.Unlock()
		m.logger.Warn("max reconnect attempts exceeded, giving up",
			"retry_count", state.RetryCount,
			"error", state.LastError,
		)
		m.notify(state, listeners)
		return 0, false
	}
	m.state.Status = types.ConnReconnecting
	delay = m.jitter(backoff(m.cfg.BaseDelay, m.cfg.MaxDelay, m.state.RetryCount-1))
	state := m.state
	listeners := append([]func(types.ConnectionState){}, m.listeners...)
	m.mu.Unlock()

	metrics.ReconnectsTotal.Inc()
	m.logger.Warn("connection lost, reconnecting",
		"retry_count", state.RetryCount,
		"backoff", delay,
		"error", state.LastError,
	)
	m.notify(state, listeners)
	return delay, true
}

// HeartbeatTimeout handles silent failure of a socket that never
// errored explicitly. Equivalent to ConnectionError.
func (m *Machine) HeartbeatTimeout() (time.Duration, bool) {
	return m.ConnectionError(&types.TimeoutError{Op: "heartbeat", After: m.cfg.HeartbeatTimeout})
}

// Disconnected records a deliberate local teardown (backgrounding,
// shutdown): not a failure, no retry scheduled.
func (m *Machine) Disconnected() {
	m.transition(func(s *types.ConnectionState) {
		s.Status = types.ConnDisconnected
	})
}

// ConnectionClosed handles an explicit close. A normal shutdown goes to
// disconnected without scheduling a retry; anything else behaves like a
// transport error.
func (m *Machine) ConnectionClosed(code int, reason string, normal bool) (time.Duration, bool) {
	if normal {
		m.transition(func(s *types.ConnectionState) {
			s.Status = types.ConnDisconnected
		})
		return 0, false
	}
	return m.ConnectionError(&types.TransportError{
		Op:  "close",
		Err: &closeError{code: code, reason: reason},
	})
}

// Reset re-enters connecting from the error state. Used for the manual
// retry affordance and for platform reconnect signals (app foregrounded,
// network restored). A no-op in any other state.
func (m *Machine) Reset() bool {
	m.mu.Lock()
	if m.state.Status != types.ConnError {
		m.mu.Unlock()
		return false
	}
	m.state.Status = types.ConnConnecting
	m.state.RetryCount = 0
	m.state.LastError = ""
	state := m.state
	listeners := append([]func(types.ConnectionState){}, m.listeners...)
	m.mu.Unlock()

	m.logger.Info("manual retry, re-entering connecting")
	m.notify(state, listeners)
	return true
}

func (m *Machine) transition(mutate func(*types.ConnectionState)) {
	m.mu.Lock()
	mutate(&m.state)
	state := m.state
	listeners := append([]func(types.ConnectionState){}, m.listeners...)
	m.mu.Unlock()
	m.notify(state, listeners)
}

func (m *Machine) notify(state types.ConnectionState, listeners []func(types.ConnectionState)) {
	metrics.SetConnectionState(state.Status)
	for _, fn := range listeners {
		fn(state)
	}
}

// backoff computes delay = min(base * 2^attempt, max). The first retry
// (attempt 0) waits the base delay.
func backoff(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// applyJitter spreads a delay by ±20% to prevent thundering herd.
func applyJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.2
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

type closeError struct {
	code   int
	reason string
}

func (e *closeError) Error() string {
	if e.reason == "" {
		return fmt.Sprintf("abnormal close (code %d)", e.code)
	}
	return fmt.Sprintf("abnormal close (code %d): %s", e.code, e.reason)
}
