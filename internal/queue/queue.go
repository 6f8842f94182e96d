// Package queue deduplicates, serializes, and dispatches inbound feed
// events to registered per-type handlers.
//
// # Ordering
//
// Events for the same alert are dispatched strictly in enqueue order:
// a handler finishes before the next event for that alert starts.
// Events for different alerts dispatch concurrently.
//
// # Dedup
//
// A seen-id set with a bounded retention window makes redelivery of the
// same event id a no-op without unbounded memory growth.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ward-net/alertfeed/internal/metrics"
	"github.com/ward-net/alertfeed/pkg/types"
)

// Handler processes one event. Errors are logged and isolated per
// event; they never stop the queue or affect other events.
type Handler func(ctx context.Context, ev types.Event) error

// Config bounds the seen-id set.
type Config struct {
	// Retention is how long a seen id is remembered.
	Retention time.Duration

	// MaxEntries caps the seen-id set; oldest entries are evicted
	// first when the cap is exceeded.
	MaxEntries int

	// EvictInterval is how often the housekeeping pass runs.
	EvictInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retention:     10 * time.Minute,
		MaxEntries:    4096,
		EvictInterval: time.Minute,
	}
}

type seenEntry struct {
	id string
	at time.Time
}

// lane serializes events for one alert.
type lane struct {
	pending []types.Event
	running bool
}

// Queue is the event queue.
type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	handlers  map[types.EventType]Handler
	seen      map[string]time.Time
	seenOrder []seenEntry // enqueue order, for count-bounded eviction
	lanes     map[string]*lane
	wg        sync.WaitGroup

	now func() time.Time
}

// New creates an event queue.
func New(cfg Config, logger *slog.Logger) *Queue {
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = def.EvictInterval
	}
	return &Queue{
		cfg:      cfg,
		logger:   logger.With("component", "queue"),
		handlers: make(map[types.EventType]Handler),
		seen:     make(map[string]time.Time),
		lanes:    make(map[string]*lane),
		now:      time.Now,
	}
}

// RegisterHandler installs the handler for an event type, replacing any
// previous one.
func (q *Queue) RegisterHandler(t types.EventType, h Handler) {
	q.mu.Lock()
	q.handlers[t] = h
	q.mu.Unlock()
}

// UnregisterHandler removes the handler for an event type.
func (q *Queue) UnregisterHandler(t types.EventType) {
	q.mu.Lock()
	delete(q.handlers, t)
	q.mu.Unlock()
}

// UnregisterAll removes every handler. Used on scope teardown; the
// seen-id set is deliberately left intact so an immediate re-subscribe
// still dedups redelivered events.
func (q *Queue) UnregisterAll() {
	q.mu.Lock()
	q.handlers = make(map[types.EventType]Handler)
	q.mu.Unlock()
}

// Enqueue accepts an event for dispatch. Duplicates (same id) are
// discarded. Events without an id are dropped as malformed.
func (q *Queue) Enqueue(ctx context.Context, ev types.Event) {
	if ev.ID == "" {
		q.logger.Warn("dropping event without id", "type", ev.Type, "alert_id", ev.AlertID)
		return
	}

	q.mu.Lock()
	if _, dup := q.seen[ev.ID]; dup {
		q.mu.Unlock()
		metrics.EventsDedupedTotal.Inc()
		q.logger.Debug("duplicate event discarded", "event_id", ev.ID, "type", ev.Type)
		return
	}
	now := q.now()
	q.seen[ev.ID] = now
	q.seenOrder = append(q.seenOrder, seenEntry{id: ev.ID, at: now})
	q.enforceCapLocked()

	ln := q.lanes[ev.AlertID]
	if ln == nil {
		ln = &lane{}
		q.lanes[ev.AlertID] = ln
	}
	ln.pending = append(ln.pending, ev)
	start := !ln.running
	if start {
		ln.running = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if start {
		go q.drain(ctx, ev.AlertID)
	}
}

// drain dispatches a lane's events in order until it is empty. Only one
// drain runs per lane at a time.
func (q *Queue) drain(ctx context.Context, alertID string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		ln := q.lanes[alertID]
		if ln == nil || len(ln.pending) == 0 {
			if ln != nil {
				ln.running = false
				delete(q.lanes, alertID)
			}
			q.mu.Unlock()
			return
		}
		ev := ln.pending[0]
		ln.pending = ln.pending[1:]
		h := q.handlers[ev.Type]
		q.mu.Unlock()

		q.dispatch(ctx, ev, h)
	}
}

// dispatch invokes a single handler with fault isolation.
func (q *Queue) dispatch(ctx context.Context, ev types.Event, h Handler) {
	if h == nil {
		q.logger.Debug("no handler registered, dropping event",
			"type", ev.Type, "event_id", ev.ID)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerErrorsTotal.WithLabelValues(string(ev.Type)).Inc()
			q.logger.Error("handler panicked",
				"type", ev.Type, "event_id", ev.ID, "panic", r)
		}
	}()

	metrics.EventsDispatchedTotal.WithLabelValues(string(ev.Type)).Inc()
	if err := h(ctx, ev); err != nil {
		metrics.HandlerErrorsTotal.WithLabelValues(string(ev.Type)).Inc()
		q.logger.Error("handler failed",
			"type", ev.Type,
			"event_id", ev.ID,
			"alert_id", ev.AlertID,
			"error", err,
		)
	}
}

// Run performs periodic seen-id eviction until the context is
// cancelled. Pure housekeeping: it never evicts an id still inside the
// retention window.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.evict()
		}
	}
}

// evict purges seen-id entries older than the retention window.
func (q *Queue) evict() {
	cutoff := q.now().Add(-q.cfg.Retention)

	q.mu.Lock()
	removed := 0
	for len(q.seenOrder) > 0 && q.seenOrder[0].at.Before(cutoff) {
		delete(q.seen, q.seenOrder[0].id)
		q.seenOrder = q.seenOrder[1:]
		removed++
	}
	remaining := len(q.seen)
	q.mu.Unlock()

	if removed > 0 {
		q.logger.Debug("evicted stale seen-ids", "removed", removed, "remaining", remaining)
	}
}

// enforceCapLocked drops oldest entries past MaxEntries. Caller holds mu.
func (q *Queue) enforceCapLocked() {
	for len(q.seenOrder) > q.cfg.MaxEntries {
		delete(q.seen, q.seenOrder[0].id)
		q.seenOrder = q.seenOrder[1:]
	}
}

// Wait blocks until all in-flight dispatches finish. Test helper and
// shutdown aid.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// SeenCount returns the current size of the seen-id set.
func (q *Queue) SeenCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.seen)
}
