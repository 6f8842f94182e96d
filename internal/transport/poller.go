package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ward-net/alertfeed/internal/cache"
	"github.com/ward-net/alertfeed/internal/metrics"
	"github.com/ward-net/alertfeed/pkg/types"
)

// EnqueueFunc hands a wrapped event to the event queue.
type EnqueueFunc func(ctx context.Context, ev types.Event)

// Poller is the fallback event source: it pulls the full alert list on
// a fixed cadence and diffs it against the previous pull, synthesizing
// the events a live subscription would have delivered. Synthetic ids
// are deterministic, so overlap with subscription delivery during a
// transport handoff collapses in the queue's dedup set.
type Poller struct {
	client   AlertLister
	scopeID  string
	interval time.Duration
	enqueue  EnqueueFunc
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]types.AlertSnapshot

	now func() time.Time
}

// NewPoller creates a poller. interval must be positive.
func NewPoller(client AlertLister, scopeID string, interval time.Duration, enqueue EnqueueFunc, logger *slog.Logger) *Poller {
	return &Poller{
		client:   client,
		scopeID:  scopeID,
		interval: interval,
		enqueue:  enqueue,
		logger:   logger.With("component", "poller"),
		now:      time.Now,
	}
}

// Run polls immediately, then on every tick, until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.Poll(ctx); err != nil {
		p.logger.Warn("poll failed", "error", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				p.logger.Warn("poll failed", "error", err)
			}
		}
	}
}

// Poll performs one pull-and-diff cycle. Errors leave the previous
// list untouched so the next cycle diffs against known-good state.
func (p *Poller) Poll(ctx context.Context) error {
	alerts, err := p.client.ListAlerts(ctx, p.scopeID)
	if err != nil {
		return err
	}
	metrics.PollCyclesTotal.Inc()

	p.publish(ctx, index(alerts))
	return nil
}

// Refetch rebuilds the scope's cache entries from a single pull.
// Snapshots are written to the store directly instead of replayed
// through the event path: the dedup set may already hold their
// synthetic ids from an earlier fallback period, and a dropped replay
// would leave the freshly invalidated cache empty. Changes relative to
// the previous baseline still go out as events.
func (p *Poller) Refetch(ctx context.Context, store cache.Store) error {
	alerts, err := p.client.ListAlerts(ctx, p.scopeID)
	if err != nil {
		return err
	}
	metrics.PollCyclesTotal.Inc()

	if err := store.Invalidate(ctx, p.scopeID); err != nil {
		return err
	}
	current := index(alerts)
	for id := range current {
		snap := current[id]
		if err := store.Patch(ctx, p.scopeID, id, func(*types.AlertSnapshot) *types.AlertSnapshot {
			return &snap
		}); err != nil {
			return err
		}
	}

	p.publish(ctx, current)
	return nil
}

// publish diffs a pulled list against the baseline, advances the
// baseline, and enqueues the synthesized events.
func (p *Poller) publish(ctx context.Context, current map[string]types.AlertSnapshot) {
	p.mu.Lock()
	events := p.diffLocked(current)
	p.last = current
	p.mu.Unlock()

	for _, ev := range events {
		metrics.EventsReceivedTotal.WithLabelValues("poll").Inc()
		p.enqueue(ctx, ev)
	}
}

func index(alerts []types.AlertSnapshot) map[string]types.AlertSnapshot {
	current := make(map[string]types.AlertSnapshot, len(alerts))
	for _, a := range alerts {
		if a.AlertID == "" {
			continue
		}
		current[a.AlertID] = a
	}
	return current
}

func (p *Poller) diffLocked(current map[string]types.AlertSnapshot) []types.Event {
	var events []types.Event

	for id, snap := range current {
		prev, existed := p.last[id]
		if existed && snap.Equal(&prev) {
			continue
		}
		t := classify(existed, &prev, &snap)
		events = append(events, p.synthesize(t, &snap))
	}

	// An alert missing from the list was resolved (or expired) out from
	// under us; synthesize the resolution so the cache converges.
	for id, prev := range p.last {
		if _, ok := current[id]; ok {
			continue
		}
		gone := *prev.Clone()
		gone.Status = types.AlertStatusResolved
		events = append(events, p.synthesize(types.EventAlertResolved, &gone))
	}
	return events
}

func (p *Poller) synthesize(t types.EventType, snap *types.AlertSnapshot) types.Event {
	ts := snap.UpdatedAt
	if ts.IsZero() {
		ts = p.now()
	}
	return types.Event{
		ID:        SyntheticEventID(snap.AlertID, t, snap),
		Type:      t,
		AlertID:   snap.AlertID,
		ScopeID:   p.scopeID,
		Timestamp: ts,
		Payload:   types.PayloadFromSnapshot(snap),
	}
}

// classify maps a list diff to the event type a subscription would have
// delivered for the same change.
func classify(existed bool, prev, curr *types.AlertSnapshot) types.EventType {
	if !existed {
		return types.EventAlertCreated
	}
	if curr.Status != prev.Status {
		switch curr.Status {
		case types.AlertStatusAcknowledged:
			return types.EventAlertAcknowledged
		case types.AlertStatusResolved, types.AlertStatusCancelled:
			return types.EventAlertResolved
		}
		return types.EventAlertUpdated
	}
	if curr.EscalationLevel > prev.EscalationLevel {
		return types.EventAlertEscalated
	}
	return types.EventAlertUpdated
}

// MetricsPoller pulls the aggregate metrics entry on a slower cadence
// and writes it straight to the cache. Metrics are idempotent
// snapshots, so they bypass the event queue: last write wins.
type MetricsPoller struct {
	client   MetricsFetcher
	store    cache.Store
	scopeID  string
	interval time.Duration
	logger   *slog.Logger
}

// NewMetricsPoller creates a metrics poller.
func NewMetricsPoller(client MetricsFetcher, store cache.Store, scopeID string, interval time.Duration, logger *slog.Logger) *MetricsPoller {
	return &MetricsPoller{
		client:   client,
		store:    store,
		scopeID:  scopeID,
		interval: interval,
		logger:   logger.With("component", "metrics_poller"),
	}
}

// Run pulls immediately, then on every tick, until ctx is cancelled.
func (m *MetricsPoller) Run(ctx context.Context) error {
	if err := m.pull(ctx); err != nil {
		m.logger.Warn("metrics pull failed", "error", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.pull(ctx); err != nil {
				m.logger.Warn("metrics pull failed", "error", err)
			}
		}
	}
}

func (m *MetricsPoller) pull(ctx context.Context) error {
	sm, err := m.client.FetchMetrics(ctx, m.scopeID)
	if err != nil {
		return err
	}
	return m.store.PutMetrics(ctx, sm)
}
