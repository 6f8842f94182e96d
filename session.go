package alertfeed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ward-net/alertfeed/internal/activity"
	"github.com/ward-net/alertfeed/internal/cache"
	"github.com/ward-net/alertfeed/internal/conn"
	"github.com/ward-net/alertfeed/internal/escalation"
	"github.com/ward-net/alertfeed/internal/optimistic"
	"github.com/ward-net/alertfeed/internal/queue"
	"github.com/ward-net/alertfeed/internal/submit"
	"github.com/ward-net/alertfeed/internal/transport"
	"github.com/ward-net/alertfeed/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// Options carries the embedder's callbacks. All fields are optional.
type Options struct {
	// OnEscalationDue fires once when an alert's countdown reaches
	// zero. The tier transition itself stays authoritative on the
	// server; this only signals "due" for the UI.
	OnEscalationDue func(alertID string)

	// OnNotification receives events suitable for user-facing toasts.
	// Only called when show_notifications is enabled.
	OnNotification func(ev types.Event, snap *types.AlertSnapshot)

	// OnError receives failures of queued optimistic actions, which
	// have no caller left to return to.
	OnError func(error)

	// Store overrides the snapshot cache. Defaults to the configured
	// Redis backend, or process memory when none is configured.
	Store cache.Store
}

// Session is one scope's feed: it owns the transport, the event queue,
// the optimistic reconciler, and the escalation timers, and is the only
// surface the embedder acts through.
type Session struct {
	cfg    *Config
	opts   Options
	logger *slog.Logger

	store   cache.Store
	machine *conn.Machine
	queue   *queue.Queue
	tracker *activity.Tracker
	escal   *escalation.Manager
	recon   *optimistic.Reconciler
	poller  *transport.Poller
	orch    *transport.Orchestrator

	closeStore func() error

	mu      sync.Mutex
	started bool
}

// NewSession wires a session for the configured scope. The session does
// nothing until Run is called.
func NewSession(cfg *Config, opts Options, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Session{cfg: cfg, opts: opts, logger: logger}

	// Snapshot cache backend.
	switch {
	case opts.Store != nil:
		s.store = opts.Store
	case cfg.Cache.RedisURL != "":
		redisStore, err := cache.NewRedis(cfg.Cache.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting snapshot cache: %w", err)
		}
		s.store = redisStore
		s.closeStore = redisStore.Close
	default:
		s.store = cache.NewMemory()
	}

	s.machine = conn.New(conn.Config{
		BaseDelay:         cfg.Reconnect.BaseDelay,
		MaxDelay:          cfg.Reconnect.MaxDelay,
		MaxRetries:        cfg.Reconnect.MaxRetries,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		HeartbeatTimeout:  cfg.Heartbeat.Timeout,
	}, logger)

	s.queue = queue.New(queue.Config{
		Retention:  cfg.Dedup.Retention,
		MaxEntries: cfg.Dedup.MaxEntries,
	}, logger)

	s.tracker = activity.New(cfg.Activity.InactivityTimeout, logger)
	s.escal = escalation.New(s.tracker, s.escalationDue, logger)

	submitter := submit.NewClient(submit.Config{
		BaseURL:        cfg.Authority.URL,
		AuthToken:      cfg.Authority.Token,
		RequestTimeout: cfg.Authority.RequestTimeout,
	})
	s.recon = optimistic.New(s.store, submitter, optimistic.Config{
		ScopeID:         cfg.ScopeID,
		MutationTimeout: cfg.Authority.RequestTimeout,
		ReportError:     s.reportError,
	}, logger)

	pull := transport.NewPullClient(transport.PullConfig{
		BaseURL:   cfg.Authority.URL,
		AuthToken: cfg.Authority.Token,
	})
	s.poller = transport.NewPoller(pull, cfg.ScopeID, cfg.Polling.Interval, s.queue.Enqueue, logger)

	var metricsPoll transport.Runner
	if cfg.Polling.MetricsInterval > 0 {
		metricsPoll = transport.NewMetricsPoller(pull, s.store, cfg.ScopeID, cfg.Polling.MetricsInterval, logger)
	}

	subscriber := transport.NewSubscriber(
		cfg.Authority.URL, cfg.Authority.Token, cfg.ScopeID,
		s.machine, s.queue.Enqueue, logger,
	)
	s.orch = transport.NewOrchestrator(
		s.machine, subscriber, s.poller, metricsPoll, s.refetchScope,
		transport.OrchestratorConfig{
			Capabilities: transport.Capabilities{
				PersistentBackgroundSocket: cfg.Capabilities.PersistentBackgroundSocket,
				PollingFallback:            cfg.Polling.Enabled,
			},
		}, logger,
	)

	s.tracker.OnChange(s.orch.OnActivity)
	s.registerHandlers()
	return s, nil
}

// Run starts the session and blocks until ctx is cancelled, then tears
// the scope down: transport first, then handlers and timers. The
// dedup seen-id set is deliberately left intact; stale ids are harmless
// and still suppress late redelivery.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session already running")
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("starting session",
		"scope_id", s.cfg.ScopeID,
		"authority", s.cfg.Authority.URL,
		"version", Version,
	)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); _ = s.queue.Run(ctx) }()
	go func() { defer wg.Done(); _ = s.escal.Run(ctx) }()
	go func() { defer wg.Done(); _ = s.orch.Run(ctx) }()

	<-ctx.Done()
	wg.Wait()

	s.queue.UnregisterAll()
	s.queue.Wait()
	s.escal.Clear()
	s.tracker.Close()
	if s.closeStore != nil {
		if err := s.closeStore(); err != nil {
			s.logger.Warn("closing snapshot cache", "error", err)
		}
	}

	s.logger.Info("session shutdown complete", "scope_id", s.cfg.ScopeID)
	return ctx.Err()
}

// Acknowledge optimistically acknowledges an alert. Failures roll the
// cache back and are returned to the caller. While another change for
// the same alert is still in flight the action is deferred instead:
// Acknowledge returns nil immediately and an eventual failure is
// delivered through Options.OnError. A second deferred action is
// rejected with ConflictError.
func (s *Session) Acknowledge(ctx context.Context, alertID, actorID string) error {
	return s.recon.Acknowledge(ctx, alertID, actorID)
}

// Resolve optimistically resolves an alert, with the same deferral
// semantics as Acknowledge.
func (s *Session) Resolve(ctx context.Context, alertID, actorID, note string) error {
	return s.recon.Resolve(ctx, alertID, actorID, note)
}

// CreateAlert creates an alert through the authority, with a
// provisional cache entry until the authoritative snapshot arrives.
func (s *Session) CreateAlert(ctx context.Context, fields types.AlertFields) (*types.AlertSnapshot, error) {
	return s.recon.Create(ctx, fields)
}

// Alerts lists the currently cached snapshots for the session's scope.
func (s *Session) Alerts(ctx context.Context) ([]types.AlertSnapshot, error) {
	return s.store.List(ctx, s.cfg.ScopeID)
}

// Metrics returns the cached aggregate metrics entry, or nil.
func (s *Session) Metrics(ctx context.Context) (*types.ScopeMetrics, error) {
	return s.store.GetMetrics(ctx, s.cfg.ScopeID)
}

// ConnectionState reports transport health for the status indicator.
func (s *Session) ConnectionState() types.ConnectionState {
	return s.machine.State()
}

// EscalationRemaining reports the countdown left for an alert.
func (s *Session) EscalationRemaining(alertID string) (time.Duration, bool) {
	return s.escal.Remaining(alertID)
}

// RecordActivity notes user input (pointer, key, touch, scroll).
func (s *Session) RecordActivity() { s.tracker.RecordActivity() }

// SetForeground feeds the platform lifecycle signal.
func (s *Session) SetForeground(fg bool) { s.tracker.SetForeground(fg) }

// SetOnline feeds the network connectivity signal.
func (s *Session) SetOnline(online bool) { s.tracker.SetOnline(online) }

// ManualRetry re-arms reconnection after the transport gave up. Returns
// false unless the connection was in the error state.
func (s *Session) ManualRetry() bool {
	return s.orch.ManualRetry()
}

// refetchScope runs after the subscription recovers: state may have
// changed while disconnected, so rebuild the scope's entries from a
// fresh pull.
func (s *Session) refetchScope(ctx context.Context) {
	if err := s.poller.Refetch(ctx, s.store); err != nil {
		s.logger.Warn("post-reconnect refetch failed", "error", err)
	}
}

func (s *Session) escalationDue(alertID string) {
	s.logger.Info("escalation due", "alert_id", alertID)
	if s.opts.OnEscalationDue != nil {
		s.opts.OnEscalationDue(alertID)
	}
}

func (s *Session) reportError(err error) {
	s.logger.Warn("deferred action failed", "error", err)
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}
