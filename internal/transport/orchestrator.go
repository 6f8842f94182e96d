package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ward-net/alertfeed/internal/activity"
	"github.com/ward-net/alertfeed/internal/conn"
	"github.com/ward-net/alertfeed/pkg/types"
)

// Runner is a long-running event source stopped via its context.
type Runner interface {
	Run(ctx context.Context) error
}

// Capabilities describes what the embedding platform can do. Expressed
// as flags rather than platform checks so the decision policy stays
// testable without a real device.
type Capabilities struct {
	// PersistentBackgroundSocket means the socket survives the app
	// being backgrounded; without it, backgrounding switches to polling.
	PersistentBackgroundSocket bool

	// PollingFallback enables the poller as a degraded-mode source.
	PollingFallback bool
}

// OrchestratorConfig for the transport orchestrator.
type OrchestratorConfig struct {
	Capabilities Capabilities

	// RefetchMinInterval rate-limits reconnect-driven cache
	// invalidation so flapping connections don't hammer the authority.
	RefetchMinInterval time.Duration
}

// Orchestrator owns which event source is live for a scope: the
// WebSocket subscription, the polling fallback, or neither. It
// re-evaluates on every connection-state change and lifecycle signal;
// the queue's dedup set absorbs any overlap during handoff.
type Orchestrator struct {
	machine      *conn.Machine
	subscription Runner
	poller       Runner
	metricsPoll  Runner // nil disables the aggregate metrics stream
	onReconnect  func(ctx context.Context)
	caps         Capabilities
	logger       *slog.Logger
	refetchLimit *rate.Limiter

	mu           sync.Mutex
	ctx          context.Context
	foreground   bool
	online       bool
	subRunning   bool
	pollRunning  bool
	mpollRunning bool
	subGen       uint64 // bumped per start; stale exits must not clear flags
	mpollGen     uint64
	subCancel    context.CancelFunc
	pollCancel   context.CancelFunc
	mpollCancel  context.CancelFunc
	wasConnected bool

	wg sync.WaitGroup
}

// NewOrchestrator creates an orchestrator. onReconnect, if non-nil, is
// invoked (rate-limited) after the subscription recovers, to invalidate
// and refetch scope state that may have changed while disconnected.
func NewOrchestrator(machine *conn.Machine, subscription, poller, metricsPoll Runner, onReconnect func(ctx context.Context), cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if cfg.RefetchMinInterval <= 0 {
		cfg.RefetchMinInterval = 30 * time.Second
	}
	return &Orchestrator{
		machine:      machine,
		subscription: subscription,
		poller:       poller,
		metricsPoll:  metricsPoll,
		onReconnect:  onReconnect,
		caps:         cfg.Capabilities,
		logger:       logger.With("component", "orchestrator"),
		refetchLimit: rate.NewLimiter(rate.Every(cfg.RefetchMinInterval), 1),
		foreground:   true,
		online:       true,
	}
}

// Run starts the orchestrator and blocks until ctx is cancelled. All
// sources it started are stopped before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.ctx = ctx
	o.mu.Unlock()

	o.machine.OnChange(o.onConnectionState)
	o.evaluate()

	<-ctx.Done()

	o.mu.Lock()
	o.stopSubscriptionLocked()
	o.stopPollingLocked()
	o.stopMetricsLocked()
	o.mu.Unlock()

	o.wg.Wait()
	return ctx.Err()
}

// OnActivity feeds lifecycle and connectivity signals into the decision
// policy.
func (o *Orchestrator) OnActivity(s activity.State) {
	o.mu.Lock()
	o.foreground = s.Foreground
	o.online = s.Online
	o.mu.Unlock()
	o.evaluate()
}

// ManualRetry re-arms reconnection after the machine gave up. Returns
// false if the machine was not in the error state.
func (o *Orchestrator) ManualRetry() bool {
	if !o.machine.Reset() {
		return false
	}
	o.evaluate()
	return true
}

// SubscriptionActive reports whether the subscription loop is running.
func (o *Orchestrator) SubscriptionActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.subRunning
}

// PollingActive reports whether the polling fallback is running.
func (o *Orchestrator) PollingActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pollRunning
}

func (o *Orchestrator) onConnectionState(s types.ConnectionState) {
	o.mu.Lock()
	recovered := s.Status == types.ConnConnected && !o.wasConnected && o.ctx != nil
	o.wasConnected = s.Status == types.ConnConnected
	ctx := o.ctx
	o.mu.Unlock()

	if recovered && o.onReconnect != nil && o.refetchLimit.Allow() {
		go o.onReconnect(ctx)
	}
	o.evaluate()
}

// evaluate applies the decision policy against the current connection,
// lifecycle, and connectivity inputs.
func (o *Orchestrator) evaluate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx == nil || o.ctx.Err() != nil {
		return
	}

	status := o.machine.State().Status

	switch {
	case !o.online:
		// Offline: nothing can succeed, stop burning retries.
		o.stopSubscriptionLocked()
		o.stopPollingLocked()
		o.stopMetricsLocked()

	case !o.foreground && !o.caps.PersistentBackgroundSocket:
		o.stopSubscriptionLocked()
		if o.caps.PollingFallback {
			o.startPollingLocked()
		}
		o.startMetricsLocked()

	default:
		// Foregrounded, or backgrounded with a socket that survives it.
		if status != types.ConnError {
			o.startSubscriptionLocked()
		}
		o.startMetricsLocked()

		switch {
		case status == types.ConnConnected:
			o.stopPollingLocked()
		case (status == types.ConnReconnecting || status == types.ConnError) && o.caps.PollingFallback:
			// Safety net while the subscription is degraded.
			o.startPollingLocked()
		}
	}
}

func (o *Orchestrator) startSubscriptionLocked() {
	if o.subRunning || o.subscription == nil {
		return
	}
	ctx, cancel := context.WithCancel(o.ctx)
	o.subCancel = cancel
	o.subRunning = true
	o.subGen++
	gen := o.subGen
	o.logger.Info("starting subscription")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.subscription.Run(ctx)
		o.mu.Lock()
		// A stop/start flip may have superseded this loop before it
		// noticed cancellation; only the current generation gets to
		// clear the flag.
		if o.subGen != gen {
			o.mu.Unlock()
			return
		}
		o.subRunning = false
		o.mu.Unlock()
		// The loop exits when the machine gives up or the server closes
		// normally; re-evaluate so the fallback can take over.
		o.evaluate()
	}()
}

func (o *Orchestrator) stopSubscriptionLocked() {
	if !o.subRunning {
		return
	}
	o.logger.Info("stopping subscription")
	o.subCancel()
	o.subRunning = false
}

func (o *Orchestrator) startPollingLocked() {
	if o.pollRunning || o.poller == nil {
		return
	}
	ctx, cancel := context.WithCancel(o.ctx)
	o.pollCancel = cancel
	o.pollRunning = true
	o.logger.Info("starting polling fallback")

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.poller.Run(ctx)
	}()
}

func (o *Orchestrator) stopPollingLocked() {
	if !o.pollRunning {
		return
	}
	o.logger.Info("stopping polling fallback")
	o.pollCancel()
	o.pollRunning = false
}

func (o *Orchestrator) startMetricsLocked() {
	if o.mpollRunning || o.metricsPoll == nil {
		return
	}
	ctx, cancel := context.WithCancel(o.ctx)
	o.mpollCancel = cancel
	o.mpollRunning = true
	o.mpollGen++
	gen := o.mpollGen

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.metricsPoll.Run(ctx)
		o.mu.Lock()
		if o.mpollGen == gen {
			o.mpollRunning = false
		}
		o.mu.Unlock()
	}()
}

func (o *Orchestrator) stopMetricsLocked() {
	if !o.mpollRunning {
		return
	}
	o.mpollCancel()
	o.mpollRunning = false
}
