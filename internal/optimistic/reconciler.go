// Package optimistic applies speculative local mutations to the UI
// cache, rolls them back on failure, and reconciles them against the
// authoritative event that eventually arrives for the same alert.
//
// # Conflict policy
//
// At most one pending optimistic change exists per alert. A second
// action on the same alert queues behind the first and runs once the
// first confirms or rolls back; a third is rejected with ConflictError.
// Queued-action failures are surfaced through the error reporter passed
// at construction, never through ambient state.
package optimistic

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ward-net/alertfeed/internal/cache"
	"github.com/ward-net/alertfeed/internal/metrics"
	"github.com/ward-net/alertfeed/internal/submit"
	"github.com/ward-net/alertfeed/pkg/types"
)

// pendingChange records one in-flight optimistic mutation.
type pendingChange struct {
	mutationID string
	previous   *types.AlertSnapshot
	appliedAt  time.Time
}

// action is a deferred mutation waiting behind a pending change.
type action struct {
	patch  func(cur *types.AlertSnapshot, now time.Time) *types.AlertSnapshot
	submit func(ctx context.Context) (*types.AlertSnapshot, error)
}

// Reconciler coordinates optimistic cache patches with the mutation
// submitter and the confirming event stream.
type Reconciler struct {
	store     cache.Store
	submitter submit.Submitter
	scopeID   string
	timeout   time.Duration
	reportErr func(error)
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingChange
	queued  map[string]*action

	now func() time.Time
}

// Config for the reconciler.
type Config struct {
	ScopeID string

	// MutationTimeout bounds each submission; expiry is treated as a
	// mutation failure and triggers rollback.
	MutationTimeout time.Duration

	// ReportError receives failures of queued (asynchronous) actions.
	ReportError func(error)
}

// New creates a reconciler.
func New(store cache.Store, submitter submit.Submitter, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.MutationTimeout <= 0 {
		cfg.MutationTimeout = 15 * time.Second
	}
	reportErr := cfg.ReportError
	if reportErr == nil {
		reportErr = func(error) {}
	}
	return &Reconciler{
		store:     store,
		submitter: submitter,
		scopeID:   cfg.ScopeID,
		timeout:   cfg.MutationTimeout,
		reportErr: reportErr,
		logger:    logger.With("component", "optimistic"),
		pending:   make(map[string]*pendingChange),
		queued:    make(map[string]*action),
		now:       time.Now,
	}
}

// Acknowledge optimistically marks the alert acknowledged and submits
// the mutation. On failure the cache entry is restored verbatim and the
// error returned. A nil return means the change was applied, or
// deferred behind an in-flight change for the same alert; deferred
// failures go to the configured error reporter.
func (r *Reconciler) Acknowledge(ctx context.Context, alertID, actorID string) error {
	return r.run(ctx, alertID, &action{
		patch: func(cur *types.AlertSnapshot, now time.Time) *types.AlertSnapshot {
			next := cur.Clone()
			if next == nil {
				next = &types.AlertSnapshot{AlertID: alertID, ScopeID: r.scopeID}
			}
			next.Status = types.AlertStatusAcknowledged
			next.AcknowledgedBy = actorID
			next.UpdatedAt = now
			return next
		},
		submit: func(ctx context.Context) (*types.AlertSnapshot, error) {
			return r.submitter.Acknowledge(ctx, alertID, actorID)
		},
	})
}

// Resolve optimistically marks the alert resolved and submits the
// mutation, with the same deferral semantics as Acknowledge.
func (r *Reconciler) Resolve(ctx context.Context, alertID, actorID, note string) error {
	return r.run(ctx, alertID, &action{
		patch: func(cur *types.AlertSnapshot, now time.Time) *types.AlertSnapshot {
			next := cur.Clone()
			if next == nil {
				next = &types.AlertSnapshot{AlertID: alertID, ScopeID: r.scopeID}
			}
			next.Status = types.AlertStatusResolved
			next.ResolvedBy = actorID
			next.ResolutionNote = note
			next.NextEscalationAt = nil
			next.UpdatedAt = now
			return next
		},
		submit: func(ctx context.Context) (*types.AlertSnapshot, error) {
			return r.submitter.Resolve(ctx, alertID, actorID, note)
		},
	})
}

// Create inserts a provisional alert, submits the creation, and swaps
// the provisional entry for the authoritative snapshot on success.
func (r *Reconciler) Create(ctx context.Context, fields types.AlertFields) (*types.AlertSnapshot, error) {
	provisionalID := uuid.New().String()
	now := r.now()

	provisional := &types.AlertSnapshot{
		AlertID:   provisionalID,
		ScopeID:   r.scopeID,
		Status:    types.AlertStatusActive,
		Severity:  fields.Severity,
		Title:     fields.Title,
		UpdatedAt: now,
	}
	if err := r.store.Patch(ctx, r.scopeID, provisionalID, func(*types.AlertSnapshot) *types.AlertSnapshot {
		return provisional
	}); err != nil {
		return nil, err
	}
	metrics.OptimisticAppliedTotal.Inc()

	mctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	snap, err := r.submitter.Create(mctx, r.scopeID, fields)

	// The provisional entry goes away either way: on success the
	// authoritative snapshot (under the server's id) replaces it, on
	// failure it simply disappears.
	if perr := r.store.Patch(ctx, r.scopeID, provisionalID, func(*types.AlertSnapshot) *types.AlertSnapshot {
		return nil
	}); perr != nil {
		r.logger.Error("failed to remove provisional alert", "alert_id", provisionalID, "error", perr)
	}
	if err != nil {
		metrics.OptimisticRollbacksTotal.Inc()
		r.logger.Warn("alert creation failed, provisional entry removed", "error", err)
		return nil, err
	}

	if perr := r.store.Patch(ctx, r.scopeID, snap.AlertID, func(cur *types.AlertSnapshot) *types.AlertSnapshot {
		if cur != nil && cur.UpdatedAt.After(snap.UpdatedAt) {
			return cur // a newer event already landed
		}
		return snap
	}); perr != nil {
		r.logger.Error("failed to store created alert", "alert_id", snap.AlertID, "error", perr)
	}
	return snap, nil
}

// run applies the conflict policy, then executes the action either
// synchronously or queued behind the alert's pending change.
func (r *Reconciler) run(ctx context.Context, alertID string, act *action) error {
	r.mu.Lock()
	if _, busy := r.pending[alertID]; busy {
		if _, alreadyQueued := r.queued[alertID]; alreadyQueued {
			r.mu.Unlock()
			metrics.OptimisticConflictsTotal.Inc()
			return &types.ConflictError{AlertID: alertID}
		}
		r.queued[alertID] = act
		r.mu.Unlock()
		r.logger.Debug("action queued behind pending change", "alert_id", alertID)
		return nil
	}
	r.pending[alertID] = &pendingChange{} // claim the slot
	r.mu.Unlock()

	return r.execute(ctx, alertID, act)
}

// execute patches the cache, records the pending change, and submits
// the mutation. The claim in r.pending must already be held.
func (r *Reconciler) execute(ctx context.Context, alertID string, act *action) error {
	now := r.now()
	var previous *types.AlertSnapshot
	if err := r.store.Patch(ctx, r.scopeID, alertID, func(cur *types.AlertSnapshot) *types.AlertSnapshot {
		previous = cur.Clone()
		return act.patch(cur, now)
	}); err != nil {
		r.release(alertID)
		return err
	}

	r.mu.Lock()
	pc := r.pending[alertID]
	pc.mutationID = uuid.New().String()
	pc.previous = previous
	pc.appliedAt = now
	r.mu.Unlock()

	metrics.OptimisticAppliedTotal.Inc()
	r.logger.Debug("optimistic patch applied",
		"alert_id", alertID, "mutation_id", pc.mutationID)

	mctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := act.submit(mctx); err != nil {
		r.rollback(ctx, alertID, previous)
		return err
	}

	// Success: the patch stays in place. The pending record is
	// destroyed when the confirming event arrives via ObserveEvent,
	// which also releases any queued follow-up.
	return nil
}

// rollback restores the pre-change snapshot verbatim and releases the
// pending slot.
func (r *Reconciler) rollback(ctx context.Context, alertID string, previous *types.AlertSnapshot) {
	if err := r.store.Patch(ctx, r.scopeID, alertID, func(*types.AlertSnapshot) *types.AlertSnapshot {
		return previous
	}); err != nil {
		r.logger.Error("rollback patch failed", "alert_id", alertID, "error", err)
	}
	metrics.OptimisticRollbacksTotal.Inc()
	r.logger.Warn("optimistic change rolled back", "alert_id", alertID)
	r.release(alertID)
}

// release drops the pending record and starts the queued follow-up, if
// any.
func (r *Reconciler) release(alertID string) {
	r.mu.Lock()
	delete(r.pending, alertID)
	next, ok := r.queued[alertID]
	if ok {
		delete(r.queued, alertID)
		r.pending[alertID] = &pendingChange{} // re-claim for the follow-up
	}
	r.mu.Unlock()

	if ok {
		go func() {
			if err := r.execute(context.Background(), alertID, next); err != nil {
				r.reportErr(err)
			}
		}()
	}
}

// ObserveEvent reconciles a pending change against an authoritative
// event: any event for the alert stamped at or after the optimistic
// patch confirms it.
func (r *Reconciler) ObserveEvent(ev types.Event) {
	r.mu.Lock()
	pc, ok := r.pending[ev.AlertID]
	if !ok || pc.appliedAt.IsZero() || ev.Timestamp.Before(pc.appliedAt) {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.logger.Debug("pending change confirmed by event",
		"alert_id", ev.AlertID, "event_id", ev.ID, "mutation_id", pc.mutationID)
	r.release(ev.AlertID)
}

// Pending reports whether an optimistic change is in flight for the
// alert.
func (r *Reconciler) Pending(alertID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[alertID]
	return ok
}
