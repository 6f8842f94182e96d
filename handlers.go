package alertfeed

import (
	"context"
	"fmt"

	"github.com/ward-net/alertfeed/pkg/types"
)

// registerHandlers binds one handler to every known event type. All
// alert events flow through the same path: cache patch, escalation
// observation, optimistic reconciliation, optional notification.
func (s *Session) registerHandlers() {
	for _, t := range []types.EventType{
		types.EventAlertCreated,
		types.EventAlertAcknowledged,
		types.EventAlertResolved,
		types.EventAlertEscalated,
		types.EventAlertUpdated,
	} {
		s.queue.RegisterHandler(t, s.handleAlertEvent)
	}
}

func (s *Session) handleAlertEvent(ctx context.Context, ev types.Event) error {
	snap, err := types.SnapshotFromPayload(ev.Payload)
	if err != nil {
		// Data-quality problem, not a pipeline failure: log and drop.
		s.logger.Warn("malformed event payload, dropping",
			"event_id", ev.ID, "type", ev.Type, "alert_id", ev.AlertID, "error", err)
		return err
	}

	// Last write wins by updatedAt, which makes the authoritative
	// payload idempotent against an earlier optimistic patch.
	if err := s.store.Patch(ctx, s.cfg.ScopeID, snap.AlertID, func(cur *types.AlertSnapshot) *types.AlertSnapshot {
		if cur != nil && cur.UpdatedAt.After(snap.UpdatedAt) {
			return cur
		}
		return snap
	}); err != nil {
		return fmt.Errorf("patching cache for alert %s: %w", snap.AlertID, err)
	}

	s.escal.Observe(snap)
	s.recon.ObserveEvent(ev)

	if s.cfg.ShowNotifications && s.opts.OnNotification != nil {
		s.opts.OnNotification(ev, snap)
	}
	return nil
}
