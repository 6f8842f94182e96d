// Package metrics defines Prometheus metrics for the alert feed.
//
// Metric naming follows Prometheus conventions:
//   - alertfeed_ prefix for all custom metrics
//   - _total suffix for counters
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ward-net/alertfeed/pkg/types"
)

var (
	// EventsReceivedTotal counts raw events by source (websocket, poll).
	EventsReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertfeed_events_received_total",
			Help: "Total events received from the transport by source.",
		},
		[]string{"source"},
	)

	// EventsDedupedTotal counts events discarded as duplicates.
	EventsDedupedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alertfeed_events_deduped_total",
			Help: "Total events discarded by the seen-id set.",
		},
	)

	// EventsDispatchedTotal counts events handed to a handler by type.
	EventsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertfeed_events_dispatched_total",
			Help: "Total events dispatched to handlers by event type.",
		},
		[]string{"type"},
	)

	// HandlerErrorsTotal counts handler failures by event type.
	HandlerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertfeed_handler_errors_total",
			Help: "Total handler errors, isolated per event.",
		},
		[]string{"type"},
	)

	// ConnectionState reports the current connection state as a 0/1
	// gauge per state label.
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alertfeed_connection_state",
			Help: "Current connection state (1 for the active state).",
		},
		[]string{"state"},
	)

	// ReconnectsTotal counts reconnect attempts.
	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alertfeed_reconnects_total",
			Help: "Total reconnect attempts.",
		},
	)

	// PollCyclesTotal counts completed polling pulls.
	PollCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alertfeed_poll_cycles_total",
			Help: "Total polling fallback pull cycles.",
		},
	)

	// OptimisticAppliedTotal counts optimistic patches applied.
	OptimisticAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alertfeed_optimistic_applied_total",
			Help: "Total optimistic patches applied to the cache.",
		},
	)

	// OptimisticRollbacksTotal counts optimistic patches rolled back.
	OptimisticRollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alertfeed_optimistic_rollbacks_total",
			Help: "Total optimistic patches rolled back after mutation failure.",
		},
	)

	// OptimisticConflictsTotal counts actions rejected with a conflict.
	OptimisticConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alertfeed_optimistic_conflicts_total",
			Help: "Total actions rejected due to a conflicting in-flight change.",
		},
	)

	// EscalationsDueTotal counts local countdowns that reached zero.
	EscalationsDueTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alertfeed_escalations_due_total",
			Help: "Total escalation-due signals raised by local countdowns.",
		},
	)

	// EscalationTimersActive reports the number of live countdowns.
	EscalationTimersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertfeed_escalation_timers_active",
			Help: "Number of active escalation countdown timers.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsReceivedTotal,
		EventsDedupedTotal,
		EventsDispatchedTotal,
		HandlerErrorsTotal,
		ConnectionState,
		ReconnectsTotal,
		PollCyclesTotal,
		OptimisticAppliedTotal,
		OptimisticRollbacksTotal,
		OptimisticConflictsTotal,
		EscalationsDueTotal,
		EscalationTimersActive,
	)
}

// SetConnectionState flips the state gauge so exactly one label is 1.
func SetConnectionState(s types.ConnectionStatus) {
	for _, state := range []types.ConnectionStatus{
		types.ConnDisconnected, types.ConnConnecting, types.ConnConnected,
		types.ConnReconnecting, types.ConnError,
	} {
		v := 0.0
		if state == s {
			v = 1.0
		}
		ConnectionState.WithLabelValues(string(state)).Set(v)
	}
}
