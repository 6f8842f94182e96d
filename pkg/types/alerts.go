// Package types defines the shared domain types for the alert feed:
// alert snapshots, feed events, connection state, and the error taxonomy.
//
// # Ownership
//
// The remote authority owns the canonical alert record. Everything in
// this package is a client-side view: snapshots are cached copies that
// get patched by feed events and optimistic updates, never the source
// of truth.
package types

import "time"

// AlertStatus is the lifecycle stage of an alert.
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"       // Needs attention
	AlertStatusAcknowledged AlertStatus = "acknowledged" // Staff member took ownership
	AlertStatusResolved     AlertStatus = "resolved"     // Handled
	AlertStatusCancelled    AlertStatus = "cancelled"    // Withdrawn by the authority
)

// Terminal reports whether the status ends the alert's lifecycle.
func (s AlertStatus) Terminal() bool {
	return s == AlertStatusResolved || s == AlertStatusCancelled
}

// AlertSeverity indicates urgency level.
type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "critical"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityInfo     AlertSeverity = "info"
)

// AlertSnapshot is the cached view of one alert within a scope.
//
// Snapshots are reconciled last-write-wins by UpdatedAt: an event or
// optimistic patch only replaces a snapshot with an equal or newer
// timestamp, which is what makes redelivery and optimistic overlap
// idempotent.
type AlertSnapshot struct {
	AlertID string `json:"alert_id"`
	ScopeID string `json:"scope_id"`

	Status          AlertStatus   `json:"status"`
	Severity        AlertSeverity `json:"severity,omitempty"`
	Title           string        `json:"title,omitempty"`
	EscalationLevel int           `json:"escalation_level"`

	// NextEscalationAt is the authority's target for the next tier.
	// Nil once the alert is terminal or past the final tier.
	NextEscalationAt *time.Time `json:"next_escalation_at,omitempty"`

	AcknowledgedBy string `json:"acknowledged_by,omitempty"`
	ResolvedBy     string `json:"resolved_by,omitempty"`
	ResolutionNote string `json:"resolution_note,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy. Rollback of an optimistic change must
// restore the pre-change snapshot verbatim, so the reconciler never
// holds a reference the cache could mutate underneath it.
func (s *AlertSnapshot) Clone() *AlertSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.NextEscalationAt != nil {
		t := *s.NextEscalationAt
		out.NextEscalationAt = &t
	}
	return &out
}

// Equal reports whether two snapshots are field-for-field identical.
func (s *AlertSnapshot) Equal(o *AlertSnapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.NextEscalationAt != nil || o.NextEscalationAt != nil {
		if s.NextEscalationAt == nil || o.NextEscalationAt == nil {
			return false
		}
		if !s.NextEscalationAt.Equal(*o.NextEscalationAt) {
			return false
		}
	}
	return s.AlertID == o.AlertID &&
		s.ScopeID == o.ScopeID &&
		s.Status == o.Status &&
		s.Severity == o.Severity &&
		s.Title == o.Title &&
		s.EscalationLevel == o.EscalationLevel &&
		s.AcknowledgedBy == o.AcknowledgedBy &&
		s.ResolvedBy == o.ResolvedBy &&
		s.ResolutionNote == o.ResolutionNote &&
		s.UpdatedAt.Equal(o.UpdatedAt)
}

// AlertFields carries the user-supplied fields for creating an alert.
type AlertFields struct {
	Title    string        `json:"title"`
	Severity AlertSeverity `json:"severity"`
	Message  string        `json:"message,omitempty"`
}

// ScopeMetrics is the aggregate snapshot delivered on the low-frequency
// metrics stream. Metrics are idempotent snapshots, not deltas, so they
// are applied last-write-wins with no dedup or ordering requirement.
type ScopeMetrics struct {
	ScopeID      string      `json:"scope_id"`
	Active       int         `json:"active"`
	Acknowledged int         `json:"acknowledged"`
	Escalated    int         `json:"escalated"`
	ByLevel      map[int]int `json:"by_level,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}
