package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes a feed event.
type EventType string

const (
	EventAlertCreated      EventType = "alert.created"
	EventAlertAcknowledged EventType = "alert.acknowledged"
	EventAlertResolved     EventType = "alert.resolved"
	EventAlertEscalated    EventType = "alert.escalated"
	EventAlertUpdated      EventType = "alert.updated"
)

// Known reports whether the type is part of the event vocabulary.
// Unknown types are logged and dropped, never an error.
func (t EventType) Known() bool {
	switch t {
	case EventAlertCreated, EventAlertAcknowledged, EventAlertResolved,
		EventAlertEscalated, EventAlertUpdated:
		return true
	}
	return false
}

// Event is the unit the event queue dedups, orders, and dispatches.
// ID is globally unique per logical event: redelivery of the same ID is
// a no-op. Events are never mutated after creation.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	AlertID   string         `json:"alert_id"`
	ScopeID   string         `json:"scope_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Envelope is the wire shape of a subscription message.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	AlertID   string          `json:"alert_id"`
	ScopeID   string          `json:"scope_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SnapshotFromPayload decodes the authoritative alert snapshot embedded
// in an event payload.
func SnapshotFromPayload(payload map[string]any) (*AlertSnapshot, error) {
	if payload == nil {
		return nil, &ValidationError{Reason: "event payload missing"}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("payload not encodable: %v", err)}
	}
	var snap AlertSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("payload not an alert snapshot: %v", err)}
	}
	if snap.AlertID == "" {
		return nil, &ValidationError{Reason: "payload snapshot missing alert_id"}
	}
	return &snap, nil
}

// PayloadFromSnapshot is the inverse of SnapshotFromPayload, used when
// synthesizing events from polling diffs.
func PayloadFromSnapshot(snap *AlertSnapshot) map[string]any {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}
	return payload
}
