package types

import (
	"fmt"
	"time"
)

// TransportError is a socket or network failure. Recoverable: it drives
// reconnection and polling fallback, and is never surfaced to action
// callers except as connection-status telemetry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError is a heartbeat or mutation timeout, treated as transient.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s after %s", e.Op, e.After)
}

// ValidationError marks a malformed event payload. The event is dropped
// and logged, never retried and never surfaced to callers.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid event: " + e.Reason
}

// MutationKind classifies why a mutation failed.
type MutationKind string

const (
	MutationNetwork       MutationKind = "network"
	MutationTimeout       MutationKind = "timeout"
	MutationValidation    MutationKind = "validation"
	MutationAuthorization MutationKind = "authorization"
)

// MutationError means the remote authority rejected or never completed
// an action. Surfaced to the caller and triggers optimistic rollback.
type MutationError struct {
	Kind       MutationKind
	StatusCode int
	Message    string
	Err        error
}

func (e *MutationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("mutation failed (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("mutation failed (%s): %v", e.Kind, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// ConflictError means an action targeted an alert that already has a
// pending optimistic change plus a queued follow-up. One follow-up per
// alert may wait; further actions are rejected with this error.
type ConflictError struct {
	AlertID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting in-flight change for alert %s", e.AlertID)
}
