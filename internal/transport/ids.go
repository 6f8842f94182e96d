package transport

import (
	"time"

	"github.com/google/uuid"

	"github.com/ward-net/alertfeed/pkg/types"
)

// eventIDNamespace anchors deterministic UUIDv5 derivation for events
// that arrive without a server-assigned id. Never change this value:
// dedup across transport handoffs depends on both paths deriving the
// same id for the same underlying change.
var eventIDNamespace = uuid.MustParse("9f2c1b0a-5a74-4e7d-8b3f-6d1e40c2a911")

// SyntheticEventID derives a stable id for an event synthesized from a
// polling diff. The id is a function of (alertID, type, updatedAt or
// status), so re-polling unchanged state re-derives the same id and the
// dedup set drops it, and a subscription-delivered event describing the
// same change collapses with its polling twin.
func SyntheticEventID(alertID string, t types.EventType, snap *types.AlertSnapshot) string {
	marker := string(snap.Status)
	if !snap.UpdatedAt.IsZero() {
		marker = snap.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return uuid.NewSHA1(eventIDNamespace, []byte(alertID+"|"+string(t)+"|"+marker)).String()
}

// EnvelopeEventID returns the server-assigned id, or derives one from
// the envelope's identity fields when the server omitted it.
func EnvelopeEventID(env types.Envelope) string {
	if env.ID != "" {
		return env.ID
	}
	marker := env.Timestamp.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(eventIDNamespace, []byte(env.AlertID+"|"+env.Type+"|"+marker)).String()
}
