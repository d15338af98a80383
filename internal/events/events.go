// Package events appends coordinator lifecycle events to a Redis stream.
// Events are written inside the same unit as the state change they describe,
// so observers never see an event for a change that did not commit.
package events

import (
	"github.com/meshcompute/coordinator/internal/store"
)

const Stream = "coordinator:events"

const (
	SubscriptionCreated   = "subscription.created"
	SubscriptionCancelled = "subscription.cancelled"
	ComputeDelivered      = "compute.delivered"
	ProofRequested        = "proof.requested"
	ProofResolved         = "proof.resolved"
)

// Emit buffers a stream entry in the unit. fields are key/value pairs.
func Emit(tx *store.Tx, kind string, fields ...string) {
	vals := map[string]interface{}{"kind": kind}
	for i := 0; i+1 < len(fields); i += 2 {
		vals[fields[i]] = fields[i+1]
	}
	tx.XAdd(Stream, vals)
}
