// Package mailbox implements component C: the per-instance inbox of
// external events keyed by instance id and event name (spec.md §4.C).
package mailbox

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one delivered ExternalEventMessage (spec.md §3.1).
type Message struct {
	InstanceID string
	EventName  string
	Payload    json.RawMessage
	ReceivedAt time.Time
	Seq        int64
}

// Filter narrows which queued message Take consumes; nil matches the first
// queued message for (instanceID, eventName).
type Filter func(payload json.RawMessage) bool

// Bus is component C's contract. FIFO is guaranteed per (instanceID,
// eventName); no ordering is guaranteed across different eventNames or
// across instances (spec.md §5).
type Bus interface {
	// Deliver enqueues a message, returning only once it is durably stored.
	Deliver(ctx context.Context, instanceID, eventName string, payload json.RawMessage) error

	// Take non-blockingly consumes the oldest matching queued message, if
	// any. A message not matching filter is left in place and Take skips
	// past it to the next queued message for (instanceID, eventName), so a
	// non-matching head does not block later messages.
	Take(ctx context.Context, instanceID, eventName string, filter Filter) (Message, bool, error)

	// GC reclaims messages older than the retention window that were never
	// taken (spec.md §4.C "garbage-collected after an instance-level
	// retention window").
	GC(ctx context.Context, olderThan time.Time) (int, error)
}
