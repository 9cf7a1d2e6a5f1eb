package nda

import (
	"time"

	"github.com/R3E-Network/dealflow/internal/risk"
)

// State names (spec.md §4.E.3).
const (
	StateDraft    = "Draft"
	StatePending  = "Pending"
	StateViewed   = "Viewed"
	StateSigned   = "Signed"
	StateActive   = "Active"
	StateExpired  = "Expired"
	StateRejected = "Rejected"
)

// Mailbox event names this machine waits on. A single name carries every
// envelope webhook variant (delivered/completed/declined/voided) distinguished
// by its payload's Type field, since only one named wait may be outstanding
// per instance at a time (spec.md invariant 3).
const (
	EventReview   = "nda.review"
	EventEnvelope = "nda.envelope"
)

type envelopePayload struct {
	Type string `json:"type"` // delivered, completed, declined, voided
}

type reviewPayload struct {
	Approved bool `json:"approved"`
}

// State is the NDA machine's domain state, folded entirely from the
// instance's own event log (spec.md §3.2 invariant 1).
type State struct {
	Current string `json:"current"`

	StartParams

	Risk  risk.Assessment `json:"risk"`
	Route risk.Route      `json:"route"`

	GateResolved  bool      `json:"gateResolved"`
	ReviewDeadline time.Time `json:"reviewDeadline"`
	// OpenWaitEvent names the currently-outstanding WaitStarted, if any, so
	// awaitEvent only records WaitStarted once per wait (invariant 3: at most
	// one wait outstanding between a WaitStarted and its WaitFulfilled).
	OpenWaitEvent string `json:"openWaitEvent,omitempty"`

	EnvelopeID    string `json:"envelopeId"`
	EnvelopeSent  bool   `json:"envelopeSent"`
	DeliveredSeen bool   `json:"deliveredSeen"`

	ActivatedAt time.Time `json:"activatedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`

	RejectReason string `json:"rejectReason,omitempty"`
}
