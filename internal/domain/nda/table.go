package nda

import "github.com/R3E-Network/dealflow/internal/registry"

const (
	evtRiskRouted     = "risk-routed"
	evtReviewDeclined = "review-declined"
	evtEnvelopeDeliv  = "envelope-delivered"
	evtEnvelopeDone   = "envelope-completed"
	evtEnvelopeBad    = "envelope-rejected"
	evtAccessGranted  = "access-granted"
	evtExpirationFire = "expiration-fired"
	evtAbort          = "abort"
)

// buildTable encodes spec.md §4.E.3's NDA transition set.
func buildTable() (registry.Table, error) {
	return registry.NewTable(
		StateDraft,
		[]string{StateDraft, StatePending, StateViewed, StateSigned, StateActive, StateExpired, StateRejected},
		[]string{StateExpired, StateRejected},
		[]registry.Transition{
			{From: StateDraft, Event: evtRiskRouted, To: StatePending},
			{From: StateDraft, Event: evtAbort, To: StateRejected},

			{From: StatePending, Event: evtReviewDeclined, To: StateRejected},
			{From: StatePending, Event: evtEnvelopeDeliv, To: StateViewed},
			{From: StatePending, Event: evtEnvelopeBad, To: StateRejected},
			{From: StatePending, Event: evtAbort, To: StateRejected},

			{From: StateViewed, Event: evtEnvelopeDone, To: StateSigned},
			{From: StateViewed, Event: evtEnvelopeBad, To: StateRejected},
			{From: StateViewed, Event: evtAbort, To: StateRejected},

			{From: StateSigned, Event: evtAccessGranted, To: StateActive},
			{From: StateSigned, Event: evtEnvelopeBad, To: StateRejected},
			{From: StateSigned, Event: evtAbort, To: StateRejected},

			{From: StateActive, Event: evtExpirationFire, To: StateExpired},
			{From: StateActive, Event: evtAbort, To: StateExpired},
		},
	)
}
