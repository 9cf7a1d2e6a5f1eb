package production

import "github.com/R3E-Network/dealflow/internal/registry"

const (
	evtMeetingScheduled  = "meeting-scheduled"
	evtProposalSubmitted = "proposal-submitted"
	evtNegotiationOpened = "negotiation-opened"
	evtContractSigned    = "contract-signed"
	evtProductionStarted = "production-started"
	evtDeliveryConfirmed = "delivery-confirmed"
	evtRejected          = "rejected"
	evtDeadlineElapsed   = "deadline-elapsed"
	evtReleased          = "released"   // Waitlisted -> Interest
	evtWaitlisted        = "waitlisted" // Interest -> Waitlisted
)

// buildTable encodes spec.md §4.E.2's Production transition set.
func buildTable() (registry.Table, error) {
	states := []string{
		StateInterest, StateMeeting, StateProposal, StateNegotiation,
		StateContract, StateInProduction, StateCompleted,
		StateWaitlisted, StateRejected, StateExpired,
	}
	terminals := []string{StateCompleted, StateRejected, StateExpired}

	return registry.NewTable(StateInterest, states, terminals, []registry.Transition{
		{From: StateInterest, Event: evtMeetingScheduled, To: StateMeeting},
		{From: StateInterest, Event: evtRejected, To: StateRejected},
		{From: StateInterest, Event: evtDeadlineElapsed, To: StateExpired},
		{From: StateInterest, Event: evtWaitlisted, To: StateWaitlisted},

		{From: StateMeeting, Event: evtProposalSubmitted, To: StateProposal},
		{From: StateMeeting, Event: evtRejected, To: StateRejected},
		{From: StateMeeting, Event: evtDeadlineElapsed, To: StateExpired},

		{From: StateProposal, Event: evtNegotiationOpened, To: StateNegotiation},
		{From: StateProposal, Event: evtRejected, To: StateRejected},
		{From: StateProposal, Event: evtDeadlineElapsed, To: StateExpired},

		{From: StateNegotiation, Event: evtContractSigned, To: StateContract},
		{From: StateNegotiation, Event: evtRejected, To: StateRejected},
		{From: StateNegotiation, Event: evtDeadlineElapsed, To: StateExpired},

		{From: StateContract, Event: evtProductionStarted, To: StateInProduction},
		{From: StateContract, Event: evtRejected, To: StateRejected},
		{From: StateContract, Event: evtDeadlineElapsed, To: StateExpired},

		{From: StateInProduction, Event: evtDeliveryConfirmed, To: StateCompleted},
		{From: StateInProduction, Event: evtRejected, To: StateRejected},

		{From: StateWaitlisted, Event: evtReleased, To: StateInterest},
		{From: StateWaitlisted, Event: evtRejected, To: StateRejected},
	})
}
