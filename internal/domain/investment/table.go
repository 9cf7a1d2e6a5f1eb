package investment

import "github.com/R3E-Network/dealflow/internal/registry"

const (
	evtQualificationCheck    = "qualification-check"
	evtAccreditationVerified = "accreditation-verified"
	evtQualificationFailed   = "qualification-failed"
	evtTermsAgreed           = "terms-agreed"
	evtCounterOffered        = "counter-offered"
	evtCounterRejected       = "counter-rejected"
	evtCreatorDeclined       = "creator-declined"
	evtCreatorDecisionTimeout = "creator-decision-timeout"
	evtTermSheetDeadline     = "term-sheet-deadline"
	evtBothSigned            = "both-signed"
	evtDueDiligenceComplete  = "due-diligence-complete"
	evtIssuesFound           = "issues-found"
	evtCommitmentDeadline    = "commitment-deadline"
	evtEscrowInitiated       = "escrow-initiated"
	evtPaymentSucceeded      = "payment-succeeded"
	evtPaymentFailed         = "payment-failed"
	evtDocumentsExecuted     = "documents-executed"
	evtTransferConfirmed     = "transfer-confirmed"
	evtAbortWithdraw         = "abort-withdraw"
	evtAbortFail             = "abort-fail"
)

// buildTable encodes spec.md §4.E.1's Investment transition set.
func buildTable() (registry.Table, error) {
	states := []string{
		StateInterest, StateQualification, StateNegotiation, StateTermSheet,
		StateDueDiligence, StateCommitment, StateEscrow, StateClosing,
		StateFunded, StateCompleted, StateWithdrawn, StateRejected,
		StateExpired, StateFailed,
	}
	terminals := []string{StateCompleted, StateWithdrawn, StateRejected, StateExpired, StateFailed}

	nonTerminal := []string{
		StateInterest, StateQualification, StateNegotiation, StateTermSheet,
		StateDueDiligence, StateCommitment, StateEscrow, StateClosing, StateFunded,
	}

	transitions := []registry.Transition{
		{From: StateInterest, Event: evtQualificationCheck, To: StateQualification},

		{From: StateQualification, Event: evtAccreditationVerified, To: StateNegotiation},
		{From: StateQualification, Event: evtQualificationFailed, To: StateRejected},

		{From: StateNegotiation, Event: evtTermsAgreed, To: StateTermSheet},
		{From: StateNegotiation, Event: evtCounterOffered, To: StateNegotiation},
		{From: StateNegotiation, Event: evtCounterRejected, To: StateRejected},
		{From: StateNegotiation, Event: evtCreatorDeclined, To: StateRejected},
		{From: StateNegotiation, Event: evtCreatorDecisionTimeout, To: StateExpired},

		{From: StateTermSheet, Event: evtBothSigned, To: StateDueDiligence},
		{From: StateTermSheet, Event: evtTermSheetDeadline, To: StateExpired},

		{From: StateDueDiligence, Event: evtDueDiligenceComplete, To: StateCommitment},
		{From: StateDueDiligence, Event: evtIssuesFound, To: StateFailed},

		{From: StateCommitment, Event: evtEscrowInitiated, To: StateEscrow},
		{From: StateCommitment, Event: evtCommitmentDeadline, To: StateExpired},

		{From: StateEscrow, Event: evtPaymentSucceeded, To: StateClosing},
		{From: StateEscrow, Event: evtPaymentFailed, To: StateFailed},

		{From: StateClosing, Event: evtDocumentsExecuted, To: StateFunded},

		{From: StateFunded, Event: evtTransferConfirmed, To: StateCompleted},
	}

	for _, s := range nonTerminal {
		transitions = append(transitions,
			registry.Transition{From: s, Event: evtAbortWithdraw, To: StateWithdrawn},
			registry.Transition{From: s, Event: evtAbortFail, To: StateFailed},
		)
	}

	return registry.NewTable(StateInterest, states, terminals, transitions)
}
