// Package investment implements the Investment domain machine (spec.md
// §4.E.1, §4.G): the interest-through-funded lifecycle, the creator
// counter-offer loop, and escrow compensation on payment failure.
package investment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/R3E-Network/dealflow/internal/compensation"
	"github.com/R3E-Network/dealflow/internal/dealerrors"
	"github.com/R3E-Network/dealflow/internal/eventlog"
	"github.com/R3E-Network/dealflow/internal/executor"
	"github.com/R3E-Network/dealflow/internal/mailbox"
	"github.com/R3E-Network/dealflow/internal/providers"
	"github.com/R3E-Network/dealflow/internal/registry"
	"github.com/R3E-Network/dealflow/internal/workflow"
)

const minAccreditedTrustScore = 50

// Machine implements workflow.Machine for the Investment kind.
type Machine struct {
	table registry.Table
}

// New builds the Investment machine, pre-validating its transition table.
func New() (*Machine, error) {
	t, err := buildTable()
	if err != nil {
		return nil, err
	}
	return &Machine{table: t}, nil
}

func (m *Machine) Kind() eventlog.Kind      { return eventlog.KindInvestment }
func (m *Machine) Registry() registry.Table { return m.table }

func (m *Machine) ValidateStart(ctx context.Context, entities providers.EntityStore, paramsRaw json.RawMessage) error {
	var p StartParams
	if err := json.Unmarshal(paramsRaw, &p); err != nil {
		return dealerrors.Domain(dealerrors.CodeValidationFailed, "malformed Investment start params", err)
	}
	return p.Validate(ctx, entities)
}

func (m *Machine) PartyIDs(paramsRaw json.RawMessage) ([]string, string, error) {
	var p StartParams
	if err := json.Unmarshal(paramsRaw, &p); err != nil {
		return nil, "", dealerrors.Domain(dealerrors.CodeValidationFailed, "malformed Investment start params", err)
	}
	return []string{p.InvestorID, p.CreatorID}, p.PitchID, nil
}

func (m *Machine) InitialDomainState(paramsRaw json.RawMessage) (json.RawMessage, string, error) {
	var p StartParams
	if err := json.Unmarshal(paramsRaw, &p); err != nil {
		return nil, "", dealerrors.Domain(dealerrors.CodeValidationFailed, "malformed Investment start params", err)
	}
	st := State{Current: StateInterest, StartParams: p, AgreedAmount: p.ProposedAmount}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, "", dealerrors.Fatal(dealerrors.CodeCorruptLog, "marshal initial Investment state", err)
	}
	return data, StateInterest, nil
}

func (m *Machine) Advance(ctx context.Context, env workflow.Environment, stateRaw json.RawMessage, trigger workflow.Trigger) (json.RawMessage, workflow.Outcome, error) {
	var st State
	if err := json.Unmarshal(stateRaw, &st); err != nil {
		return nil, workflow.Outcome{}, dealerrors.Fatal(dealerrors.CodeCorruptLog, "decode Investment state", err)
	}
	policy := executor.DefaultRetryPolicy()

	if trigger.Kind == workflow.TriggerAbort && !m.table.IsTerminal(st.Current) {
		return m.abort(ctx, env, &st, policy, trigger.Reason)
	}

	for {
		var (
			outcome workflow.Outcome
			done    bool
			err     error
		)
		switch st.Current {
		case StateInterest:
			err = m.stepInterest(ctx, env, &st, policy)
		case StateQualification:
			outcome, done, err = m.stepQualification(ctx, env, &st, policy)
		case StateNegotiation:
			outcome, done, err = m.stepNegotiation(ctx, env, &st)
		case StateTermSheet:
			outcome, done, err = m.stepTermSheet(ctx, env, &st)
		case StateDueDiligence:
			outcome, done, err = m.stepDueDiligence(ctx, env, &st, policy)
		case StateCommitment:
			outcome, done, err = m.stepCommitment(ctx, env, &st, policy)
		case StateEscrow:
			outcome, done, err = m.stepEscrow(ctx, env, &st, policy)
		case StateClosing:
			outcome, done, err = m.stepClosing(ctx, env, &st)
		case StateFunded:
			outcome, done, err = m.stepFunded(ctx, env, &st, policy)
		default:
			done = true
			outcome = workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current}
		}
		if err != nil {
			return nil, workflow.Outcome{}, err
		}
		if done {
			return m.marshal(st, outcome)
		}
		trigger = workflow.Trigger{Kind: workflow.TriggerResume}
	}
}

func (m *Machine) stepInterest(ctx context.Context, env workflow.Environment, st *State, policy executor.RetryPolicy) error {
	type qualificationResult struct {
		Verified bool `json:"verified"`
	}
	result, err := executor.ExecuteTyped[qualificationResult](ctx, env.RC, "qualification-check", policy, func(ctx context.Context) (qualificationResult, error) {
		user, err := env.Providers.Entities.GetUser(ctx, st.InvestorID)
		if err != nil {
			return qualificationResult{}, err
		}
		return qualificationResult{Verified: user.Verified}, nil
	})
	if err != nil {
		return err
	}
	_ = result
	return m.transition(ctx, env, st, evtQualificationCheck, StateQualification)
}

func (m *Machine) stepQualification(ctx context.Context, env workflow.Environment, st *State, policy executor.RetryPolicy) (workflow.Outcome, bool, error) {
	type accreditationResult struct {
		Accredited bool `json:"accredited"`
	}
	result, err := executor.ExecuteTyped[accreditationResult](ctx, env.RC, "verify-accreditation", policy, func(ctx context.Context) (accreditationResult, error) {
		user, err := env.Providers.Entities.GetUser(ctx, st.InvestorID)
		if err != nil {
			return accreditationResult{}, err
		}
		return accreditationResult{Accredited: user.Accredited && user.TrustScore >= minAccreditedTrustScore}, nil
	})
	if err != nil {
		return workflow.Outcome{}, false, err
	}
	if !result.Accredited {
		st.RejectReason = "AccreditationFailed"
		if err := m.transition(ctx, env, st, evtQualificationFailed, StateRejected); err != nil {
			return workflow.Outcome{}, false, err
		}
		return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current}, true, nil
	}
	if err := m.transition(ctx, env, st, evtAccreditationVerified, StateNegotiation); err != nil {
		return workflow.Outcome{}, false, err
	}
	return workflow.Outcome{}, false, nil
}

func (m *Machine) stepNegotiation(ctx context.Context, env workflow.Environment, st *State) (workflow.Outcome, bool, error) {
	if st.NegotiationAwaits == "investor" {
		return m.awaitInvestorResponse(ctx, env, st)
	}
	return m.awaitCreatorDecision(ctx, env, st)
}

func (m *Machine) awaitCreatorDecision(ctx context.Context, env workflow.Environment, st *State) (workflow.Outcome, bool, error) {
	st.NegotiationAwaits = "creator"
	if st.CreatorDecisionDeadline.IsZero() {
		st.CreatorDecisionDeadline = env.Now().Add(creatorDecisionWindow)
	}
	res, err := m.awaitEvent(ctx, env, st, EventCreatorDecision, st.CreatorDecisionDeadline, nil)
	if err != nil {
		return workflow.Outcome{}, false, err
	}
	if !res.Matched {
		return workflow.Outcome{Kind: workflow.OutcomeWaiting, Wait: &eventlog.WaitDescriptor{EventName: EventCreatorDecision, Deadline: st.CreatorDecisionDeadline}}, true, nil
	}
	if res.TimedOut {
		if err := m.transition(ctx, env, st, evtCreatorDecisionTimeout, StateExpired); err != nil {
			return workflow.Outcome{}, false, err
		}
		return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current}, true, nil
	}

	var p creatorDecisionPayload
	_ = json.Unmarshal(res.Payload, &p)
	switch p.Decision {
	case "approved":
		if err := m.transition(ctx, env, st, evtTermsAgreed, StateTermSheet); err != nil {
			return workflow.Outcome{}, false, err
		}
		return workflow.Outcome{}, false, nil
	case "countered":
		st.CounterRounds++
		if p.CounterAmount > 0 {
			st.AgreedAmount = p.CounterAmount
		}
		st.NegotiationAwaits = "investor"
		st.CreatorDecisionDeadline = time.Time{}
		st.InvestorResponseDeadline = time.Time{}
		if err := m.transition(ctx, env, st, evtCounterOffered, StateNegotiation); err != nil {
			return workflow.Outcome{}, false, err
		}
		return workflow.Outcome{}, false, nil
	default:
		st.RejectReason = "creator_declined"
		if err := m.transition(ctx, env, st, evtCreatorDeclined, StateRejected); err != nil {
			return workflow.Outcome{}, false, err
		}
		return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current}, true, nil
	}
}

func (m *Machine) awaitInvestorResponse(ctx context.Context, env workflow.Environment, st *State) (workflow.Outcome, bool, error) {
	if st.InvestorResponseDeadline.IsZero() {
		st.InvestorResponseDeadline = env.Now().Add(investorResponseWindow)
	}
	res, err := m.awaitEvent(ctx, env, st, EventInvestorResponse, st.InvestorResponseDeadline, nil)
	if err != nil {
		return workflow.Outcome{}, false, err
	}
	if !res.Matched {
		return workflow.Outcome{Kind: workflow.OutcomeWaiting, Wait: &eventlog.WaitDescriptor{EventName: EventInvestorResponse, Deadline: st.InvestorResponseDeadline}}, true, nil
	}

	accepted := false
	if !res.TimedOut {
		var p investorResponsePayload
		_ = json.Unmarshal(res.Payload, &p)
		accepted = p.Accepted
	}
	if accepted {
		if err := m.transition(ctx, env, st, evtTermsAgreed, StateTermSheet); err != nil {
			return workflow.Outcome{}, false, err
		}
		return workflow.Outcome{}, false, nil
	}

	st.FailedCounterRounds++
	if st.FailedCounterRounds >= maxFailedCounterRounds {
		st.RejectReason = "counter_offer_exhausted"
		if err := m.transition(ctx, env, st, evtCounterRejected, StateRejected); err != nil {
			return workflow.Outcome{}, false, err
		}
		return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current}, true, nil
	}
	st.NegotiationAwaits = "creator"
	st.InvestorResponseDeadline = time.Time{}
	st.CreatorDecisionDeadline = time.Time{}
	return workflow.Outcome{}, false, nil
}

func (m *Machine) stepTermSheet(ctx context.Context, env workflow.Environment, st *State) (workflow.Outcome, bool, error) {
	if st.TermSheetDeadline.IsZero() {
		st.TermSheetDeadline = env.Now().Add(termSheetWindow)
	}
	res, err := m.awaitEvent(ctx, env, st, EventSignatures, st.TermSheetDeadline, nil)
	if err != nil {
		return workflow.Outcome{}, false, err
	}
	if !res.Matched {
		return workflow.Outcome{Kind: workflow.OutcomeWaiting, Wait: &eventlog.WaitDescriptor{EventName: EventSignatures, Deadline: st.TermSheetDeadline}}, true, nil
	}
	if res.TimedOut {
		if err := m.transition(ctx, env, st, evtTermSheetDeadline, StateExpired); err != nil {
			return workflow.Outcome{}, false, err
		}
		return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current}, true, nil
	}
	if err := m.transition(ctx, env, st, evtBothSigned, StateDueDiligence); err != nil {
		return workflow.Outcome{}, false, err
	}
	return workflow.Outcome{}, false, nil
}

func (m *Machine) stepDueDiligence(ctx context.Context, env workflow.Environment, st *State, policy executor.RetryPolicy) (workflow.Outcome, bool, error) {
	type ddResult struct {
		IssuesFound bool `json:"issuesFound"`
	}
	result, err := executor.ExecuteTyped[ddResult](ctx, env.RC, "due-diligence-check", policy, func(ctx context.Context) (ddResult, error) {
		user, err := env.Providers.Entities.GetUser(ctx, st.InvestorID)
		if err != nil {
			return ddResult{}, err
		}
		return ddResult{IssuesFound: user.TrustScore < minAccreditedTrustScore}, nil
	})
	if err != nil {
		return workflow.Outcome{}, false, err
	}
	if result.IssuesFound {
		st.FailReason = "DueDiligenceIssuesFound"
		if err := m.transition(ctx, env, st, evtIssuesFound, StateFailed); err != nil {
			return workflow.Outcome{}, false, err
		}
		return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current, Failed: true, FailReason: st.FailReason}, true, nil
	}
	if err := m.transition(ctx, env, st, evtDueDiligenceComplete, StateCommitment); err != nil {
		return workflow.Outcome{}, false, err
	}
	return workflow.Outcome{}, false, nil
}

func (m *Machine) stepCommitment(ctx context.Context, env workflow.Environment, st *State, policy executor.RetryPolicy) (workflow.Outcome, bool, error) {
	if st.CommitmentDeadline.IsZero() {
		st.CommitmentDeadline = env.Now().Add(finalCommitmentWindow)
	}
	res, err := m.awaitEvent(ctx, env, st, EventCommitment, st.CommitmentDeadline, nil)
	if err != nil {
		return workflow.Outcome{}, false, err
	}
	if !res.Matched {
		return workflow.Outcome{Kind: workflow.OutcomeWaiting, Wait: &eventlog.WaitDescriptor{EventName: EventCommitment, Deadline: st.CommitmentDeadline}}, true, nil
	}
	if res.TimedOut {
		if err := m.transition(ctx, env, st, evtCommitmentDeadline, StateExpired); err != nil {
			return workflow.Outcome{}, false, err
		}
		return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current}, true, nil
	}

	intentID, err := executor.ExecuteTyped[string](ctx, env.RC, "hold-escrow", policy, func(ctx context.Context) (string, error) {
		return env.Providers.Payments.HoldFunds(ctx, env.RC.InstanceID+":hold-escrow", st.AgreedAmount, map[string]string{
			"pitchId":    st.PitchID,
			"investorId": st.InvestorID,
		})
	})
	if err != nil {
		return workflow.Outcome{}, false, err
	}
	st.EscrowIntentID = intentID
	st.CompensationStack = append(st.CompensationStack, "hold-escrow")
	if err := m.transition(ctx, env, st, evtEscrowInitiated, StateEscrow); err != nil {
		return workflow.Outcome{}, false, err
	}
	return workflow.Outcome{}, false, nil
}

func (m *Machine) stepEscrow(ctx context.Context, env workflow.Environment, st *State, policy executor.RetryPolicy) (workflow.Outcome, bool, error) {
	if st.EscrowDeadline.IsZero() {
		st.EscrowDeadline = env.Now().Add(escrowDepositWindow)
	}
	filter := mailbox.Filter(func(payload json.RawMessage) bool {
		var p paymentPayload
		_ = json.Unmarshal(payload, &p)
		return p.Type == "succeeded" || p.Type == "failed"
	})
	res, err := m.awaitEvent(ctx, env, st, EventPayment, st.EscrowDeadline, filter)
	if err != nil {
		return workflow.Outcome{}, false, err
	}
	if !res.Matched {
		return workflow.Outcome{Kind: workflow.OutcomeWaiting, Wait: &eventlog.WaitDescriptor{EventName: EventPayment, Deadline: st.EscrowDeadline}}, true, nil
	}

	if res.TimedOut {
		return m.failEscrow(ctx, env, st, policy, "escrow_timeout")
	}
	var p paymentPayload
	_ = json.Unmarshal(res.Payload, &p)
	if p.Type == "failed" {
		return m.failEscrow(ctx, env, st, policy, "payment_failed")
	}
	if err := m.transition(ctx, env, st, evtPaymentSucceeded, StateClosing); err != nil {
		return workflow.Outcome{}, false, err
	}
	return workflow.Outcome{}, false, nil
}

func (m *Machine) failEscrow(ctx context.Context, env workflow.Environment, st *State, policy executor.RetryPolicy, reason string) (workflow.Outcome, bool, error) {
	st.FailReason = reason
	m.runCompensation(ctx, env, st, policy)
	if err := m.transition(ctx, env, st, evtPaymentFailed, StateFailed); err != nil {
		return workflow.Outcome{}, false, err
	}
	return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current, Failed: true, FailReason: reason}, true, nil
}

func (m *Machine) stepClosing(ctx context.Context, env workflow.Environment, st *State) (workflow.Outcome, bool, error) {
	res, err := m.awaitEvent(ctx, env, st, EventClosingDocuments, time.Time{}, nil)
	if err != nil {
		return workflow.Outcome{}, false, err
	}
	if !res.Matched {
		return workflow.Outcome{Kind: workflow.OutcomeWaiting, Wait: &eventlog.WaitDescriptor{EventName: EventClosingDocuments}}, true, nil
	}
	if err := m.transition(ctx, env, st, evtDocumentsExecuted, StateFunded); err != nil {
		return workflow.Outcome{}, false, err
	}
	return workflow.Outcome{}, false, nil
}

func (m *Machine) stepFunded(ctx context.Context, env workflow.Environment, st *State, policy executor.RetryPolicy) (workflow.Outcome, bool, error) {
	res, err := m.awaitEvent(ctx, env, st, EventTransferConfirmed, time.Time{}, nil)
	if err != nil {
		return workflow.Outcome{}, false, err
	}
	if !res.Matched {
		return workflow.Outcome{Kind: workflow.OutcomeWaiting, Wait: &eventlog.WaitDescriptor{EventName: EventTransferConfirmed}}, true, nil
	}
	if _, err := executor.Execute(ctx, env.RC, "record-deal-amount", policy, func(ctx context.Context) (interface{}, error) {
		return nil, env.Providers.Entities.RecordDealAmount(ctx, st.PitchID, st.AgreedAmount)
	}); err != nil {
		return workflow.Outcome{}, false, err
	}
	if err := m.transition(ctx, env, st, evtTransferConfirmed, StateCompleted); err != nil {
		return workflow.Outcome{}, false, err
	}
	return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current}, true, nil
}

func (m *Machine) abort(ctx context.Context, env workflow.Environment, st *State, policy executor.RetryPolicy, reason string) (json.RawMessage, workflow.Outcome, error) {
	if _, err := env.RC.AbortRequested(ctx, reason); err != nil {
		return nil, workflow.Outcome{}, err
	}
	st.RejectReason = reason
	if len(st.CompensationStack) > 0 {
		st.FailReason = reason
		m.runCompensation(ctx, env, st, policy)
		if err := m.transition(ctx, env, st, evtAbortFail, StateFailed); err != nil {
			return nil, workflow.Outcome{}, err
		}
		return m.marshal(*st, workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current, Failed: true, FailReason: reason})
	}
	st.FailReason = reason
	if err := m.transition(ctx, env, st, evtAbortWithdraw, StateWithdrawn); err != nil {
		return nil, workflow.Outcome{}, err
	}
	return m.marshal(*st, workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current, Failed: true, FailReason: reason})
}

// runCompensation pops st.CompensationStack in LIFO order. Only "hold-escrow"
// is ever pushed, so the resolver needs no more than that one mapping.
func (m *Machine) runCompensation(ctx context.Context, env workflow.Environment, st *State, policy executor.RetryPolicy) {
	resolver := func(stepName string) (compensation.Compensator, bool) {
		if stepName != "hold-escrow" {
			return nil, false
		}
		return func(ctx context.Context, rc *executor.RunContext) (interface{}, error) {
			return nil, env.Providers.Payments.Refund(ctx, st.EscrowIntentID)
		}, true
	}
	outcomes := compensation.Run(ctx, env.RC, policy, st.CompensationStack, resolver)
	for _, o := range outcomes {
		st.CompensationOutcomes = append(st.CompensationOutcomes, compensationOutcome{
			StepName: o.StepName, Succeeded: o.Succeeded, Error: o.Error,
		})
	}
	st.CompensationStack = nil
}

func (m *Machine) transition(ctx context.Context, env workflow.Environment, st *State, event, to string) error {
	from := st.Current
	if _, ok := m.table.Legal(from, event); !ok {
		return dealerrors.Domain(dealerrors.CodeIllegalTransition, "illegal Investment transition "+from+"/"+event, nil)
	}
	if _, err := env.RC.TransitionApplied(ctx, from, to); err != nil {
		return err
	}
	st.Current = to
	st.OpenWaitEvent = ""
	return nil
}

func (m *Machine) marshal(st State, outcome workflow.Outcome) (json.RawMessage, workflow.Outcome, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, workflow.Outcome{}, dealerrors.Fatal(dealerrors.CodeCorruptLog, "marshal Investment state", err)
	}
	if outcome.FinalState == "" {
		outcome.FinalState = st.Current
	}
	return data, outcome, nil
}

func (m *Machine) awaitEvent(ctx context.Context, env workflow.Environment, st *State, eventName string, deadline time.Time, filter mailbox.Filter) (workflow.WaitResult, error) {
	if st.OpenWaitEvent != eventName {
		if _, err := env.RC.WaitStarted(ctx, eventName, deadline); err != nil {
			return workflow.WaitResult{}, err
		}
		st.OpenWaitEvent = eventName
	}
	res, err := workflow.AttemptWait(ctx, env, eventName, deadline, filter)
	if err != nil {
		return workflow.WaitResult{}, err
	}
	if res.Matched {
		if _, err := env.RC.WaitFulfilled(ctx, eventName, res.Payload, res.TimedOut); err != nil {
			return workflow.WaitResult{}, err
		}
		st.OpenWaitEvent = ""
	}
	return res, nil
}
