// Package production implements the Production domain machine (spec.md
// §4.E.2, §4.G): interest-through-delivery lifecycle plus same-pitch
// exclusivity and a FIFO waitlist.
package production

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/R3E-Network/dealflow/internal/dealerrors"
	"github.com/R3E-Network/dealflow/internal/eventlog"
	"github.com/R3E-Network/dealflow/internal/executor"
	"github.com/R3E-Network/dealflow/internal/mailbox"
	"github.com/R3E-Network/dealflow/internal/providers"
	"github.com/R3E-Network/dealflow/internal/registry"
	"github.com/R3E-Network/dealflow/internal/workflow"
)

const maxActiveProjects = 10

// Machine implements workflow.Machine for the Production kind.
type Machine struct {
	table registry.Table
}

// New builds the Production machine, pre-validating its transition table.
func New() (*Machine, error) {
	t, err := buildTable()
	if err != nil {
		return nil, err
	}
	return &Machine{table: t}, nil
}

func (m *Machine) Kind() eventlog.Kind      { return eventlog.KindProduction }
func (m *Machine) Registry() registry.Table { return m.table }

func (m *Machine) ValidateStart(ctx context.Context, entities providers.EntityStore, paramsRaw json.RawMessage) error {
	var p StartParams
	if err := json.Unmarshal(paramsRaw, &p); err != nil {
		return dealerrors.Domain(dealerrors.CodeValidationFailed, "malformed Production start params", err)
	}
	return p.Validate(ctx, entities)
}

func (m *Machine) PartyIDs(paramsRaw json.RawMessage) ([]string, string, error) {
	var p StartParams
	if err := json.Unmarshal(paramsRaw, &p); err != nil {
		return nil, "", dealerrors.Domain(dealerrors.CodeValidationFailed, "malformed Production start params", err)
	}
	return []string{p.ProductionCompanyID, p.CreatorID}, p.PitchID, nil
}

func (m *Machine) InitialDomainState(paramsRaw json.RawMessage) (json.RawMessage, string, error) {
	var p StartParams
	if err := json.Unmarshal(paramsRaw, &p); err != nil {
		return nil, "", dealerrors.Domain(dealerrors.CodeValidationFailed, "malformed Production start params", err)
	}
	st := State{Current: StateInterest, StartParams: p}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, "", dealerrors.Fatal(dealerrors.CodeCorruptLog, "marshal initial Production state", err)
	}
	return data, StateInterest, nil
}

func (m *Machine) Advance(ctx context.Context, env workflow.Environment, stateRaw json.RawMessage, trigger workflow.Trigger) (json.RawMessage, workflow.Outcome, error) {
	var st State
	if err := json.Unmarshal(stateRaw, &st); err != nil {
		return nil, workflow.Outcome{}, dealerrors.Fatal(dealerrors.CodeCorruptLog, "decode Production state", err)
	}
	policy := executor.DefaultRetryPolicy()

	if trigger.Kind == workflow.TriggerAbort && !m.table.IsTerminal(st.Current) {
		return m.abort(ctx, env, &st, trigger.Reason)
	}

	for {
		var (
			outcome workflow.Outcome
			done    bool
			err     error
		)
		switch st.Current {
		case StateInterest:
			outcome, done, err = m.stepInterest(ctx, env, &st, policy)
		case StateWaitlisted:
			outcome, done, err = m.stepWaitlisted(ctx, env, &st)
		case StateContract:
			outcome, done, err = m.stepContract(ctx, env, &st, policy, trigger)
		case StateMeeting, StateProposal, StateNegotiation, StateInProduction:
			// These stages progress purely on external events the same
			// ingress-driven way Contract's production-started move does,
			// but carry no domain-specific side effects of their own beyond
			// recording the transition once the matching event arrives.
			outcome, done, err = m.stepPassthrough(ctx, env, &st)
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

type exclusivityCheck struct {
	Held   bool   `json:"held"`
	Holder string `json:"holder"`
}

func (m *Machine) stepInterest(ctx context.Context, env workflow.Environment, st *State, policy executor.RetryPolicy) (workflow.Outcome, bool, error) {
	round := st.WaitlistRounds
	check, err := executor.ExecuteTyped[exclusivityCheck](ctx, env.RC, fmt.Sprintf("check-exclusivity:%d", round), policy, func(ctx context.Context) (exclusivityCheck, error) {
		holder, _, held, err := env.Providers.Entities.CurrentExclusivity(ctx, st.PitchID, env.Now())
		if err != nil {
			return exclusivityCheck{}, err
		}
		return exclusivityCheck{Held: held, Holder: holder}, nil
	})
	if err != nil {
		return workflow.Outcome{}, false, err
	}

	if check.Held && check.Holder != env.RC.InstanceID {
		if _, err := executor.Execute(ctx, env.RC, fmt.Sprintf("enqueue-waitlist:%d", round), policy, func(ctx context.Context) (interface{}, error) {
			return nil, env.Providers.Entities.EnqueueWaitlist(ctx, st.PitchID, env.RC.InstanceID, env.Now())
		}); err != nil {
			return workflow.Outcome{}, false, err
		}
		if err := m.transition(ctx, env, st, evtWaitlisted, StateWaitlisted); err != nil {
			return workflow.Outcome{}, false, err
		}
		return workflow.Outcome{}, false, nil
	}

	type capacityResult struct {
		Exceeded bool `json:"exceeded"`
	}
	capCheck, err := executor.ExecuteTyped[capacityResult](ctx, env.RC, fmt.Sprintf("check-capacity:%d", round), policy, func(ctx context.Context) (capacityResult, error) {
		pitch, err := env.Providers.Entities.GetPitch(ctx, st.PitchID)
		if err != nil {
			return capacityResult{}, err
		}
		return capacityResult{Exceeded: pitch.ActiveProjects > maxActiveProjects}, nil
	})
	if err != nil {
		return workflow.Outcome{}, false, err
	}
	if capCheck.Exceeded {
		st.RejectReason = "CapacityExceeded"
		if err := m.transition(ctx, env, st, evtRejected, StateRejected); err != nil {
			return workflow.Outcome{}, false, err
		}
		return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current}, true, nil
	}

	if err := m.transition(ctx, env, st, evtMeetingScheduled, StateMeeting); err != nil {
		return workflow.Outcome{}, false, err
	}
	return workflow.Outcome{}, false, nil
}

func (m *Machine) stepWaitlisted(ctx context.Context, env workflow.Environment, st *State) (workflow.Outcome, bool, error) {
	res, err := m.awaitEvent(ctx, env, st, EventExclusivityReleased, time.Time{}, nil)
	if err != nil {
		return workflow.Outcome{}, false, err
	}
	if !res.Matched {
		return workflow.Outcome{Kind: workflow.OutcomeWaiting, Wait: &eventlog.WaitDescriptor{EventName: EventExclusivityReleased}}, true, nil
	}
	st.WaitlistRounds++
	if err := m.transition(ctx, env, st, evtReleased, StateInterest); err != nil {
		return workflow.Outcome{}, false, err
	}
	return workflow.Outcome{}, false, nil
}

// stepPassthrough waits for this stage's next named event (the deal desk's
// scheduling/submission/negotiation actions) and applies the matching
// transition. Each stage uses its own event name as the mailbox key, so a
// message meant for Negotiation never satisfies a wait still open in
// Proposal.
func (m *Machine) stepPassthrough(ctx context.Context, env workflow.Environment, st *State) (workflow.Outcome, bool, error) {
	next, ok := nextStageEvent[st.Current]
	if !ok {
		return workflow.Outcome{}, false, dealerrors.Fatal(dealerrors.CodeUnknownStep, "no passthrough event registered for "+st.Current, nil)
	}
	res, err := m.awaitEvent(ctx, env, st, next.waitName, time.Time{}, nil)
	if err != nil {
		return workflow.Outcome{}, false, err
	}
	if !res.Matched {
		return workflow.Outcome{Kind: workflow.OutcomeWaiting, Wait: &eventlog.WaitDescriptor{EventName: next.waitName}}, true, nil
	}
	var p struct {
		Rejected bool `json:"rejected"`
	}
	_ = json.Unmarshal(res.Payload, &p)
	if p.Rejected {
		if err := m.transition(ctx, env, st, evtRejected, StateRejected); err != nil {
			return workflow.Outcome{}, false, err
		}
		return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current}, true, nil
	}
	if err := m.transition(ctx, env, st, next.event, next.to); err != nil {
		return workflow.Outcome{}, false, err
	}
	return workflow.Outcome{}, false, nil
}

type stageAdvance struct {
	waitName string
	event    string
	to       string
}

var nextStageEvent = map[string]stageAdvance{
	StateMeeting:      {waitName: "production.proposal-submitted", event: evtProposalSubmitted, to: StateProposal},
	StateProposal:     {waitName: "production.negotiation-opened", event: evtNegotiationOpened, to: StateNegotiation},
	StateNegotiation:  {waitName: "production.contract-signed", event: evtContractSigned, to: StateContract},
	StateInProduction: {waitName: "production.delivery-confirmed", event: evtDeliveryConfirmed, to: StateCompleted},
}

func (m *Machine) stepContract(ctx context.Context, env workflow.Environment, st *State, policy executor.RetryPolicy, trigger workflow.Trigger) (workflow.Outcome, bool, error) {
	if st.ExclusivityExpiresAt.IsZero() {
		expires := env.Now().Add(exclusivityWindow)
		acquired, err := executor.ExecuteTyped[bool](ctx, env.RC, "acquire-exclusivity", policy, func(ctx context.Context) (bool, error) {
			return env.Providers.Entities.AcquireExclusivity(ctx, st.PitchID, env.RC.InstanceID, env.Now(), expires)
		})
		if err != nil {
			return workflow.Outcome{}, false, err
		}
		if !acquired {
			// Another instance holds exclusivity on this pitch: release this
			// deal's claim, promote the waitlist head, and reject this deal
			// rather than double-holding exclusivity.
			if err := m.releaseAndPromote(ctx, env, st); err != nil {
				return workflow.Outcome{}, false, err
			}
			if err := m.transition(ctx, env, st, evtRejected, StateRejected); err != nil {
				return workflow.Outcome{}, false, err
			}
			return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current}, true, nil
		}
		st.ExclusivityExpiresAt = expires
	}

	res, err := m.awaitEvent(ctx, env, st, "production.production-started", st.ExclusivityExpiresAt, nil)
	if err != nil {
		return workflow.Outcome{}, false, err
	}
	if !res.Matched {
		return workflow.Outcome{Kind: workflow.OutcomeWaiting, Wait: &eventlog.WaitDescriptor{EventName: "production.production-started", Deadline: st.ExclusivityExpiresAt}}, true, nil
	}
	if res.TimedOut {
		if err := m.releaseAndPromote(ctx, env, st); err != nil {
			return workflow.Outcome{}, false, err
		}
		if err := m.transition(ctx, env, st, evtDeadlineElapsed, StateExpired); err != nil {
			return workflow.Outcome{}, false, err
		}
		return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current}, true, nil
	}
	if err := m.transition(ctx, env, st, evtProductionStarted, StateInProduction); err != nil {
		return workflow.Outcome{}, false, err
	}
	return workflow.Outcome{}, false, nil
}

func (m *Machine) releaseAndPromote(ctx context.Context, env workflow.Environment, st *State) error {
	_, err := executor.ExecuteTyped[bool](ctx, env.RC, "release-exclusivity", executor.DefaultRetryPolicy(), func(ctx context.Context) (bool, error) {
		released, err := env.Providers.Entities.ReleaseExclusivity(ctx, st.PitchID, env.RC.InstanceID)
		if err != nil || !released {
			return released, err
		}
		nextID, ok, err := env.Providers.Entities.PopWaitlist(ctx, st.PitchID)
		if err != nil {
			return true, err
		}
		if ok {
			if err := env.Mailbox.Deliver(ctx, nextID, EventExclusivityReleased, nil); err != nil {
				return true, err
			}
		}
		return true, nil
	})
	return err
}

func (m *Machine) abort(ctx context.Context, env workflow.Environment, st *State, reason string) (json.RawMessage, workflow.Outcome, error) {
	if _, err := env.RC.AbortRequested(ctx, reason); err != nil {
		return nil, workflow.Outcome{}, err
	}
	if err := m.releaseAndPromote(ctx, env, st); err != nil {
		return nil, workflow.Outcome{}, err
	}
	st.RejectReason = reason
	if err := m.transition(ctx, env, st, evtRejected, StateRejected); err != nil {
		return nil, workflow.Outcome{}, err
	}
	return m.marshal(*st, workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current, Failed: true, FailReason: reason})
}

func (m *Machine) transition(ctx context.Context, env workflow.Environment, st *State, event, to string) error {
	from := st.Current
	if _, ok := m.table.Legal(from, event); !ok {
		return dealerrors.Domain(dealerrors.CodeIllegalTransition, "illegal Production transition "+from+"/"+event, nil)
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
		return nil, workflow.Outcome{}, dealerrors.Fatal(dealerrors.CodeCorruptLog, "marshal Production state", err)
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
