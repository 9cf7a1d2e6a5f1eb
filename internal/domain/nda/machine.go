// Package nda implements the NDA domain machine (spec.md §4.E.3, §4.G):
// risk-based approval routing followed by a signature and access-grant
// lifecycle.
package nda

import (
	"context"
	"encoding/json"
	"time"

	"github.com/R3E-Network/dealflow/internal/dealerrors"
	"github.com/R3E-Network/dealflow/internal/eventlog"
	"github.com/R3E-Network/dealflow/internal/executor"
	"github.com/R3E-Network/dealflow/internal/mailbox"
	"github.com/R3E-Network/dealflow/internal/providers"
	"github.com/R3E-Network/dealflow/internal/registry"
	"github.com/R3E-Network/dealflow/internal/risk"
	"github.com/R3E-Network/dealflow/internal/workflow"
)

const (
	creatorReviewWindow = 72 * time.Hour
	legalReviewWindow   = 48 * time.Hour
)

// Machine implements workflow.Machine for the NDA kind.
type Machine struct {
	table registry.Table
}

// New builds the NDA machine, pre-validating its transition table.
func New() (*Machine, error) {
	t, err := buildTable()
	if err != nil {
		return nil, err
	}
	return &Machine{table: t}, nil
}

func (m *Machine) Kind() eventlog.Kind      { return eventlog.KindNDA }
func (m *Machine) Registry() registry.Table { return m.table }

func (m *Machine) ValidateStart(ctx context.Context, entities providers.EntityStore, paramsRaw json.RawMessage) error {
	var p StartParams
	if err := json.Unmarshal(paramsRaw, &p); err != nil {
		return dealerrors.Domain(dealerrors.CodeValidationFailed, "malformed NDA start params", err)
	}
	return p.Validate(ctx, entities)
}

func (m *Machine) PartyIDs(paramsRaw json.RawMessage) ([]string, string, error) {
	var p StartParams
	if err := json.Unmarshal(paramsRaw, &p); err != nil {
		return nil, "", dealerrors.Domain(dealerrors.CodeValidationFailed, "malformed NDA start params", err)
	}
	return []string{p.RequesterID, p.CreatorID}, p.PitchID, nil
}

func (m *Machine) InitialDomainState(paramsRaw json.RawMessage) (json.RawMessage, string, error) {
	var p StartParams
	if err := json.Unmarshal(paramsRaw, &p); err != nil {
		return nil, "", dealerrors.Domain(dealerrors.CodeValidationFailed, "malformed NDA start params", err)
	}
	if p.DurationMonths <= 0 {
		p.DurationMonths = 24
	}
	st := State{Current: StateDraft, StartParams: p}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, "", dealerrors.Fatal(dealerrors.CodeCorruptLog, "marshal initial NDA state", err)
	}
	return data, StateDraft, nil
}

func (m *Machine) Advance(ctx context.Context, env workflow.Environment, stateRaw json.RawMessage, trigger workflow.Trigger) (json.RawMessage, workflow.Outcome, error) {
	var st State
	if err := json.Unmarshal(stateRaw, &st); err != nil {
		return nil, workflow.Outcome{}, dealerrors.Fatal(dealerrors.CodeCorruptLog, "decode NDA state", err)
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
		case StateDraft:
			err = m.stepDraft(ctx, env, &st, policy)
		case StatePending:
			outcome, done, err = m.stepPending(ctx, env, &st, policy)
		case StateViewed:
			outcome, done, err = m.stepViewed(ctx, env, &st)
		case StateSigned:
			outcome, done, err = m.stepSigned(ctx, env, &st, policy)
		case StateActive:
			outcome, done, err = m.stepActive(ctx, env, &st, trigger)
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

func (m *Machine) stepDraft(ctx context.Context, env workflow.Environment, st *State, policy executor.RetryPolicy) error {
	assessment, err := executor.ExecuteTyped[risk.Assessment](ctx, env.RC, "score-risk", policy, func(ctx context.Context) (risk.Assessment, error) {
		return m.scoreRisk(ctx, env, *st)
	})
	if err != nil {
		return err
	}
	st.Risk = assessment
	st.Route = assessment.Route()
	return m.transition(ctx, env, st, evtRiskRouted, StatePending)
}

func (m *Machine) scoreRisk(ctx context.Context, env workflow.Environment, st State) (risk.Assessment, error) {
	user, err := env.Providers.Entities.GetUser(ctx, st.RequesterID)
	if err != nil {
		return risk.Assessment{}, err
	}
	tmpl, err := env.Providers.Templates.GetTemplate(ctx, st.TemplateID)
	if err != nil {
		return risk.Assessment{}, err
	}
	factors := risk.Factors{
		EmailUnverified:      !user.EmailVerified,
		PhoneUnverified:      !user.PhoneVerified,
		IdentityUnverified:   !user.IdentityVerified,
		AccountAgeDays:       user.AccountAgeDays,
		TrustScore:           user.TrustScore,
		TemplateType:         tmpl.Type,
		CustomTermCount:      len(tmpl.Clauses),
		DurationMonths:       st.durationMonths(),
		PriorBreach:          user.PriorNDABreaches > 0,
		PriorDisputeNoBreach: user.PriorNDABreaches == 0 && user.PriorNDADisputes > 0,
	}
	return risk.Score(factors, false), nil
}

func (m *Machine) stepPending(ctx context.Context, env workflow.Environment, st *State, policy executor.RetryPolicy) (workflow.Outcome, bool, error) {
	if !st.GateResolved {
		if st.Route == risk.RouteAutoApprove {
			st.GateResolved = true
		} else {
			window := creatorReviewWindow
			if st.Route == risk.RouteLegalReview {
				window = legalReviewWindow
			}
			if st.ReviewDeadline.IsZero() {
				st.ReviewDeadline = env.Now().Add(window)
			}
			res, err := m.awaitEvent(ctx, env, st, EventReview, st.ReviewDeadline, nil)
			if err != nil {
				return workflow.Outcome{}, false, err
			}
			if !res.Matched {
				return workflow.Outcome{Kind: workflow.OutcomeWaiting, Wait: &eventlog.WaitDescriptor{EventName: EventReview, Deadline: st.ReviewDeadline}}, true, nil
			}

			approved := false
			if !res.TimedOut {
				var p reviewPayload
				_ = json.Unmarshal(res.Payload, &p)
				approved = p.Approved
			}
			if !approved {
				st.RejectReason = "review_declined_or_timed_out"
				if err := m.transition(ctx, env, st, evtReviewDeclined, StateRejected); err != nil {
					return workflow.Outcome{}, false, err
				}
				return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current}, true, nil
			}
			st.GateResolved = true
		}
	}

	if !st.EnvelopeSent {
		envelopeID, err := executor.ExecuteTyped[string](ctx, env.RC, "create-envelope", policy, func(ctx context.Context) (string, error) {
			return env.Providers.Signatures.CreateEnvelope(ctx, st.TemplateID, []string{st.RequesterID, st.CreatorID}, map[string]string{"instanceId": env.RC.InstanceID})
		})
		if err != nil {
			return workflow.Outcome{}, false, err
		}
		st.EnvelopeID = envelopeID
		st.EnvelopeSent = true
	}

	if !st.DeliveredSeen {
		res, err := m.awaitEvent(ctx, env, st, EventEnvelope, time.Time{}, nil)
		if err != nil {
			return workflow.Outcome{}, false, err
		}
		if !res.Matched {
			return workflow.Outcome{Kind: workflow.OutcomeWaiting, Wait: &eventlog.WaitDescriptor{EventName: EventEnvelope}}, true, nil
		}
		var p envelopePayload
		_ = json.Unmarshal(res.Payload, &p)
		if p.Type != "delivered" {
			st.RejectReason = "envelope_" + p.Type
			if err := m.transition(ctx, env, st, evtEnvelopeBad, StateRejected); err != nil {
				return workflow.Outcome{}, false, err
			}
			return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current}, true, nil
		}
		st.DeliveredSeen = true
		if err := m.transition(ctx, env, st, evtEnvelopeDeliv, StateViewed); err != nil {
			return workflow.Outcome{}, false, err
		}
	}
	return workflow.Outcome{}, false, nil
}

func (m *Machine) stepViewed(ctx context.Context, env workflow.Environment, st *State) (workflow.Outcome, bool, error) {
	res, err := m.awaitEvent(ctx, env, st, EventEnvelope, time.Time{}, nil)
	if err != nil {
		return workflow.Outcome{}, false, err
	}
	if !res.Matched {
		return workflow.Outcome{Kind: workflow.OutcomeWaiting, Wait: &eventlog.WaitDescriptor{EventName: EventEnvelope}}, true, nil
	}
	var p envelopePayload
	_ = json.Unmarshal(res.Payload, &p)
	if p.Type == "completed" {
		if err := m.transition(ctx, env, st, evtEnvelopeDone, StateSigned); err != nil {
			return workflow.Outcome{}, false, err
		}
		return workflow.Outcome{}, false, nil
	}
	st.RejectReason = "envelope_" + p.Type
	if err := m.transition(ctx, env, st, evtEnvelopeBad, StateRejected); err != nil {
		return workflow.Outcome{}, false, err
	}
	return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current}, true, nil
}

func (m *Machine) stepSigned(ctx context.Context, env workflow.Environment, st *State, policy executor.RetryPolicy) (workflow.Outcome, bool, error) {
	type grantResult struct {
		ExpiresAt time.Time `json:"expiresAt"`
	}
	res, err := executor.ExecuteTyped[grantResult](ctx, env.RC, "grant-access", policy, func(ctx context.Context) (grantResult, error) {
		expires := env.Now().AddDate(0, st.durationMonths(), 0)
		if err := env.Providers.Notifications.Enqueue(ctx, providers.Notification{
			Type:      "nda.activated",
			Recipient: st.RequesterID,
			Channels:  []string{"email", "in_app"},
			Priority:  "normal",
		}); err != nil {
			return grantResult{}, err
		}
		return grantResult{ExpiresAt: expires}, nil
	})
	if err != nil {
		return workflow.Outcome{}, false, err
	}
	st.ActivatedAt = env.Now()
	st.ExpiresAt = res.ExpiresAt
	if err := m.transition(ctx, env, st, evtAccessGranted, StateActive); err != nil {
		return workflow.Outcome{}, false, err
	}
	if _, err := env.RC.SleepStarted(ctx, st.ExpiresAt); err != nil {
		return workflow.Outcome{}, false, err
	}
	return workflow.Outcome{Kind: workflow.OutcomeSleeping, Wait: &eventlog.WaitDescriptor{Deadline: st.ExpiresAt, IsSleep: true}}, true, nil
}

func (m *Machine) stepActive(ctx context.Context, env workflow.Environment, st *State, trigger workflow.Trigger) (workflow.Outcome, bool, error) {
	if trigger.Kind != workflow.TriggerTimer && env.Now().Before(st.ExpiresAt) {
		return workflow.Outcome{Kind: workflow.OutcomeSleeping, Wait: &eventlog.WaitDescriptor{Deadline: st.ExpiresAt, IsSleep: true}}, true, nil
	}
	if _, err := env.RC.SleepFired(ctx); err != nil {
		return workflow.Outcome{}, false, err
	}
	_ = env.Providers.Notifications.Enqueue(ctx, providers.Notification{
		Type:      "nda.expired",
		Recipient: st.RequesterID,
		Channels:  []string{"email"},
		Priority:  "low",
	})
	if err := m.transition(ctx, env, st, evtExpirationFire, StateExpired); err != nil {
		return workflow.Outcome{}, false, err
	}
	return workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current}, true, nil
}

func (m *Machine) abort(ctx context.Context, env workflow.Environment, st *State, reason string) (json.RawMessage, workflow.Outcome, error) {
	if _, err := env.RC.AbortRequested(ctx, reason); err != nil {
		return nil, workflow.Outcome{}, err
	}
	to, ok := m.table.Legal(st.Current, evtAbort)
	if !ok {
		return nil, workflow.Outcome{}, dealerrors.Fatal(dealerrors.CodeUnknownStep, "no abort transition registered from "+st.Current, nil)
	}
	st.RejectReason = reason
	if err := m.transition(ctx, env, st, evtAbort, to); err != nil {
		return nil, workflow.Outcome{}, err
	}
	return m.marshal(*st, workflow.Outcome{Kind: workflow.OutcomeTerminal, FinalState: st.Current, Failed: true, FailReason: reason})
}

func (m *Machine) transition(ctx context.Context, env workflow.Environment, st *State, event, to string) error {
	from := st.Current
	if _, ok := m.table.Legal(from, event); !ok {
		return dealerrors.Domain(dealerrors.CodeIllegalTransition, "illegal NDA transition "+from+"/"+event, nil)
	}
	if _, err := env.RC.TransitionApplied(ctx, from, to); err != nil {
		return err
	}
	st.Current = to
	return nil
}

func (m *Machine) marshal(st State, outcome workflow.Outcome) (json.RawMessage, workflow.Outcome, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return nil, workflow.Outcome{}, dealerrors.Fatal(dealerrors.CodeCorruptLog, "marshal NDA state", err)
	}
	if outcome.FinalState == "" {
		outcome.FinalState = st.Current
	}
	return data, outcome, nil
}

// awaitEvent records WaitStarted the first time eventName is awaited and
// WaitFulfilled once it resolves, so repeated Advance calls over an
// unresolved wait never double-record WaitStarted (invariant 3).
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
