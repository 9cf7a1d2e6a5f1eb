package investment

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/dealflow/internal/eventlog"
	"github.com/R3E-Network/dealflow/internal/executor"
	"github.com/R3E-Network/dealflow/internal/mailbox"
	"github.com/R3E-Network/dealflow/internal/providers"
	"github.com/R3E-Network/dealflow/internal/workflow"
	"github.com/R3E-Network/dealflow/pkg/logger"
)

type harness struct {
	store    *eventlog.MemoryStore
	bus      *mailbox.MemoryBus
	entities *providers.MemoryEntities
	payments *providers.MemoryPayments
	notifs   *providers.MemoryNotifications
	now      time.Time
}

func newHarness() *harness {
	return &harness{
		store:    eventlog.NewMemoryStore(),
		bus:      mailbox.NewMemoryBus(),
		entities: providers.NewMemoryEntities(),
		payments: providers.NewMemoryPayments(),
		notifs:   providers.NewMemoryNotifications(),
		now:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (h *harness) env(rc *executor.RunContext) workflow.Environment {
	return workflow.Environment{
		RC:      rc,
		Mailbox: h.bus,
		Providers: providers.Bundle{
			Entities:      h.entities,
			Payments:      h.payments,
			Notifications: h.notifs,
		},
		Now: func() time.Time { return h.now },
	}
}

func (h *harness) newInstance(t *testing.T, ctx context.Context, id string) (string, *executor.RunContext) {
	t.Helper()
	inst, err := h.store.CreateInstance(ctx, eventlog.Instance{ID: id, Kind: eventlog.KindInvestment})
	require.NoError(t, err)
	rc := executor.NewRunContext(inst.ID, h.store, logger.NewDefault("investment-test"), 0, nil)
	return inst.ID, rc
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func driveToEscrow(t *testing.T, ctx context.Context, h *harness, m *Machine, env workflow.Environment, instanceID string, initial json.RawMessage) (json.RawMessage, State) {
	t.Helper()
	stateJSON, outcome, err := m.Advance(ctx, env, initial, workflow.Trigger{Kind: workflow.TriggerStart})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)
	require.Equal(t, EventCreatorDecision, outcome.Wait.EventName)

	require.NoError(t, h.bus.Deliver(ctx, instanceID, EventCreatorDecision, mustJSON(t, creatorDecisionPayload{Decision: "approved"})))
	stateJSON, outcome, err = m.Advance(ctx, env, stateJSON, workflow.Trigger{Kind: workflow.TriggerEvent})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)
	require.Equal(t, EventSignatures, outcome.Wait.EventName)

	require.NoError(t, h.bus.Deliver(ctx, instanceID, EventSignatures, mustJSON(t, map[string]bool{"signed": true})))
	stateJSON, outcome, err = m.Advance(ctx, env, stateJSON, workflow.Trigger{Kind: workflow.TriggerEvent})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)
	require.Equal(t, EventCommitment, outcome.Wait.EventName)

	require.NoError(t, h.bus.Deliver(ctx, instanceID, EventCommitment, mustJSON(t, map[string]bool{"confirmed": true})))
	stateJSON, outcome, err = m.Advance(ctx, env, stateJSON, workflow.Trigger{Kind: workflow.TriggerEvent})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)
	require.Equal(t, EventPayment, outcome.Wait.EventName)

	var st State
	require.NoError(t, json.Unmarshal(stateJSON, &st))
	require.Equal(t, StateEscrow, st.Current)
	require.NotEmpty(t, st.EscrowIntentID)
	return stateJSON, st
}

// TestInvestment_S1_CompletesAndRecordsFunding covers the full happy path
// through Completed, with the final funded amount posted to the pitch.
func TestInvestment_S1_CompletesAndRecordsFunding(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.entities.PutUser(providers.User{ID: "investor-1", Verified: true, Accredited: true, TrustScore: 90})
	h.entities.PutPitch(providers.Pitch{ID: "pitch-1"})

	m, err := New()
	require.NoError(t, err)
	instanceID, rc := h.newInstance(t, ctx, "inst-s1")
	env := h.env(rc)

	params, _ := json.Marshal(StartParams{
		InvestorID: "investor-1", CreatorID: "creator-1", PitchID: "pitch-1",
		ProposedAmount: 250_000, InvestmentType: "equity", NDAAccepted: true,
	})
	initial, _, err := m.InitialDomainState(params)
	require.NoError(t, err)

	stateJSON, _ := driveToEscrow(t, ctx, h, m, env, instanceID, initial)

	require.NoError(t, h.bus.Deliver(ctx, instanceID, EventPayment, mustJSON(t, paymentPayload{Type: "succeeded"})))
	stateJSON, outcome, err := m.Advance(ctx, env, stateJSON, workflow.Trigger{Kind: workflow.TriggerEvent})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)
	require.Equal(t, EventClosingDocuments, outcome.Wait.EventName)

	require.NoError(t, h.bus.Deliver(ctx, instanceID, EventClosingDocuments, mustJSON(t, map[string]bool{"executed": true})))
	stateJSON, outcome, err = m.Advance(ctx, env, stateJSON, workflow.Trigger{Kind: workflow.TriggerEvent})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)
	require.Equal(t, EventTransferConfirmed, outcome.Wait.EventName)

	require.NoError(t, h.bus.Deliver(ctx, instanceID, EventTransferConfirmed, mustJSON(t, map[string]bool{"confirmed": true})))
	stateJSON, outcome, err = m.Advance(ctx, env, stateJSON, workflow.Trigger{Kind: workflow.TriggerEvent})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeTerminal, outcome.Kind)

	var st State
	require.NoError(t, json.Unmarshal(stateJSON, &st))
	require.Equal(t, StateCompleted, st.Current)
	require.Equal(t, float64(250_000), st.AgreedAmount)

	pitch, err := h.entities.GetPitch(ctx, "pitch-1")
	require.NoError(t, err)
	require.Equal(t, float64(250_000), pitch.TotalFunded)
}

// TestInvestment_S2_CreatorNeverRespondsExpires covers the creator-decision
// timeout path: no escrow is ever attempted.
func TestInvestment_S2_CreatorNeverRespondsExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.entities.PutUser(providers.User{ID: "investor-2", Verified: true, Accredited: true, TrustScore: 90})

	m, err := New()
	require.NoError(t, err)
	_, rc := h.newInstance(t, ctx, "inst-s2")
	env := h.env(rc)

	params, _ := json.Marshal(StartParams{
		InvestorID: "investor-2", CreatorID: "creator-1", PitchID: "pitch-2",
		ProposedAmount: 10_000, InvestmentType: "equity", NDAAccepted: true,
	})
	initial, _, err := m.InitialDomainState(params)
	require.NoError(t, err)

	stateJSON, outcome, err := m.Advance(ctx, env, initial, workflow.Trigger{Kind: workflow.TriggerStart})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)

	h.now = outcome.Wait.Deadline.Add(time.Minute)
	env = h.env(rc)
	stateJSON, outcome, err = m.Advance(ctx, env, stateJSON, workflow.Trigger{Kind: workflow.TriggerTimer})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeTerminal, outcome.Kind)

	var st State
	require.NoError(t, json.Unmarshal(stateJSON, &st))
	require.Equal(t, StateExpired, st.Current)
}

// TestInvestment_S4_PaymentFailedRefunds covers the escrow compensation
// path (spec.md §4.H): a failed payment webhook triggers a refund
// compensator and the instance halts Failed.
func TestInvestment_S4_PaymentFailedRefunds(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.entities.PutUser(providers.User{ID: "investor-4", Verified: true, Accredited: true, TrustScore: 90})
	h.entities.PutPitch(providers.Pitch{ID: "pitch-4"})

	m, err := New()
	require.NoError(t, err)
	instanceID, rc := h.newInstance(t, ctx, "inst-s4")
	env := h.env(rc)

	params, _ := json.Marshal(StartParams{
		InvestorID: "investor-4", CreatorID: "creator-1", PitchID: "pitch-4",
		ProposedAmount: 50_000, InvestmentType: "debt", NDAAccepted: true,
	})
	initial, _, err := m.InitialDomainState(params)
	require.NoError(t, err)

	stateJSON, _ := driveToEscrow(t, ctx, h, m, env, instanceID, initial)

	require.NoError(t, h.bus.Deliver(ctx, instanceID, EventPayment, mustJSON(t, paymentPayload{Type: "failed"})))
	stateJSON, outcome, err := m.Advance(ctx, env, stateJSON, workflow.Trigger{Kind: workflow.TriggerEvent})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeTerminal, outcome.Kind)
	require.True(t, outcome.Failed)

	var st State
	require.NoError(t, json.Unmarshal(stateJSON, &st))
	require.Equal(t, StateFailed, st.Current)
	require.Len(t, st.CompensationOutcomes, 1)
	require.Equal(t, "hold-escrow", st.CompensationOutcomes[0].StepName)
	require.True(t, st.CompensationOutcomes[0].Succeeded)
}

// TestInvestment_S3_BelowMinimumRejectedAtStart covers the synchronous
// start-time validation rejection.
func TestInvestment_S3_BelowMinimumRejectedAtStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.entities.PutUser(providers.User{ID: "investor-3", Verified: true, Accredited: true, TrustScore: 90})

	params := StartParams{
		InvestorID: "investor-3", CreatorID: "creator-1", PitchID: "pitch-3",
		ProposedAmount: 500, InvestmentType: "equity", NDAAccepted: true,
	}
	err := params.Validate(ctx, h.entities)
	require.Error(t, err)
}
