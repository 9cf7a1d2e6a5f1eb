package production

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
	now      time.Time
}

func newHarness() *harness {
	return &harness{
		store:    eventlog.NewMemoryStore(),
		bus:      mailbox.NewMemoryBus(),
		entities: providers.NewMemoryEntities(),
		now:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (h *harness) env(rc *executor.RunContext) workflow.Environment {
	return workflow.Environment{
		RC:      rc,
		Mailbox: h.bus,
		Providers: providers.Bundle{
			Entities: h.entities,
		},
		Now: func() time.Time { return h.now },
	}
}

func (h *harness) newInstance(t *testing.T, ctx context.Context, id string) (string, *executor.RunContext) {
	t.Helper()
	inst, err := h.store.CreateInstance(ctx, eventlog.Instance{
		ID:   id,
		Kind: eventlog.KindProduction,
	})
	require.NoError(t, err)
	rc := executor.NewRunContext(inst.ID, h.store, logger.NewDefault("production-test"), 0, nil)
	return inst.ID, rc
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// TestProduction_S5_SecondInstanceWaitlistedThenPromoted exercises spec.md's
// same-pitch exclusivity scenario: two Production instances on one pitch,
// the first reaches Contract and acquires exclusivity, the second is parked
// in Waitlisted, and once the first releases (here, by being rejected out of
// Contract) the second is promoted back to Interest.
func TestProduction_S5_SecondInstanceWaitlistedThenPromoted(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.entities.PutPitch(providers.Pitch{ID: "pitch-1", ActiveProjects: 1})

	m, err := New()
	require.NoError(t, err)

	firstID, firstRC := h.newInstance(t, ctx, "inst-first")
	secondID, secondRC := h.newInstance(t, ctx, "inst-second")

	params, _ := json.Marshal(StartParams{
		ProductionCompanyID: "studio-1", PitchID: "pitch-1", CreatorID: "creator-1", InterestType: "option",
	})

	firstInitial, _, err := m.InitialDomainState(params)
	require.NoError(t, err)
	firstEnv := h.env(firstRC)
	firstState, outcome, err := m.Advance(ctx, firstEnv, firstInitial, workflow.Trigger{Kind: workflow.TriggerStart})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)
	var fst State
	require.NoError(t, json.Unmarshal(firstState, &fst))
	require.Equal(t, StateMeeting, fst.Current)

	// Drive the first instance through Meeting -> Proposal -> Negotiation ->
	// Contract, acquiring exclusivity on the pitch.
	require.NoError(t, h.bus.Deliver(ctx, firstID, "production.proposal-submitted", mustJSON(t, map[string]bool{"rejected": false})))
	firstState, outcome, err = m.Advance(ctx, firstEnv, firstState, workflow.Trigger{Kind: workflow.TriggerEvent})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)

	require.NoError(t, h.bus.Deliver(ctx, firstID, "production.negotiation-opened", mustJSON(t, map[string]bool{"rejected": false})))
	firstState, outcome, err = m.Advance(ctx, firstEnv, firstState, workflow.Trigger{Kind: workflow.TriggerEvent})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)

	require.NoError(t, h.bus.Deliver(ctx, firstID, "production.contract-signed", mustJSON(t, map[string]bool{"rejected": false})))
	firstState, outcome, err = m.Advance(ctx, firstEnv, firstState, workflow.Trigger{Kind: workflow.TriggerEvent})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)
	require.NoError(t, json.Unmarshal(firstState, &fst))
	require.Equal(t, StateContract, fst.Current)
	require.False(t, fst.ExclusivityExpiresAt.IsZero())

	// Second instance starts while the first holds exclusivity: parked in
	// Waitlisted.
	secondInitial, _, err := m.InitialDomainState(params)
	require.NoError(t, err)
	secondEnv := h.env(secondRC)
	secondState, outcome, err := m.Advance(ctx, secondEnv, secondInitial, workflow.Trigger{Kind: workflow.TriggerStart})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)
	require.Equal(t, EventExclusivityReleased, outcome.Wait.EventName)
	var sst State
	require.NoError(t, json.Unmarshal(secondState, &sst))
	require.Equal(t, StateWaitlisted, sst.Current)

	// Second instance re-checks while the first still holds exclusivity: no
	// change, still waiting.
	secondState, outcome, err = m.Advance(ctx, secondEnv, secondState, workflow.Trigger{Kind: workflow.TriggerResume})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)

	// First instance is rejected out of Contract (e.g. financing falls
	// through), releasing exclusivity and promoting the waitlist head.
	_, outcome, err = m.Advance(ctx, firstEnv, firstState, workflow.Trigger{Kind: workflow.TriggerAbort, Reason: "financing_failed"})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeTerminal, outcome.Kind)
	require.True(t, outcome.Failed)

	secondState, outcome, err = m.Advance(ctx, secondEnv, secondState, workflow.Trigger{Kind: workflow.TriggerEvent})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)
	require.NoError(t, json.Unmarshal(secondState, &sst))
	require.Equal(t, StateMeeting, sst.Current)
	require.Equal(t, 1, sst.WaitlistRounds)

	_ = secondID
}

// TestProduction_CapacityExceededRejectsAtInterest covers the capacity guard
// (spec.md §4.E.2): a pitch already over its active-project ceiling rejects a
// brand new interest instance outright, without ever reaching Meeting.
func TestProduction_CapacityExceededRejectsAtInterest(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.entities.PutPitch(providers.Pitch{ID: "pitch-full", ActiveProjects: maxActiveProjects + 1})

	m, err := New()
	require.NoError(t, err)
	_, rc := h.newInstance(t, ctx, "inst-capacity")
	params, _ := json.Marshal(StartParams{
		ProductionCompanyID: "studio-2", PitchID: "pitch-full", CreatorID: "creator-2", InterestType: "purchase",
	})
	initial, _, err := m.InitialDomainState(params)
	require.NoError(t, err)

	env := h.env(rc)
	stateJSON, outcome, err := m.Advance(ctx, env, initial, workflow.Trigger{Kind: workflow.TriggerStart})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeTerminal, outcome.Kind)

	var st State
	require.NoError(t, json.Unmarshal(stateJSON, &st))
	require.Equal(t, StateRejected, st.Current)
	require.Equal(t, "CapacityExceeded", st.RejectReason)
}
