package nda

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
	"github.com/R3E-Network/dealflow/internal/risk"
	"github.com/R3E-Network/dealflow/internal/workflow"
	"github.com/R3E-Network/dealflow/pkg/logger"
)

type harness struct {
	store   *eventlog.MemoryStore
	bus     *mailbox.MemoryBus
	entities *providers.MemoryEntities
	templates *providers.MemoryTemplates
	sigs    *providers.MemorySignatures
	notifs  *providers.MemoryNotifications
	now     time.Time
}

func newHarness() *harness {
	return &harness{
		store:     eventlog.NewMemoryStore(),
		bus:       mailbox.NewMemoryBus(),
		entities:  providers.NewMemoryEntities(),
		templates: providers.NewMemoryTemplates(),
		sigs:      providers.NewMemorySignatures(),
		notifs:    providers.NewMemoryNotifications(),
		now:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (h *harness) env(instanceID string, rc *executor.RunContext) workflow.Environment {
	return workflow.Environment{
		RC:      rc,
		Mailbox: h.bus,
		Providers: providers.Bundle{
			Entities:      h.entities,
			Templates:     h.templates,
			Signatures:    h.sigs,
			Notifications: h.notifs,
		},
		Now: func() time.Time { return h.now },
	}
}

func (h *harness) newInstance(t *testing.T, ctx context.Context) (string, *executor.RunContext) {
	t.Helper()
	inst, err := h.store.CreateInstance(ctx, eventlog.Instance{
		ID:   "inst-1",
		Kind: eventlog.KindNDA,
	})
	require.NoError(t, err)
	rc := executor.NewRunContext(inst.ID, h.store, logger.NewDefault("nda-test"), 0, nil)
	return inst.ID, rc
}

func TestNDA_S6_AutoApproveToActive(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.entities.PutUser(providers.User{
		ID: "investor-1", EmailVerified: true, PhoneVerified: true, IdentityVerified: true,
		TrustScore: 90, AccountAgeDays: 400,
	})
	h.templates.PutTemplate(providers.Template{ID: "tpl-std", Type: "standard"})

	instanceID, rc := h.newInstance(t, ctx)
	m, err := New()
	require.NoError(t, err)

	params, _ := json.Marshal(StartParams{
		RequesterID: "investor-1", RequesterType: "investor", RequesterEmail: "i@example.com",
		PitchID: "pitch-1", CreatorID: "creator-1", TemplateID: "tpl-std", DurationMonths: 24,
	})
	initial, current, err := m.InitialDomainState(params)
	require.NoError(t, err)
	require.Equal(t, StateDraft, current)

	env := h.env(instanceID, rc)
	stateJSON, outcome, err := m.Advance(ctx, env, initial, workflow.Trigger{Kind: workflow.TriggerStart})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)
	require.Equal(t, EventEnvelope, outcome.Wait.EventName)

	var st State
	require.NoError(t, json.Unmarshal(stateJSON, &st))
	require.Equal(t, StatePending, st.Current)
	require.Equal(t, risk.RouteAutoApprove, st.Route)

	require.NoError(t, h.bus.Deliver(ctx, instanceID, EventEnvelope, mustJSON(t, map[string]string{"type": "delivered"})))
	stateJSON, outcome, err = m.Advance(ctx, env, stateJSON, workflow.Trigger{Kind: workflow.TriggerEvent})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)
	require.NoError(t, json.Unmarshal(stateJSON, &st))
	require.Equal(t, StateViewed, st.Current)

	require.NoError(t, h.bus.Deliver(ctx, instanceID, EventEnvelope, mustJSON(t, map[string]string{"type": "completed"})))
	stateJSON, outcome, err = m.Advance(ctx, env, stateJSON, workflow.Trigger{Kind: workflow.TriggerEvent})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeSleeping, outcome.Kind)
	require.NoError(t, json.Unmarshal(stateJSON, &st))
	require.Equal(t, StateActive, st.Current)
	require.Equal(t, h.now.AddDate(0, 24, 0), st.ExpiresAt)

	h.now = st.ExpiresAt.Add(time.Hour)
	env = h.env(instanceID, rc)
	stateJSON, outcome, err = m.Advance(ctx, env, stateJSON, workflow.Trigger{Kind: workflow.TriggerTimer})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeTerminal, outcome.Kind)
	require.NoError(t, json.Unmarshal(stateJSON, &st))
	require.Equal(t, StateExpired, st.Current)
}

func TestNDA_S7_PriorBreachRoutesToLegalReviewAndRejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.entities.PutUser(providers.User{
		ID: "investor-2", EmailVerified: true, PhoneVerified: true, IdentityVerified: true,
		TrustScore: 90, AccountAgeDays: 400, PriorNDABreaches: 1,
	})
	h.templates.PutTemplate(providers.Template{ID: "tpl-std", Type: "standard"})

	instanceID, rc := h.newInstance(t, ctx)
	m, err := New()
	require.NoError(t, err)

	params, _ := json.Marshal(StartParams{
		RequesterID: "investor-2", RequesterType: "investor", RequesterEmail: "i2@example.com",
		PitchID: "pitch-2", CreatorID: "creator-1", TemplateID: "tpl-std", DurationMonths: 24,
	})
	initial, _, err := m.InitialDomainState(params)
	require.NoError(t, err)

	env := h.env(instanceID, rc)
	stateJSON, outcome, err := m.Advance(ctx, env, initial, workflow.Trigger{Kind: workflow.TriggerStart})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)
	require.Equal(t, EventReview, outcome.Wait.EventName)

	var st State
	require.NoError(t, json.Unmarshal(stateJSON, &st))
	require.Equal(t, risk.RouteLegalReview, st.Route)
	require.True(t, st.Risk.RequiresReview)

	require.NoError(t, h.bus.Deliver(ctx, instanceID, EventReview, mustJSON(t, map[string]bool{"approved": false})))
	stateJSON, outcome, err = m.Advance(ctx, env, stateJSON, workflow.Trigger{Kind: workflow.TriggerEvent})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeTerminal, outcome.Kind)
	require.NoError(t, json.Unmarshal(stateJSON, &st))
	require.Equal(t, StateRejected, st.Current)
}

func TestNDA_ReviewTimeout_Rejects(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.entities.PutUser(providers.User{
		ID: "investor-3", EmailVerified: false, PhoneVerified: false, IdentityVerified: false,
		TrustScore: 90, AccountAgeDays: 3,
	})
	h.templates.PutTemplate(providers.Template{ID: "tpl-std", Type: "standard"})

	instanceID, rc := h.newInstance(t, ctx)
	m, err := New()
	require.NoError(t, err)
	params, _ := json.Marshal(StartParams{
		RequesterID: "investor-3", RequesterType: "investor", RequesterEmail: "i3@example.com",
		PitchID: "pitch-3", CreatorID: "creator-1", TemplateID: "tpl-std", DurationMonths: 12,
	})
	initial, _, err := m.InitialDomainState(params)
	require.NoError(t, err)

	env := h.env(instanceID, rc)
	stateJSON, outcome, err := m.Advance(ctx, env, initial, workflow.Trigger{Kind: workflow.TriggerStart})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeWaiting, outcome.Kind)

	h.now = outcome.Wait.Deadline.Add(time.Minute)
	env = h.env(instanceID, rc)
	stateJSON, outcome, err = m.Advance(ctx, env, stateJSON, workflow.Trigger{Kind: workflow.TriggerTimer})
	require.NoError(t, err)
	require.Equal(t, workflow.OutcomeTerminal, outcome.Kind)

	var st State
	require.NoError(t, json.Unmarshal(stateJSON, &st))
	require.Equal(t, StateRejected, st.Current)
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
