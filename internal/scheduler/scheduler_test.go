package scheduler_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/dealflow/internal/clock"
	"github.com/R3E-Network/dealflow/internal/dealerrors"
	"github.com/R3E-Network/dealflow/internal/domain/investment"
	"github.com/R3E-Network/dealflow/internal/eventlog"
	"github.com/R3E-Network/dealflow/internal/mailbox"
	"github.com/R3E-Network/dealflow/internal/providers"
	"github.com/R3E-Network/dealflow/internal/scheduler"
	"github.com/R3E-Network/dealflow/internal/workflow"
	"github.com/R3E-Network/dealflow/pkg/logger"
)

// crashAfterNStore wraps a real Store and, after the Nth event it durably
// commits, reports that Append call back to the caller as a Transient
// failure instead of success — the nearest single-process approximation of
// "the process died right after the write landed, before anything could act
// on the success return." Every other Store method passes straight through.
type crashAfterNStore struct {
	eventlog.Store
	mu      sync.Mutex
	appends int
	crashAt int
}

func (c *crashAfterNStore) Append(ctx context.Context, instanceID string, expectedVersion int64, events []eventlog.Event) (int64, error) {
	newVersion, err := c.Store.Append(ctx, instanceID, expectedVersion, events)
	if err != nil {
		return newVersion, err
	}
	c.mu.Lock()
	c.appends++
	crash := c.crashAt > 0 && c.appends == c.crashAt
	c.mu.Unlock()
	if crash {
		return newVersion, dealerrors.Transient(dealerrors.CodeProviderUnavailable, "simulated crash immediately after commit", nil)
	}
	return newVersion, nil
}

// countingEntities wraps a MemoryEntities and counts GetUser calls, so a
// test can tell whether a step's side effect ran once or was re-run on
// replay.
type countingEntities struct {
	*providers.MemoryEntities
	mu           sync.Mutex
	getUserCalls int
}

func (c *countingEntities) GetUser(ctx context.Context, userID string) (providers.User, error) {
	c.mu.Lock()
	c.getUserCalls++
	c.mu.Unlock()
	return c.MemoryEntities.GetUser(ctx, userID)
}

// TestScheduler_Advance_ResumesAfterCrashWithoutRerunningSteps covers §4.A
// and §8: a process crash that commits an event past the latest snapshot
// must not lose that event's effect, and resuming must not re-run the step
// that already succeeded.
func TestScheduler_Advance_ResumesAfterCrashWithoutRerunningSteps(t *testing.T) {
	ctx := context.Background()

	entities := &countingEntities{MemoryEntities: providers.NewMemoryEntities()}
	entities.PutUser(providers.User{
		ID: "investor-1", Verified: true, Accredited: true, TrustScore: 90,
	})

	store := &crashAfterNStore{Store: eventlog.NewMemoryStore()}
	bus := mailbox.NewMemoryBus()
	bundle := providers.Bundle{
		Entities:      entities,
		Templates:     providers.NewMemoryTemplates(),
		Payments:      providers.NewMemoryPayments(),
		Signatures:    providers.NewMemorySignatures(),
		Notifications: providers.NewMemoryNotifications(),
	}

	machine, err := investment.New()
	require.NoError(t, err)
	machines := map[eventlog.Kind]workflow.Machine{eventlog.KindInvestment: machine}

	wakes := clock.NewMemoryWakeService()
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	log := logger.NewDefault("scheduler-test")

	sched := scheduler.New(store, bus, bundle, machines, wakes, clk, log, scheduler.Config{PollInterval: time.Hour})

	params, _ := json.Marshal(investment.StartParams{
		InvestorID: "investor-1", CreatorID: "creator-1", PitchID: "pitch-1",
		ProposedAmount: 50_000, InvestmentType: "equity", NDAAccepted: true,
	})
	domainState, stateName, err := machine.InitialDomainState(params)
	require.NoError(t, err)
	partyIDs, pitchID, err := machine.PartyIDs(params)
	require.NoError(t, err)

	inst, err := store.CreateInstance(ctx, eventlog.Instance{
		ID: "inst-crash-1", Kind: eventlog.KindInvestment, Status: eventlog.StatusRunnable,
		CurrentState: stateName, PartyIDs: partyIDs, PitchID: pitchID,
	})
	require.NoError(t, err)
	require.NoError(t, store.WriteSnapshot(ctx, eventlog.Snapshot{
		InstanceID: inst.ID, Version: 0, DomainState: domainState, TakenAt: clk.Now(),
	}))

	// Crash right after the 2nd durable append: StepStarted("qualification-check")
	// then StepSucceeded("qualification-check") land, then the process "dies"
	// before the transition out of Interest and before persist() ever runs.
	store.crashAt = 2

	err = sched.Advance(ctx, inst.ID, workflow.Trigger{Kind: workflow.TriggerStart})
	require.NoError(t, err, "a retryable mid-advance failure must not escape Advance")

	crashed, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), crashed.LatestVersion, "the step's two events must have survived the simulated crash")
	require.Equal(t, eventlog.StatusRunnable, crashed.Status, "a retryable failure leaves the instance runnable for the next poll")
	require.Equal(t, 1, entities.getUserCalls, "qualification-check's side effect ran exactly once before the crash")

	snap, ok, err := store.LatestSnapshot(ctx, inst.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(0), snap.Version, "no end-of-advance snapshot was ever written")

	// Resume: disable the crash and advance again, simulating the scheduler
	// picking the instance back up after a restart.
	store.crashAt = 0
	err = sched.Advance(ctx, inst.ID, workflow.Trigger{Kind: workflow.TriggerResume})
	require.NoError(t, err)

	require.Equal(t, 2, entities.getUserCalls,
		"qualification-check must not re-run on replay (memoized from the tail fold); "+
			"verify-accreditation is a distinct step and runs for the first time here")

	resumed, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, eventlog.StatusWaiting, resumed.Status, "advance should run through to the creator-decision wait")

	finalSnap, ok, err := store.LatestSnapshot(ctx, inst.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, resumed.LatestVersion, finalSnap.Version, "the post-resume snapshot must cover every event, including the pre-crash tail")
}
