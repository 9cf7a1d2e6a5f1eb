// Package scheduler implements component F: the runnable loop that pulls
// workflow instances forward, one advance cycle at a time, under a
// per-instance lock (spec.md §4.F).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/dealflow/internal/clock"
	"github.com/R3E-Network/dealflow/internal/compensation"
	"github.com/R3E-Network/dealflow/internal/dealerrors"
	"github.com/R3E-Network/dealflow/internal/eventlog"
	"github.com/R3E-Network/dealflow/internal/executor"
	"github.com/R3E-Network/dealflow/internal/mailbox"
	"github.com/R3E-Network/dealflow/internal/providers"
	"github.com/R3E-Network/dealflow/internal/workflow"
	"github.com/R3E-Network/dealflow/pkg/logger"
)

// Config controls the scheduler's polling cadence and snapshotting policy.
type Config struct {
	PollInterval  time.Duration
	GCRetention   time.Duration
	SnapshotEvery int64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.GCRetention <= 0 {
		c.GCRetention = 30 * 24 * time.Hour
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 50
	}
	return c
}

// Scheduler is component F. It owns no domain knowledge beyond the
// workflow.Machine registry handed to it: Advance delegates all
// kind-specific behavior to the matching Machine and only handles the
// ambient bookkeeping (locking, persistence, status transitions, wake
// scheduling) common to every kind.
type Scheduler struct {
	cfg Config

	store     eventlog.Store
	bus       mailbox.Bus
	providers providers.Bundle
	machines  map[eventlog.Kind]workflow.Machine
	locks     *compensation.LockManager
	wakes     clock.WakeService
	clk       clock.Clock
	log       *logger.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New builds a Scheduler. machines must cover every eventlog.Kind the
// deployment runs; Advance returns a Fatal error for an unregistered kind.
func New(
	store eventlog.Store,
	bus mailbox.Bus,
	prov providers.Bundle,
	machines map[eventlog.Kind]workflow.Machine,
	wakes clock.WakeService,
	clk clock.Clock,
	log *logger.Logger,
	cfg Config,
) *Scheduler {
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		store:     store,
		bus:       bus,
		providers: prov,
		machines:  machines,
		locks:     compensation.NewLockManager(),
		wakes:     wakes,
		clk:       clk,
		log:       log,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (s *Scheduler) Name() string { return "scheduler" }

// Start runs the poll loop in the background until Stop is called or ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	go s.loop(ctx)
	return nil
}

// Stop signals the poll loop to exit and waits for it to finish.
func (s *Scheduler) Stop(_ context.Context) error {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// pollOnce fires due timers, advances every runnable instance once, and
// garbage-collects stale mailbox entries. Errors from individual instances
// are logged, not propagated — one stuck instance must never stall the
// rest of the fleet (spec.md §4.F).
func (s *Scheduler) pollOnce(ctx context.Context) {
	now := s.clk.Now()

	due, err := s.wakes.DueWakes(ctx, now)
	if err != nil {
		s.log.WithError(err).Error("scheduler: DueWakes failed")
	}
	for _, instanceID := range due {
		if err := s.Advance(ctx, instanceID, workflow.Trigger{Kind: workflow.TriggerTimer}); err != nil {
			s.log.WithError(err).WithField("instance_id", instanceID).Warn("scheduler: timer advance failed")
		}
	}

	runnable, err := s.store.ListInstances(ctx, eventlog.ListFilter{Status: eventlog.StatusRunnable})
	if err != nil {
		s.log.WithError(err).Error("scheduler: ListInstances(runnable) failed")
	}
	for _, inst := range runnable {
		if err := s.Advance(ctx, inst.ID, workflow.Trigger{Kind: workflow.TriggerResume}); err != nil {
			s.log.WithError(err).WithField("instance_id", inst.ID).Warn("scheduler: resume advance failed")
		}
	}

	if reclaimed, err := s.bus.GC(ctx, now.Add(-s.cfg.GCRetention)); err != nil {
		s.log.WithError(err).Error("scheduler: mailbox GC failed")
	} else if reclaimed > 0 {
		s.log.WithField("reclaimed", reclaimed).Debug("scheduler: mailbox GC reclaimed stale messages")
	}
}

// Advance runs one advance cycle for instanceID under its per-instance lock.
// It is safe to call directly (ingress uses it to advance synchronously
// right after startWorkflow/deliverEvent) as well as from the poll loop.
func (s *Scheduler) Advance(ctx context.Context, instanceID string, trigger workflow.Trigger) error {
	release, ok := s.locks.TryAcquire(instanceID)
	if !ok {
		// Another advance is already in flight for this instance; the
		// caller's trigger will be picked up on the next poll or has
		// already been observed by the advance in progress.
		return nil
	}
	defer release()

	inst, err := s.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if isTerminalStatus(inst.Status) {
		// Invariant 5: events against a terminal instance are dropped, not
		// raised as a hard failure.
		return nil
	}

	machine, ok := s.machines[inst.Kind]
	if !ok {
		return dealerrors.Fatal(dealerrors.CodeUnknownStep, fmt.Sprintf("no machine registered for kind %q", inst.Kind), nil)
	}

	snap, hasSnapshot, err := s.store.LatestSnapshot(ctx, instanceID)
	if err != nil {
		return err
	}

	var (
		domainState json.RawMessage
		memo        map[string]json.RawMessage
		version     int64
	)
	if hasSnapshot {
		domainState = snap.DomainState
		memo = snap.StepMemo
		version = snap.Version
	}

	// The latest snapshot can trail the log: a crash (or a transient error)
	// mid-advance may leave events committed past snap.Version with no
	// end-of-advance snapshot to record them. Folding the tail's
	// StepSucceeded outputs into memo and seeding rc.Version from the
	// store's actual current version makes the replayed Advance call both
	// idempotent (memoized steps never re-run their side effects) and free
	// of a spurious ErrVersionConflict on its first Append (spec.md §4.A,
	// §8 crash-injection requirement).
	if memo == nil {
		memo = make(map[string]json.RawMessage)
	}
	if inst.LatestVersion > version {
		tail, err := s.store.ReadRange(ctx, instanceID, version+1, inst.LatestVersion)
		if err != nil {
			return err
		}
		for _, ev := range tail {
			if ev.Kind != eventlog.EventStepSucceeded {
				continue
			}
			var payload eventlog.StepSucceededPayload
			if err := ev.Decode(&payload); err != nil {
				return dealerrors.Fatal(dealerrors.CodeCorruptLog, "decode StepSucceeded tail event", err)
			}
			memo[payload.StepName] = payload.Output
		}
		version = inst.LatestVersion
	}

	rc := executor.NewRunContext(instanceID, s.store, s.log, version, memo)
	env := workflow.Environment{RC: rc, Mailbox: s.bus, Providers: s.providers, Now: s.clk.Now}

	newState, outcome, err := machine.Advance(ctx, env, domainState, trigger)
	if err != nil {
		if dealerrors.IsRetryable(err) {
			// Transient failure mid-advance: leave the instance runnable so
			// the next poll retries it. Whatever steps already succeeded
			// are memoized in rc.Memo and were already appended durably, so
			// the retry picks up where it left off.
			s.log.WithError(err).WithField("instance_id", instanceID).Warn("scheduler: transient advance failure, will retry")
			return nil
		}
		// Domain/Fatal: halt the instance. The domain machine had its
		// chance to turn this into a terminal transition internally; an
		// error escaping Advance means it could not, so the scheduler
		// marks the instance Failed outright.
		_ = s.store.UpdateInstanceStatus(ctx, instanceID, eventlog.StatusFailed, inst.CurrentState, err.Error())
		_ = s.wakes.CancelWake(ctx, instanceID)
		return err
	}

	if err := s.persist(ctx, instanceID, rc, newState, outcome); err != nil {
		return err
	}
	return nil
}

// persist writes the post-advance snapshot and instance row, and arranges
// the next wake if the instance suspended on a wait or sleep.
func (s *Scheduler) persist(ctx context.Context, instanceID string, rc *executor.RunContext, newState json.RawMessage, outcome workflow.Outcome) error {
	snap := eventlog.Snapshot{
		InstanceID:  instanceID,
		Version:     rc.Version,
		DomainState: newState,
		StepMemo:    rc.Memo,
		TakenAt:     s.clk.Now(),
	}
	if outcome.Wait != nil {
		snap.OutstandingWait = outcome.Wait
	}
	if err := s.store.WriteSnapshot(ctx, snap); err != nil {
		return err
	}

	var (
		status    eventlog.Status
		lastError string
	)
	switch outcome.Kind {
	case workflow.OutcomeWaiting:
		status = eventlog.StatusWaiting
		if outcome.Wait != nil {
			if err := s.wakes.ScheduleWake(ctx, instanceID, outcome.Wait.Deadline); err != nil {
				return err
			}
		}
	case workflow.OutcomeSleeping:
		status = eventlog.StatusSleeping
		if outcome.Wait != nil {
			if err := s.wakes.ScheduleWake(ctx, instanceID, outcome.Wait.Deadline); err != nil {
				return err
			}
		}
	case workflow.OutcomeCompensating:
		status = eventlog.StatusCompensating
	case workflow.OutcomeTerminal:
		if err := s.wakes.CancelWake(ctx, instanceID); err != nil {
			return err
		}
		if outcome.Failed {
			status = eventlog.StatusFailed
			lastError = outcome.FailReason
		} else {
			status = eventlog.StatusCompleted
		}
	default:
		return dealerrors.Fatal(dealerrors.CodeCorruptLog, fmt.Sprintf("unknown outcome kind %q", outcome.Kind), nil)
	}

	return s.store.UpdateInstanceStatus(ctx, instanceID, status, outcome.FinalState, lastError)
}

func isTerminalStatus(status eventlog.Status) bool {
	switch status {
	case eventlog.StatusCompleted, eventlog.StatusFailed:
		return true
	default:
		return false
	}
}
