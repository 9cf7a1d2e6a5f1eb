// Package engine implements component §6.1: the ingress operations every
// caller (HTTP handler, webhook receiver, CLI) drives the workflow runtime
// through. It never touches a domain machine's internal state directly —
// everything routes through the scheduler so locking and persistence stay
// uniform across kinds.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/dealflow/internal/dealerrors"
	"github.com/R3E-Network/dealflow/internal/eventlog"
	"github.com/R3E-Network/dealflow/internal/mailbox"
	"github.com/R3E-Network/dealflow/internal/providers"
	"github.com/R3E-Network/dealflow/internal/scheduler"
	"github.com/R3E-Network/dealflow/internal/workflow"
	"github.com/R3E-Network/dealflow/pkg/logger"
)

// Status is the caller-facing shape of getStatus (spec.md §6.1).
type Status struct {
	InstanceID           string
	Status               eventlog.Status
	CurrentState         string
	LastVersion          int64
	LastError            string
	CompensationOutcomes json.RawMessage
}

// Engine wires the ingress operations to a Store, a Bus, the provider
// bundle, and a Scheduler used to advance an instance synchronously right
// after an ingress call changes its world (spec.md §4.F: start/event/abort
// are all "make it runnable, then run it now" rather than waiting for the
// next poll tick).
type Engine struct {
	store     eventlog.Store
	bus       mailbox.Bus
	providers providers.Bundle
	machines  map[eventlog.Kind]workflow.Machine
	sched     *scheduler.Scheduler
	log       *logger.Logger
}

func New(
	store eventlog.Store,
	bus mailbox.Bus,
	prov providers.Bundle,
	machines map[eventlog.Kind]workflow.Machine,
	sched *scheduler.Scheduler,
	log *logger.Logger,
) *Engine {
	return &Engine{store: store, bus: bus, providers: prov, machines: machines, sched: sched, log: log}
}

// StartWorkflow validates params against the kind's synchronous start-time
// rules, creates the instance row (idempotently, if clientToken is set),
// and advances it once so the caller sees its first suspension point
// immediately rather than waiting for the scheduler's next poll.
func (e *Engine) StartWorkflow(ctx context.Context, kind eventlog.Kind, params json.RawMessage, clientToken string) (string, error) {
	machine, ok := e.machines[kind]
	if !ok {
		return "", dealerrors.Domain(dealerrors.CodeValidationFailed, "unknown workflow kind", nil)
	}

	if clientToken != "" {
		if existing, found, err := e.store.FindInstanceByClientToken(ctx, clientToken); err != nil {
			return "", err
		} else if found {
			return existing.ID, nil
		}
	}

	if err := machine.ValidateStart(ctx, e.providers.Entities, params); err != nil {
		return "", err
	}

	domainState, stateName, err := machine.InitialDomainState(params)
	if err != nil {
		return "", err
	}
	partyIDs, pitchID, err := machine.PartyIDs(params)
	if err != nil {
		return "", err
	}

	inst, err := e.store.CreateInstance(ctx, eventlog.Instance{
		ID:           uuid.NewString(),
		Kind:         kind,
		Status:       eventlog.StatusRunnable,
		CurrentState: stateName,
		ClientToken:  clientToken,
		PartyIDs:     partyIDs,
		PitchID:      pitchID,
	})
	if err != nil {
		return "", err
	}

	if err := e.store.WriteSnapshot(ctx, eventlog.Snapshot{
		InstanceID:  inst.ID,
		Version:     0,
		DomainState: domainState,
		TakenAt:     time.Now().UTC(),
	}); err != nil {
		return "", err
	}

	if err := e.sched.Advance(ctx, inst.ID, workflow.Trigger{Kind: workflow.TriggerStart}); err != nil {
		return inst.ID, err
	}
	return inst.ID, nil
}

// DeliverEvent enqueues an external event for instanceId and advances it
// once. Delivery itself is at-least-once and always succeeds once the
// message is durably queued, even if the instance is not currently waiting
// on eventName — a redundant or out-of-order delivery just sits in the
// mailbox until (if ever) a matching wait consumes it (spec.md §6.1).
func (e *Engine) DeliverEvent(ctx context.Context, instanceID, eventName string, payload json.RawMessage) error {
	if err := e.bus.Deliver(ctx, instanceID, eventName, payload); err != nil {
		return err
	}
	return e.sched.Advance(ctx, instanceID, workflow.Trigger{Kind: workflow.TriggerEvent})
}

// GetStatus reports an instance's coarse lifecycle state (spec.md §6.1,
// §7's "last terminal reason, last step that failed, and the compensation
// outcome list"). The compensation outcome list lives inside the
// kind-specific domain state blob, so it is returned as opaque JSON for the
// caller to decode with the same domain package that produced it.
func (e *Engine) GetStatus(ctx context.Context, instanceID string) (Status, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return Status{}, err
	}
	snap, ok, err := e.store.LatestSnapshot(ctx, instanceID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		InstanceID:   inst.ID,
		Status:       inst.Status,
		CurrentState: inst.CurrentState,
		LastVersion:  inst.LatestVersion,
		LastError:    inst.LastError,
	}
	if ok {
		st.CompensationOutcomes = snap.DomainState
	}
	return st, nil
}

// ListInstances pages instances by kind/party/pitch/status filter (spec.md
// §6.1).
func (e *Engine) ListInstances(ctx context.Context, filter eventlog.ListFilter) ([]eventlog.Instance, error) {
	return e.store.ListInstances(ctx, filter)
}

// Abort requests early termination of instanceID (spec.md §6.1, §4.H). It
// is delivered as a TriggerAbort advance rather than a mailbox message: an
// abort is an operator/ingress-initiated control action, not a business
// event the domain machine waits on.
func (e *Engine) Abort(ctx context.Context, instanceID, reason string) error {
	return e.sched.Advance(ctx, instanceID, workflow.Trigger{Kind: workflow.TriggerAbort, Reason: reason})
}
