// Package workflow defines the shared contract (spec.md §9 "Machine"
// interface) that the Investment, Production and NDA state machines
// implement, and the Environment the scheduler hands them on every advance.
package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/R3E-Network/dealflow/internal/eventlog"
	"github.com/R3E-Network/dealflow/internal/executor"
	"github.com/R3E-Network/dealflow/internal/mailbox"
	"github.com/R3E-Network/dealflow/internal/providers"
	"github.com/R3E-Network/dealflow/internal/registry"
)

// TriggerKind classifies why the scheduler is advancing an instance.
type TriggerKind string

const (
	TriggerStart   TriggerKind = "start"
	TriggerEvent   TriggerKind = "event"
	TriggerTimer   TriggerKind = "timer"
	TriggerAbort   TriggerKind = "abort"
	TriggerResume  TriggerKind = "resume"
)

// Trigger is the cause of one advance (spec.md §4.F entry conditions).
type Trigger struct {
	Kind    TriggerKind
	Reason  string // set for TriggerAbort
}

// OutcomeKind is the suspension reason (or lack thereof) an Advance call
// ends on — one of the four palette entries from spec.md §4.F plus Terminal.
type OutcomeKind string

const (
	OutcomeWaiting      OutcomeKind = "waiting"
	OutcomeSleeping     OutcomeKind = "sleeping"
	OutcomeTerminal     OutcomeKind = "terminal"
	OutcomeCompensating OutcomeKind = "compensating"
)

// Outcome reports how an Advance call ended.
type Outcome struct {
	Kind       OutcomeKind
	Wait       *eventlog.WaitDescriptor
	FinalState string
	Failed     bool
	FailReason string
}

// Environment bundles every collaborator a domain machine's Advance method
// may call into: the run cursor for appending events/executing steps, the
// mailbox for polling waits, egress providers, and the wall clock.
type Environment struct {
	RC        *executor.RunContext
	Mailbox   mailbox.Bus
	Providers providers.Bundle
	Now       func() time.Time
}

// Machine is the shared contract for the three domain state machines
// (spec.md §4.G, §9). DomainState is always opaque JSON at this layer: each
// machine owns its own Go struct and marshals/unmarshals it here so the
// scheduler and registry never need to know the kind-specific shape.
type Machine interface {
	Kind() eventlog.Kind
	Registry() registry.Table

	// ValidateStart checks the kind-specific synchronous start-time rules of
	// spec.md §6.1 (amount bounds, required fields, duplicate-NDA checks,
	// and so on) against an EntityStore. A non-nil error means startWorkflow
	// never creates an instance (spec.md scenario S3).
	ValidateStart(ctx context.Context, entities providers.EntityStore, params json.RawMessage) error

	// PartyIDs extracts the denormalized party ids and pitch id carried on
	// the Instance row so listInstances (§6.1) can filter without replaying
	// every log.
	PartyIDs(params json.RawMessage) (partyIDs []string, pitchID string, err error)

	// InitialDomainState builds the zero-valued domain state for a new
	// instance from its kind-specific start parameters.
	InitialDomainState(params json.RawMessage) (json.RawMessage, string, error)

	// Advance runs the machine forward from state until it must suspend
	// (wait/sleep), reach a terminal, or be halted for compensation. It may
	// execute several steps and apply several transitions internally before
	// returning — the coroutine-shaped control flow described in spec.md §9
	// collapses into this one call per scheduler advance.
	Advance(ctx context.Context, env Environment, state json.RawMessage, trigger Trigger) (newState json.RawMessage, outcome Outcome, err error)
}
