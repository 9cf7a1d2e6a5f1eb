package executor

import (
	"context"
	"time"

	"github.com/R3E-Network/dealflow/internal/eventlog"
)

// WaitStarted records a named-event wait with an absolute deadline.
func (rc *RunContext) WaitStarted(ctx context.Context, eventName string, deadline time.Time) (eventlog.Event, error) {
	return rc.Append(ctx, eventlog.EventWaitStarted, eventlog.WaitStartedPayload{EventName: eventName, Deadline: deadline})
}

// WaitFulfilled records the payload (or a timeout marker) that satisfied the
// most recent WaitStarted.
func (rc *RunContext) WaitFulfilled(ctx context.Context, eventName string, payload []byte, timedOut bool) (eventlog.Event, error) {
	return rc.Append(ctx, eventlog.EventWaitFulfilled, eventlog.WaitFulfilledPayload{EventName: eventName, Payload: payload, TimedOut: timedOut})
}

// SleepStarted records a timed sleep until an absolute wake time.
func (rc *RunContext) SleepStarted(ctx context.Context, until time.Time) (eventlog.Event, error) {
	return rc.Append(ctx, eventlog.EventSleepStarted, eventlog.SleepStartedPayload{Until: until})
}

// SleepFired records that a scheduled sleep has woken the instance.
func (rc *RunContext) SleepFired(ctx context.Context) (eventlog.Event, error) {
	return rc.Append(ctx, eventlog.EventSleepFired, eventlog.SleepFiredPayload{})
}

// TransitionApplied records a legal (from,to) state transition under the
// per-instance write lock (spec.md §4.E.4).
func (rc *RunContext) TransitionApplied(ctx context.Context, from, to string) (eventlog.Event, error) {
	return rc.Append(ctx, eventlog.EventTransitionApplied, eventlog.TransitionAppliedPayload{From: from, To: to})
}

// CompensationApplied records the outcome of popping one compensator off the
// stack.
func (rc *RunContext) CompensationApplied(ctx context.Context, stepName string, succeeded bool, errMsg string) (eventlog.Event, error) {
	return rc.Append(ctx, eventlog.EventCompensationApplied, eventlog.CompensationAppliedPayload{StepName: stepName, Succeeded: succeeded, Error: errMsg})
}

// ExternalEvent records a delivered webhook/event payload being folded into
// the instance's own log (distinct from the mailbox, which merely queues it
// until a matching wait consumes it).
func (rc *RunContext) ExternalEvent(ctx context.Context, eventName string, payload []byte, receivedAt time.Time) (eventlog.Event, error) {
	return rc.Append(ctx, eventlog.EventExternalEvent, eventlog.ExternalEventPayload{EventName: eventName, Payload: payload, ReceivedAt: receivedAt})
}

// AbortRequested records an explicit cancellation request (spec.md §4.F).
func (rc *RunContext) AbortRequested(ctx context.Context, reason string) (eventlog.Event, error) {
	return rc.Append(ctx, eventlog.EventAbortRequested, eventlog.AbortRequestedPayload{Reason: reason})
}
