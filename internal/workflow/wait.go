package workflow

import (
	"context"
	"time"

	"github.com/R3E-Network/dealflow/internal/mailbox"
)

// WaitResult is what AttemptWait discovers when a domain machine opens a
// named-event wait.
type WaitResult struct {
	Matched  bool // a message or a crossed deadline resolved the wait now
	TimedOut bool
	Payload  []byte
}

// AttemptWait implements the scheduler's "atomically poll the mailbox"
// behavior from spec.md §4.F: if the deadline has already passed, the wait
// resolves as a timeout; otherwise it non-blockingly checks the mailbox for
// a matching message. Domain machines call this immediately after recording
// WaitStarted so a message that arrived earlier (or a stale deadline) is
// consumed in the same advance instead of needlessly suspending.
func AttemptWait(ctx context.Context, env Environment, eventName string, deadline time.Time, filter mailbox.Filter) (WaitResult, error) {
	now := env.Now()
	if !deadline.IsZero() && !now.Before(deadline) {
		return WaitResult{Matched: true, TimedOut: true}, nil
	}

	msg, ok, err := env.Mailbox.Take(ctx, env.RC.InstanceID, eventName, filter)
	if err != nil {
		return WaitResult{}, err
	}
	if !ok {
		return WaitResult{Matched: false}, nil
	}
	return WaitResult{Matched: true, Payload: msg.Payload}, nil
}
