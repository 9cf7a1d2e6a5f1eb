package compensation

import (
	"context"

	"github.com/R3E-Network/dealflow/internal/executor"
)

// Compensator reverses one previously-succeeded step. It is executed as a
// fresh, memoized, retried step named "compensate:<original>" — compensation
// is itself durable and resumable (spec.md §4.H).
type Compensator func(ctx context.Context, rc *executor.RunContext) (interface{}, error)

// Resolver maps a step name on the compensation stack back to its
// Compensator. Compensator closures cannot be serialized, so the stack
// itself only ever stores step names (spec.md §9 "use identifiers, not
// pointers"); the domain machine supplies the resolver at compensation time
// using the same static registration it used when the step first ran.
type Resolver func(stepName string) (Compensator, bool)

// Outcome is one popped stack entry's result.
type Outcome struct {
	StepName  string
	Succeeded bool
	Error     string
}

// Run pops stack in LIFO order, executing and recording each compensator.
// A compensator failure is surfaced in the returned Outcome but never stops
// the remaining pops (spec.md §4.H: "do not block further pops").
func Run(ctx context.Context, rc *executor.RunContext, policy executor.RetryPolicy, stack []string, resolve Resolver) []Outcome {
	outcomes := make([]Outcome, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		stepName := stack[i]
		outcome := Outcome{StepName: stepName}

		compensator, ok := resolve(stepName)
		if !ok {
			outcome.Succeeded = false
			outcome.Error = "no compensator registered for step " + stepName
			recordOutcome(ctx, rc, outcome)
			outcomes = append(outcomes, outcome)
			continue
		}

		_, err := executor.Execute(ctx, rc, "compensate:"+stepName, policy, func(ctx context.Context) (interface{}, error) {
			return compensator(ctx, rc)
		})
		if err != nil {
			outcome.Succeeded = false
			outcome.Error = err.Error()
		} else {
			outcome.Succeeded = true
		}
		recordOutcome(ctx, rc, outcome)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func recordOutcome(ctx context.Context, rc *executor.RunContext, outcome Outcome) {
	_, _ = rc.CompensationApplied(ctx, outcome.StepName, outcome.Succeeded, outcome.Error)
}
