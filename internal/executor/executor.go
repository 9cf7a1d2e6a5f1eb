package executor

import (
	"context"
	"encoding/json"

	"github.com/cenkalti/backoff/v4"

	"github.com/R3E-Network/dealflow/internal/dealerrors"
	"github.com/R3E-Network/dealflow/internal/eventlog"
)

// Step is a named, idempotent, side-effecting closure (spec.md §4.D). It
// returns the value to memoize (marshaled to JSON) and an error classified
// via dealerrors.
type Step func(ctx context.Context) (interface{}, error)

// Execute runs a named step against rc, honoring memoization: if stepName
// already succeeded (either earlier in the log, loaded into rc.Memo from the
// snapshot+tail replay, or earlier in this very advance), body never runs
// again and the cached output is returned directly.
//
// Step names must be unique per instance and deterministic across replays —
// the memo is keyed on name alone.
func Execute(ctx context.Context, rc *RunContext, stepName string, policy RetryPolicy, body Step) (json.RawMessage, error) {
	if cached, ok := rc.Memo[stepName]; ok {
		return cached, nil
	}

	if _, err := rc.Append(ctx, eventlog.EventStepStarted, eventlog.StepStartedPayload{StepName: stepName}); err != nil {
		return nil, err
	}

	output, err := runWithRetry(ctx, policy, body)
	if err != nil {
		if failErr := appendStepFailed(ctx, rc, stepName, err); failErr != nil {
			return nil, failErr
		}
		return nil, err
	}

	data, err := json.Marshal(output)
	if err != nil {
		marshalErr := dealerrors.Fatal(dealerrors.CodeCorruptLog, "marshal step output", err)
		_ = appendStepFailed(ctx, rc, stepName, marshalErr)
		return nil, marshalErr
	}

	if _, err := rc.Append(ctx, eventlog.EventStepSucceeded, eventlog.StepSucceededPayload{StepName: stepName, Output: data}); err != nil {
		return nil, err
	}
	return data, nil
}

func appendStepFailed(ctx context.Context, rc *RunContext, stepName string, stepErr error) error {
	_, err := rc.Append(ctx, eventlog.EventStepFailed, eventlog.StepFailedPayload{StepName: stepName, Error: stepErr.Error()})
	return err
}

// runWithRetry executes body under policy's backoff schedule, returning the
// last error once attempts are exhausted or a non-retryable error occurs.
func runWithRetry(ctx context.Context, policy RetryPolicy, body Step) (interface{}, error) {
	var (
		output interface{}
		last   error
	)

	op := func() error {
		var err error
		output, err = body(ctx)
		if err == nil {
			return nil
		}
		last = err
		if !policy.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, policy.backoff(ctx))
	if err != nil {
		if last != nil {
			return nil, last
		}
		return nil, err
	}
	return output, nil
}

// ExecuteTyped decodes Execute's output into T for callers that want typed
// step results instead of raw JSON.
func ExecuteTyped[T any](ctx context.Context, rc *RunContext, stepName string, policy RetryPolicy, body func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	data, err := Execute(ctx, rc, stepName, policy, func(ctx context.Context) (interface{}, error) {
		return body(ctx)
	})
	if err != nil {
		return zero, err
	}
	var out T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return zero, dealerrors.Fatal(dealerrors.CodeCorruptLog, "decode memoized step output", err)
		}
	}
	return out, nil
}
