package executor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/R3E-Network/dealflow/internal/dealerrors"
)

// RetryPolicy governs a step's retry behavior (spec.md §4.D). Backoff is
// min(MaxDelay, InitialDelay * Multiplier^n) with optional uniform jitter,
// delegated to github.com/cenkalti/backoff/v4 the way the teacher's
// infrastructure/resilience package wraps it.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	// Retryable classifies an error as retryable. Nil defaults to
	// dealerrors.IsRetryable (Transient class only).
	Retryable func(error) bool
}

// DefaultRetryPolicy is used by steps that do not specify their own.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return dealerrors.IsRetryable(err)
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		bo.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		bo.MaxInterval = p.MaxDelay
	}
	if p.Multiplier > 0 {
		bo.Multiplier = p.Multiplier
	}
	if p.Jitter {
		bo.RandomizationFactor = 0.25
	} else {
		bo.RandomizationFactor = 0
	}
	bo.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	withMax := backoff.WithMaxRetries(bo, uint64(attempts-1))
	return backoff.WithContext(withMax, ctx)
}
