package executor

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type PolicyKind string

const FIXED PolicyKind = "fixed"
const EXPONENTIAL PolicyKind = "exponential"

// RetryPolicy decides how often and how late a recoverable failure is
// retried. MaxAttempts counts retries, not the first execution.
type RetryPolicy struct {
	MaxAttempts int
	Kind        PolicyKind
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Kind:        FIXED,
		Initial:     30 * time.Second,
		Max:         10 * time.Minute,
		Multiplier:  2.0,
	}
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 0 {
		return fmt.Errorf("retry max attempts can not be negative, got %d", p.MaxAttempts)
	}
	if p.Kind != FIXED && p.Kind != EXPONENTIAL {
		return fmt.Errorf("unknown retry policy %s", p.Kind)
	}
	if p.Initial <= 0 {
		return fmt.Errorf("retry initial backoff must be positive, got %s", p.Initial)
	}
	if p.Kind == EXPONENTIAL && p.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %v", p.Multiplier)
	}
	return nil
}

// Next is the delay before retry number attempt, starting at 1.
func (p RetryPolicy) Next(attempt int) time.Duration {
	if p.Kind != EXPONENTIAL {
		return p.Initial
	}
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
