package certsentinel

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PollPolicy is the one bounded retry-with-backoff shape every component
// that waits on external state uses: process health, certificate issuance.
type PollPolicy struct {
	Initial time.Duration // first delay
	Cap     time.Duration // maximum delay between polls
	Budget  time.Duration // total elapsed time before giving up
}

// HealthPollPolicy is the default policy for waiting on the terminator to
// come back healthy after a restart.
func HealthPollPolicy(budget time.Duration) PollPolicy {
	if budget <= 0 {
		budget = DefaultHealthBudget
	}
	return PollPolicy{Initial: 2 * time.Second, Cap: 10 * time.Second, Budget: budget}
}

// Poll runs op under the policy until it succeeds, the budget elapses, or
// ctx is cancelled. op failures inside the budget are retried; the last
// error is returned on exhaustion.
func (p PollPolicy) Poll(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.MaxInterval = p.Cap
	eb.MaxElapsedTime = p.Budget
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	return backoff.Retry(op, backoff.WithContext(eb, ctx))
}

// Permanent marks an error as non-retryable so Poll gives up immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
