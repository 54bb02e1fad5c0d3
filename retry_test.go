package certsentinel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollSucceedsAfterTransientFailures(t *testing.T) {
	policy := PollPolicy{Initial: time.Millisecond, Cap: 2 * time.Millisecond, Budget: time.Second}

	attempts := 0
	err := policy.Poll(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("not ready")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPollGivesUpAfterBudget(t *testing.T) {
	policy := PollPolicy{Initial: time.Millisecond, Cap: time.Millisecond, Budget: 20 * time.Millisecond}

	sentinel := errors.New("still broken")
	start := time.Now()
	err := policy.Poll(context.Background(), func() error { return sentinel })
	require.ErrorIs(t, err, sentinel)
	assert.Less(t, time.Since(start), time.Second, "budget must bound the poll")
}

func TestPollStopsOnPermanentError(t *testing.T) {
	policy := PollPolicy{Initial: time.Millisecond, Cap: time.Millisecond, Budget: time.Second}

	attempts := 0
	sentinel := errors.New("fatal")
	err := policy.Poll(context.Background(), func() error {
		attempts++
		return Permanent(sentinel)
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}

func TestPollObservesContextCancellation(t *testing.T) {
	policy := PollPolicy{Initial: 10 * time.Millisecond, Cap: 10 * time.Millisecond, Budget: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := policy.Poll(ctx, func() error { return errors.New("never ready") })
	require.Error(t, err)
}

func TestHealthPollPolicyDefaults(t *testing.T) {
	p := HealthPollPolicy(0)
	assert.Equal(t, 2*time.Second, p.Initial)
	assert.Equal(t, 10*time.Second, p.Cap)
	assert.Equal(t, DefaultHealthBudget, p.Budget)

	p = HealthPollPolicy(time.Minute)
	assert.Equal(t, time.Minute, p.Budget)
}
