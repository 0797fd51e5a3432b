package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2.0,
		Classify:    AlwaysTransient,
	}
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	outcome := Retry(context.Background(), fastPolicy(3), func(context.Context) error {
		return nil
	})
	assert.True(t, outcome.OK())
	assert.Equal(t, 1, outcome.Attempts)
}

func TestRetryRecoversFromTransient(t *testing.T) {
	calls := 0
	outcome := Retry(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	assert.True(t, outcome.OK())
	assert.Equal(t, 3, outcome.Attempts)
}

func TestRetryExhaustsBudget(t *testing.T) {
	failure := errors.New("always down")
	calls := 0
	outcome := Retry(context.Background(), fastPolicy(3), func(context.Context) error {
		calls++
		return failure
	})
	assert.Equal(t, KindTransient, outcome.Kind)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, outcome.Err, failure)
}

func TestRetryStopsOnPermanent(t *testing.T) {
	permanent := errors.New("bad request")
	policy := fastPolicy(5)
	policy.Classify = func(err error) Class {
		if errors.Is(err, permanent) {
			return ClassPermanent
		}
		return ClassTransient
	}
	calls := 0
	outcome := Retry(context.Background(), policy, func(context.Context) error {
		calls++
		return permanent
	})
	assert.Equal(t, KindPermanent, outcome.Kind)
	assert.Equal(t, 1, calls, "permanent failures are not retried")
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := fastPolicy(10)
	policy.BaseDelay = time.Hour // would block without cancellation

	done := make(chan Outcome, 1)
	go func() {
		done <- Retry(ctx, policy, func(context.Context) error {
			return errors.New("flaky")
		})
	}()
	cancel()

	select {
	case outcome := <-done:
		assert.False(t, outcome.OK())
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func TestOutcomePredicates(t *testing.T) {
	assert.True(t, Outcome{Kind: KindOK}.OK())
	assert.True(t, Outcome{Kind: KindTransient}.Retryable())
	assert.True(t, Outcome{Kind: KindOpenCircuit}.Retryable())
	assert.False(t, Outcome{Kind: KindPermanent}.Retryable())
	assert.False(t, Outcome{Kind: KindOK}.Retryable())
}
