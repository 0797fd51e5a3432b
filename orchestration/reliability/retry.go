package reliability

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds a retried operation.
//
// The delay before attempt n (n >= 2) is BaseDelay * Multiplier^(n-2),
// plus a uniform jitter in [0, BaseDelay) when Jitter is set.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Jitter      bool

	// Classify decides whether a failure is worth retrying.
	// Nil means every error is transient.
	Classify Classifier
}

// DefaultRetryPolicy matches the orchestration-wide defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2.0,
		Jitter:      true,
		Classify:    AlwaysTransient,
	}
}

// Retry executes op under policy and returns the last outcome.
//
// Transient failures are retried up to MaxAttempts with exponential backoff;
// a permanent failure or context cancellation returns immediately.
func Retry(ctx context.Context, policy RetryPolicy, op func(context.Context) error) Outcome {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 2.0
	}
	classify := policy.Classify
	if classify == nil {
		classify = AlwaysTransient
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = policy.BaseDelay
	schedule.Multiplier = policy.Multiplier
	schedule.RandomizationFactor = 0 // jitter applied below, uniform in [0, BaseDelay)
	schedule.MaxInterval = 0
	schedule.MaxElapsedTime = 0 // bounded by attempts, not wall clock
	schedule.Reset()

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: KindTransient, Err: err, Attempts: attempt - 1, Elapsed: time.Since(start)}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return Outcome{Kind: KindOK, Attempts: attempt, Elapsed: time.Since(start)}
		}

		if classify(lastErr) == ClassPermanent {
			return Outcome{Kind: KindPermanent, Err: lastErr, Attempts: attempt, Elapsed: time.Since(start)}
		}

		if attempt == policy.MaxAttempts {
			break
		}

		delay := schedule.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		if policy.Jitter && policy.BaseDelay > 0 {
			delay += time.Duration(rand.Int63n(int64(policy.BaseDelay)))
		}

		slog.Debug("reliability: retrying after transient failure",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"delay_ms", delay.Milliseconds(),
			"error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{Kind: KindTransient, Err: ctx.Err(), Attempts: attempt, Elapsed: time.Since(start)}
		case <-timer.C:
		}
	}

	return Outcome{Kind: KindTransient, Err: lastErr, Attempts: policy.MaxAttempts, Elapsed: time.Since(start)}
}
