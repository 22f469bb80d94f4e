// Package resilience wraps remote operations with retry and circuit-breaker
// behavior. The two compose: the breaker wraps the whole retried operation,
// so a retry-exhausted failure counts once toward opening the circuit.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/clinicsync/clinicsync/internal/syncerr"
)

const minDelay = 100 * time.Millisecond

// Operation is a retryable unit of work.
type Operation func(ctx context.Context) error

// RetryPolicy retries an operation with exponential backoff and jitter.
// Per-code delay overrides (e.g. a longer pause after rate limiting) take
// precedence over the exponential formula.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64

	// Classify decides whether an error is worth retrying. Defaults to
	// syncerr.Retryable.
	Classify func(error) bool

	// DelayOverrides maps error codes to a fixed base delay used instead
	// of the exponential formula.
	DelayOverrides map[syncerr.Code]time.Duration

	// sleep and randFloat are injection points for tests.
	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

// DefaultRetryPolicy mirrors the defaults used for all remote calls: three
// retries, 500ms base delay doubling up to 30s, 20% jitter, and a longer
// fixed pause after rate limiting.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		JitterFactor:      0.2,
		DelayOverrides: map[syncerr.Code]time.Duration{
			syncerr.CodeRateLimited: 5 * time.Second,
		},
	}
}

// Execute runs op up to MaxRetries+1 times. Non-retryable errors and
// context cancellation propagate immediately; the final error is returned
// unwrapped once attempts are exhausted.
func (p *RetryPolicy) Execute(ctx context.Context, op Operation) error {
	classify := p.Classify
	if classify == nil {
		classify = syncerr.Retryable
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; attempt <= p.MaxRetries+1; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !classify(err) || attempt > p.MaxRetries {
			return err
		}
		if serr := sleep(ctx, p.delay(attempt, err)); serr != nil {
			return syncerr.Wrap(syncerr.KindOperation, syncerr.CodeCancelled, "retry", serr)
		}
	}
	return err
}

// delay computes the pause before the next attempt after the attempt-th
// failure, never below the 100ms floor.
func (p *RetryPolicy) delay(attempt int, err error) time.Duration {
	d := p.BaseDelay
	if override, ok := p.DelayOverrides[syncerr.CodeOf(err)]; ok {
		d = override
	} else {
		d = time.Duration(float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1)))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.JitterFactor > 0 {
		rnd := p.randFloat
		if rnd == nil {
			rnd = rand.Float64
		}
		// Uniform jitter in [-JitterFactor, +JitterFactor].
		d = time.Duration(float64(d) * (1 + p.JitterFactor*(2*rnd()-1)))
	}
	if d < minDelay {
		d = minDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
