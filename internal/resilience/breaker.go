package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/clinicsync/clinicsync/internal/syncerr"
)

// BreakerState is the circuit breaker's current mode.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ErrBreakerOpen is returned without invoking the wrapped operation while
// the circuit is open.
var ErrBreakerOpen = syncerr.New(syncerr.KindOperation, syncerr.CodeInvalidState, "breaker.open")

// CircuitBreaker fails fast after FailureThreshold consecutive failures.
// After ResetTimeout it allows exactly one trial call: success closes the
// circuit, failure reopens it. Timeout, when set, bounds each call.
type CircuitBreaker struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	Timeout          time.Duration

	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailure   time.Time
	trialInFlight bool

	now func() time.Time
}

// NewCircuitBreaker returns a closed breaker with the given thresholds.
func NewCircuitBreaker(failureThreshold int, resetTimeout, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		FailureThreshold: failureThreshold,
		ResetTimeout:     resetTimeout,
		Timeout:          timeout,
		now:              time.Now,
	}
}

// State returns the breaker's current state, accounting for reset-timeout
// expiry.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs op through the breaker.
func (b *CircuitBreaker) Execute(ctx context.Context, op Operation) error {
	if err := b.admit(); err != nil {
		return err
	}

	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	err := op(ctx)
	b.record(err)
	return err
}

// admit decides whether a call may proceed, transitioning open -> half-open
// once the reset timeout has elapsed. At most one trial call runs in
// half-open state.
func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.ResetTimeout {
			return ErrBreakerOpen
		}
		b.state = StateHalfOpen
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return ErrBreakerOpen
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
		if err != nil {
			b.state = StateOpen
			b.lastFailure = b.now()
			return
		}
		b.state = StateClosed
		b.failures = 0
		return
	}

	if err == nil {
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = b.now()
	if b.failures >= b.FailureThreshold {
		b.state = StateOpen
	}
}

// Guard composes a breaker around a retry policy: the wrapped operation is
// retried per policy, and the retry-exhausted outcome counts once toward the
// breaker.
func Guard(b *CircuitBreaker, p *RetryPolicy) func(ctx context.Context, op Operation) error {
	return func(ctx context.Context, op Operation) error {
		return b.Execute(ctx, func(ctx context.Context) error {
			return p.Execute(ctx, op)
		})
	}
}
