// Package retry implements the bounded polling loop used by every spinning
// lock strategy. A step is invoked repeatedly, with randomized exponential
// backoff in between, until it signals completion or the deadline passes.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	muterrors "github.com/mirkobrombin/go-mutex/v1/errors"
)

const (
	DefaultMinBackoff = 100 * time.Microsecond
	DefaultMaxBackoff = 50 * time.Millisecond
	DefaultFactor     = 1.5
)

// Step is one attempt of the loop. Calling end stops the loop after the step
// returns; the value returned by the last step is the loop's result.
type Step[T any] func(ctx context.Context, end func()) (T, error)

// Loop holds the timing parameters of a retry loop. A Loop carries no state
// between executions and may be shared.
type Loop struct {
	timeout time.Duration
	min     time.Duration
	max     time.Duration
	factor  float64
}

// Option configures a Loop.
type Option func(*Loop)

// WithBackoff sets the bounds of the sleep between two attempts.
func WithBackoff(min, max time.Duration) Option {
	return func(l *Loop) {
		if min > 0 {
			l.min = min
		}
		if max >= l.min {
			l.max = max
		}
	}
}

// WithFactor sets the geometric growth of the backoff per iteration.
func WithFactor(f float64) Option {
	return func(l *Loop) {
		if f >= 1 {
			l.factor = f
		}
	}
}

// New returns a Loop that gives up after timeout.
func New(timeout time.Duration, opts ...Option) *Loop {
	l := &Loop{
		timeout: timeout,
		min:     DefaultMinBackoff,
		max:     DefaultMaxBackoff,
		factor:  DefaultFactor,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Timeout returns the configured timeout.
func (l *Loop) Timeout() time.Duration { return l.timeout }

// Execute runs step until it calls end or the loop's timeout elapses. A zero
// timeout runs exactly one attempt. Errors returned by step abort the loop
// and are returned unchanged.
func Execute[T any](ctx context.Context, l *Loop, step Step[T]) (T, error) {
	var result T
	if l.timeout < 0 {
		return result, &muterrors.AcquireError{Code: muterrors.CodeInvalidTimeout, Timeout: l.timeout}
	}

	deadline := time.Now().Add(l.timeout)
	ended := false
	end := func() { ended = true }

	for i := 0; ; i++ {
		var err error
		result, err = step(ctx, end)
		if err != nil {
			return result, err
		}
		if ended {
			return result, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			var zero T
			return zero, &muterrors.AcquireError{Code: muterrors.CodeTimeout, Timeout: l.timeout}
		}

		timer := time.NewTimer(l.backoff(i, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, &muterrors.AcquireError{Code: muterrors.CodeCanceled, Err: ctx.Err()}
		case <-timer.C:
		}
	}
}

func (l *Loop) backoff(i int, remaining time.Duration) time.Duration {
	lo := time.Duration(float64(l.min) * math.Pow(l.factor, float64(i)))
	if lo > l.max || lo <= 0 {
		lo = l.max
	}
	hi := 2 * lo
	if hi > l.max {
		hi = l.max
	}
	if lo > remaining {
		lo = remaining
	}
	if hi > remaining {
		hi = remaining
	}
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}
