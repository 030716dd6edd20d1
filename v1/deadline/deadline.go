// Package deadline bounds blocking lock calls in time. Timer races the
// blocking call against a timer; Poll spins on the non-blocking variant and
// is the fallback for resources that must not be left with a pending call.
package deadline

import (
	"context"
	"time"

	muterrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/retry"
)

// Blocking is a resource offering both a blocking and a non-blocking lock.
type Blocking interface {
	Lock() error
	TryLock() (bool, error)
	Unlock() error
}

// Strategy acquires a Blocking resource within timeout.
type Strategy interface {
	Acquire(ctx context.Context, timeout time.Duration, b Blocking) error
}

// Default returns the strategy used when none is configured.
func Default() Strategy { return Timer{} }

// Timer runs the blocking Lock on its own goroutine and gives up when the
// timeout fires. A Lock that completes after giving up is released at once.
type Timer struct{}

// Acquire implements Strategy.Acquire.
func (Timer) Acquire(ctx context.Context, timeout time.Duration, b Blocking) error {
	if timeout < 0 {
		return &muterrors.AcquireError{Code: muterrors.CodeInvalidTimeout, Timeout: timeout}
	}
	done := make(chan error, 1)
	go func() { done <- b.Lock() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return &muterrors.AcquireError{Code: muterrors.CodeBackend, Err: err}
		}
		return nil
	case <-timer.C:
		abandon(done, b)
		return &muterrors.AcquireError{Code: muterrors.CodeTimeout, Timeout: timeout}
	case <-ctx.Done():
		abandon(done, b)
		return &muterrors.AcquireError{Code: muterrors.CodeCanceled, Err: ctx.Err()}
	}
}

func abandon(done <-chan error, b Blocking) {
	go func() {
		if err := <-done; err == nil {
			_ = b.Unlock()
		}
	}()
}

// Poll spins on TryLock through a retry loop.
type Poll struct {
	Options []retry.Option
}

// Acquire implements Strategy.Acquire.
func (p Poll) Acquire(ctx context.Context, timeout time.Duration, b Blocking) error {
	_, err := retry.Execute(ctx, retry.New(timeout, p.Options...), func(ctx context.Context, end func()) (struct{}, error) {
		ok, err := b.TryLock()
		if err != nil {
			return struct{}{}, &muterrors.AcquireError{Code: muterrors.CodeBackend, Err: err}
		}
		if ok {
			end()
		}
		return struct{}{}, nil
	})
	return err
}
