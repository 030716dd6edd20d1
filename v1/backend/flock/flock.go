// Package flock provides a file-lock Locker built on flock(2).
package flock

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/mirkobrombin/go-mutex/v1/deadline"
	"github.com/mirkobrombin/go-mutex/v1/mutex"
)

// compile-time interface check.
var _ mutex.Locker = (*Lock)(nil)

// Lock excludes holders across processes with an advisory lock on a file.
// Every acquisition opens a fresh descriptor, so concurrent callers in the
// same process block each other too.
type Lock struct {
	path     string
	timeout  time.Duration
	strategy deadline.Strategy
}

// Option configures a Lock.
type Option func(*Lock)

// WithStrategy selects how the blocking flock call is bounded in time.
func WithStrategy(s deadline.Strategy) Option {
	return func(l *Lock) {
		if s != nil {
			l.strategy = s
		}
	}
}

// New creates a Lock on path giving up after timeout.
func New(path string, timeout time.Duration, opts ...Option) *Lock {
	l := &Lock{path: path, timeout: timeout, strategy: deadline.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewMutex returns a Mutex guarded by a file lock on path.
func NewMutex(path string, timeout time.Duration, opts ...Option) *mutex.LockingMutex {
	return mutex.NewLockingMutex(New(path, timeout, opts...))
}

// Lock implements mutex.Locker.Lock.
func (l *Lock) Lock(ctx context.Context) (mutex.Attempt, error) {
	fl := flock.New(l.path)
	if err := l.strategy.Acquire(ctx, l.timeout, fl); err != nil {
		return mutex.Attempt{}, fmt.Errorf("acquire flock %s: %w", l.path, err)
	}
	return mutex.Attempt{Key: l.path, AcquiredAt: time.Now(), Resource: fl}, nil
}

// Unlock implements mutex.Locker.Unlock.
func (l *Lock) Unlock(_ context.Context, a mutex.Attempt) error {
	fl, ok := a.Resource.(*flock.Flock)
	if !ok {
		return fmt.Errorf("release flock %s: attempt holds no file lock", l.path)
	}
	if err := fl.Unlock(); err != nil {
		return fmt.Errorf("release flock %s: %w", l.path, err)
	}
	return nil
}
