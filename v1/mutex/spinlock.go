package mutex

import (
	"context"
	"fmt"
	"time"

	muterrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/retry"
)

// Acquirer is a backend offering a keyed non-blocking try-lock.
type Acquirer interface {
	// Acquire tries to take key once. It returns false if key is held.
	Acquire(ctx context.Context, key string) (bool, error)
	// Release frees key. It returns false if the backend refused.
	Release(ctx context.Context, key string) (bool, error)
}

// Key builds the namespaced key for name. Every participant contending for
// the same resource must use the same prefix and name.
func Key(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + ":" + name
}

// Spinlock is a Locker polling an Acquirer until the key is taken or the
// acquire timeout elapses.
type Spinlock struct {
	key      string
	acquirer Acquirer
	loop     *retry.Loop
}

// compile-time interface check.
var _ Locker = (*Spinlock)(nil)

// NewSpinlock returns a Spinlock for name.
func NewSpinlock(name string, acquirer Acquirer, timeout time.Duration, opts ...Option) *Spinlock {
	cfg := newConfig(opts)
	return &Spinlock{
		key:      Key(cfg.prefix, name),
		acquirer: acquirer,
		loop:     retry.New(timeout, cfg.retry...),
	}
}

// NewSpinlockMutex returns a Mutex backed by a Spinlock.
func NewSpinlockMutex(name string, acquirer Acquirer, timeout time.Duration, opts ...Option) *LockingMutex {
	return NewLockingMutex(NewSpinlock(name, acquirer, timeout, opts...), opts...)
}

// Key returns the namespaced key.
func (s *Spinlock) Key() string { return s.key }

// Lock implements Locker.Lock.
func (s *Spinlock) Lock(ctx context.Context) (Attempt, error) {
	_, err := retry.Execute(ctx, s.loop, func(ctx context.Context, end func()) (struct{}, error) {
		ok, err := s.acquirer.Acquire(ctx, s.key)
		if err != nil {
			return struct{}{}, fmt.Errorf("acquire %s: %w", s.key, err)
		}
		if ok {
			end()
		}
		return struct{}{}, nil
	})
	if err != nil {
		return Attempt{}, err
	}
	return Attempt{Key: s.key, AcquiredAt: time.Now()}, nil
}

// Unlock implements Locker.Unlock.
func (s *Spinlock) Unlock(ctx context.Context, a Attempt) error {
	ok, err := s.acquirer.Release(ctx, a.Key)
	if err != nil {
		return fmt.Errorf("release %s: %w", a.Key, err)
	}
	if !ok {
		return fmt.Errorf("release %s: %w", a.Key, muterrors.ErrReleaseFailed)
	}
	return nil
}
