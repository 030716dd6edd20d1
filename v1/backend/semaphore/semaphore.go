// Package semaphore provides a Locker over a weighted semaphore shared by
// the goroutines of one process.
package semaphore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	muterrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/mutex"
)

var (
	registryMu sync.Mutex
	registry   = make(map[string]*semaphore.Weighted)
)

// Named returns the process wide binary semaphore registered under name,
// creating it on first use.
func Named(name string) *semaphore.Weighted {
	registryMu.Lock()
	defer registryMu.Unlock()
	sem, ok := registry[name]
	if !ok {
		sem = semaphore.NewWeighted(1)
		registry[name] = sem
	}
	return sem
}

// compile-time interface check.
var _ mutex.Locker = (*Semaphore)(nil)

// Semaphore is a Locker taking one unit of a weighted semaphore.
type Semaphore struct {
	name    string
	sem     *semaphore.Weighted
	timeout time.Duration
}

// New returns a Locker over sem giving up after timeout.
func New(name string, sem *semaphore.Weighted, timeout time.Duration) *Semaphore {
	return &Semaphore{name: name, sem: sem, timeout: timeout}
}

// NewMutex returns a Mutex over the named process wide semaphore.
func NewMutex(name string, timeout time.Duration, opts ...mutex.Option) *mutex.LockingMutex {
	return mutex.NewLockingMutex(New(name, Named(name), timeout), opts...)
}

// Lock implements mutex.Locker.Lock.
func (s *Semaphore) Lock(ctx context.Context) (mutex.Attempt, error) {
	if s.timeout < 0 {
		return mutex.Attempt{}, &muterrors.AcquireError{Code: muterrors.CodeInvalidTimeout, Timeout: s.timeout}
	}
	if !s.sem.TryAcquire(1) {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.sem.Acquire(cctx, 1); err != nil {
			if ctx.Err() != nil {
				return mutex.Attempt{}, &muterrors.AcquireError{Code: muterrors.CodeCanceled, Err: ctx.Err()}
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return mutex.Attempt{}, &muterrors.AcquireError{Code: muterrors.CodeTimeout, Timeout: s.timeout}
			}
			return mutex.Attempt{}, err
		}
	}
	return mutex.Attempt{Key: s.name, AcquiredAt: time.Now()}, nil
}

// Unlock implements mutex.Locker.Unlock.
func (s *Semaphore) Unlock(_ context.Context, _ mutex.Attempt) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("release semaphore %s: %v", s.name, r)
		}
	}()
	s.sem.Release(1)
	return nil
}
