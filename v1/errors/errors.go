package errors

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrAcquire matches every error returned when a lock could not be obtained.
	// When it matches, the critical section was never executed.
	ErrAcquire = errors.New("mutex: acquire failed")
	// ErrRelease matches every error returned after the critical section ran
	// but the lock could not be released cleanly.
	ErrRelease = errors.New("mutex: release failed")

	ErrTimeout          = errors.New("mutex: acquire timed out")
	ErrNotEnoughServers = errors.New("mutex: not enough servers reachable")
	ErrInvalidTimeout   = errors.New("mutex: timeout must not be negative")
	ErrOutsideLock      = errors.New("mutex: executed outside of the lock")
	ErrReleaseFailed    = errors.New("mutex: backend refused release")
)

// Code distinguishes the reasons an acquisition can fail.
type Code int

const (
	CodeBackend Code = iota
	CodeTimeout
	CodeNotEnoughServers
	CodeInvalidTimeout
	CodeCanceled
)

func (c Code) String() string {
	switch c {
	case CodeTimeout:
		return "timeout"
	case CodeNotEnoughServers:
		return "not_enough_servers"
	case CodeInvalidTimeout:
		return "invalid_timeout"
	case CodeCanceled:
		return "canceled"
	default:
		return "backend"
	}
}

// AcquireError reports that a lock was never obtained.
type AcquireError struct {
	Code Code
	// Timeout is the configured acquire timeout, set for CodeTimeout and
	// CodeInvalidTimeout.
	Timeout time.Duration
	Err     error
}

func (e *AcquireError) Error() string {
	switch e.Code {
	case CodeTimeout:
		return fmt.Sprintf("mutex: acquire timed out after %s", seconds(e.Timeout))
	case CodeInvalidTimeout:
		return fmt.Sprintf("mutex: invalid acquire timeout %s", seconds(e.Timeout))
	case CodeNotEnoughServers:
		if e.Err != nil {
			return "mutex: not enough servers reachable: " + e.Err.Error()
		}
		return "mutex: not enough servers reachable"
	}
	if e.Err != nil {
		return "mutex: acquire failed: " + e.Err.Error()
	}
	return "mutex: acquire failed"
}

func (e *AcquireError) Unwrap() []error {
	errs := []error{ErrAcquire}
	switch e.Code {
	case CodeTimeout:
		errs = append(errs, ErrTimeout)
	case CodeNotEnoughServers:
		errs = append(errs, ErrNotEnoughServers)
	case CodeInvalidTimeout:
		errs = append(errs, ErrInvalidTimeout)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ReleaseError reports that the critical section ran but the lock could not
// be released. Result and WorkErr hold what the critical section returned so
// callers can still act on side effects that already happened.
type ReleaseError struct {
	Err     error
	Result  any
	WorkErr error
}

func (e *ReleaseError) Error() string {
	msg := "mutex: release failed"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.WorkErr != nil {
		msg += " (work error: " + e.WorkErr.Error() + ")"
	}
	return msg
}

func (e *ReleaseError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRelease}
	}
	return []error{ErrRelease, e.Err}
}

// OutsideLockError reports that the critical section took at least as long
// as the expire timeout, so the backend may have handed the lock to somebody
// else while it was still running.
type OutsideLockError struct {
	Elapsed time.Duration
	Expire  time.Duration
	// Err is the release failure observed alongside the overrun, if any.
	Err     error
	Result  any
	WorkErr error
}

func (e *OutsideLockError) Error() string {
	return fmt.Sprintf("mutex: the code executed for %.3f seconds but the expire timeout is %s seconds, the last %.3f seconds were executed outside of the lock",
		e.Elapsed.Seconds(), strconv.FormatFloat(e.Expire.Seconds(), 'f', -1, 64), (e.Elapsed - e.Expire).Seconds())
}

func (e *OutsideLockError) Unwrap() []error {
	errs := []error{ErrRelease, ErrOutsideLock}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// IsAcquire reports whether err means the lock was never obtained.
func IsAcquire(err error) bool { return errors.Is(err, ErrAcquire) }

// IsRelease reports whether err means the critical section ran but the lock
// was not released cleanly.
func IsRelease(err error) bool { return errors.Is(err, ErrRelease) }

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
}
