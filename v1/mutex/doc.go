// Package mutex provides the locking engine shared by every backend: the
// Mutex contract, a LockingMutex built from lock/unlock primitives, the
// polling spinlocks (plain and token based) and the double-checked locking
// combinator.
//
// A Mutex runs a critical section with Synchronized. The lock is acquired
// first, the work runs exactly once, then the lock is released, even when the
// work fails or panics. Acquire errors (errors.IsAcquire) guarantee the work
// never ran; release errors (errors.IsRelease) mean it did and carry its
// result for diagnostics.
//
// Mutex values keep no per-call state: each call threads an Attempt from
// Lock to Unlock, so a single value may be shared between goroutines and all
// contention happens in the backend.
package mutex
