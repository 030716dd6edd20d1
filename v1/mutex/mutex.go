package mutex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	muterrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-mutex/v1/mutex")

// Work is a critical section.
type Work func(ctx context.Context) (any, error)

// Mutex runs critical sections under mutual exclusion.
type Mutex interface {
	// Synchronized blocks until the lock is held, runs work exactly once,
	// releases the lock and returns what work returned. If release fails a
	// release error is returned instead, carrying work's result and error.
	Synchronized(ctx context.Context, work Work) (any, error)
}

// Do runs work under m and returns its result typed.
func Do[T any](ctx context.Context, m Mutex, work func(ctx context.Context) (T, error)) (T, error) {
	res, err := m.Synchronized(ctx, func(ctx context.Context) (any, error) {
		return work(ctx)
	})
	v, _ := res.(T)
	return v, err
}

// Attempt describes one successful acquisition. It is produced by
// Locker.Lock and handed back to Locker.Unlock.
type Attempt struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	// Expire is how long the backend keeps the lock, zero when it never
	// expires on its own.
	Expire time.Duration
	// Resource holds backend specific state, such as an open file handle.
	Resource any
}

// Locker is a lock/unlock primitive pair.
type Locker interface {
	Lock(ctx context.Context) (Attempt, error)
	Unlock(ctx context.Context, a Attempt) error
}

// LockingMutex implements Mutex on top of a Locker.
type LockingMutex struct {
	locker Locker
	logger *slog.Logger
	trace  bool
}

// compile-time interface check.
var _ Mutex = (*LockingMutex)(nil)

// NewLockingMutex returns a Mutex driven by locker.
func NewLockingMutex(locker Locker, opts ...Option) *LockingMutex {
	cfg := newConfig(opts)
	return &LockingMutex{locker: locker, logger: cfg.logger, trace: cfg.tracing}
}

// Check returns a double-checked locking combinator guarded by check.
func (m *LockingMutex) Check(check Predicate) *DoubleCheck {
	return Check(m, check)
}

// Synchronized implements Mutex.Synchronized.
func (m *LockingMutex) Synchronized(ctx context.Context, work Work) (any, error) {
	var span trace.Span
	if m.trace {
		ctx, span = tracer.Start(ctx, "Mutex.Synchronized")
		defer span.End()
	}

	start := time.Now()
	attempt, err := m.locker.Lock(ctx)
	metrics.AcquireLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		aerr := acquireError(ctx, err)
		metrics.AcquireCounter.WithLabelValues(aerr.Code.String()).Inc()
		m.logger.Debug("mutex: acquire failed", "code", aerr.Code.String(), "error", err)
		if span != nil {
			span.RecordError(aerr)
			span.SetStatus(codes.Error, "acquire failed")
		}
		return nil, aerr
	}
	metrics.AcquireCounter.WithLabelValues("acquired").Inc()
	m.logger.Debug("mutex: acquired", "key", attempt.Key)
	if span != nil {
		span.SetAttributes(
			attribute.String("mutex.key", attempt.Key),
			attribute.Int64("mutex.acquire_ms", time.Since(start).Milliseconds()),
		)
	}

	held := time.Now()
	result, workErr := m.run(ctx, span, attempt, work)
	metrics.HoldDuration.Observe(time.Since(held).Seconds())

	if err := m.locker.Unlock(context.WithoutCancel(ctx), attempt); err != nil {
		rerr := m.releaseError(err, result, workErr)
		m.logger.Warn("mutex: release failed", "key", attempt.Key, "error", rerr)
		if span != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, "release failed")
		}
		return nil, rerr
	}
	metrics.ReleaseCounter.WithLabelValues("released").Inc()
	m.logger.Debug("mutex: released", "key", attempt.Key)
	if workErr != nil && span != nil {
		span.RecordError(workErr)
	}
	return result, workErr
}

func (m *LockingMutex) run(ctx context.Context, span trace.Span, attempt Attempt, work Work) (any, error) {
	held := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.HoldDuration.Observe(time.Since(held).Seconds())
			if span != nil {
				span.RecordError(fmt.Errorf("panic: %v", r))
				span.SetStatus(codes.Error, "work panicked")
			}
			if err := m.locker.Unlock(context.WithoutCancel(ctx), attempt); err != nil {
				metrics.ReleaseCounter.WithLabelValues("failed").Inc()
				m.logger.Error("mutex: release after panic failed", "key", attempt.Key, "error", err)
			} else {
				metrics.ReleaseCounter.WithLabelValues("released").Inc()
			}
			panic(r)
		}
	}()
	return work(ctx)
}

func (m *LockingMutex) releaseError(err error, result any, workErr error) error {
	var outside *muterrors.OutsideLockError
	if errors.As(err, &outside) {
		metrics.ReleaseCounter.WithLabelValues("outside_lock").Inc()
		outside.Result = result
		outside.WorkErr = workErr
		return outside
	}
	metrics.ReleaseCounter.WithLabelValues("failed").Inc()
	var rerr *muterrors.ReleaseError
	if errors.As(err, &rerr) {
		rerr.Result = result
		rerr.WorkErr = workErr
		return rerr
	}
	return &muterrors.ReleaseError{Err: err, Result: result, WorkErr: workErr}
}

func acquireError(ctx context.Context, err error) *muterrors.AcquireError {
	var aerr *muterrors.AcquireError
	if errors.As(err, &aerr) {
		return aerr
	}
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return &muterrors.AcquireError{Code: muterrors.CodeCanceled, Err: err}
	}
	return &muterrors.AcquireError{Code: muterrors.CodeBackend, Err: err}
}
