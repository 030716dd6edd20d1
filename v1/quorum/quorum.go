// Package quorum implements a Redlock-style distributed lock over N
// independent members. A lock is held when a strict majority of members
// accepted the key within its expiry; a minority of members may be down
// without affecting callers.
package quorum

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	muterrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/metrics"
	"github.com/mirkobrombin/go-mutex/v1/mutex"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-mutex/v1/quorum")

// IsMajority reports whether count is strictly more than half of n.
func IsMajority(count, n int) bool {
	return count > n/2
}

// Quorum is a mutex.TokenAcquirer spanning several members.
type Quorum struct {
	members    []mutex.Member
	logger     *slog.Logger
	trace      bool
	concurrent bool
}

// compile-time interface check.
var _ mutex.TokenAcquirer = (*Quorum)(nil)

// Option configures a Quorum.
type Option func(*Quorum)

// WithLogger sets the logger used to report member failures.
func WithLogger(l *slog.Logger) Option {
	return func(q *Quorum) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithTracing enables OpenTelemetry spans around quorum rounds.
func WithTracing() Option {
	return func(q *Quorum) {
		q.trace = true
	}
}

// WithConcurrentFanout contacts all members in parallel instead of one
// after the other.
func WithConcurrentFanout() Option {
	return func(q *Quorum) {
		q.concurrent = true
	}
}

// New returns a Quorum over members.
func New(members []mutex.Member, opts ...Option) *Quorum {
	q := &Quorum{
		members: append([]mutex.Member(nil), members...),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// NewMutex returns a Mutex guarding name on q.
func NewMutex(name string, q *Quorum, acquireTimeout, expireTimeout time.Duration, opts ...mutex.Option) *mutex.LockingMutex {
	return mutex.NewTokenSpinlockMutex(name, q, acquireTimeout, expireTimeout, opts...)
}

// AcquireWithToken implements mutex.TokenAcquirer.AcquireWithToken. It makes
// one attempt on every member. Too few members reachable to ever form a
// majority is reported as an error; a lost race is reported as false.
func (q *Quorum) AcquireWithToken(ctx context.Context, key string, expire time.Duration) (string, bool, error) {
	n := len(q.members)
	var span trace.Span
	if q.trace {
		ctx, span = tracer.Start(ctx, "Quorum.Acquire", trace.WithAttributes(
			attribute.String("mutex.key", key),
			attribute.Int("mutex.members", n),
		))
		defer span.End()
	}

	token, err := mutex.NewToken()
	if err != nil {
		return "", false, err
	}

	start := time.Now()
	results := q.each(ctx, func(ctx context.Context, m mutex.Member) (bool, error) {
		return m.SetNX(ctx, key, token, expire)
	})
	elapsed := time.Since(start)

	acquired, errored := 0, 0
	for i, r := range results {
		if r.err != nil {
			errored++
			metrics.MemberErrors.WithLabelValues("set").Inc()
			q.logger.Warn("quorum: member set failed", "member", i, "key", key, "error", r.err)
			continue
		}
		if r.ok {
			acquired++
		}
	}
	if span != nil {
		span.SetAttributes(
			attribute.Int("mutex.acquired", acquired),
			attribute.Int("mutex.errored", errored),
			attribute.Int64("mutex.elapsed_ms", elapsed.Milliseconds()),
		)
	}

	if IsMajority(acquired, n) && elapsed <= expire && ctx.Err() == nil {
		return token, true, nil
	}

	// Do not leave partial locks behind, even when the caller gave up.
	q.release(context.WithoutCancel(ctx), key, token)

	if err := ctx.Err(); err != nil {
		return "", false, &muterrors.AcquireError{Code: muterrors.CodeCanceled, Err: err}
	}
	if reachable := n - errored; !IsMajority(reachable, n) {
		return "", false, &muterrors.AcquireError{
			Code: muterrors.CodeNotEnoughServers,
			Err:  fmt.Errorf("%d of %d members reachable", reachable, n),
		}
	}
	q.logger.Debug("quorum: lock not acquired", "key", key, "acquired", acquired, "members", n, "elapsed", elapsed)
	return "", false, nil
}

// ReleaseWithToken implements mutex.TokenAcquirer.ReleaseWithToken. Every
// member is asked to delete the key, including those that did not accept it
// during acquisition.
func (q *Quorum) ReleaseWithToken(ctx context.Context, key, token string) (bool, error) {
	var span trace.Span
	if q.trace {
		ctx, span = tracer.Start(ctx, "Quorum.Release", trace.WithAttributes(
			attribute.String("mutex.key", key),
			attribute.Int("mutex.members", len(q.members)),
		))
		defer span.End()
	}
	released := q.release(ctx, key, token)
	if span != nil {
		span.SetAttributes(attribute.Int("mutex.released", released))
	}
	return IsMajority(released, len(q.members)), nil
}

func (q *Quorum) release(ctx context.Context, key, token string) int {
	results := q.each(ctx, func(ctx context.Context, m mutex.Member) (bool, error) {
		return m.DeleteIfEquals(ctx, key, token)
	})
	released := 0
	for i, r := range results {
		if r.err != nil {
			metrics.MemberErrors.WithLabelValues("delete").Inc()
			q.logger.Warn("quorum: member delete failed", "member", i, "key", key, "error", r.err)
			continue
		}
		if r.ok {
			released++
		}
	}
	return released
}

type result struct {
	ok  bool
	err error
}

func (q *Quorum) each(ctx context.Context, fn func(ctx context.Context, m mutex.Member) (bool, error)) []result {
	results := make([]result, len(q.members))
	if !q.concurrent {
		for i, m := range q.members {
			ok, err := fn(ctx, m)
			results[i] = result{ok: ok, err: err}
		}
		return results
	}
	var g errgroup.Group
	for i, m := range q.members {
		i, m := i, m
		g.Go(func() error {
			ok, err := fn(ctx, m)
			results[i] = result{ok: ok, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
