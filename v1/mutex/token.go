package mutex

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	muterrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/retry"
)

// tokenPrefix keeps tokens from looking numeric to backends that coerce
// strings.
const tokenPrefix = "tk-"

// NewToken returns a fresh ownership token drawn from crypto/rand.
func NewToken() (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return tokenPrefix + id, nil
}

// TokenAcquirer is a backend whose locks carry an ownership token and expire
// on their own.
type TokenAcquirer interface {
	// AcquireWithToken tries once to take key for at most expire. On success
	// it returns the token proving ownership.
	AcquireWithToken(ctx context.Context, key string, expire time.Duration) (string, bool, error)
	// ReleaseWithToken frees key only if it is still owned by token.
	ReleaseWithToken(ctx context.Context, key, token string) (bool, error)
}

// Member is a key/value backend able to set a key only if absent, with a
// TTL, and to delete a key only if it still holds a given value. A quorum
// is built from several independent members.
type Member interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	DeleteIfEquals(ctx context.Context, key, value string) (bool, error)
}

// Single adapts one Member to a TokenAcquirer.
type Single struct {
	member Member
}

// compile-time interface check.
var _ TokenAcquirer = (*Single)(nil)

// NewSingle returns a TokenAcquirer backed by member.
func NewSingle(member Member) *Single {
	return &Single{member: member}
}

// AcquireWithToken implements TokenAcquirer.AcquireWithToken.
func (s *Single) AcquireWithToken(ctx context.Context, key string, expire time.Duration) (string, bool, error) {
	token, err := NewToken()
	if err != nil {
		return "", false, err
	}
	ok, err := s.member.SetNX(ctx, key, token, expire)
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseWithToken implements TokenAcquirer.ReleaseWithToken.
func (s *Single) ReleaseWithToken(ctx context.Context, key, token string) (bool, error) {
	return s.member.DeleteIfEquals(ctx, key, token)
}

// TokenSpinlock is a Locker whose locks are owned by a token and expire
// after a fixed time. Unlock reports an OutsideLockError when the critical
// section outran the expiry.
type TokenSpinlock struct {
	key      string
	expire   time.Duration
	acquirer TokenAcquirer
	loop     *retry.Loop
	logger   *slog.Logger
}

// compile-time interface check.
var _ Locker = (*TokenSpinlock)(nil)

// NewTokenSpinlock returns a TokenSpinlock for name. acquireTimeout bounds
// the time spent obtaining the lock, expireTimeout how long it may be held.
func NewTokenSpinlock(name string, acquirer TokenAcquirer, acquireTimeout, expireTimeout time.Duration, opts ...Option) *TokenSpinlock {
	cfg := newConfig(opts)
	return &TokenSpinlock{
		key:      Key(cfg.prefix, name),
		expire:   expireTimeout,
		acquirer: acquirer,
		loop:     retry.New(acquireTimeout, cfg.retry...),
		logger:   cfg.logger,
	}
}

// NewTokenSpinlockMutex returns a Mutex backed by a TokenSpinlock.
func NewTokenSpinlockMutex(name string, acquirer TokenAcquirer, acquireTimeout, expireTimeout time.Duration, opts ...Option) *LockingMutex {
	return NewLockingMutex(NewTokenSpinlock(name, acquirer, acquireTimeout, expireTimeout, opts...), opts...)
}

// Key returns the namespaced key.
func (s *TokenSpinlock) Key() string { return s.key }

// Lock implements Locker.Lock.
func (s *TokenSpinlock) Lock(ctx context.Context) (Attempt, error) {
	if s.expire <= 0 {
		return Attempt{}, &muterrors.AcquireError{Code: muterrors.CodeInvalidTimeout, Timeout: s.expire}
	}
	var acquiredAt time.Time
	token, err := retry.Execute(ctx, s.loop, func(ctx context.Context, end func()) (string, error) {
		// The TTL starts counting when the backend sets the key, so the
		// clock starts before the call.
		start := time.Now()
		token, ok, err := s.acquirer.AcquireWithToken(ctx, s.key, s.expire)
		if err != nil {
			return "", err
		}
		if ok {
			acquiredAt = start
			end()
		}
		return token, nil
	})
	if err != nil {
		return Attempt{}, err
	}
	return Attempt{Key: s.key, Token: token, AcquiredAt: acquiredAt, Expire: s.expire}, nil
}

// Unlock implements Locker.Unlock. The release is always attempted before
// the expiry check.
func (s *TokenSpinlock) Unlock(ctx context.Context, a Attempt) error {
	ok, err := s.acquirer.ReleaseWithToken(ctx, a.Key, a.Token)
	if err != nil {
		err = fmt.Errorf("release %s: %w", a.Key, err)
	} else if !ok {
		err = fmt.Errorf("release %s: %w", a.Key, muterrors.ErrReleaseFailed)
	}

	if elapsed := time.Since(a.AcquiredAt); elapsed >= a.Expire {
		s.logger.Warn("mutex: executed outside of the lock", "key", a.Key, "elapsed", elapsed, "expire", a.Expire)
		return &muterrors.OutsideLockError{Elapsed: elapsed, Expire: a.Expire, Err: err}
	}
	return err
}
