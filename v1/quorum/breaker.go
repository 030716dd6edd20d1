package quorum

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mirkobrombin/go-mutex/v1/mutex"
)

var ErrCircuitOpen = errors.New("quorum: member circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker decorates a Member with circuit breaker logic. While open, calls
// fail fast with ErrCircuitOpen, so the quorum counts the member as
// unreachable without waiting on it.
type Breaker struct {
	member    mutex.Member
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	cooldown  time.Duration
	lastFail  time.Time
}

// compile-time interface check.
var _ mutex.Member = (*Breaker)(nil)

// NewBreaker opens the circuit after threshold consecutive failures and
// probes the member again once cooldown has elapsed.
func NewBreaker(member mutex.Member, threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{
		member:    member,
		threshold: threshold,
		cooldown:  cooldown,
		state:     stateClosed,
	}
}

// IsHealthy returns true if calls would currently be let through.
func (b *Breaker) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen {
		return time.Since(b.lastFail) > b.cooldown
	}
	return true
}

// allow checks if a call should be let through. It moves an open circuit to
// half-open once the cooldown elapsed; a half-open circuit admits one probe.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.lastFail) > b.cooldown {
			b.state = stateHalfOpen
			return true
		}
		return false
	}
	return false
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFail = time.Now()
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.threshold {
		b.state = stateOpen
	}
}

func (b *Breaker) observe(ok bool, err error) (bool, error) {
	if err != nil {
		b.onFailure()
		return false, err
	}
	b.onSuccess()
	return ok, nil
}

// SetNX implements mutex.Member.SetNX.
func (b *Breaker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !b.allow() {
		return false, ErrCircuitOpen
	}
	return b.observe(b.member.SetNX(ctx, key, value, ttl))
}

// DeleteIfEquals implements mutex.Member.DeleteIfEquals.
func (b *Breaker) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	if !b.allow() {
		return false, ErrCircuitOpen
	}
	return b.observe(b.member.DeleteIfEquals(ctx, key, value))
}
