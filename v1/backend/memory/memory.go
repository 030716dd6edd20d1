// Package memory provides an in-process lock store with TTL support. It
// implements both the plain and the token based backend capabilities, which
// makes it useful for single-process coordination and for tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mirkobrombin/go-mutex/v1/mutex"
)

// heldValue marks keys taken through the plain Acquirer capability.
const heldValue = "1"

type entry struct {
	value string
	timer *time.Timer
}

// Store keeps lock keys in memory. Keys set with a TTL are removed when it
// elapses.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// compile-time interface checks.
var (
	_ mutex.Member   = (*Store)(nil)
	_ mutex.Acquirer = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// SetNX implements mutex.Member.SetNX.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		return false, nil
	}
	e := &entry{value: value}
	if ttl > 0 {
		e.timer = time.AfterFunc(ttl, func() {
			s.expire(key, e)
		})
	}
	s.entries[key] = e
	return true, nil
}

// DeleteIfEquals implements mutex.Member.DeleteIfEquals.
func (s *Store) DeleteIfEquals(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.value != value {
		return false, nil
	}
	s.remove(key, e)
	return true, nil
}

// Acquire implements mutex.Acquirer.Acquire. Keys taken this way never
// expire.
func (s *Store) Acquire(ctx context.Context, key string) (bool, error) {
	return s.SetNX(ctx, key, heldValue, 0)
}

// Release implements mutex.Acquirer.Release.
func (s *Store) Release(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	s.remove(key, e)
	return true, nil
}

// Get returns the value held by key.
func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	return e.value, true
}

// Len returns the number of keys currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) expire(key string, e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// the key may have been released and taken again meanwhile
	if cur, ok := s.entries[key]; ok && cur == e {
		delete(s.entries, key)
	}
}

func (s *Store) remove(key string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(s.entries, key)
}
