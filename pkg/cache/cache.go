// Package cache provides small in-memory caches with explicit TTLs and an
// injectable clock so staleness is testable.
package cache

import (
	"sync"
	"time"
)

// Clock returns the current time; defaults to time.Now.
type Clock func() time.Time

// Snapshot caches a single value with a TTL. It backs the signal feed cache
// and the risk-data cache: last-write-wins, staleness bounded by the TTL.
type Snapshot[T any] struct {
	mu      sync.RWMutex
	value   T
	setAt   time.Time
	present bool

	ttl time.Duration
	now Clock
}

// NewSnapshot creates a snapshot cache with the given TTL.
func NewSnapshot[T any](ttl time.Duration, now Clock) *Snapshot[T] {
	if now == nil {
		now = time.Now
	}
	return &Snapshot[T]{ttl: ttl, now: now}
}

// Set stores a value and stamps it with the current time.
func (s *Snapshot[T]) Set(v T) {
	s.mu.Lock()
	s.value = v
	s.setAt = s.now()
	s.present = true
	s.mu.Unlock()
}

// Get returns the cached value if it is within the TTL.
func (s *Snapshot[T]) Get() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.present || s.now().Sub(s.setAt) > s.ttl {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Last returns the cached value regardless of age, for degraded-mode reads
// when the upstream is unavailable.
func (s *Snapshot[T]) Last() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.present
}

// Age returns how old the cached value is.
func (s *Snapshot[T]) Age() (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.present {
		return 0, false
	}
	return s.now().Sub(s.setAt), true
}
