// Package ratelimit implements the sliding-window rate limiter. Each subject
// key holds the timestamps of its permitted events; a check discards entries
// older than the window, tests the count, and appends only when allowed. A
// denial never mutates state.
package ratelimit

import (
	"sync"
	"time"
)

// maxTrackedKeys caps the number of tracked subject keys to prevent memory
// exhaustion from rotating keys.
const maxTrackedKeys = 65536

// Scope names for composing subject keys. A request must pass every
// configured granularity to proceed.
const (
	ScopeUser              = "user"
	ScopeUserCommand       = "user_command"
	ScopeUserCommandEntity = "user_command_entity"
)

// Policy is one rate-limit granularity.
type Policy struct {
	Scope  string
	Limit  int
	Window time.Duration
}

// Key composes the subject key for a policy scope.
func (p Policy) Key(userID, command, entityID string) string {
	switch p.Scope {
	case ScopeUser:
		return "u:" + userID
	case ScopeUserCommand:
		return "uc:" + userID + ":" + command
	default:
		return "uce:" + userID + ":" + command + ":" + entityID
	}
}

type entry struct {
	stamps []time.Time
}

// Limiter tracks sliding windows per subject key. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// CheckAndIncrement returns true (and records the event) if fewer than limit
// events happened for the key within the trailing window.
func (l *Limiter) CheckAndIncrement(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if len(l.entries) >= maxTrackedKeys {
		l.pruneLocked(now, window)
	}

	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}

	// Drop timestamps that fell out of the window.
	cutoff := now.Add(-window)
	live := e.stamps[:0]
	for _, t := range e.stamps {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	e.stamps = live

	if len(e.stamps) >= limit {
		return false
	}
	e.stamps = append(e.stamps, now)
	return true
}

// Sweep drops subject keys with no activity within the idle window and
// returns the number removed. Safe to run concurrently with live traffic.
func (l *Limiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for k, e := range l.entries {
		if len(e.stamps) == 0 || e.stamps[len(e.stamps)-1].Before(cutoff) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

// TrackedKeys returns the number of live subject keys.
func (l *Limiter) TrackedKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// pruneLocked evicts stale entries when approaching the cap, then falls back
// to arbitrary eviction if still full.
func (l *Limiter) pruneLocked(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	for k, e := range l.entries {
		if len(e.stamps) == 0 || e.stamps[len(e.stamps)-1].Before(cutoff) {
			delete(l.entries, k)
		}
	}
	for len(l.entries) >= maxTrackedKeys {
		for k := range l.entries {
			delete(l.entries, k)
			break
		}
	}
}
