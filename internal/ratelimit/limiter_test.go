package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func TestCheckAndIncrementWindow(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter()
	l.now = func() time.Time { return now }

	const limit = 5
	window := time.Minute

	for i := 0; i < limit; i++ {
		if !l.CheckAndIncrement("u:alice", limit, window) {
			t.Fatalf("request %d: expected allow", i+1)
		}
	}
	if l.CheckAndIncrement("u:alice", limit, window) {
		t.Fatal("6th request within the window: expected deny")
	}

	// Still inside the window: denied again, and the denials must not extend it.
	now = now.Add(30 * time.Second)
	if l.CheckAndIncrement("u:alice", limit, window) {
		t.Fatal("expected deny at +30s")
	}

	// First event falls out of the window.
	now = now.Add(31 * time.Second)
	if !l.CheckAndIncrement("u:alice", limit, window) {
		t.Fatal("expected allow after the oldest event expired")
	}
}

func TestDenialDoesNotMutate(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter()
	l.now = func() time.Time { return now }

	if !l.CheckAndIncrement("k", 1, time.Minute) {
		t.Fatal("expected first allow")
	}
	for i := 0; i < 10; i++ {
		if l.CheckAndIncrement("k", 1, time.Minute) {
			t.Fatal("expected deny")
		}
	}
	// Exactly one recorded event: after it ages out a single new one fits.
	now = now.Add(61 * time.Second)
	if !l.CheckAndIncrement("k", 1, time.Minute) {
		t.Fatal("denials must not count as events")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewLimiter()
	if !l.CheckAndIncrement("u:a", 1, time.Minute) {
		t.Fatal("expected allow for u:a")
	}
	if l.CheckAndIncrement("u:a", 1, time.Minute) {
		t.Fatal("expected deny for u:a")
	}
	if !l.CheckAndIncrement("u:b", 1, time.Minute) {
		t.Fatal("u:b must have its own window")
	}
}

func TestPolicyKey(t *testing.T) {
	tests := []struct {
		scope string
		want  string
	}{
		{ScopeUser, "u:alice"},
		{ScopeUserCommand, "uc:alice:!play"},
		{ScopeUserCommandEntity, "uce:alice:!play:twitch:chan1"},
	}
	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			p := Policy{Scope: tt.scope, Limit: 5, Window: time.Minute}
			if got := p.Key("alice", "!play", "twitch:chan1"); got != tt.want {
				t.Fatalf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSweep(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter()
	l.now = func() time.Time { return now }

	l.CheckAndIncrement("old", 5, time.Minute)
	now = now.Add(20 * time.Minute)
	l.CheckAndIncrement("fresh", 5, time.Minute)

	if removed := l.Sweep(10 * time.Minute); removed != 1 {
		t.Fatalf("Sweep removed %d, want 1", removed)
	}
	if n := l.TrackedKeys(); n != 1 {
		t.Fatalf("TrackedKeys() = %d, want 1", n)
	}
}

func TestKeyCapPrunes(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter()
	l.now = func() time.Time { return now }

	for i := 0; i < maxTrackedKeys; i++ {
		l.CheckAndIncrement(fmt.Sprintf("k%d", i), 1, time.Second)
	}
	// All prior stamps are stale by now; the next check prunes instead of growing.
	now = now.Add(time.Minute)
	if !l.CheckAndIncrement("new", 1, time.Second) {
		t.Fatal("expected allow after prune")
	}
	if n := l.TrackedKeys(); n > maxTrackedKeys {
		t.Fatalf("TrackedKeys() = %d, exceeds cap", n)
	}
}
