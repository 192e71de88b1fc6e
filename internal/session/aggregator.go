// Package session correlates asynchronous handler responses back to the
// inbound event that caused them. Each inbound event gets exactly one session;
// each dispatched execution must produce exactly one response (real or
// synthesized) before the session completes. Sessions that outlive their
// expiry are finalized as timed out, and late responses are rejected rather
// than resurrecting them.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/streamhive/relay/internal/metrics"
	"github.com/streamhive/relay/internal/store"
)

var (
	// ErrStaleSession rejects responses for unknown, timed-out, or evicted
	// sessions. Never mutates aggregator state.
	ErrStaleSession = errors.New("stale or unknown session")
	// ErrUnknownExecution rejects responses naming an execution id that was
	// never dispatched for the session.
	ErrUnknownExecution = errors.New("unknown execution")
	// ErrDuplicateResponse rejects a second response for the same execution.
	ErrDuplicateResponse = errors.New("duplicate response")
)

const (
	// DefaultTTL is how long a session may collect before timing out.
	DefaultTTL = 30 * time.Second
	// evictAfter is how long a finalized session lingers so late responses
	// get a stale-session rejection instead of unknown-session.
	evictAfter = 5 * time.Minute
)

type state struct {
	id       uuid.UUID
	entityID string
	userID   string
	created  time.Time
	expires  time.Time
	phase    string

	mu        sync.Mutex
	answered  map[uuid.UUID]bool // execution id -> response recorded
	responses []Response

	remaining atomic.Int32
	finalized atomic.Bool
}

// Aggregator owns all live sessions and drives their state machines.
type Aggregator struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*state

	ttl     time.Duration
	sink    Sink
	audit   store.AuditStore // optional
	metrics *metrics.Metrics // optional
	now     func() time.Time
}

// NewAggregator creates an aggregator delivering finalized results to sink.
// audit and m may be nil.
func NewAggregator(ttl time.Duration, sink Sink, audit store.AuditStore, m *metrics.Metrics) *Aggregator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Aggregator{
		sessions: make(map[uuid.UUID]*state),
		ttl:      ttl,
		sink:     sink,
		audit:    audit,
		metrics:  m,
		now:      time.Now,
	}
}

// Open creates a fresh session for one inbound event.
func (a *Aggregator) Open(entityID, userID string) uuid.UUID {
	id := uuid.Must(uuid.NewV7())
	now := a.now()
	a.mu.Lock()
	s := &state{
		id:       id,
		entityID: entityID,
		userID:   userID,
		created:  now,
		expires:  now.Add(a.ttl),
		phase:    StateOpen,
		answered: make(map[uuid.UUID]bool),
	}
	a.sessions[id] = s
	a.mu.Unlock()
	return id
}

// SetTTL changes the collection window for sessions opened from now on
// (config reload). Live sessions keep their original expiry.
func (a *Aggregator) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	a.mu.Lock()
	a.ttl = ttl
	a.mu.Unlock()
}

// Discard removes a session that never dispatched anything (blocked,
// no-match, denied). Nothing is emitted.
func (a *Aggregator) Discard(id uuid.UUID) {
	a.mu.Lock()
	delete(a.sessions, id)
	a.mu.Unlock()
}

// AttachExecutions registers the dispatched execution ids and moves the
// session to collecting. Must be called at most once per session. A command
// bound to zero targets has nothing to wait for and completes on the spot.
func (a *Aggregator) AttachExecutions(id uuid.UUID, execIDs []uuid.UUID) error {
	a.mu.Lock()
	s, ok := a.sessions[id]
	a.mu.Unlock()
	if !ok {
		return ErrStaleSession
	}

	s.mu.Lock()
	if s.phase != StateOpen {
		s.mu.Unlock()
		return fmt.Errorf("attach executions: session %s is %s", id, s.phase)
	}
	for _, eid := range execIDs {
		s.answered[eid] = false
	}
	s.phase = StateCollecting
	s.mu.Unlock()

	s.remaining.Store(int32(len(execIDs)))
	if len(execIDs) == 0 && s.finalized.CompareAndSwap(false, true) {
		a.finalize(s, StateComplete)
	}
	return nil
}

// Submit records a response for (session, execution). The final outstanding
// response triggers the collecting -> complete transition exactly once via an
// atomic countdown.
func (a *Aggregator) Submit(sessionID, execID uuid.UUID, resp Response) error {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	a.mu.Unlock()
	if !ok {
		return ErrStaleSession
	}
	if s.finalized.Load() {
		return ErrStaleSession
	}

	s.mu.Lock()
	if s.phase != StateCollecting {
		s.mu.Unlock()
		return ErrStaleSession
	}
	answered, known := s.answered[execID]
	if !known {
		s.mu.Unlock()
		return ErrUnknownExecution
	}
	if answered {
		s.mu.Unlock()
		return ErrDuplicateResponse
	}
	s.answered[execID] = true
	resp.ExecutionID = execID
	s.responses = append(s.responses, resp)
	s.mu.Unlock()

	if a.metrics != nil {
		a.metrics.ResponsesIn.Add(1)
	}

	if s.remaining.Add(-1) == 0 && s.finalized.CompareAndSwap(false, true) {
		a.finalize(s, StateComplete)
	}
	return nil
}

// DeliverDirect hands a router-synthesized result (warnings, moderation
// notices) straight to the sink, outside any session state machine.
func (a *Aggregator) DeliverDirect(res Result) {
	if a.sink != nil {
		a.sink.Deliver(res)
	}
}

// Sweep finalizes sessions past their expiry and evicts long-finalized ones.
// Idempotent and safe to run concurrently with live traffic.
func (a *Aggregator) Sweep() {
	now := a.now()

	a.mu.Lock()
	var overdue []*state
	for id, s := range a.sessions {
		if now.After(s.expires.Add(evictAfter)) {
			delete(a.sessions, id)
			continue
		}
		if now.After(s.expires) && !s.finalized.Load() {
			overdue = append(overdue, s)
		}
	}
	a.mu.Unlock()

	for _, s := range overdue {
		if !s.finalized.CompareAndSwap(false, true) {
			continue
		}
		s.mu.Lock()
		if s.phase == StateOpen {
			// Never dispatched; nothing to emit.
			s.phase = StateTimedOut
			s.mu.Unlock()
			continue
		}
		// Explicit timeout markers for executions that never answered.
		for eid, answered := range s.answered {
			if !answered {
				s.responses = append(s.responses, Response{
					ExecutionID: eid,
					Kind:        KindError,
					Success:     false,
					Synthesized: true,
					TimedOut:    true,
				})
			}
		}
		s.mu.Unlock()
		a.finalize(s, StateTimedOut)
	}
}

// Run drives periodic sweeps until the context is cancelled.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

// Len returns the number of tracked sessions.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *Aggregator) finalize(s *state, outcome string) {
	s.mu.Lock()
	s.phase = outcome
	responses := make([]Response, len(s.responses))
	copy(responses, s.responses)
	s.mu.Unlock()

	duration := a.now().Sub(s.created)
	res := Result{
		SessionID: s.id,
		EntityID:  s.entityID,
		UserID:    s.userID,
		Status:    outcome,
		Responses: responses,
		Duration:  duration,
	}

	if a.metrics != nil {
		if outcome == StateComplete {
			a.metrics.SessionsComplete.Add(1)
		} else {
			a.metrics.SessionsTimedOut.Add(1)
		}
	}

	if a.sink != nil {
		a.sink.Deliver(res)
	}

	if a.audit != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := a.audit.Append(ctx, store.AuditData{
			SessionID:  s.id,
			EntityID:   s.entityID,
			UserID:     s.userID,
			Executions: len(s.answered),
			Responses:  len(responses),
			Outcome:    outcome,
			DurationMS: int(duration.Milliseconds()),
			CreatedAt:  a.now(),
		})
		if err != nil {
			slog.Warn("session.audit_append_failed", "session", s.id, "error", err)
		}
	}
}
