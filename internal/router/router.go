// Package router is the ingress boundary: it sequences the string-match
// engine, command resolver, rate limiter, and execution dispatcher for single
// and batched inbound events. Events are processed concurrently under a
// bounded worker limit; no ordering is guaranteed between independent
// sessions.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamhive/relay/internal/dispatch"
	"github.com/streamhive/relay/internal/match"
	"github.com/streamhive/relay/internal/metrics"
	"github.com/streamhive/relay/internal/ratelimit"
	"github.com/streamhive/relay/internal/resolver"
	"github.com/streamhive/relay/internal/session"
	"github.com/streamhive/relay/internal/store"
)

const (
	// DefaultBatchMax caps events per batch submission.
	DefaultBatchMax = 100
	// DefaultWorkers bounds concurrent event processing.
	DefaultWorkers = 32
)

// Event is one normalized inbound platform event from a collector.
type Event struct {
	EntityID string            `json:"entity_id"`
	UserID   string            `json:"user_id"`
	UserName string            `json:"user_name"`
	Text     string            `json:"message_text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Outcome statuses reported back to the collector.
const (
	StatusDispatched = "dispatched"
	StatusBlocked    = "blocked"
	StatusNoMatch    = "no_match"
	StatusDenied     = "permission_denied"
	StatusRateLimit  = "rate_limited"
	StatusFailed     = "failed"
)

// Accepted is the intake answer for one event.
type Accepted struct {
	SessionID    uuid.UUID   `json:"session_id,omitempty"`
	ExecutionIDs []uuid.UUID `json:"execution_ids,omitempty"`
	Status       string      `json:"status"`
	Notice       string      `json:"notice,omitempty"` // short user-visible denial text
}

// Router wires the pipeline stages together.
type Router struct {
	match      *match.Engine
	resolver   *resolver.Resolver
	limiter    *ratelimit.Limiter
	polMu      sync.RWMutex
	policies   []ratelimit.Policy
	dispatcher *dispatch.Dispatcher
	sessions   *session.Aggregator
	metrics    *metrics.Metrics
	tracer     trace.Tracer

	batchMax int
	workers  chan struct{} // bounded-concurrency semaphore
}

// Config tunes the router facade.
type Config struct {
	BatchMax int
	Workers  int
}

// New creates a router.
func New(m *match.Engine, res *resolver.Resolver, lim *ratelimit.Limiter, policies []ratelimit.Policy,
	disp *dispatch.Dispatcher, agg *session.Aggregator, met *metrics.Metrics, cfg Config) *Router {
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = DefaultBatchMax
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	return &Router{
		match:      m,
		resolver:   res,
		limiter:    lim,
		policies:   policies,
		dispatcher: disp,
		sessions:   agg,
		metrics:    met,
		tracer:     otel.Tracer("relay/router"),
		batchMax:   cfg.BatchMax,
		workers:    make(chan struct{}, cfg.Workers),
	}
}

// HandleEvent runs one event through the pipeline under the worker limit.
func (r *Router) HandleEvent(ctx context.Context, ev Event) (*Accepted, error) {
	select {
	case r.workers <- struct{}{}:
		defer func() { <-r.workers }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return r.process(ctx, ev)
}

// HandleBatch processes up to BatchMax events concurrently and returns
// per-event outcomes in input order. Events fail independently: one failing
// lookup reports a failed status for its slot and never drops the siblings.
func (r *Router) HandleBatch(ctx context.Context, events []Event) ([]*Accepted, error) {
	if len(events) > r.batchMax {
		return nil, fmt.Errorf("batch of %d exceeds cap %d", len(events), r.batchMax)
	}
	if r.metrics != nil {
		r.metrics.BatchesIn.Add(1)
	}

	results := make([]*Accepted, len(events))
	var wg sync.WaitGroup
	for i, ev := range events {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acc, err := r.HandleEvent(ctx, ev)
			if err != nil {
				slog.Warn("router.batch_event_failed", "entity", ev.EntityID, "user", ev.UserID, "error", err)
				acc = &Accepted{Status: StatusFailed}
			}
			results[i] = acc
		}()
	}
	wg.Wait()
	return results, nil
}

// SetRatePolicies swaps the rate-limit policy set (config reload). Existing
// window counters are keyed per scope and survive the swap.
func (r *Router) SetRatePolicies(policies []ratelimit.Policy) {
	r.polMu.Lock()
	r.policies = policies
	r.polMu.Unlock()
}

func (r *Router) ratePolicies() []ratelimit.Policy {
	r.polMu.RLock()
	defer r.polMu.RUnlock()
	return r.policies
}

// process is the pipeline: string-match -> resolve -> permission -> rate
// limits -> dispatch. A session is opened up front so every stage shares the
// correlation id; sessions that never dispatch are discarded.
func (r *Router) process(ctx context.Context, ev Event) (*Accepted, error) {
	ctx, span := r.tracer.Start(ctx, "router.process",
		trace.WithAttributes(
			attribute.String("entity.id", ev.EntityID),
			attribute.String("user.id", ev.UserID),
		))
	defer span.End()

	if r.metrics != nil {
		r.metrics.EventsIn.Add(1)
	}

	sessionID := r.sessions.Open(ev.EntityID, ev.UserID)

	// Stage 1: string-match rules. Evaluated even for unprefixed messages.
	fired, err := r.match.Evaluate(ctx, ev.EntityID, ev.Text)
	if err != nil {
		slog.Warn("router.match_failed", "entity", ev.EntityID, "error", err)
		// Matching is best-effort when rules are unavailable; command
		// resolution continues.
	}
	for _, m := range fired {
		if r.metrics != nil {
			r.metrics.MatchHits.Add(1)
		}
		span.AddEvent("match", trace.WithAttributes(
			attribute.String("rule.action", m.Action),
			attribute.Int("rule.priority", m.Rule.Priority)))

		switch m.Action {
		case store.ActionBlock:
			if r.metrics != nil {
				r.metrics.Blocked.Add(1)
			}
			r.deliverModeration(sessionID, ev, m)
			r.sessions.Discard(sessionID)
			return &Accepted{SessionID: sessionID, Status: StatusBlocked}, nil

		case store.ActionWarn:
			if r.metrics != nil {
				r.metrics.Warned.Add(1)
			}
			r.deliverWarning(sessionID, ev, m)
			// Processing continues.

		case store.ActionWebhook:
			r.dispatcher.FireWebhook(ctx, m.Rule.WebhookURL, map[string]any{
				"entity_id": ev.EntityID,
				"user_id":   ev.UserID,
				"text":      ev.Text,
				"rule_id":   m.Rule.ID,
			})

		case store.ActionCommand:
			// Synthesized invocation bypasses prefix parsing.
			return r.dispatchSynthesized(ctx, sessionID, ev, m)
		}
	}

	// Stage 2: command resolution.
	resolved, err := r.resolver.Resolve(ctx, ev.EntityID, ev.UserID, ev.Text)
	if err != nil {
		return r.resolveFailure(sessionID, ev, err)
	}
	if r.metrics != nil {
		r.metrics.CommandsResolved.Add(1)
	}

	// Stage 3: rate limits. All configured granularities must pass; a denial
	// is surfaced once and never retried by the router.
	cmdName := resolved.Command.Prefix + resolved.Command.Name
	for _, p := range r.ratePolicies() {
		if !r.limiter.CheckAndIncrement(p.Key(ev.UserID, cmdName, ev.EntityID), p.Limit, p.Window) {
			if r.metrics != nil {
				r.metrics.RateLimited.Add(1)
			}
			slog.Debug("router.rate_limited", "user", ev.UserID, "command", cmdName, "scope", p.Scope)
			r.sessions.Discard(sessionID)
			return &Accepted{SessionID: sessionID, Status: StatusRateLimit, Notice: "slow down"}, nil
		}
	}

	// Stage 4: dispatch.
	execIDs, err := r.dispatcher.Dispatch(ctx, resolved.Command, sessionID, dispatch.Request{
		EntityID: ev.EntityID,
		UserID:   ev.UserID,
		UserName: ev.UserName,
		Command:  cmdName,
		Args:     resolved.Args,
		Metadata: ev.Metadata,
	})
	if err != nil {
		r.sessions.Discard(sessionID)
		return nil, fmt.Errorf("dispatch %s: %w", cmdName, err)
	}

	span.SetAttributes(attribute.Int("executions", len(execIDs)))
	return &Accepted{SessionID: sessionID, ExecutionIDs: execIDs, Status: StatusDispatched}, nil
}

// dispatchSynthesized feeds a rule's command action straight into the
// dispatcher, parameterized with the matched text.
func (r *Router) dispatchSynthesized(ctx context.Context, sessionID uuid.UUID, ev Event, m match.Match) (*Accepted, error) {
	prefix, name, _, ok := resolver.Parse(m.Rule.Command)
	if !ok {
		// Rule command stored without prefix: default to local.
		prefix, name = store.PrefixLocal, m.Rule.Command
	}

	cmd, err := r.resolver.Lookup(ctx, ev.EntityID, prefix, name)
	if err != nil {
		slog.Warn("router.rule_command_missing", "entity", ev.EntityID, "command", m.Rule.Command, "error", err)
		r.sessions.Discard(sessionID)
		return &Accepted{SessionID: sessionID, Status: StatusNoMatch}, nil
	}

	execIDs, err := r.dispatcher.Dispatch(ctx, cmd, sessionID, dispatch.Request{
		EntityID: ev.EntityID,
		UserID:   ev.UserID,
		UserName: ev.UserName,
		Command:  prefix + name,
		Args:     ev.Text, // matched text as the parameter
		Metadata: ev.Metadata,
	})
	if err != nil {
		r.sessions.Discard(sessionID)
		return nil, fmt.Errorf("dispatch rule command %s: %w", m.Rule.Command, err)
	}
	return &Accepted{SessionID: sessionID, ExecutionIDs: execIDs, Status: StatusDispatched}, nil
}

// resolveFailure maps resolver errors to collector-visible outcomes.
// Unresolvable commands are silent; permission denials get a short notice.
func (r *Router) resolveFailure(sessionID uuid.UUID, ev Event, err error) (*Accepted, error) {
	r.sessions.Discard(sessionID)

	if errors.Is(err, resolver.ErrNoMatch) {
		if r.metrics != nil {
			r.metrics.NoMatch.Add(1)
		}
		return &Accepted{SessionID: sessionID, Status: StatusNoMatch}, nil
	}

	var perr *resolver.PermissionError
	if errors.As(err, &perr) {
		if r.metrics != nil {
			r.metrics.PermissionDenied.Add(1)
		}
		return &Accepted{
			SessionID: sessionID,
			Status:    StatusDenied,
			Notice:    fmt.Sprintf("%s requires %s", perr.Command, perr.Required),
		}, nil
	}

	// Store outage or similar: fail this lookup, keep the router alive.
	return nil, fmt.Errorf("resolve: %w", err)
}

// deliverWarning emits a warning chat response to the user without blocking
// further processing.
func (r *Router) deliverWarning(sessionID uuid.UUID, ev Event, m match.Match) {
	r.emitRuleResponse(sessionID, ev, m, "warning")
}

// deliverModeration emits the moderation notification for a blocked message.
func (r *Router) deliverModeration(sessionID uuid.UUID, ev Event, m match.Match) {
	r.emitRuleResponse(sessionID, ev, m, "blocked")
}

func (r *Router) emitRuleResponse(sessionID uuid.UUID, ev Event, m match.Match, kind string) {
	payload, _ := json.Marshal(map[string]any{
		"type":    kind,
		"rule_id": m.Rule.ID,
		"user_id": ev.UserID,
	})
	r.sessions.DeliverDirect(session.Result{
		SessionID: sessionID,
		EntityID:  ev.EntityID,
		UserID:    ev.UserID,
		Status:    session.StateComplete,
		Responses: []session.Response{{
			Module:  "moderation",
			Kind:    session.KindChat,
			Payload: payload,
			Success: true,
		}},
	})
}
