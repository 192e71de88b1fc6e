// Package match evaluates inbound message text against per-entity string-match
// rules (moderation and auto-response). Rules evaluate in ascending priority
// order; the first matching rule fires its action and normally ends
// evaluation. Rules flagged ContinueEval (warn/webhook side effects) let
// evaluation continue to lower-priority rules; block and command always
// terminate.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/streamhive/relay/internal/store"
)

const defaultRuleTTL = 5 * time.Minute

// Match is one fired rule.
type Match struct {
	Rule   store.RuleData
	Action string
}

// Terminal reports whether this match ends rule evaluation for the message.
// Block and command actions always terminate; warn and webhook rules may opt
// into pass-through with ContinueEval.
func (m Match) Terminal() bool {
	switch m.Rule.Action {
	case store.ActionBlock, store.ActionCommand:
		return true
	}
	return !m.Rule.ContinueEval
}

type ruleSet struct {
	rules   []store.RuleData
	expires time.Time
}

// Engine loads, caches, and evaluates string-match rules.
type Engine struct {
	rules store.RuleStore

	mu    sync.RWMutex
	sets  map[string]ruleSet
	regex map[string]*regexp.Regexp // compiled by pattern+flags
	bad   map[string]bool           // patterns that failed to compile (logged once)

	ttl time.Duration
	now func() time.Time
}

// NewEngine creates an engine over the given rule store.
func NewEngine(rules store.RuleStore, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = defaultRuleTTL
	}
	return &Engine{
		rules: rules,
		sets:  make(map[string]ruleSet),
		regex: make(map[string]*regexp.Regexp),
		bad:   make(map[string]bool),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Evaluate runs the entity's rules against the text. It returns every fired
// match in priority order; the last one (and only the last) may be terminal.
// Messages without a command prefix are still evaluated here.
func (e *Engine) Evaluate(ctx context.Context, entityID, text string) ([]Match, error) {
	rules, err := e.load(ctx, entityID)
	if err != nil {
		return nil, err
	}

	var fired []Match
	for _, r := range rules {
		if !e.matches(r, text) {
			continue
		}
		m := Match{Rule: r, Action: r.Action}
		fired = append(fired, m)
		if m.Terminal() {
			break
		}
	}
	return fired, nil
}

// SetTTL changes the rule-set TTL for loads from now on (config reload).
func (e *Engine) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	e.mu.Lock()
	e.ttl = ttl
	e.mu.Unlock()
}

// Invalidate drops the cached rule set for an entity.
func (e *Engine) Invalidate(entityID string) {
	e.mu.Lock()
	delete(e.sets, entityID)
	e.mu.Unlock()
}

func (e *Engine) load(ctx context.Context, entityID string) ([]store.RuleData, error) {
	e.mu.RLock()
	set, ok := e.sets[entityID]
	e.mu.RUnlock()
	if ok && e.now().Before(set.expires) {
		return set.rules, nil
	}

	rules, err := e.rules.ListRules(ctx, entityID)
	if err != nil {
		if ok {
			// Store down: keep evaluating the stale set.
			return set.rules, nil
		}
		return nil, fmt.Errorf("load rules %s: %w", entityID, err)
	}

	e.mu.Lock()
	e.sets[entityID] = ruleSet{rules: rules, expires: e.now().Add(e.ttl)}
	e.mu.Unlock()
	return rules, nil
}

func (e *Engine) matches(r store.RuleData, text string) bool {
	pattern, subject := r.Pattern, text
	if !r.CaseSensitive {
		pattern = strings.ToLower(pattern)
		subject = strings.ToLower(subject)
	}

	switch r.Kind {
	case store.PatternWildcard:
		return true
	case store.PatternLiteral:
		return subject == pattern
	case store.PatternSubstring:
		return strings.Contains(subject, pattern)
	case store.PatternWord:
		re := e.compile(`\b`+regexp.QuoteMeta(r.Pattern)+`\b`, r.CaseSensitive)
		return re != nil && re.MatchString(text)
	case store.PatternRegex:
		re := e.compile(r.Pattern, r.CaseSensitive)
		return re != nil && re.MatchString(text)
	}
	return false
}

// compile returns the cached regex for pattern+flags, compiling on first use.
// A pattern that fails to compile disables its rule.
func (e *Engine) compile(pattern string, caseSensitive bool) *regexp.Regexp {
	expr := pattern
	if !caseSensitive {
		expr = "(?i)" + pattern
	}

	e.mu.RLock()
	re, ok := e.regex[expr]
	bad := e.bad[expr]
	e.mu.RUnlock()
	if ok {
		return re
	}
	if bad {
		return nil
	}

	compiled, err := regexp.Compile(expr)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if !e.bad[expr] {
			slog.Warn("match.bad_pattern", "pattern", pattern, "error", err)
			e.bad[expr] = true
		}
		return nil
	}
	e.regex[expr] = compiled
	return compiled
}
