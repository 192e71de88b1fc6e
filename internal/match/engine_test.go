package match

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/streamhive/relay/internal/store"
)

type fakeRuleStore struct {
	rules []store.RuleData
	err   error
	calls int
}

func (f *fakeRuleStore) ListRules(ctx context.Context, entityID string) ([]store.RuleData, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rules, nil
}

func rule(priority int, kind, pattern, action string, cont bool) store.RuleData {
	return store.RuleData{
		ID:           uuid.Must(uuid.NewV7()),
		EntityID:     "twitch:chan1",
		Pattern:      pattern,
		Kind:         kind,
		Priority:     priority,
		Action:       action,
		ContinueEval: cont,
		Active:       true,
	}
}

func TestEvaluatePriorityOrder(t *testing.T) {
	// Store returns rules already ordered by ascending priority.
	rs := &fakeRuleStore{rules: []store.RuleData{
		rule(1, store.PatternSubstring, "spam", store.ActionBlock, false),
		rule(2, store.PatternSubstring, "spam", store.ActionWarn, false),
	}}
	e := NewEngine(rs, time.Minute)

	fired, err := e.Evaluate(context.Background(), "twitch:chan1", "buy spam now")
	if err != nil {
		t.Fatal(err)
	}
	if len(fired) != 1 {
		t.Fatalf("fired %d rules, want 1", len(fired))
	}
	if fired[0].Action != store.ActionBlock {
		t.Fatalf("priority 1 rule must win, got action %s", fired[0].Action)
	}
}

func TestEvaluateContinueEval(t *testing.T) {
	rs := &fakeRuleStore{rules: []store.RuleData{
		rule(1, store.PatternSubstring, "spam", store.ActionWarn, true),
		rule(2, store.PatternSubstring, "spam", store.ActionWebhook, false),
		rule(3, store.PatternWildcard, "*", store.ActionWarn, false),
	}}
	e := NewEngine(rs, time.Minute)

	fired, err := e.Evaluate(context.Background(), "twitch:chan1", "spam here")
	if err != nil {
		t.Fatal(err)
	}
	if len(fired) != 2 {
		t.Fatalf("fired %d rules, want 2 (warn passes through, webhook terminates)", len(fired))
	}
	if fired[0].Action != store.ActionWarn || fired[1].Action != store.ActionWebhook {
		t.Fatalf("unexpected fire order: %s, %s", fired[0].Action, fired[1].Action)
	}
}

func TestBlockAlwaysTerminal(t *testing.T) {
	// ContinueEval on a block rule is ignored.
	m := Match{Rule: rule(1, store.PatternWildcard, "*", store.ActionBlock, true)}
	if !m.Terminal() {
		t.Fatal("block must always be terminal")
	}
	m = Match{Rule: rule(1, store.PatternWildcard, "*", store.ActionCommand, true)}
	if !m.Terminal() {
		t.Fatal("command must always be terminal")
	}
}

func TestPatternKinds(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		pattern string
		caseSen bool
		text    string
		want    bool
	}{
		{"literal exact", store.PatternLiteral, "hello", false, "hello", true},
		{"literal partial", store.PatternLiteral, "hello", false, "hello there", false},
		{"literal case folds", store.PatternLiteral, "Hello", false, "hELLO", true},
		{"literal case sensitive", store.PatternLiteral, "Hello", true, "hello", false},
		{"substring", store.PatternSubstring, "bad", false, "that was badly done", true},
		{"word boundary hit", store.PatternWord, "bad", false, "a bad day", true},
		{"word boundary miss", store.PatternWord, "bad", false, "badly done", false},
		{"regex", store.PatternRegex, `^!\w+`, true, "!play song", true},
		{"wildcard", store.PatternWildcard, "*", false, "anything at all", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule(1, tt.kind, tt.pattern, store.ActionWarn, false)
			r.CaseSensitive = tt.caseSen
			rs := &fakeRuleStore{rules: []store.RuleData{r}}
			e := NewEngine(rs, time.Minute)

			fired, err := e.Evaluate(context.Background(), "twitch:chan1", tt.text)
			if err != nil {
				t.Fatal(err)
			}
			if got := len(fired) == 1; got != tt.want {
				t.Fatalf("match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBadRegexDisablesRule(t *testing.T) {
	rs := &fakeRuleStore{rules: []store.RuleData{
		rule(1, store.PatternRegex, "([", store.ActionBlock, false),
		rule(2, store.PatternWildcard, "*", store.ActionWarn, false),
	}}
	e := NewEngine(rs, time.Minute)

	for i := 0; i < 2; i++ {
		fired, err := e.Evaluate(context.Background(), "twitch:chan1", "text")
		if err != nil {
			t.Fatal(err)
		}
		if len(fired) != 1 || fired[0].Action != store.ActionWarn {
			t.Fatalf("broken regex rule must be skipped, fired: %v", fired)
		}
	}
}

func TestRuleSetCachedWithinTTL(t *testing.T) {
	rs := &fakeRuleStore{rules: []store.RuleData{rule(1, store.PatternWildcard, "*", store.ActionWarn, false)}}
	e := NewEngine(rs, time.Minute)

	for i := 0; i < 5; i++ {
		if _, err := e.Evaluate(context.Background(), "twitch:chan1", "x"); err != nil {
			t.Fatal(err)
		}
	}
	if rs.calls != 1 {
		t.Fatalf("store loaded %d times within TTL, want 1", rs.calls)
	}
}

func TestSetTTLAppliesToNextLoad(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	rs := &fakeRuleStore{rules: []store.RuleData{rule(1, store.PatternWildcard, "*", store.ActionWarn, false)}}
	e := NewEngine(rs, time.Minute)
	e.now = func() time.Time { return now }

	e.SetTTL(10 * time.Minute)
	e.Invalidate("twitch:chan1")
	if _, err := e.Evaluate(context.Background(), "twitch:chan1", "x"); err != nil {
		t.Fatal(err)
	}
	calls := rs.calls

	// Past the old TTL but inside the widened one: no reload.
	now = now.Add(5 * time.Minute)
	if _, err := e.Evaluate(context.Background(), "twitch:chan1", "x"); err != nil {
		t.Fatal(err)
	}
	if rs.calls != calls {
		t.Fatalf("store loaded %d times, want %d (rule set expired under the old TTL)", rs.calls, calls)
	}
}

func TestStaleRulesServedOnStoreError(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	rs := &fakeRuleStore{rules: []store.RuleData{rule(1, store.PatternWildcard, "*", store.ActionWarn, false)}}
	e := NewEngine(rs, time.Minute)
	e.now = func() time.Time { return now }

	if _, err := e.Evaluate(context.Background(), "twitch:chan1", "x"); err != nil {
		t.Fatal(err)
	}

	rs.err = errors.New("store down")
	now = now.Add(2 * time.Minute) // cached set expired

	fired, err := e.Evaluate(context.Background(), "twitch:chan1", "x")
	if err != nil {
		t.Fatalf("expected stale serve, got error: %v", err)
	}
	if len(fired) != 1 {
		t.Fatal("stale rule set should still evaluate")
	}
}
