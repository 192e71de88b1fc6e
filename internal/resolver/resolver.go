// Package resolver parses command invocations out of message text and checks
// caller permissions against the cached command definition.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/streamhive/relay/internal/cache"
	"github.com/streamhive/relay/internal/store"
)

var (
	// ErrNoMatch means the message carries no prefix or no such command
	// exists. Callers stay silent on it.
	ErrNoMatch = errors.New("no command match")
)

// PermissionError reports an insufficient permission level.
type PermissionError struct {
	Command  string
	Required store.PermissionLevel
	Actual   store.PermissionLevel
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("command %s requires %s, caller is %s", e.Command, e.Required, e.Actual)
}

// Resolved is a successfully resolved command invocation.
type Resolved struct {
	Command *store.CommandData
	Args    string // text after the command token
	Level   store.PermissionLevel
}

// Resolver resolves message text to commands through the cache layer.
type Resolver struct {
	cache *cache.Cache
}

func New(c *cache.Cache) *Resolver {
	return &Resolver{cache: c}
}

// Resolve parses the leading prefix and command token, looks the command up
// for the entity, and gates on the caller's permission level.
// Returns ErrNoMatch (silent), a *PermissionError, or the resolved command.
func (r *Resolver) Resolve(ctx context.Context, entityID, userID, text string) (*Resolved, error) {
	prefix, name, args, ok := Parse(text)
	if !ok {
		return nil, ErrNoMatch
	}

	cmd, err := r.cache.ResolveCommand(ctx, entityID, prefix, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, err
	}

	perms, err := r.cache.ResolveEntityPermissions(ctx, entityID)
	if err != nil {
		return nil, err
	}
	level := perms.Level(userID)
	if level < cmd.MinLevel {
		return nil, &PermissionError{Command: prefix + name, Required: cmd.MinLevel, Actual: level}
	}

	return &Resolved{Command: cmd, Args: args, Level: level}, nil
}

// Lookup fetches a command definition without the permission gate. Used for
// rule-synthesized invocations, which moderation config already vouched for.
func (r *Resolver) Lookup(ctx context.Context, entityID, prefix, name string) (*store.CommandData, error) {
	cmd, err := r.cache.ResolveCommand(ctx, entityID, prefix, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoMatch
	}
	return cmd, err
}

// Parse splits text into prefix, command token, and trailing args.
// ok is false when the text carries no command prefix.
func Parse(text string) (prefix, name, args string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 2 {
		return "", "", "", false
	}
	p := string(trimmed[0])
	if p != store.PrefixLocal && p != store.PrefixCommunity {
		return "", "", "", false
	}

	rest := trimmed[1:]
	if i := strings.IndexAny(rest, " \t"); i >= 0 {
		name, args = rest[:i], strings.TrimSpace(rest[i+1:])
	} else {
		name = rest
	}
	if name == "" {
		return "", "", "", false
	}
	return p, strings.ToLower(name), args, true
}
