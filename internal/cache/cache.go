// Package cache is the TTL lookup cache in front of the durable store for
// command definitions and entity permission sets. Reads are served from memory
// within the TTL; misses load from the store with singleflight dedup. When the
// backing store is down, an expired-but-present entry is served stale (soft
// fail open) and the cache reports itself degraded.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/streamhive/relay/internal/metrics"
	"github.com/streamhive/relay/internal/store"
)

const (
	DefaultCommandTTL    = 5 * time.Minute
	DefaultPermissionTTL = 10 * time.Minute
)

type cmdEntry struct {
	cmd      *store.CommandData // nil when the miss itself is cached
	notFound bool
	expires  time.Time
}

type permEntry struct {
	set     store.PermissionSet
	expires time.Time
}

// Cache resolves commands and permission sets with per-kind TTLs.
type Cache struct {
	commands store.CommandStore

	mu    sync.RWMutex
	cmds  map[string]cmdEntry
	perms map[string]permEntry

	sf singleflight.Group

	cmdTTL   time.Duration
	permTTL  time.Duration
	degraded atomic.Bool
	metrics  *metrics.Metrics

	now func() time.Time
}

// New creates a cache over the given command store. Zero TTLs fall back to
// the defaults. metrics may be nil.
func New(commands store.CommandStore, cmdTTL, permTTL time.Duration, m *metrics.Metrics) *Cache {
	if cmdTTL <= 0 {
		cmdTTL = DefaultCommandTTL
	}
	if permTTL <= 0 {
		permTTL = DefaultPermissionTTL
	}
	return &Cache{
		commands: commands,
		cmds:     make(map[string]cmdEntry),
		perms:    make(map[string]permEntry),
		cmdTTL:   cmdTTL,
		permTTL:  permTTL,
		metrics:  m,
		now:      time.Now,
	}
}

func cmdKey(entityID, prefix, name string) string {
	return entityID + "\x00" + prefix + "\x00" + name
}

// ResolveCommand returns the command for (entity, prefix, name), or
// store.ErrNotFound. Negative lookups are cached for the same TTL.
func (c *Cache) ResolveCommand(ctx context.Context, entityID, prefix, name string) (*store.CommandData, error) {
	key := cmdKey(entityID, prefix, name)

	c.mu.RLock()
	e, ok := c.cmds[key]
	c.mu.RUnlock()

	if ok && c.now().Before(e.expires) {
		c.hit()
		if e.notFound {
			return nil, store.ErrNotFound
		}
		return e.cmd, nil
	}
	c.miss()

	v, err, _ := c.sf.Do("cmd:"+key, func() (interface{}, error) {
		cmd, err := c.commands.GetCommand(ctx, entityID, prefix, name)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		c.mu.Lock()
		ne := cmdEntry{cmd: cmd, notFound: cmd == nil, expires: c.now().Add(c.cmdTTL)}
		c.cmds[key] = ne
		c.mu.Unlock()
		c.degraded.Store(false)
		return ne, nil
	})
	if err != nil {
		// Store down: serve the expired entry if we have one.
		if ok {
			c.degraded.Store(true)
			if e.notFound {
				return nil, store.ErrNotFound
			}
			return e.cmd, nil
		}
		return nil, fmt.Errorf("resolve command %s%s: %w", prefix, name, err)
	}
	ne := v.(cmdEntry)
	if ne.notFound {
		return nil, store.ErrNotFound
	}
	return ne.cmd, nil
}

// ResolveEntityPermissions returns the entity's permission set.
func (c *Cache) ResolveEntityPermissions(ctx context.Context, entityID string) (store.PermissionSet, error) {
	c.mu.RLock()
	e, ok := c.perms[entityID]
	c.mu.RUnlock()

	if ok && c.now().Before(e.expires) {
		c.hit()
		return e.set, nil
	}
	c.miss()

	v, err, _ := c.sf.Do("perm:"+entityID, func() (interface{}, error) {
		set, err := c.commands.GetPermissions(ctx, entityID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		ne := permEntry{set: set, expires: c.now().Add(c.permTTL)}
		c.perms[entityID] = ne
		c.mu.Unlock()
		c.degraded.Store(false)
		return ne, nil
	})
	if err != nil {
		if ok {
			c.degraded.Store(true)
			return e.set, nil
		}
		return nil, fmt.Errorf("resolve permissions %s: %w", entityID, err)
	}
	return v.(permEntry).set, nil
}

// Invalidate drops every cached entry for an entity. Admin edits may call this
// through the store; otherwise entries age out within the TTL.
func (c *Cache) Invalidate(entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.perms, entityID)
	prefix := entityID + "\x00"
	for k := range c.cmds {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.cmds, k)
		}
	}
}

// SetTTLs changes the TTLs for entries cached from now on (config reload).
// Non-positive values leave the corresponding TTL unchanged.
func (c *Cache) SetTTLs(cmdTTL, permTTL time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cmdTTL > 0 {
		c.cmdTTL = cmdTTL
	}
	if permTTL > 0 {
		c.permTTL = permTTL
	}
}

// InvalidateAll flushes the whole cache (config reload).
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cmds = make(map[string]cmdEntry)
	c.perms = make(map[string]permEntry)
}

// Healthy reports false while the cache is serving stale entries because the
// backing store is unreachable.
func (c *Cache) Healthy() bool { return !c.degraded.Load() }

// Sweep evicts entries whose TTL lapsed more than the retain window ago.
// Recently-expired entries are kept for stale-serve during store outages.
func (c *Cache) Sweep(retain time.Duration) int {
	cutoff := c.now().Add(-retain)
	removed := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.cmds {
		if e.expires.Before(cutoff) {
			delete(c.cmds, k)
			removed++
		}
	}
	for k, e := range c.perms {
		if e.expires.Before(cutoff) {
			delete(c.perms, k)
			removed++
		}
	}
	return removed
}

func (c *Cache) hit() {
	if c.metrics != nil {
		c.metrics.CacheHits.Add(1)
	}
}

func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.CacheMisses.Add(1)
	}
}
