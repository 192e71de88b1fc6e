package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all store backends.
var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("store unavailable")
)

// StoreConfig selects and configures a storage backend.
// PostgresDSN comes from env only (RELAY_POSTGRES_DSN), never the config file.
type StoreConfig struct {
	Mode        string // "managed" (Postgres) or "standalone" (sqlite)
	PostgresDSN string
	DataDir     string // standalone mode: directory holding relay.db
}

// EntityStore persists monitored entities.
type EntityStore interface {
	// UpsertEntity creates the entity on first observation or refreshes it.
	UpsertEntity(ctx context.Context, e EntityData) error
	GetEntity(ctx context.Context, id string) (*EntityData, error)
	// UpdateStatus applies a collector status report (live flag, viewer count).
	UpdateStatus(ctx context.Context, id string, live bool, viewers int, seen time.Time) error
	// MarkInactive flags entities not seen since the cutoff. Returns rows changed.
	MarkInactive(ctx context.Context, notSeenSince time.Time) (int, error)
}

// CommandStore reads command definitions and permission sets. Writes happen
// through the admin collaborator directly against the durable store.
type CommandStore interface {
	// GetCommand returns the active command for (entity, prefix, name),
	// or ErrNotFound.
	GetCommand(ctx context.Context, entityID, prefix, name string) (*CommandData, error)
	// GetPermissions returns the entity's permission set. An entity with no
	// rows yields an empty set, not ErrNotFound.
	GetPermissions(ctx context.Context, entityID string) (PermissionSet, error)
}

// RuleStore reads string-match rules.
type RuleStore interface {
	// ListRules returns the entity's active rules ordered by ascending priority.
	ListRules(ctx context.Context, entityID string) ([]RuleData, error)
}

// ClaimStore is the coordination claim table. Implementations must make
// ClaimEntities race-safe under concurrent callers: two collectors must never
// be granted the same entity.
type ClaimStore interface {
	// ClaimEntities atomically selects up to max unclaimed (or expired-claim)
	// active entities for the platform and claims them for the collector.
	ClaimEntities(ctx context.Context, collectorID, platform string, max int, prioritizeLive bool, expiry time.Time) ([]EntityData, error)
	// RenewClaims extends expiry for the collector's listed claims.
	// Returns how many were actually renewed (still held and unexpired).
	RenewClaims(ctx context.Context, collectorID string, entityIDs []string, expiry time.Time) (int, error)
	ReleaseClaims(ctx context.Context, collectorID string, entityIDs []string) error
	// ReleaseCollector drops every claim held by the collector. Returns count.
	ReleaseCollector(ctx context.Context, collectorID string) (int, error)
	// PurgeExpired clears claims whose expiry passed before now. Returns count.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	ActiveClaims(ctx context.Context, now time.Time) (int, error)
}

// CollectorStore tracks collector instance liveness.
type CollectorStore interface {
	Heartbeat(ctx context.Context, collectorID, platform string, at time.Time) error
	// Dead returns collector IDs whose last heartbeat is older than the cutoff.
	Dead(ctx context.Context, cutoff time.Time) ([]string, error)
	Forget(ctx context.Context, collectorID string) error
}

// AuditStore appends finalized-session audit rows.
type AuditStore interface {
	Append(ctx context.Context, a AuditData) error
	// Purge removes audit rows created before the cutoff. Returns count.
	Purge(ctx context.Context, before time.Time) (int, error)
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Entities   EntityStore
	Commands   CommandStore
	Rules      RuleStore
	Claims     ClaimStore
	Collectors CollectorStore
	Audit      AuditStore

	// Ping verifies backend reachability (health endpoint).
	Ping func(ctx context.Context) error
	// Close releases the underlying connection pool.
	Close func() error
}
