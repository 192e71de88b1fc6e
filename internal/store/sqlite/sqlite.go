// Package sqlite is the standalone-mode storage backend: a single embedded
// database file instead of managed Postgres. Schema is created on open; the
// single-writer connection serializes claim transactions, which is what makes
// ClaimEntities atomic without row locks.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/streamhive/relay/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	platform TEXT NOT NULL,
	live INTEGER NOT NULL DEFAULT 0,
	viewers INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	last_seen INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entities_platform ON entities(platform, active);

CREATE TABLE IF NOT EXISTS commands (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	prefix TEXT NOT NULL,
	name TEXT NOT NULL,
	min_level INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	execution_mode TEXT NOT NULL DEFAULT 'sequential',
	targets TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(entity_id, prefix, name)
);

CREATE TABLE IF NOT EXISTS permissions (
	entity_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	level INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (entity_id, user_id)
);

CREATE TABLE IF NOT EXISTS match_rules (
	id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	pattern TEXT NOT NULL,
	kind TEXT NOT NULL,
	case_sensitive INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 100,
	action TEXT NOT NULL,
	command TEXT,
	webhook_url TEXT,
	continue_eval INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_match_rules_entity ON match_rules(entity_id, active, priority);

CREATE TABLE IF NOT EXISTS claims (
	entity_id TEXT PRIMARY KEY,
	collector_id TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claims_collector ON claims(collector_id);

CREATE TABLE IF NOT EXISTS collectors (
	id TEXT PRIMARY KEY,
	platform TEXT NOT NULL,
	last_heartbeat INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS response_audit (
	session_id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	executions INTEGER NOT NULL,
	responses INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
`

// NewSQLiteStores creates all stores backed by an embedded sqlite database.
func NewSQLiteStores(cfg store.StoreConfig) (*store.Stores, error) {
	dir := cfg.DataDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "relay.db"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single connection: sqlite has one writer anyway, and this makes
	// multi-statement claim transactions serialize instead of returning SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &store.Stores{
		Entities:   &entityStore{db: db},
		Commands:   &commandStore{db: db},
		Rules:      &ruleStore{db: db},
		Claims:     &claimStore{db: db},
		Collectors: &collectorStore{db: db},
		Audit:      &auditStore{db: db},
		Ping:       func(ctx context.Context) error { return db.PingContext(ctx) },
		Close:      db.Close,
	}, nil
}

func wrapErr(err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
