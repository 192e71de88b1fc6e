package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/streamhive/relay/internal/store"
)

// PGCommandStore implements store.CommandStore backed by Postgres.
// Admin edits land in these tables directly; the cache layer in front of this
// store absorbs the read traffic.
type PGCommandStore struct {
	db *sql.DB
}

func NewPGCommandStore(db *sql.DB) *PGCommandStore {
	return &PGCommandStore{db: db}
}

func (s *PGCommandStore) GetCommand(ctx context.Context, entityID, prefix, name string) (*store.CommandData, error) {
	var c store.CommandData
	var targetsJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, entity_id, prefix, name, min_level, active, execution_mode, targets, created_at, updated_at
		 FROM commands
		 WHERE entity_id = $1 AND prefix = $2 AND name = $3 AND active`,
		entityID, prefix, name,
	).Scan(&c.ID, &c.EntityID, &c.Prefix, &c.Name, &c.MinLevel, &c.Active,
		&c.ExecutionMode, &targetsJSON, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	if err := json.Unmarshal(targetsJSON, &c.Targets); err != nil {
		// Malformed definition: treat as inactive rather than failing the router.
		return nil, fmt.Errorf("command %s%s targets: %w", c.Prefix, c.Name, store.ErrNotFound)
	}
	return &c, nil
}

func (s *PGCommandStore) GetPermissions(ctx context.Context, entityID string) (store.PermissionSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, level FROM permissions WHERE entity_id = $1`, entityID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	set := store.PermissionSet{}
	for rows.Next() {
		var userID string
		var level int
		if err := rows.Scan(&userID, &level); err != nil {
			return nil, wrapErr(err)
		}
		set[userID] = store.PermissionLevel(level)
	}
	return set, wrapErr(rows.Err())
}
