package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/streamhive/relay/internal/store"
)

// PGEntityStore implements store.EntityStore backed by Postgres.
type PGEntityStore struct {
	db *sql.DB
}

func NewPGEntityStore(db *sql.DB) *PGEntityStore {
	return &PGEntityStore{db: db}
}

func (s *PGEntityStore) UpsertEntity(ctx context.Context, e store.EntityData) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (id, platform, live, viewers, active, last_seen, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, TRUE, $5, $6, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   live = EXCLUDED.live, viewers = EXCLUDED.viewers,
		   active = TRUE, last_seen = EXCLUDED.last_seen, updated_at = EXCLUDED.updated_at`,
		e.ID, e.Platform, e.Live, e.Viewers, e.LastSeen, now,
	)
	return wrapErr(err)
}

func (s *PGEntityStore) GetEntity(ctx context.Context, id string) (*store.EntityData, error) {
	var e store.EntityData
	err := s.db.QueryRowContext(ctx,
		`SELECT id, platform, live, viewers, active, last_seen, created_at, updated_at
		 FROM entities WHERE id = $1`, id,
	).Scan(&e.ID, &e.Platform, &e.Live, &e.Viewers, &e.Active, &e.LastSeen, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	return &e, nil
}

func (s *PGEntityStore) UpdateStatus(ctx context.Context, id string, live bool, viewers int, seen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET live = $2, viewers = $3, last_seen = $4, updated_at = now()
		 WHERE id = $1`, id, live, viewers, seen)
	return wrapErr(err)
}

func (s *PGEntityStore) MarkInactive(ctx context.Context, notSeenSince time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET active = FALSE, live = FALSE, updated_at = now()
		 WHERE active AND last_seen < $1`, notSeenSince)
	if err != nil {
		return 0, wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
