package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/streamhive/relay/internal/store"
)

// PGCollectorStore implements store.CollectorStore backed by Postgres.
type PGCollectorStore struct {
	db *sql.DB
}

func NewPGCollectorStore(db *sql.DB) *PGCollectorStore {
	return &PGCollectorStore{db: db}
}

func (s *PGCollectorStore) Heartbeat(ctx context.Context, collectorID, platform string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collectors (id, platform, last_heartbeat)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET platform = EXCLUDED.platform, last_heartbeat = EXCLUDED.last_heartbeat`,
		collectorID, platform, at)
	return wrapErr(err)
}

func (s *PGCollectorStore) Dead(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM collectors WHERE last_heartbeat < $1`, cutoff)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr(err)
		}
		ids = append(ids, id)
	}
	return ids, wrapErr(rows.Err())
}

func (s *PGCollectorStore) Forget(ctx context.Context, collectorID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM collectors WHERE id = $1`, collectorID)
	return wrapErr(err)
}

// wrapErr tags backend I/O failures as ErrUnavailable so callers can
// distinguish an outage from a miss.
func wrapErr(err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}
