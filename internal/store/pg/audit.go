package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/streamhive/relay/internal/store"
)

// PGAuditStore implements store.AuditStore backed by Postgres.
type PGAuditStore struct {
	db *sql.DB
}

func NewPGAuditStore(db *sql.DB) *PGAuditStore {
	return &PGAuditStore{db: db}
}

func (s *PGAuditStore) Append(ctx context.Context, a store.AuditData) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO response_audit (session_id, entity_id, user_id, executions, responses, outcome, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id) DO NOTHING`,
		a.SessionID, a.EntityID, a.UserID, a.Executions, a.Responses, a.Outcome, a.DurationMS, a.CreatedAt)
	return wrapErr(err)
}

func (s *PGAuditStore) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM response_audit WHERE created_at < $1`, before)
	if err != nil {
		return 0, wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
