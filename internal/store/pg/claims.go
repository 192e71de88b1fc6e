package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/streamhive/relay/internal/store"
)

// PGClaimStore implements store.ClaimStore backed by Postgres.
//
// Race safety: candidate entity rows are locked with FOR UPDATE SKIP LOCKED
// inside the claiming transaction, so two collectors claiming concurrently
// partition the candidate set instead of colliding.
type PGClaimStore struct {
	db *sql.DB
}

func NewPGClaimStore(db *sql.DB) *PGClaimStore {
	return &PGClaimStore{db: db}
}

func (s *PGClaimStore) ClaimEntities(ctx context.Context, collectorID, platform string, max int, prioritizeLive bool, expiry time.Time) ([]store.EntityData, error) {
	if max <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer tx.Rollback()

	order := "e.viewers DESC, e.id ASC"
	if prioritizeLive {
		order = "e.live DESC, " + order
	}

	// Lock candidates; SKIP LOCKED keeps concurrent claimers disjoint.
	rows, err := tx.QueryContext(ctx,
		`SELECT e.id, e.platform, e.live, e.viewers, e.active, e.last_seen, e.created_at, e.updated_at
		 FROM entities e
		 LEFT JOIN claims c ON c.entity_id = e.id
		 WHERE e.platform = $1 AND e.active
		   AND (c.entity_id IS NULL OR c.expires_at < now())
		 ORDER BY `+order+`
		 LIMIT $2
		 FOR UPDATE OF e SKIP LOCKED`,
		platform, max)
	if err != nil {
		return nil, wrapErr(err)
	}

	var claimed []store.EntityData
	for rows.Next() {
		var e store.EntityData
		if err := rows.Scan(&e.ID, &e.Platform, &e.Live, &e.Viewers, &e.Active,
			&e.LastSeen, &e.CreatedAt, &e.UpdatedAt); err != nil {
			rows.Close()
			return nil, wrapErr(err)
		}
		claimed = append(claimed, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, wrapErr(err)
	}
	rows.Close()

	for _, e := range claimed {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO claims (entity_id, collector_id, expires_at)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (entity_id) DO UPDATE SET
			   collector_id = EXCLUDED.collector_id, expires_at = EXCLUDED.expires_at`,
			e.ID, collectorID, expiry); err != nil {
			return nil, wrapErr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr(err)
	}
	return claimed, nil
}

func (s *PGClaimStore) RenewClaims(ctx context.Context, collectorID string, entityIDs []string, expiry time.Time) (int, error) {
	if len(entityIDs) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE claims SET expires_at = $3
		 WHERE collector_id = $1 AND entity_id = ANY($2) AND expires_at > now()`,
		collectorID, entityIDs, expiry)
	if err != nil {
		return 0, wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PGClaimStore) ReleaseClaims(ctx context.Context, collectorID string, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM claims WHERE collector_id = $1 AND entity_id = ANY($2)`,
		collectorID, entityIDs)
	return wrapErr(err)
}

func (s *PGClaimStore) ReleaseCollector(ctx context.Context, collectorID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM claims WHERE collector_id = $1`, collectorID)
	if err != nil {
		return 0, wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PGClaimStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM claims WHERE expires_at < $1`, now)
	if err != nil {
		return 0, wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PGClaimStore) ActiveClaims(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM claims WHERE expires_at >= $1`, now).Scan(&n)
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}
