package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/streamhive/relay/internal/store"
)

// Times are stored as unix milliseconds.
func ms(t time.Time) int64     { return t.UnixMilli() }
func fromMS(v int64) time.Time { return time.UnixMilli(v) }

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// --- entities ---

type entityStore struct{ db *sql.DB }

func (s *entityStore) UpsertEntity(ctx context.Context, e store.EntityData) error {
	now := ms(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (id, platform, live, viewers, active, last_seen, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   live = excluded.live, viewers = excluded.viewers,
		   active = 1, last_seen = excluded.last_seen, updated_at = excluded.updated_at`,
		e.ID, e.Platform, b2i(e.Live), e.Viewers, ms(e.LastSeen), now, now)
	return wrapErr(err)
}

func (s *entityStore) GetEntity(ctx context.Context, id string) (*store.EntityData, error) {
	var e store.EntityData
	var live, active int
	var lastSeen, created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, platform, live, viewers, active, last_seen, created_at, updated_at
		 FROM entities WHERE id = ?`, id,
	).Scan(&e.ID, &e.Platform, &live, &e.Viewers, &active, &lastSeen, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	e.Live, e.Active = live != 0, active != 0
	e.LastSeen, e.CreatedAt, e.UpdatedAt = fromMS(lastSeen), fromMS(created), fromMS(updated)
	return &e, nil
}

func (s *entityStore) UpdateStatus(ctx context.Context, id string, live bool, viewers int, seen time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET live = ?, viewers = ?, last_seen = ?, updated_at = ? WHERE id = ?`,
		b2i(live), viewers, ms(seen), ms(time.Now()), id)
	return wrapErr(err)
}

func (s *entityStore) MarkInactive(ctx context.Context, notSeenSince time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET active = 0, live = 0, updated_at = ? WHERE active = 1 AND last_seen < ?`,
		ms(time.Now()), ms(notSeenSince))
	if err != nil {
		return 0, wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- commands / permissions ---

type commandStore struct{ db *sql.DB }

func (s *commandStore) GetCommand(ctx context.Context, entityID, prefix, name string) (*store.CommandData, error) {
	var c store.CommandData
	var idStr, targetsJSON string
	var active int
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, entity_id, prefix, name, min_level, active, execution_mode, targets, created_at, updated_at
		 FROM commands WHERE entity_id = ? AND prefix = ? AND name = ? AND active = 1`,
		entityID, prefix, name,
	).Scan(&idStr, &c.EntityID, &c.Prefix, &c.Name, &c.MinLevel, &active,
		&c.ExecutionMode, &targetsJSON, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, wrapErr(err)
	}
	c.ID = parseUUID(idStr)
	c.Active = active != 0
	c.CreatedAt, c.UpdatedAt = fromMS(created), fromMS(updated)
	if err := json.Unmarshal([]byte(targetsJSON), &c.Targets); err != nil {
		return nil, fmt.Errorf("command %s%s targets: %w", c.Prefix, c.Name, store.ErrNotFound)
	}
	return &c, nil
}

func (s *commandStore) GetPermissions(ctx context.Context, entityID string) (store.PermissionSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, level FROM permissions WHERE entity_id = ?`, entityID)
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

// --- rules ---

type ruleStore struct{ db *sql.DB }

func (s *ruleStore) ListRules(ctx context.Context, entityID string) ([]store.RuleData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, pattern, kind, case_sensitive, priority, action,
		        COALESCE(command, ''), COALESCE(webhook_url, ''), continue_eval, active
		 FROM match_rules WHERE entity_id = ? AND active = 1 ORDER BY priority ASC`, entityID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var rules []store.RuleData
	for rows.Next() {
		var r store.RuleData
		var idStr string
		var caseSensitive, continueEval, active int
		if err := rows.Scan(&idStr, &r.EntityID, &r.Pattern, &r.Kind, &caseSensitive,
			&r.Priority, &r.Action, &r.Command, &r.WebhookURL, &continueEval, &active); err != nil {
			return nil, wrapErr(err)
		}
		r.ID = parseUUID(idStr)
		r.CaseSensitive, r.ContinueEval, r.Active = caseSensitive != 0, continueEval != 0, active != 0
		rules = append(rules, r)
	}
	return rules, wrapErr(rows.Err())
}

// --- claims ---

type claimStore struct{ db *sql.DB }

func (s *claimStore) ClaimEntities(ctx context.Context, collectorID, platform string, max int, prioritizeLive bool, expiry time.Time) ([]store.EntityData, error) {
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

	rows, err := tx.QueryContext(ctx,
		`SELECT e.id, e.platform, e.live, e.viewers, e.active, e.last_seen, e.created_at, e.updated_at
		 FROM entities e
		 LEFT JOIN claims c ON c.entity_id = e.id
		 WHERE e.platform = ? AND e.active = 1
		   AND (c.entity_id IS NULL OR c.expires_at < ?)
		 ORDER BY `+order+` LIMIT ?`,
		platform, ms(time.Now()), max)
	if err != nil {
		return nil, wrapErr(err)
	}

	var claimed []store.EntityData
	for rows.Next() {
		var e store.EntityData
		var live, active int
		var lastSeen, created, updated int64
		if err := rows.Scan(&e.ID, &e.Platform, &live, &e.Viewers, &active, &lastSeen, &created, &updated); err != nil {
			rows.Close()
			return nil, wrapErr(err)
		}
		e.Live, e.Active = live != 0, active != 0
		e.LastSeen, e.CreatedAt, e.UpdatedAt = fromMS(lastSeen), fromMS(created), fromMS(updated)
		claimed = append(claimed, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, wrapErr(err)
	}
	rows.Close()

	for _, e := range claimed {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO claims (entity_id, collector_id, expires_at) VALUES (?, ?, ?)
			 ON CONFLICT (entity_id) DO UPDATE SET
			   collector_id = excluded.collector_id, expires_at = excluded.expires_at`,
			e.ID, collectorID, ms(expiry)); err != nil {
			return nil, wrapErr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr(err)
	}
	return claimed, nil
}

func (s *claimStore) RenewClaims(ctx context.Context, collectorID string, entityIDs []string, expiry time.Time) (int, error) {
	if len(entityIDs) == 0 {
		return 0, nil
	}
	args := []any{ms(expiry), collectorID, ms(time.Now())}
	for _, id := range entityIDs {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE claims SET expires_at = ?
		 WHERE collector_id = ? AND expires_at > ? AND entity_id IN (`+placeholders(len(entityIDs))+`)`,
		args...)
	if err != nil {
		return 0, wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *claimStore) ReleaseClaims(ctx context.Context, collectorID string, entityIDs []string) error {
	if len(entityIDs) == 0 {
		return nil
	}
	args := []any{collectorID}
	for _, id := range entityIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM claims WHERE collector_id = ? AND entity_id IN (`+placeholders(len(entityIDs))+`)`,
		args...)
	return wrapErr(err)
}

func (s *claimStore) ReleaseCollector(ctx context.Context, collectorID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM claims WHERE collector_id = ?`, collectorID)
	if err != nil {
		return 0, wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *claimStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM claims WHERE expires_at < ?`, ms(now))
	if err != nil {
		return 0, wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *claimStore) ActiveClaims(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM claims WHERE expires_at >= ?`, ms(now)).Scan(&n)
	if err != nil {
		return 0, wrapErr(err)
	}
	return n, nil
}

// --- collectors ---

type collectorStore struct{ db *sql.DB }

func (s *collectorStore) Heartbeat(ctx context.Context, collectorID, platform string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collectors (id, platform, last_heartbeat) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET platform = excluded.platform, last_heartbeat = excluded.last_heartbeat`,
		collectorID, platform, ms(at))
	return wrapErr(err)
}

func (s *collectorStore) Dead(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM collectors WHERE last_heartbeat < ?`, ms(cutoff))
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

func (s *collectorStore) Forget(ctx context.Context, collectorID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM collectors WHERE id = ?`, collectorID)
	return wrapErr(err)
}

// --- audit ---

type auditStore struct{ db *sql.DB }

func (s *auditStore) Append(ctx context.Context, a store.AuditData) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO response_audit (session_id, entity_id, user_id, executions, responses, outcome, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SessionID.String(), a.EntityID, a.UserID, a.Executions, a.Responses, a.Outcome, a.DurationMS, ms(a.CreatedAt))
	return wrapErr(err)
}

func (s *auditStore) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM response_audit WHERE created_at < ?`, ms(before))
	if err != nil {
		return 0, wrapErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- helpers ---

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
