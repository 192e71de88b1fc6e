package pg

import (
	"context"
	"database/sql"

	"github.com/streamhive/relay/internal/store"
)

// PGRuleStore implements store.RuleStore backed by Postgres.
type PGRuleStore struct {
	db *sql.DB
}

func NewPGRuleStore(db *sql.DB) *PGRuleStore {
	return &PGRuleStore{db: db}
}

func (s *PGRuleStore) ListRules(ctx context.Context, entityID string) ([]store.RuleData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, pattern, kind, case_sensitive, priority, action,
		        COALESCE(command, ''), COALESCE(webhook_url, ''), continue_eval, active
		 FROM match_rules
		 WHERE entity_id = $1 AND active
		 ORDER BY priority ASC`, entityID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var rules []store.RuleData
	for rows.Next() {
		var r store.RuleData
		if err := rows.Scan(&r.ID, &r.EntityID, &r.Pattern, &r.Kind, &r.CaseSensitive,
			&r.Priority, &r.Action, &r.Command, &r.WebhookURL, &r.ContinueEval, &r.Active); err != nil {
			return nil, wrapErr(err)
		}
		rules = append(rules, r)
	}
	return rules, wrapErr(rows.Err())
}
