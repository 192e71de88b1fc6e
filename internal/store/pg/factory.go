package pg

import (
	"context"
	"fmt"

	"github.com/streamhive/relay/internal/store"
)

// NewPGStores creates all stores backed by Postgres (managed mode).
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &store.Stores{
		Entities:   NewPGEntityStore(db),
		Commands:   NewPGCommandStore(db),
		Rules:      NewPGRuleStore(db),
		Claims:     NewPGClaimStore(db),
		Collectors: NewPGCollectorStore(db),
		Audit:      NewPGAuditStore(db),
		Ping:       func(ctx context.Context) error { return db.PingContext(ctx) },
		Close:      db.Close,
	}, nil
}
