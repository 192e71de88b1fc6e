// Package sweeper runs the relay's periodic maintenance: fast ticker sweeps
// for in-memory state (rate-limit keys, cache entries, lapsed claims) and
// cron-scheduled jobs for the durable store (audit retention, inactive-entity
// flagging).
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/streamhive/relay/internal/cache"
	"github.com/streamhive/relay/internal/config"
	"github.com/streamhive/relay/internal/coordination"
	"github.com/streamhive/relay/internal/ratelimit"
	"github.com/streamhive/relay/internal/store"
)

const (
	fastInterval = time.Minute
	cronInterval = time.Minute

	// In-memory retention for ticker sweeps.
	limiterIdle = 10 * time.Minute
	cacheRetain = 5 * time.Minute

	// Entities not seen for this long are flagged inactive and leave the
	// claimable pool.
	inactiveCutoff = 14 * 24 * time.Hour
)

// Sweeper drives all maintenance loops.
type Sweeper struct {
	cfg     *config.Config
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	coord   *coordination.Service
	stores  *store.Stores

	gron *gronx.Gronx
}

// New creates a sweeper. Any dependency may be nil; its jobs are skipped.
func New(cfg *config.Config, c *cache.Cache, lim *ratelimit.Limiter, coord *coordination.Service, st *store.Stores) *Sweeper {
	return &Sweeper{
		cfg:     cfg,
		cache:   c,
		limiter: lim,
		coord:   coord,
		stores:  st,
		gron:    gronx.New(),
	}
}

// Run blocks until ctx is cancelled, driving both the fast ticker and the
// cron scheduler.
func (s *Sweeper) Run(ctx context.Context) {
	fast := time.NewTicker(fastInterval)
	cron := time.NewTicker(cronInterval)
	defer fast.Stop()
	defer cron.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fast.C:
			s.sweepFast(ctx)
		case t := <-cron.C:
			s.sweepCron(ctx, t)
		}
	}
}

// sweepFast reclaims in-memory state and lapsed leases.
func (s *Sweeper) sweepFast(ctx context.Context) {
	if s.limiter != nil {
		s.limiter.Sweep(limiterIdle)
	}
	if s.cache != nil {
		s.cache.Sweep(cacheRetain)
	}
	if s.coord == nil {
		return
	}
	if n, err := s.coord.SweepExpired(ctx); err != nil {
		slog.Warn("sweeper.claims_failed", "error", err)
	} else if n > 0 {
		slog.Info("sweeper.claims_purged", "count", n)
	}
	if n, err := s.coord.SweepDeadCollectors(ctx); err != nil {
		slog.Warn("sweeper.dead_collectors_failed", "error", err)
	} else if n > 0 {
		slog.Info("sweeper.dead_collectors_released", "claims", n)
	}
}

// sweepCron runs the durable-store jobs whose cron expression is due at t.
// The ticker fires every minute, matching cron granularity.
func (s *Sweeper) sweepCron(ctx context.Context, t time.Time) {
	if s.stores == nil {
		return
	}
	if s.due(s.cfg.Audit.PurgeSchedule, t) {
		s.purgeAudit(ctx)
		s.markInactive(ctx)
	}
}

func (s *Sweeper) due(expr string, t time.Time) bool {
	if expr == "" {
		return false
	}
	ok, err := s.gron.IsDue(expr, t)
	if err != nil {
		slog.Warn("sweeper.bad_schedule", "expr", expr, "error", err)
		return false
	}
	return ok
}

func (s *Sweeper) purgeAudit(ctx context.Context) {
	retention := time.Duration(s.cfg.Audit.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		return
	}
	n, err := s.stores.Audit.Purge(ctx, time.Now().Add(-retention))
	if err != nil {
		slog.Warn("sweeper.audit_purge_failed", "error", err)
		return
	}
	slog.Info("sweeper.audit_purged", "rows", n, "retention_days", s.cfg.Audit.RetentionDays)
}

func (s *Sweeper) markInactive(ctx context.Context) {
	n, err := s.stores.Entities.MarkInactive(ctx, time.Now().Add(-inactiveCutoff))
	if err != nil {
		slog.Warn("sweeper.mark_inactive_failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("sweeper.entities_inactive", "count", n)
	}
}
