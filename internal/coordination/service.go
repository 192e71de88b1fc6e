// Package coordination leases entities to collector instances so an elastic
// fleet can shard millions of channels without a fixed partitioning scheme.
// A claim is a time-bound lease: collectors renew via checkin on a fixed
// interval, and a claim not renewed before the claimable boundary
// (timeout - grace after the last renewal) is abandoned and redistributed on
// the next claim cycle. Collector crashes need no manual intervention.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamhive/relay/internal/metrics"
	"github.com/streamhive/relay/internal/store"
)

// Reference timing policy.
const (
	DefaultCheckinInterval = 5 * time.Minute
	DefaultClaimTimeout    = 6 * time.Minute
	DefaultGrace           = 1 * time.Minute
	DefaultMaxClaims       = 200
)

// ErrClaimConflict is returned when a concurrent claimer won the race for
// every candidate. Callers retry on the next claim cycle; not an error
// condition operationally.
var ErrClaimConflict = errors.New("claim conflict")

// Config holds the lease timing policy.
type Config struct {
	CheckinInterval time.Duration
	ClaimTimeout    time.Duration
	Grace           time.Duration
	MaxClaims       int
}

func (c Config) withDefaults() Config {
	if c.CheckinInterval <= 0 {
		c.CheckinInterval = DefaultCheckinInterval
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = DefaultClaimTimeout
	}
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.MaxClaims <= 0 {
		c.MaxClaims = DefaultMaxClaims
	}
	return c
}

// Service is the coordination API consumed by collectors.
type Service struct {
	claims     store.ClaimStore
	entities   store.EntityStore
	collectors store.CollectorStore
	cfg        Config
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewService creates a coordination service. m may be nil.
func NewService(claims store.ClaimStore, entities store.EntityStore, collectors store.CollectorStore, cfg Config, m *metrics.Metrics) *Service {
	return &Service{
		claims:     claims,
		entities:   entities,
		collectors: collectors,
		cfg:        cfg.withDefaults(),
		metrics:    m,
		now:        time.Now,
	}
}

// leaseExpiry computes the claimable boundary for a claim granted or renewed
// now: timeout minus grace. The grace period absorbs checkin jitter; a
// collector checking in on schedule always renews before the boundary.
func (s *Service) leaseExpiry() time.Time {
	return s.now().Add(s.cfg.ClaimTimeout - s.cfg.Grace)
}

// Claim atomically grants up to max currently-unclaimed (or expired-claim)
// entities for the platform to the collector, optionally preferring live
// ones. Two concurrent callers never receive the same entity.
func (s *Service) Claim(ctx context.Context, collectorID, platform string, max int, prioritizeLive bool) ([]store.EntityData, error) {
	if max <= 0 || max > s.cfg.MaxClaims {
		max = s.cfg.MaxClaims
	}
	claimed, err := s.claims.ClaimEntities(ctx, collectorID, platform, max, prioritizeLive, s.leaseExpiry())
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ClaimsGranted.Add(int64(len(claimed)))
	}
	slog.Debug("coordination.claim", "collector", collectorID, "platform", platform, "granted", len(claimed))
	return claimed, nil
}

// Checkin renews the collector's claims and applies its per-entity status
// reports in the same call. Returns the entity ids that were actually
// renewed; entities missing from the result were lost (claim lapsed) and the
// collector should stop serving them.
func (s *Service) Checkin(ctx context.Context, collectorID string, statuses []store.EntityStatus) (int, error) {
	ids := make([]string, len(statuses))
	for i, st := range statuses {
		ids[i] = st.EntityID
	}

	renewed, err := s.claims.RenewClaims(ctx, collectorID, ids, s.leaseExpiry())
	if err != nil {
		return 0, fmt.Errorf("checkin renew: %w", err)
	}

	now := s.now()
	for _, st := range statuses {
		if err := s.entities.UpdateStatus(ctx, st.EntityID, st.Live, st.Viewers, now); err != nil {
			slog.Warn("coordination.status_update_failed", "entity", st.EntityID, "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.Checkins.Add(1)
	}
	return renewed, nil
}

// ReportStatus applies standalone liveness and viewer-count reports without
// touching claim expiry. Entities are created on first observation, so a
// collector discovering a new channel needs no separate provisioning step.
func (s *Service) ReportStatus(ctx context.Context, collectorID string, statuses []store.EntityStatus) error {
	now := s.now()
	for _, st := range statuses {
		err := s.entities.UpsertEntity(ctx, store.EntityData{
			ID:       st.EntityID,
			Platform: store.EntityPlatform(st.EntityID),
			Live:     st.Live,
			Viewers:  st.Viewers,
			Active:   true,
			LastSeen: now,
		})
		if err != nil {
			return fmt.Errorf("report status %s: %w", st.EntityID, err)
		}
	}
	slog.Debug("coordination.status", "collector", collectorID, "entities", len(statuses))
	return nil
}

// Heartbeat is the light liveness signal, independent of specific entities.
func (s *Service) Heartbeat(ctx context.Context, collectorID, platform string) error {
	if s.metrics != nil {
		s.metrics.Heartbeats.Add(1)
	}
	return s.collectors.Heartbeat(ctx, collectorID, platform, s.now())
}

// Release voluntarily drops the listed claims (graceful shutdown).
func (s *Service) Release(ctx context.Context, collectorID string, entityIDs []string) error {
	return s.claims.ReleaseClaims(ctx, collectorID, entityIDs)
}

// ReleaseOffline releases entities that went idle and immediately claims
// replacements, so the collector never holds zero useful work between cycles.
func (s *Service) ReleaseOffline(ctx context.Context, collectorID, platform string, offline []string, claimMore int, prioritizeLive bool) ([]store.EntityData, error) {
	now := s.now()
	for _, id := range offline {
		if err := s.entities.UpdateStatus(ctx, id, false, 0, now); err != nil {
			slog.Warn("coordination.offline_status_failed", "entity", id, "error", err)
		}
	}
	if err := s.claims.ReleaseClaims(ctx, collectorID, offline); err != nil {
		return nil, fmt.Errorf("release offline: %w", err)
	}
	if claimMore <= 0 {
		return nil, nil
	}
	return s.Claim(ctx, collectorID, platform, claimMore, prioritizeLive)
}

// ReportError records an entity-level failure from a collector. The entity is
// released so another collector can pick it up.
func (s *Service) ReportError(ctx context.Context, collectorID, entityID, message string) error {
	slog.Warn("coordination.entity_error", "collector", collectorID, "entity", entityID, "message", message)
	return s.claims.ReleaseClaims(ctx, collectorID, []string{entityID})
}

// ActiveClaims returns the current active claim count (health surface).
func (s *Service) ActiveClaims(ctx context.Context) (int, error) {
	return s.claims.ActiveClaims(ctx, s.now())
}

// SweepExpired proactively clears lapsed claims. The claim path already
// treats expired claims as free, so this only keeps the table tidy.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.claims.PurgeExpired(ctx, s.now())
}

// SweepDeadCollectors releases every claim held by collectors whose
// heartbeat went silent for over twice the checkin interval.
func (s *Service) SweepDeadCollectors(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-2 * s.cfg.CheckinInterval)
	dead, err := s.collectors.Dead(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("dead collectors: %w", err)
	}

	released := 0
	for _, id := range dead {
		n, err := s.claims.ReleaseCollector(ctx, id)
		if err != nil {
			slog.Warn("coordination.release_dead_failed", "collector", id, "error", err)
			continue
		}
		released += n
		if err := s.collectors.Forget(ctx, id); err != nil {
			slog.Warn("coordination.forget_failed", "collector", id, "error", err)
		}
		slog.Info("coordination.dead_collector_released", "collector", id, "claims", n)
	}
	return released, nil
}
