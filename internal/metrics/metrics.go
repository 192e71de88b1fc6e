// Package metrics holds the router's operational counters, exposed read-only
// through the health endpoint.
package metrics

import "sync/atomic"

// Metrics is a set of monotonically increasing counters. Safe for concurrent use.
type Metrics struct {
	EventsIn         atomic.Int64
	BatchesIn        atomic.Int64
	MatchHits        atomic.Int64
	Blocked          atomic.Int64
	Warned           atomic.Int64
	CommandsResolved atomic.Int64
	NoMatch          atomic.Int64
	PermissionDenied atomic.Int64
	RateLimited      atomic.Int64
	Dispatched       atomic.Int64
	HandlerFailures  atomic.Int64
	ResponsesIn      atomic.Int64
	StaleResponses   atomic.Int64
	SessionsComplete atomic.Int64
	SessionsTimedOut atomic.Int64
	CacheHits        atomic.Int64
	CacheMisses      atomic.Int64
	ClaimsGranted    atomic.Int64
	Checkins         atomic.Int64
	Heartbeats       atomic.Int64
}

// Snapshot returns the current counter values keyed by metric name.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"events_in":          m.EventsIn.Load(),
		"batches_in":         m.BatchesIn.Load(),
		"match_hits":         m.MatchHits.Load(),
		"blocked":            m.Blocked.Load(),
		"warned":             m.Warned.Load(),
		"commands_resolved":  m.CommandsResolved.Load(),
		"no_match":           m.NoMatch.Load(),
		"permission_denied":  m.PermissionDenied.Load(),
		"rate_limited":       m.RateLimited.Load(),
		"dispatched":         m.Dispatched.Load(),
		"handler_failures":   m.HandlerFailures.Load(),
		"responses_in":       m.ResponsesIn.Load(),
		"stale_responses":    m.StaleResponses.Load(),
		"sessions_complete":  m.SessionsComplete.Load(),
		"sessions_timed_out": m.SessionsTimedOut.Load(),
		"cache_hits":         m.CacheHits.Load(),
		"cache_misses":       m.CacheMisses.Load(),
		"claims_granted":     m.ClaimsGranted.Load(),
		"checkins":           m.Checkins.Load(),
		"heartbeats":         m.Heartbeats.Load(),
	}
}

// CacheHitRate returns hits/(hits+misses), or 0 when no lookups happened.
func (m *Metrics) CacheHitRate() float64 {
	hits := m.CacheHits.Load()
	total := hits + m.CacheMisses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
