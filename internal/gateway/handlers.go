package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/streamhive/relay/internal/router"
	"github.com/streamhive/relay/internal/session"
	"github.com/streamhive/relay/internal/store"
)

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev router.Event
	if !decodeBody(w, r, &ev) {
		return
	}
	if ev.EntityID == "" || ev.UserID == "" {
		writeError(w, http.StatusBadRequest, "entity_id and user_id are required")
		return
	}

	acc, err := s.router.HandleEvent(r.Context(), ev)
	if err != nil {
		slog.Error("gateway.event_failed", "entity", ev.EntityID, "error", err)
		writeError(w, http.StatusInternalServerError, "event processing failed")
		return
	}
	writeJSON(w, http.StatusAccepted, acc)
}

func (s *Server) handleEventBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events []router.Event `json:"events"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	results, err := s.router.HandleBatch(r.Context(), req.Events)
	if err != nil {
		if strings.Contains(err.Error(), "exceeds cap") {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		slog.Error("gateway.batch_failed", "size", len(req.Events), "error", err)
		writeError(w, http.StatusInternalServerError, "batch processing failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"results": results})
}

// handleResponse accepts one handler response and feeds it to the aggregator.
// Stale and unknown correlations are rejected without side effects.
func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID   uuid.UUID        `json:"session_id"`
		ExecutionID uuid.UUID        `json:"execution_id"`
		Response    session.Response `json:"response"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == uuid.Nil || req.ExecutionID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "session_id and execution_id are required")
		return
	}

	err := s.agg.Submit(req.SessionID, req.ExecutionID, req.Response)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case errors.Is(err, session.ErrStaleSession):
		if s.metrics != nil {
			s.metrics.StaleResponses.Add(1)
		}
		writeError(w, http.StatusGone, "session is stale or unknown")
	case errors.Is(err, session.ErrUnknownExecution):
		writeError(w, http.StatusNotFound, "unknown execution")
	case errors.Is(err, session.ErrDuplicateResponse):
		writeError(w, http.StatusConflict, "duplicate response")
	default:
		writeError(w, http.StatusInternalServerError, "response handling failed")
	}
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CollectorID    string `json:"collector_id"`
		Platform       string `json:"platform"`
		Max            int    `json:"max"`
		PrioritizeLive bool   `json:"prioritize_live"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CollectorID == "" || req.Platform == "" {
		writeError(w, http.StatusBadRequest, "collector_id and platform are required")
		return
	}

	entities, err := s.coord.Claim(r.Context(), req.CollectorID, req.Platform, req.Max, req.PrioritizeLive)
	if err != nil {
		slog.Error("gateway.claim_failed", "collector", req.CollectorID, "error", err)
		writeError(w, http.StatusInternalServerError, "claim failed")
		return
	}
	if entities == nil {
		entities = []store.EntityData{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CollectorID string               `json:"collector_id"`
		Statuses    []store.EntityStatus `json:"statuses"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CollectorID == "" {
		writeError(w, http.StatusBadRequest, "collector_id is required")
		return
	}

	renewed, err := s.coord.Checkin(r.Context(), req.CollectorID, req.Statuses)
	if err != nil {
		slog.Error("gateway.checkin_failed", "collector", req.CollectorID, "error", err)
		writeError(w, http.StatusInternalServerError, "checkin failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"renewed": renewed})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CollectorID string `json:"collector_id"`
		Platform    string `json:"platform"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CollectorID == "" {
		writeError(w, http.StatusBadRequest, "collector_id is required")
		return
	}
	if err := s.coord.Heartbeat(r.Context(), req.CollectorID, req.Platform); err != nil {
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CollectorID string   `json:"collector_id"`
		EntityIDs   []string `json:"entity_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.coord.Release(r.Context(), req.CollectorID, req.EntityIDs); err != nil {
		writeError(w, http.StatusInternalServerError, "release failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleReleaseOffline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CollectorID    string   `json:"collector_id"`
		Platform       string   `json:"platform"`
		Offline        []string `json:"offline"`
		ClaimMore      int      `json:"claim_more"`
		PrioritizeLive bool     `json:"prioritize_live"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	entities, err := s.coord.ReleaseOffline(r.Context(), req.CollectorID, req.Platform, req.Offline, req.ClaimMore, req.PrioritizeLive)
	if err != nil {
		slog.Error("gateway.release_offline_failed", "collector", req.CollectorID, "error", err)
		writeError(w, http.StatusInternalServerError, "release-offline failed")
		return
	}
	if entities == nil {
		entities = []store.EntityData{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (s *Server) handleEntityError(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CollectorID string `json:"collector_id"`
		EntityID    string `json:"entity_id"`
		Message     string `json:"message"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.coord.ReportError(r.Context(), req.CollectorID, req.EntityID, req.Message); err != nil {
		writeError(w, http.StatusInternalServerError, "error report failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleCoordinationStatus ingests standalone liveness/viewer reports between
// checkins. Unknown entities are created on first observation.
func (s *Server) handleCoordinationStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CollectorID string               `json:"collector_id"`
		Statuses    []store.EntityStatus `json:"statuses"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CollectorID == "" {
		writeError(w, http.StatusBadRequest, "collector_id is required")
		return
	}

	if err := s.coord.ReportStatus(r.Context(), req.CollectorID, req.Statuses); err != nil {
		slog.Error("gateway.status_failed", "collector", req.CollectorID, "error", err)
		writeError(w, http.StatusInternalServerError, "status report failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applied": len(req.Statuses)})
}

func (s *Server) handleCoordinationClaims(w http.ResponseWriter, r *http.Request) {
	active, err := s.coord.ActiveClaims(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "claim count unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active_claims": active})
}

// handleHealth reports liveness plus the counter snapshot. Unauthenticated:
// load balancers probe it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	degraded := s.cache != nil && !s.cache.Healthy()
	if degraded {
		status = "degraded"
	}

	body := map[string]any{
		"status":     status,
		"degraded":   degraded,
		"collectors": s.hub.CollectorCount(),
		"sessions":   s.agg.Len(),
	}
	if s.metrics != nil {
		body["counters"] = s.metrics.Snapshot()
		body["cache_hit_rate"] = s.metrics.CacheHitRate()
	}
	if active, err := s.coord.ActiveClaims(r.Context()); err == nil {
		body["active_claims"] = active
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCollectorWS(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	if platform == "" {
		writeError(w, http.StatusBadRequest, "platform query parameter is required")
		return
	}
	s.hub.serveWS(&s.upgrader, w, r, clientCollector, platform)
}

func (s *Server) handleOverlayWS(w http.ResponseWriter, r *http.Request) {
	entity := r.URL.Query().Get("entity")
	if entity == "" {
		writeError(w, http.StatusBadRequest, "entity query parameter is required")
		return
	}
	s.hub.serveWS(&s.upgrader, w, r, clientOverlay, entity)
}
