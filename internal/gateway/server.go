// Package gateway is the HTTP/WebSocket surface of the relay: event intake
// and response submission for collectors, the coordination API, delivery
// sockets, and the health endpoint.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamhive/relay/internal/cache"
	"github.com/streamhive/relay/internal/config"
	"github.com/streamhive/relay/internal/coordination"
	"github.com/streamhive/relay/internal/metrics"
	"github.com/streamhive/relay/internal/router"
	"github.com/streamhive/relay/internal/session"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// Server hosts the relay API.
type Server struct {
	cfg     *config.Config
	router  *router.Router
	coord   *coordination.Service
	agg     *session.Aggregator
	cache   *cache.Cache
	hub     *Hub
	metrics *metrics.Metrics

	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

// NewServer wires the API surface. hub must be the same Hub used as the
// aggregator's sink.
func NewServer(cfg *config.Config, rt *router.Router, coord *coordination.Service,
	agg *session.Aggregator, c *cache.Cache, hub *Hub, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		router:  rt,
		coord:   coord,
		agg:     agg,
		cache:   c,
		hub:     hub,
		metrics: m,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	allowed := s.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// RegisterRoutes attaches all handlers to mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	auth := s.requireAuth

	mux.HandleFunc("POST /v1/events", auth(s.handleEvent))
	mux.HandleFunc("POST /v1/events/batch", auth(s.handleEventBatch))
	mux.HandleFunc("POST /v1/responses", auth(s.handleResponse))

	mux.HandleFunc("POST /v1/coordination/claim", auth(s.handleClaim))
	mux.HandleFunc("POST /v1/coordination/checkin", auth(s.handleCheckin))
	mux.HandleFunc("POST /v1/coordination/heartbeat", auth(s.handleHeartbeat))
	mux.HandleFunc("POST /v1/coordination/release", auth(s.handleRelease))
	mux.HandleFunc("POST /v1/coordination/release-offline", auth(s.handleReleaseOffline))
	mux.HandleFunc("POST /v1/coordination/error", auth(s.handleEntityError))
	mux.HandleFunc("POST /v1/coordination/status", auth(s.handleCoordinationStatus))
	mux.HandleFunc("GET /v1/coordination/claims", auth(s.handleCoordinationClaims))

	mux.HandleFunc("GET /v1/health", s.handleHealth)

	mux.HandleFunc("GET /ws/collector", auth(s.handleCollectorWS))
	mux.HandleFunc("GET /ws/overlay", auth(s.handleOverlayWS))
}

// Start runs the listener until it fails or Shutdown is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("gateway.listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// requireAuth enforces the bearer token when one is configured.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Server.Token
		if token == "" {
			next(w, r)
			return
		}
		got := r.Header.Get("Authorization")
		want := "Bearer " + token
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("gateway.write_failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
