package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/streamhive/relay/internal/config"
	"github.com/streamhive/relay/internal/coordination"
	"github.com/streamhive/relay/internal/metrics"
	"github.com/streamhive/relay/internal/session"
	"github.com/streamhive/relay/internal/store"
)

type stubClaimStore struct{}

func (stubClaimStore) ClaimEntities(ctx context.Context, collectorID, platform string, max int, prioritizeLive bool, expiry time.Time) ([]store.EntityData, error) {
	return []store.EntityData{{ID: platform + ":chan1", Platform: platform, Active: true}}, nil
}
func (stubClaimStore) RenewClaims(ctx context.Context, collectorID string, entityIDs []string, expiry time.Time) (int, error) {
	return len(entityIDs), nil
}
func (stubClaimStore) ReleaseClaims(ctx context.Context, collectorID string, entityIDs []string) error {
	return nil
}
func (stubClaimStore) ReleaseCollector(ctx context.Context, collectorID string) (int, error) {
	return 0, nil
}
func (stubClaimStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) { return 0, nil }
func (stubClaimStore) ActiveClaims(ctx context.Context, now time.Time) (int, error) { return 3, nil }

type stubEntityStore struct{}

func (stubEntityStore) UpsertEntity(ctx context.Context, e store.EntityData) error { return nil }
func (stubEntityStore) GetEntity(ctx context.Context, id string) (*store.EntityData, error) {
	return nil, store.ErrNotFound
}
func (stubEntityStore) UpdateStatus(ctx context.Context, id string, live bool, viewers int, seen time.Time) error {
	return nil
}
func (stubEntityStore) MarkInactive(ctx context.Context, notSeenSince time.Time) (int, error) {
	return 0, nil
}

// recordingEntityStore keeps upserted rows for assertion.
type recordingEntityStore struct {
	stubEntityStore
	mu   sync.Mutex
	rows map[string]store.EntityData
}

func (r *recordingEntityStore) UpsertEntity(ctx context.Context, e store.EntityData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows == nil {
		r.rows = make(map[string]store.EntityData)
	}
	r.rows[e.ID] = e
	return nil
}

type stubCollectorStore struct{}

func (stubCollectorStore) Heartbeat(ctx context.Context, collectorID, platform string, at time.Time) error {
	return nil
}
func (stubCollectorStore) Dead(ctx context.Context, cutoff time.Time) ([]string, error) {
	return nil, nil
}
func (stubCollectorStore) Forget(ctx context.Context, collectorID string) error { return nil }

func testServer(t *testing.T, token string) (*Server, *session.Aggregator, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Token = token

	met := &metrics.Metrics{}
	hub := NewHub()
	agg := session.NewAggregator(time.Minute, hub, nil, met)
	coord := coordination.NewService(stubClaimStore{}, stubEntityStore{}, stubCollectorStore{}, coordination.Config{}, met)

	srv := NewServer(cfg, nil, coord, agg, nil, hub, met)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, agg, ts
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestBearerAuth(t *testing.T) {
	_, _, ts := testServer(t, "sekrit")

	resp := postJSON(t, ts.URL+"/v1/coordination/heartbeat", "", map[string]string{"collector_id": "col-a"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/v1/coordination/heartbeat", "wrong", map[string]string{"collector_id": "col-a"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d, want 401", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/v1/coordination/heartbeat", "sekrit", map[string]string{"collector_id": "col-a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("good token: status %d, want 200", resp.StatusCode)
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	_, _, ts := testServer(t, "sekrit")

	resp, err := http.Get(ts.URL + "/v1/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var body struct {
		Status       string `json:"status"`
		ActiveClaims int    `json:"active_claims"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.ActiveClaims != 3 {
		t.Fatalf("health body: %+v", body)
	}
}

func TestResponseSubmission(t *testing.T) {
	_, agg, ts := testServer(t, "")

	sid := agg.Open("twitch:chan1", "viewer1")
	eid := uuid.Must(uuid.NewV7())
	if err := agg.AttachExecutions(sid, []uuid.UUID{eid}); err != nil {
		t.Fatal(err)
	}

	body := map[string]any{
		"session_id":   sid,
		"execution_id": eid,
		"response": session.Response{
			Module:  "music",
			Kind:    session.KindChat,
			Success: true,
		},
	}
	resp := postJSON(t, ts.URL+"/v1/responses", "", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: status %d, want 202", resp.StatusCode)
	}

	// Second submission for the same execution conflicts.
	resp = postJSON(t, ts.URL+"/v1/responses", "", body)
	if resp.StatusCode != http.StatusGone && resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate: status %d, want 409/410", resp.StatusCode)
	}
}

func TestStaleResponseRejected(t *testing.T) {
	srv, _, ts := testServer(t, "")

	body := map[string]any{
		"session_id":   uuid.Must(uuid.NewV7()),
		"execution_id": uuid.Must(uuid.NewV7()),
		"response":     session.Response{Kind: session.KindChat},
	}
	resp := postJSON(t, ts.URL+"/v1/responses", "", body)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("stale: status %d, want 410", resp.StatusCode)
	}
	if srv.metrics.StaleResponses.Load() != 1 {
		t.Fatal("stale_responses counter not incremented")
	}
}

func TestClaimEndpoint(t *testing.T) {
	_, _, ts := testServer(t, "")

	resp := postJSON(t, ts.URL+"/v1/claim", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path: status %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/v1/coordination/claim", "", map[string]any{
		"collector_id": "col-a",
		"platform":     "twitch",
		"max":          10,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim: status %d", resp.StatusCode)
	}
	var out struct {
		Entities []store.EntityData `json:"entities"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Entities) != 1 || out.Entities[0].ID != "twitch:chan1" {
		t.Fatalf("claim body: %+v", out)
	}
}

func TestStatusReportCreatesEntities(t *testing.T) {
	entities := &recordingEntityStore{}
	met := &metrics.Metrics{}
	hub := NewHub()
	agg := session.NewAggregator(time.Minute, hub, nil, met)
	coord := coordination.NewService(stubClaimStore{}, entities, stubCollectorStore{}, coordination.Config{}, met)

	srv := NewServer(config.Default(), nil, coord, agg, nil, hub, met)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	resp := postJSON(t, ts.URL+"/v1/coordination/status", "", map[string]any{
		"collector_id": "col-a",
		"statuses": []store.EntityStatus{
			{EntityID: "twitch:fresh", Live: true, Viewers: 9},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status report: status %d", resp.StatusCode)
	}
	var out struct {
		Applied int `json:"applied"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Applied != 1 {
		t.Fatalf("applied = %d, want 1", out.Applied)
	}

	entities.mu.Lock()
	e, ok := entities.rows["twitch:fresh"]
	entities.mu.Unlock()
	if !ok {
		t.Fatal("entity not created from status report")
	}
	if e.Platform != "twitch" || !e.Live || e.Viewers != 9 || !e.Active {
		t.Fatalf("entity = %+v", e)
	}

	resp = postJSON(t, ts.URL+"/v1/coordination/status", "", map[string]any{"statuses": []store.EntityStatus{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing collector_id: status %d, want 400", resp.StatusCode)
	}
}

func TestActiveClaimsView(t *testing.T) {
	_, _, ts := testServer(t, "")

	resp, err := http.Get(ts.URL + "/v1/coordination/claims")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out struct {
		ActiveClaims int `json:"active_claims"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.ActiveClaims != 3 {
		t.Fatalf("active_claims = %d, want 3", out.ActiveClaims)
	}
}

func TestMissingRequiredFields(t *testing.T) {
	_, _, ts := testServer(t, "")

	resp := postJSON(t, ts.URL+"/v1/coordination/claim", "", map[string]string{"platform": "twitch"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}
