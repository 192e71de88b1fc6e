package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/streamhive/relay/internal/session"
)

func dialWS(t *testing.T, baseURL, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(baseURL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readDelivery(t *testing.T, conn *websocket.Conn) Delivery {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var d Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestHubPartitionsByResponseKind(t *testing.T) {
	hub := NewHub()
	upgrader := &websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/collector", func(w http.ResponseWriter, r *http.Request) {
		hub.serveWS(upgrader, w, r, clientCollector, r.URL.Query().Get("platform"))
	})
	mux.HandleFunc("GET /ws/overlay", func(w http.ResponseWriter, r *http.Request) {
		hub.serveWS(upgrader, w, r, clientOverlay, r.URL.Query().Get("entity"))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	collector := dialWS(t, ts.URL, "/ws/collector?platform=twitch")
	otherCollector := dialWS(t, ts.URL, "/ws/collector?platform=discord")
	overlay := dialWS(t, ts.URL, "/ws/overlay?entity=twitch:chan1")

	// Wait for registrations.
	deadline := time.Now().Add(time.Second)
	for hub.CollectorCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.CollectorCount() != 2 {
		t.Fatalf("collectors = %d", hub.CollectorCount())
	}

	hub.Deliver(session.Result{
		SessionID: uuid.Must(uuid.NewV7()),
		EntityID:  "twitch:chan1",
		UserID:    "viewer1",
		Status:    session.StateComplete,
		Responses: []session.Response{
			{Kind: session.KindChat, Success: true},
			{Kind: session.KindMedia, Success: true},
		},
	})

	// The twitch collector gets only the chat response.
	d := readDelivery(t, collector)
	if len(d.Responses) != 1 || d.Responses[0].Kind != session.KindChat {
		t.Fatalf("collector delivery: %+v", d.Responses)
	}

	// The overlay gets only the media response.
	d = readDelivery(t, overlay)
	if len(d.Responses) != 1 || d.Responses[0].Kind != session.KindMedia {
		t.Fatalf("overlay delivery: %+v", d.Responses)
	}

	// The discord collector gets nothing.
	otherCollector.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := otherCollector.ReadMessage(); err == nil {
		t.Fatal("wrong-platform collector received a delivery")
	}
}
