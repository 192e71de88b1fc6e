package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/streamhive/relay/internal/metrics"
	"github.com/streamhive/relay/internal/session"
	"github.com/streamhive/relay/internal/store"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

type resultSink struct {
	mu      sync.Mutex
	results []session.Result
}

func (s *resultSink) Deliver(res session.Result) {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
}

func (s *resultSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

func (s *resultSink) first() session.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[0]
}

func command(mode string, targets ...store.TargetData) *store.CommandData {
	return &store.CommandData{
		ID:            uuid.Must(uuid.NewV7()),
		EntityID:      "twitch:chan1",
		Prefix:        "!",
		Name:          "play",
		Active:        true,
		ExecutionMode: mode,
		Targets:       targets,
	}
}

func TestDispatchInlineResponsesComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Ack{
			Accepted: true,
			Inline:   true,
			Kind:     session.KindMedia,
			Payload:  json.RawMessage(`{"track":"song"}`),
		})
	}))
	defer srv.Close()

	sink := &resultSink{}
	agg := session.NewAggregator(time.Minute, sink, nil, nil)
	m := &metrics.Metrics{}
	d := NewDispatcher(agg, m)

	sid := agg.Open("twitch:chan1", "viewer1")
	cmd := command(store.ModeParallel,
		store.TargetData{Kind: store.TargetRPC, Address: srv.URL, Module: "music"},
		store.TargetData{Kind: store.TargetRPC, Address: srv.URL, Module: "stats"},
	)

	execIDs, err := d.Dispatch(context.Background(), cmd, sid, Request{EntityID: "twitch:chan1", UserID: "viewer1", Command: "!play", Args: "song"})
	if err != nil {
		t.Fatal(err)
	}
	if len(execIDs) != 2 {
		t.Fatalf("execIDs = %d, want 2", len(execIDs))
	}

	waitFor(t, func() bool { return sink.count() == 1 }, "session never completed")
	res := sink.first()
	if res.Status != session.StateComplete || len(res.Responses) != 2 {
		t.Fatalf("status=%s responses=%d", res.Status, len(res.Responses))
	}
	for _, r := range res.Responses {
		if r.Kind != session.KindMedia || !r.Success {
			t.Fatalf("response: %+v", r)
		}
	}
	if m.Dispatched.Load() != 2 {
		t.Fatalf("dispatched counter = %d", m.Dispatched.Load())
	}
}

func TestSequentialInvokesInOrder(t *testing.T) {
	var mu sync.Mutex
	var arrived []uuid.UUID
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		arrived = append(arrived, req.ExecutionID)
		mu.Unlock()
		json.NewEncoder(w).Encode(Ack{Accepted: true, Inline: true, Kind: session.KindChat})
	}))
	defer srv.Close()

	sink := &resultSink{}
	agg := session.NewAggregator(time.Minute, sink, nil, nil)
	d := NewDispatcher(agg, nil)

	sid := agg.Open("twitch:chan1", "viewer1")
	cmd := command(store.ModeSequential,
		store.TargetData{Kind: store.TargetRPC, Address: srv.URL, Module: "a"},
		store.TargetData{Kind: store.TargetRPC, Address: srv.URL, Module: "b"},
		store.TargetData{Kind: store.TargetRPC, Address: srv.URL, Module: "c"},
	)

	execIDs, err := d.Dispatch(context.Background(), cmd, sid, Request{})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return sink.count() == 1 }, "session never completed")
	mu.Lock()
	defer mu.Unlock()
	if len(arrived) != 3 {
		t.Fatalf("arrived = %d", len(arrived))
	}
	for i := range arrived {
		if arrived[i] != execIDs[i] {
			t.Fatalf("sequential order broken at %d: %s != %s", i, arrived[i], execIDs[i])
		}
	}
}

func TestHandlerFailureSynthesizesErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := &resultSink{}
	agg := session.NewAggregator(time.Minute, sink, nil, nil)
	m := &metrics.Metrics{}
	d := NewDispatcher(agg, m)

	sid := agg.Open("twitch:chan1", "viewer1")
	cmd := command(store.ModeSequential, store.TargetData{Kind: store.TargetRPC, Address: srv.URL, Module: "music"})

	if _, err := d.Dispatch(context.Background(), cmd, sid, Request{}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return sink.count() == 1 }, "failed execution never finalized the session")
	res := sink.first()
	if res.Status != session.StateComplete {
		t.Fatalf("status = %s; synthesized failures still complete the session", res.Status)
	}
	r := res.Responses[0]
	if r.Kind != session.KindError || r.Success || !r.Synthesized {
		t.Fatalf("response: %+v", r)
	}
	if m.HandlerFailures.Load() != 1 {
		t.Fatalf("handler_failures = %d", m.HandlerFailures.Load())
	}
}

func TestWebhookTargetSynthesizesInlineCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := &resultSink{}
	agg := session.NewAggregator(time.Minute, sink, nil, nil)
	d := NewDispatcher(agg, nil)

	sid := agg.Open("twitch:chan1", "viewer1")
	cmd := command(store.ModeSequential, store.TargetData{Kind: store.TargetWebhook, Address: srv.URL})

	if _, err := d.Dispatch(context.Background(), cmd, sid, Request{}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return sink.count() == 1 }, "webhook target never completed")
	r := sink.first().Responses[0]
	if r.Kind != session.KindGeneral || !r.Success {
		t.Fatalf("response: %+v", r)
	}
}

func TestAsyncAckLeavesSessionCollecting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Ack{Accepted: true}) // callback comes later
	}))
	defer srv.Close()

	sink := &resultSink{}
	agg := session.NewAggregator(time.Minute, sink, nil, nil)
	d := NewDispatcher(agg, nil)

	sid := agg.Open("twitch:chan1", "viewer1")
	cmd := command(store.ModeSequential, store.TargetData{Kind: store.TargetRPC, Address: srv.URL, Module: "music"})

	execIDs, err := d.Dispatch(context.Background(), cmd, sid, Request{})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatal("session must stay collecting until the callback arrives")
	}

	// The handler's eventual callback completes it.
	if err := agg.Submit(sid, execIDs[0], session.Response{Module: "music", Kind: session.KindChat, Success: true}); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 1 {
		t.Fatal("callback did not complete the session")
	}
}
