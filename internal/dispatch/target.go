package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Request is the dispatch context handed to a handler backend.
type Request struct {
	SessionID   uuid.UUID         `json:"session_id"`
	ExecutionID uuid.UUID         `json:"execution_id"`
	EntityID    string            `json:"entity_id"`
	UserID      string            `json:"user_id"`
	UserName    string            `json:"user_name"`
	Command     string            `json:"command"`
	Args        string            `json:"args"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Ack is a handler's synchronous answer to a dispatch. Handlers that work
// asynchronously accept here and submit their ModuleResponse later; handlers
// may instead inline the response.
type Ack struct {
	Accepted bool            `json:"accepted"`
	Kind     string          `json:"kind,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Inline   bool            `json:"inline,omitempty"`
}

// Target is the single capability all handler backends expose: accept a
// dispatch request, answer with success/failure and an optional inline
// payload. Concrete variants are selected by the command's routing-target
// kind, keeping the dispatcher target-agnostic.
type Target interface {
	Name() string
	Invoke(ctx context.Context, req Request) (*Ack, error)
}

// rpcTarget POSTs the dispatch request to a handler container's invoke
// endpoint and expects an Ack body.
type rpcTarget struct {
	module  string
	address string
	client  *http.Client
}

func (t *rpcTarget) Name() string { return t.module }

func (t *rpcTarget) Invoke(ctx context.Context, req Request) (*Ack, error) {
	return postAck(ctx, t.client, t.address+"/invoke", req)
}

// functionTarget invokes a serverless function through its HTTP trigger,
// wrapping the request in an invocation envelope.
type functionTarget struct {
	module  string
	address string
	client  *http.Client
}

func (t *functionTarget) Name() string { return t.module }

func (t *functionTarget) Invoke(ctx context.Context, req Request) (*Ack, error) {
	envelope := map[string]any{
		"invocation_type": "dispatch",
		"payload":         req,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	return post(ctx, t.client, t.address, body)
}

// webhookTarget is fire-and-forget: a 2xx means done, and the dispatcher
// synthesizes the completion response since no callback will arrive.
type webhookTarget struct {
	address string
	client  *http.Client
}

func (t *webhookTarget) Name() string { return "webhook" }

func (t *webhookTarget) Invoke(ctx context.Context, req Request) (*Ack, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.address, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook %s: status %d", t.address, resp.StatusCode)
	}
	// No callback from a plain webhook; synthesize completion.
	return &Ack{Accepted: true, Inline: true, Kind: "general"}, nil
}

func postAck(ctx context.Context, client *http.Client, url string, req Request) (*Ack, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return post(ctx, client, url, body)
}

func post(ctx context.Context, client *http.Client, url string, body []byte) (*Ack, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("handler %s: status %d", url, resp.StatusCode)
	}

	var ack Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		// Tolerate empty/2xx bodies from simple handlers.
		return &Ack{Accepted: true}, nil
	}
	if !ack.Accepted {
		return nil, fmt.Errorf("handler %s rejected dispatch", url)
	}
	return &ack, nil
}
