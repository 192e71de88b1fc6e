package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Session states.
const (
	StateOpen       = "open"
	StateCollecting = "collecting"
	StateComplete   = "complete"
	StateTimedOut   = "timed_out"
)

// Response kinds. Chat responses return to the originating chat surface;
// media/ticker/general/form go to the overlay collaborator.
const (
	KindChat    = "chat"
	KindMedia   = "media"
	KindTicker  = "ticker"
	KindGeneral = "general"
	KindForm    = "form"
	KindError   = "error" // synthesized for failed executions
)

// Response is one handler response (or a synthesized stand-in) attributed to
// a (session, execution) pair.
type Response struct {
	ExecutionID  uuid.UUID       `json:"execution_id"`
	Module       string          `json:"module"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Success      bool            `json:"success"`
	ProcessingMS int             `json:"processing_ms"`
	Synthesized  bool            `json:"synthesized,omitempty"`
	TimedOut     bool            `json:"timed_out,omitempty"`
}

// Result is the final aggregated outcome of one session.
type Result struct {
	SessionID uuid.UUID     `json:"session_id"`
	EntityID  string        `json:"entity_id"`
	UserID    string        `json:"user_id"`
	Status    string        `json:"status"` // complete or timed_out
	Responses []Response    `json:"responses"`
	Duration  time.Duration `json:"-"`
}

// ChatResponses returns the responses bound for the chat surface.
func (r Result) ChatResponses() []Response {
	return r.filter(func(k string) bool { return k == KindChat })
}

// OverlayResponses returns the responses bound for the overlay collaborator.
func (r Result) OverlayResponses() []Response {
	return r.filter(func(k string) bool {
		return k == KindMedia || k == KindTicker || k == KindGeneral || k == KindForm
	})
}

func (r Result) filter(keep func(string) bool) []Response {
	var out []Response
	for _, resp := range r.Responses {
		if keep(resp.Kind) {
			out = append(out, resp)
		}
	}
	return out
}

// Sink receives finalized session results for delivery.
type Sink interface {
	Deliver(res Result)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Result)

func (f SinkFunc) Deliver(res Result) { f(res) }
