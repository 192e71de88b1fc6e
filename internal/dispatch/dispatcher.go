// Package dispatch invokes handler backends for resolved commands. Dispatch
// is non-blocking: executions are registered with the session aggregator in
// pending state and actual invocation happens on background goroutines,
// sequentially or in parallel per the command's execution mode. A failed
// invocation synthesizes an error response so the session still completes;
// retries belong to the handler, never the router.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/streamhive/relay/internal/metrics"
	"github.com/streamhive/relay/internal/session"
	"github.com/streamhive/relay/internal/store"
)

const (
	defaultTimeout = 10 * time.Second
	// Per-host outbound throttle. Misbehaving handlers and webhook targets
	// must not absorb the router's whole connection budget.
	defaultOutboundRPS   = 20
	defaultOutboundBurst = 40
)

// Dispatcher fans resolved commands out to their handler targets.
type Dispatcher struct {
	agg     *session.Aggregator
	client  *http.Client
	metrics *metrics.Metrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // per target host

	rps   rate.Limit
	burst int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the outbound HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithOutboundRate sets the per-host token bucket.
func WithOutboundRate(rps float64, burst int) Option {
	return func(d *Dispatcher) {
		d.rps, d.burst = rate.Limit(rps), burst
	}
}

// NewDispatcher creates a dispatcher submitting into the given aggregator.
func NewDispatcher(agg *session.Aggregator, m *metrics.Metrics, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		agg:      agg,
		client:   &http.Client{Timeout: defaultTimeout},
		metrics:  m,
		limiters: make(map[string]*rate.Limiter),
		rps:      defaultOutboundRPS,
		burst:    defaultOutboundBurst,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch registers one execution per target with the aggregator and starts
// asynchronous invocation. Returns the execution ids in target order.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *store.CommandData, sessionID uuid.UUID, req Request) ([]uuid.UUID, error) {
	targets := cmd.Targets
	execIDs := make([]uuid.UUID, len(targets))
	for i := range targets {
		execIDs[i] = uuid.Must(uuid.NewV7())
	}

	if err := d.agg.AttachExecutions(sessionID, execIDs); err != nil {
		return nil, err
	}
	if d.metrics != nil {
		d.metrics.Dispatched.Add(int64(len(targets)))
	}

	// Detach from the request context: dispatch outlives the intake call.
	bg := context.WithoutCancel(ctx)

	if cmd.ExecutionMode == store.ModeParallel {
		for i, t := range targets {
			go d.invoke(bg, t, sessionID, execIDs[i], req)
		}
	} else {
		go func() {
			for i, t := range targets {
				d.invoke(bg, t, sessionID, execIDs[i], req)
			}
		}()
	}
	return execIDs, nil
}

// invoke runs one execution to completion: throttle, call the target, and
// submit either the inline response or a synthesized failure.
func (d *Dispatcher) invoke(ctx context.Context, td store.TargetData, sessionID, execID uuid.UUID, req Request) {
	req.ExecutionID = execID
	req.SessionID = sessionID

	target := d.build(td)

	if err := d.limiter(td.Address).Wait(ctx); err != nil {
		d.fail(sessionID, execID, target.Name(), err)
		return
	}

	start := time.Now()
	ack, err := target.Invoke(ctx, req)
	if err != nil {
		d.fail(sessionID, execID, target.Name(), err)
		return
	}

	if ack.Inline {
		resp := session.Response{
			Module:       target.Name(),
			Kind:         ack.Kind,
			Payload:      ack.Payload,
			Success:      true,
			ProcessingMS: int(time.Since(start).Milliseconds()),
		}
		if resp.Kind == "" {
			resp.Kind = session.KindGeneral
		}
		if err := d.agg.Submit(sessionID, execID, resp); err != nil {
			slog.Debug("dispatch.inline_submit_rejected", "session", sessionID, "execution", execID, "error", err)
		}
	}
	// Otherwise the handler was accepted and will POST its ModuleResponse
	// against (session, execution) when done.
}

// fail marks the execution failed by synthesizing an error-kind response so
// the aggregator is not starved.
func (d *Dispatcher) fail(sessionID, execID uuid.UUID, module string, err error) {
	slog.Warn("dispatch.handler_failed", "session", sessionID, "execution", execID, "module", module, "error", err)
	if d.metrics != nil {
		d.metrics.HandlerFailures.Add(1)
	}
	payload, _ := json.Marshal(map[string]string{"error": "handler failure"})
	submitErr := d.agg.Submit(sessionID, execID, session.Response{
		Module:      module,
		Kind:        session.KindError,
		Payload:     payload,
		Success:     false,
		Synthesized: true,
	})
	if submitErr != nil {
		slog.Debug("dispatch.failure_submit_rejected", "session", sessionID, "error", submitErr)
	}
}

func (d *Dispatcher) build(td store.TargetData) Target {
	switch td.Kind {
	case store.TargetFunction:
		return &functionTarget{module: moduleName(td), address: td.Address, client: d.client}
	case store.TargetWebhook:
		return &webhookTarget{address: td.Address, client: d.client}
	default:
		return &rpcTarget{module: moduleName(td), address: td.Address, client: d.client}
	}
}

func moduleName(td store.TargetData) string {
	if td.Module != "" {
		return td.Module
	}
	return td.Kind
}

func (d *Dispatcher) limiter(address string) *rate.Limiter {
	host := address
	if u, err := url.Parse(address); err == nil && u.Host != "" {
		host = u.Host
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[host]
	if !ok {
		l = rate.NewLimiter(d.rps, d.burst)
		d.limiters[host] = l
	}
	return l
}

// FireWebhook fires a string-match webhook action: a fire-and-forget POST of
// the message context, throttled like any other outbound call. Delivery
// failures are logged and dropped.
func (d *Dispatcher) FireWebhook(ctx context.Context, webhookURL string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := d.limiter(webhookURL).Wait(bg); err != nil {
			return
		}
		if _, err := post(bg, d.client, webhookURL, body); err != nil {
			slog.Debug("dispatch.webhook_failed", "url", webhookURL, "error", err)
		}
	}()
}
