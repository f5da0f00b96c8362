// Package httpapi owns the HTTP surface of taskd: the SSE and NDJSON tool
// transports, health probes, and the security metrics endpoint. Every
// upstream failure is converted into a well-formed frame or JSON envelope;
// the connection is only ever dropped by the client.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/taskd/api"
	"pkt.systems/taskd/internal/clock"
	"pkt.systems/taskd/internal/correlation"
	"pkt.systems/taskd/internal/dispatch"
	"pkt.systems/taskd/internal/gateway"
	"pkt.systems/taskd/internal/svcfields"
)

const (
	headerCorrelationID = "X-Correlation-Id"

	contentTypeJSON   = "application/json"
	contentTypeNDJSON = "application/x-ndjson"
	contentTypeSSE    = "text/event-stream"

	// maxRequestBytes bounds the inbound request body.
	maxRequestBytes = 1 << 20

	// DefaultHeartbeatInterval paces SSE keep-alive comments.
	DefaultHeartbeatInterval = 25 * time.Second
	// DefaultMaxResponseBytes caps a serialized tool result.
	DefaultMaxResponseBytes = 10 << 10
)

// ReadyCheck probes one critical dependency for GET /readyz.
type ReadyCheck func() error

// Config wires a Handler.
type Config struct {
	Gateway    *gateway.Gateway
	Dispatcher *dispatch.Dispatcher
	// HeartbeatInterval paces SSE keep-alives; zero selects the default.
	HeartbeatInterval time.Duration
	// MaxResponseBytes caps serialized results; zero selects the default.
	MaxResponseBytes int64
	// ReadyChecks run on every GET /readyz, keyed by check name.
	ReadyChecks map[string]ReadyCheck
	Version     string
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Handler routes taskd's HTTP endpoints.
type Handler struct {
	gate        *gateway.Gateway
	dispatcher  *dispatch.Dispatcher
	heartbeat   time.Duration
	maxResponse int64
	readyChecks map[string]ReadyCheck
	version     string
	clock       clock.Clock
	logger      pslog.Logger
	started     time.Time
}

// NewHandler constructs the HTTP surface.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("httpapi: gateway required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("httpapi: dispatcher required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Handler{
		gate:        cfg.Gateway,
		dispatcher:  cfg.Dispatcher,
		heartbeat:   cfg.HeartbeatInterval,
		maxResponse: cfg.MaxResponseBytes,
		readyChecks: cfg.ReadyChecks,
		version:     cfg.Version,
		clock:       cfg.Clock,
		logger:      svcfields.WithSubsystem(cfg.Logger, "api.http"),
		started:     cfg.Clock.Now(),
	}, nil
}

// Routes registers all endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/sse", h.handleSSE)
	mux.HandleFunc("/mcp", h.handleNDJSON)
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/readyz", h.handleReadyz)
	mux.HandleFunc("/security/metrics", h.handleSecurityMetrics)
}

// admit runs the shared pre-stream pipeline: preflight, security gating,
// correlation, and body decoding. A false return means the response is
// already written.
func (h *Handler) admit(w http.ResponseWriter, r *http.Request) (*http.Request, *api.ToolRequest, bool) {
	if h.gate.HandlePreflight(w, r) {
		return nil, nil, false
	}
	if r.Method != http.MethodPost {
		h.gate.ApplySecurityHeaders(w)
		h.writeFailure(w, api.Failure{
			Code:       api.CodeInvalidInput,
			Detail:     "method not allowed",
			HTTPStatus: http.StatusMethodNotAllowed,
		})
		return nil, nil, false
	}
	if _, err := h.gate.Admit(w, r); err != nil {
		h.writeFailure(w, err)
		return nil, nil, false
	}

	cid := r.Header.Get(headerCorrelationID)
	if _, ok := correlation.Normalize(cid); !ok {
		cid = correlation.Generate()
	}
	w.Header().Set(headerCorrelationID, cid)
	r = r.WithContext(correlation.Set(r.Context(), cid))

	var req api.ToolRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.writeFailure(w, api.Failure{
			Code:       api.CodeInvalidInput,
			Detail:     "request body must be a JSON object with tool, input, apiVersion",
			HTTPStatus: http.StatusBadRequest,
		})
		return nil, nil, false
	}
	return r, &req, true
}

// writeFailure renders a gateway or validation failure as a plain JSON
// error envelope with its HTTP status; used before streaming starts.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	f, ok := api.AsFailure(err)
	if !ok {
		h.logger.Error("api.http.unexpected_error", "error", err)
		f = api.Failure{
			Code:       api.CodeInternal,
			Detail:     "internal error",
			HTTPStatus: http.StatusInternalServerError,
		}
	}
	status := f.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if f.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(f.RetryAfter, 10))
	}
	h.writeJSON(w, status, api.ErrorEnvelope{
		APIVersion: api.Version,
		Error:      f.ErrorDetail(),
		StartedAt:  h.clock.Now(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}

// terminalPayload serializes the dispatch outcome, enforcing the response
// size ceiling. The bool reports whether the payload is an error envelope.
func (h *Handler) terminalPayload(env *api.ToolEnvelope, errEnv *api.ErrorEnvelope) ([]byte, bool, error) {
	if errEnv != nil {
		payload, err := json.Marshal(errEnv)
		return payload, true, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, false, err
	}
	if int64(len(payload)) > h.maxResponse {
		h.logger.Warn("api.http.response_too_large",
			"tool", env.Tool,
			"bytes", len(payload),
			"limit", h.maxResponse,
		)
		oversize := &api.ErrorEnvelope{
			APIVersion: api.Version,
			Error: api.ErrorDetail{
				Code:    api.CodeResponseTooLarge,
				Message: fmt.Sprintf("serialized result exceeds %d bytes", h.maxResponse),
				Hint:    "narrow the request, e.g. with a smaller pageSize",
			},
			StartedAt: env.StartedAt,
		}
		payload, err = json.Marshal(oversize)
		return payload, true, err
	}
	return payload, false, nil
}

type dispatchResult struct {
	env    *api.ToolEnvelope
	errEnv *api.ErrorEnvelope
}

// dispatchAsync runs the dispatcher off the connection goroutine so SSE
// heartbeats can interleave while the tool executes.
func (h *Handler) dispatchAsync(r *http.Request, req api.ToolRequest) <-chan dispatchResult {
	out := make(chan dispatchResult, 1)
	go func() {
		env, errEnv := h.dispatcher.Dispatch(r.Context(), req)
		out <- dispatchResult{env: env, errEnv: errEnv}
	}()
	return out
}
