// Package dispatch validates tool requests, routes them to registered
// handlers, and wraps outcomes into uniform envelopes.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
	"pkt.systems/taskd/api"
	"pkt.systems/taskd/internal/clock"
	"pkt.systems/taskd/internal/correlation"
	"pkt.systems/taskd/internal/svcfields"
)

// DefaultTimeout bounds tool execution when the config does not say
// otherwise.
const DefaultTimeout = 30 * time.Second

// Tool is the capability contract every registered tool implements.
// Registration is explicit; the dispatcher never discovers tools by
// reflection.
type Tool interface {
	Name() string
	InputSchema() Schema
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// Registry maps tool names to handlers.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool; duplicate names are a programming error.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("dispatch: tool with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("dispatch: tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Lookup resolves a tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config wires a Dispatcher.
type Config struct {
	Registry *Registry
	// Timeout bounds each tool execution.
	Timeout time.Duration
	Clock   clock.Clock
	Logger  pslog.Logger
}

// Dispatcher executes validated requests against the registry.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	clock    clock.Clock
	logger   pslog.Logger

	dispatchCtr metric.Int64Counter
	durationHst metric.Int64Histogram
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	d := &Dispatcher{
		registry: cfg.Registry,
		timeout:  cfg.Timeout,
		clock:    cfg.Clock,
		logger:   svcfields.WithSubsystem(cfg.Logger, "dispatch"),
	}
	meter := otel.Meter("pkt.systems/taskd/internal/dispatch")
	if ctr, err := meter.Int64Counter("taskd.tool.dispatch",
		metric.WithDescription("Tool invocations by outcome")); err == nil {
		d.dispatchCtr = ctr
	}
	if hst, err := meter.Int64Histogram("taskd.tool.duration_ms",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms")); err == nil {
		d.durationHst = hst
	}
	return d
}

type execOutcome struct {
	result any
	err    error
}

// Dispatch validates req, executes the tool under the configured timeout,
// and returns exactly one envelope. Raw handler errors never reach the
// caller; they are normalized to stable codes and logged server-side.
func (d *Dispatcher) Dispatch(ctx context.Context, req api.ToolRequest) (*api.ToolEnvelope, *api.ErrorEnvelope) {
	startedAt := d.clock.Now()
	logger := d.logger
	if cid := correlation.ID(ctx); cid != "" {
		logger = logger.With("cid", cid)
	}

	if req.Tool == "" {
		return nil, d.failure(ctx, startedAt, req.Tool, api.Failure{
			Code:       api.CodeInvalidInput,
			Detail:     "tool identifier required",
			HTTPStatus: 400,
		})
	}
	if req.APIVersion != "" && req.APIVersion != api.Version {
		return nil, d.failure(ctx, startedAt, req.Tool, api.Failure{
			Code:       api.CodeInvalidInput,
			Detail:     fmt.Sprintf("unsupported apiVersion %q", req.APIVersion),
			Hint:       "use apiVersion " + api.Version,
			HTTPStatus: 400,
		})
	}

	tool, ok := d.registry.Lookup(req.Tool)
	if !ok {
		return nil, d.failure(ctx, startedAt, req.Tool, api.Failure{
			Code:       api.CodeToolNotFound,
			Detail:     fmt.Sprintf("unknown tool %q", req.Tool),
			HTTPStatus: 404,
		})
	}

	input := map[string]any{}
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			return nil, d.failure(ctx, startedAt, req.Tool, api.Failure{
				Code:       api.CodeInvalidInput,
				Detail:     "input must be a JSON object",
				HTTPStatus: 400,
			})
		}
	}
	if fieldErrs := tool.InputSchema().Validate(input); len(fieldErrs) > 0 {
		return nil, d.failure(ctx, startedAt, req.Tool, api.Failure{
			Code:       api.CodeInvalidInput,
			Detail:     "input failed schema validation",
			Details:    fieldErrs,
			HTTPStatus: 400,
		})
	}

	logger.Debug("tool.dispatch.begin", "tool", req.Tool)
	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	outcomes := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				outcomes <- execOutcome{err: fmt.Errorf("tool panic: %v", r)}
			}
		}()
		result, err := tool.Execute(execCtx, input)
		outcomes <- execOutcome{result: result, err: err}
	}()

	var outcome execOutcome
	select {
	case outcome = <-outcomes:
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, d.failure(ctx, startedAt, req.Tool, api.Failure{
				Code:       api.CodeTimeout,
				Detail:     fmt.Sprintf("tool exceeded %s execution budget", d.timeout),
				HTTPStatus: 504,
			})
		}
		// Client went away; the transport will not write this frame.
		return nil, d.failure(ctx, startedAt, req.Tool, api.Failure{
			Code:       api.CodeInternal,
			Detail:     "request cancelled",
			HTTPStatus: 499,
		})
	}

	duration := d.clock.Now().Sub(startedAt)
	if outcome.err != nil {
		if f, ok := api.AsFailure(outcome.err); ok {
			logger.Info("tool.dispatch.rejected",
				"tool", req.Tool,
				"code", f.Code,
				"duration_ms", duration.Milliseconds(),
			)
			return nil, d.failure(ctx, startedAt, req.Tool, f)
		}
		// Full detail stays server-side; the caller sees a stable code only.
		logger.Error("tool.dispatch.failed",
			"tool", req.Tool,
			"duration_ms", duration.Milliseconds(),
			"error", outcome.err,
		)
		return nil, d.failure(ctx, startedAt, req.Tool, api.Failure{
			Code:       api.CodeInternal,
			Detail:     "tool execution failed",
			HTTPStatus: 500,
		})
	}

	logger.Info("tool.dispatch.ok", "tool", req.Tool, "duration_ms", duration.Milliseconds())
	d.record(ctx, req.Tool, "ok", duration)
	return &api.ToolEnvelope{
		APIVersion: api.Version,
		Tool:       req.Tool,
		StartedAt:  startedAt,
		Result:     outcome.result,
		DurationMS: duration.Milliseconds(),
	}, nil
}

func (d *Dispatcher) failure(ctx context.Context, startedAt time.Time, tool string, f api.Failure) *api.ErrorEnvelope {
	d.record(ctx, tool, f.Code, d.clock.Now().Sub(startedAt))
	return &api.ErrorEnvelope{
		APIVersion: api.Version,
		Error:      f.ErrorDetail(),
		StartedAt:  startedAt,
	}
}

func (d *Dispatcher) record(ctx context.Context, tool, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	if d.dispatchCtr != nil {
		d.dispatchCtr.Add(ctx, 1, attrs)
	}
	if d.durationHst != nil {
		d.durationHst.Record(ctx, duration.Milliseconds(), attrs)
	}
}
