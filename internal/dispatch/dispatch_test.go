package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pkt.systems/taskd/api"
)

type stubTool struct {
	name    string
	schema  Schema
	execute func(ctx context.Context, input map[string]any) (any, error)
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) InputSchema() Schema { return t.schema }
func (t *stubTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	return t.execute(ctx, input)
}

func newTestDispatcher(t *testing.T, timeout time.Duration, tools ...Tool) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("register %s: %v", tool.Name(), err)
		}
	}
	return New(Config{Registry: reg, Timeout: timeout})
}

func echoTool() Tool {
	return &stubTool{
		name: "echo",
		schema: Schema{Fields: []Field{
			{Name: "message", Type: FieldString, Required: true, MaxLength: 100},
		}},
		execute: func(ctx context.Context, input map[string]any) (any, error) {
			return map[string]any{"message": input["message"]}, nil
		},
	}
}

func TestDispatchSuccess(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, time.Second, echoTool())
	env, errEnv := d.Dispatch(context.Background(), api.ToolRequest{
		Tool:       "echo",
		Input:      json.RawMessage(`{"message":"hello"}`),
		APIVersion: api.Version,
	})
	if errEnv != nil {
		t.Fatalf("unexpected error envelope: %+v", errEnv)
	}
	if env.Tool != "echo" || env.APIVersion != api.Version {
		t.Fatalf("envelope = %+v", env)
	}
	result, ok := env.Result.(map[string]any)
	if !ok || result["message"] != "hello" {
		t.Fatalf("result = %+v", env.Result)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, time.Second, echoTool())
	env, errEnv := d.Dispatch(context.Background(), api.ToolRequest{Tool: "nope"})
	if env != nil || errEnv == nil {
		t.Fatalf("expected error envelope")
	}
	if errEnv.Error.Code != api.CodeToolNotFound {
		t.Fatalf("code = %s want %s", errEnv.Error.Code, api.CodeToolNotFound)
	}
}

func TestDispatchEmptyToolName(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, time.Second, echoTool())
	_, errEnv := d.Dispatch(context.Background(), api.ToolRequest{})
	if errEnv == nil || errEnv.Error.Code != api.CodeInvalidInput {
		t.Fatalf("envelope = %+v", errEnv)
	}
}

func TestDispatchUnsupportedAPIVersion(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, time.Second, echoTool())
	_, errEnv := d.Dispatch(context.Background(), api.ToolRequest{
		Tool:       "echo",
		APIVersion: "99.0.0",
	})
	if errEnv == nil || errEnv.Error.Code != api.CodeInvalidInput {
		t.Fatalf("envelope = %+v", errEnv)
	}
}

func TestDispatchSchemaViolations(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, time.Second, echoTool())
	_, errEnv := d.Dispatch(context.Background(), api.ToolRequest{
		Tool:  "echo",
		Input: json.RawMessage(`{"typo":"x"}`),
	})
	if errEnv == nil || errEnv.Error.Code != api.CodeInvalidInput {
		t.Fatalf("envelope = %+v", errEnv)
	}
	fieldErrs, ok := errEnv.Error.Details.([]FieldError)
	if !ok {
		t.Fatalf("details = %T", errEnv.Error.Details)
	}
	fields := map[string]bool{}
	for _, fe := range fieldErrs {
		fields[fe.Field] = true
	}
	if !fields["typo"] || !fields["message"] {
		t.Fatalf("field errors = %+v", fieldErrs)
	}
}

func TestDispatchNonObjectInput(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, time.Second, echoTool())
	_, errEnv := d.Dispatch(context.Background(), api.ToolRequest{
		Tool:  "echo",
		Input: json.RawMessage(`[1,2,3]`),
	})
	if errEnv == nil || errEnv.Error.Code != api.CodeInvalidInput {
		t.Fatalf("envelope = %+v", errEnv)
	}
}

func TestDispatchTimeout(t *testing.T) {
	t.Parallel()

	slow := &stubTool{
		name:   "slow",
		schema: Schema{},
		execute: func(ctx context.Context, input map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	d := newTestDispatcher(t, 20*time.Millisecond, slow)
	_, errEnv := d.Dispatch(context.Background(), api.ToolRequest{Tool: "slow"})
	if errEnv == nil || errEnv.Error.Code != api.CodeTimeout {
		t.Fatalf("envelope = %+v", errEnv)
	}
}

func TestDispatchPanicBecomesInternal(t *testing.T) {
	t.Parallel()

	boom := &stubTool{
		name:   "boom",
		schema: Schema{},
		execute: func(ctx context.Context, input map[string]any) (any, error) {
			panic("kaboom")
		},
	}
	d := newTestDispatcher(t, time.Second, boom)
	_, errEnv := d.Dispatch(context.Background(), api.ToolRequest{Tool: "boom"})
	if errEnv == nil || errEnv.Error.Code != api.CodeInternal {
		t.Fatalf("envelope = %+v", errEnv)
	}
}

func TestDispatchSanitizesRawErrors(t *testing.T) {
	t.Parallel()

	leaky := &stubTool{
		name:   "leaky",
		schema: Schema{},
		execute: func(ctx context.Context, input map[string]any) (any, error) {
			return nil, errors.New("open /var/lib/secret: permission denied")
		},
	}
	d := newTestDispatcher(t, time.Second, leaky)
	_, errEnv := d.Dispatch(context.Background(), api.ToolRequest{Tool: "leaky"})
	if errEnv == nil || errEnv.Error.Code != api.CodeInternal {
		t.Fatalf("envelope = %+v", errEnv)
	}
	if errEnv.Error.Message == "open /var/lib/secret: permission denied" {
		t.Fatalf("raw error leaked to caller")
	}
}

func TestDispatchPassesThroughFailures(t *testing.T) {
	t.Parallel()

	refusing := &stubTool{
		name:   "refusing",
		schema: Schema{},
		execute: func(ctx context.Context, input map[string]any) (any, error) {
			return nil, api.Failure{
				Code:       api.CodeChangeNotFound,
				Detail:     "change \"x\" does not exist",
				HTTPStatus: 404,
			}
		},
	}
	d := newTestDispatcher(t, time.Second, refusing)
	_, errEnv := d.Dispatch(context.Background(), api.ToolRequest{Tool: "refusing"})
	if errEnv == nil || errEnv.Error.Code != api.CodeChangeNotFound {
		t.Fatalf("envelope = %+v", errEnv)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	if err := reg.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(echoTool()); err == nil {
		t.Fatalf("duplicate registration accepted")
	}
	names := reg.Names()
	if len(names) != 1 || names[0] != "echo" {
		t.Fatalf("names = %v", names)
	}
}

func TestSchemaValidateTypes(t *testing.T) {
	t.Parallel()

	schema := Schema{Fields: []Field{
		{Name: "count", Type: FieldInt},
		{Name: "flag", Type: FieldBool},
		{Name: "meta", Type: FieldObject},
	}}
	errs := schema.Validate(map[string]any{
		"count": 1.5,
		"flag":  "yes",
		"meta":  []any{},
	})
	if len(errs) != 3 {
		t.Fatalf("errors = %+v", errs)
	}
	if errs := schema.Validate(map[string]any{
		"count": float64(3),
		"flag":  true,
		"meta":  map[string]any{"k": "v"},
	}); len(errs) != 0 {
		t.Fatalf("unexpected errors = %+v", errs)
	}
}
