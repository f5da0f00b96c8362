package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/taskd/api"
	"pkt.systems/taskd/internal/dispatch"
	"pkt.systems/taskd/internal/gateway"
	"pkt.systems/taskd/internal/lock"
)

type stubTool struct {
	name    string
	execute func(ctx context.Context, input map[string]any) (any, error)
}

func (t *stubTool) Name() string                 { return t.name }
func (t *stubTool) InputSchema() dispatch.Schema { return dispatch.Schema{} }
func (t *stubTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	return t.execute(ctx, input)
}

type testEnv struct {
	handler  *Handler
	server   *httptest.Server
	executed *int
}

func newTestEnv(t *testing.T, maxResponse int64) *testEnv {
	t.Helper()
	executed := new(int)
	reg := dispatch.NewRegistry()
	toolset := []dispatch.Tool{
		&stubTool{name: "echo", execute: func(ctx context.Context, input map[string]any) (any, error) {
			*executed++
			return map[string]any{"ok": true}, nil
		}},
		&stubTool{name: "fail", execute: func(ctx context.Context, input map[string]any) (any, error) {
			return nil, api.Failure{
				Code:       api.CodeChangeNotFound,
				Detail:     "no such change",
				HTTPStatus: 404,
			}
		}},
		&stubTool{name: "big", execute: func(ctx context.Context, input map[string]any) (any, error) {
			return map[string]any{"blob": strings.Repeat("x", 4096)}, nil
		}},
	}
	for _, tool := range toolset {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	gate, err := gateway.New(gateway.Config{Tokens: []string{"s3cret"}, RateLimit: 1000})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	handler, err := NewHandler(Config{
		Gateway:           gate,
		Dispatcher:        dispatch.New(dispatch.Config{Registry: reg}),
		HeartbeatInterval: time.Hour,
		MaxResponseBytes:  maxResponse,
		ReadyChecks: map[string]ReadyCheck{
			"always": func() error { return nil },
		},
		Version: "test",
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	handler.Routes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &testEnv{handler: handler, server: server, executed: executed}
}

func (e *testEnv) post(t *testing.T, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

// sseEvents parses event names in arrival order from an SSE stream.
func sseEvents(t *testing.T, resp *http.Response) []string {
	t.Helper()
	defer resp.Body.Close()
	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	return events
}

// ndjsonFrames decodes the type of each NDJSON line in order.
func ndjsonFrames(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var frames []map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var frame map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			t.Fatalf("bad frame %q: %v", scanner.Text(), err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestSSEFrameOrder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	resp := env.post(t, "/sse", "s3cret", `{"tool":"echo"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	if resp.Header.Get("X-Correlation-Id") == "" {
		t.Fatalf("missing correlation header")
	}
	events := sseEvents(t, resp)
	want := []string{"start", "result", "end"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v want %v", events, want)
	}
}

func TestSSEErrorFrame(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	resp := env.post(t, "/sse", "s3cret", `{"tool":"fail"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tool failures must stream at 200, got %d", resp.StatusCode)
	}
	events := sseEvents(t, resp)
	want := []string{"start", "error", "end"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v want %v", events, want)
	}
}

func TestNDJSONFrameOrder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	resp := env.post(t, "/mcp", "s3cret", `{"tool":"echo"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}
	frames := ndjsonFrames(t, resp)
	if len(frames) != 3 {
		t.Fatalf("frames = %v", frames)
	}
	if frames[0]["type"] != "start" || frames[0]["ts"] == nil {
		t.Fatalf("start frame = %v", frames[0])
	}
	if frames[1]["type"] != "result" {
		t.Fatalf("terminal frame = %v", frames[1])
	}
	result, ok := frames[1]["result"].(map[string]any)
	if !ok || result["ok"] != true {
		t.Fatalf("result = %v", frames[1]["result"])
	}
	if frames[2]["type"] != "end" {
		t.Fatalf("end frame = %v", frames[2])
	}
}

func TestNDJSONErrorFrame(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	resp := env.post(t, "/mcp", "s3cret", `{"tool":"fail"}`)
	frames := ndjsonFrames(t, resp)
	if len(frames) != 3 || frames[1]["type"] != "error" {
		t.Fatalf("frames = %v", frames)
	}
	errBody, ok := frames[1]["error"].(map[string]any)
	if !ok || errBody["code"] != api.CodeChangeNotFound {
		t.Fatalf("error frame = %v", frames[1])
	}
}

func TestAuthRejectedBeforeToolRuns(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	for _, tc := range []struct {
		token  string
		status int
		code   string
	}{
		{"", http.StatusUnauthorized, api.CodeMissingAuthToken},
		{"wrong", http.StatusForbidden, api.CodeInvalidAuthToken},
	} {
		resp := env.post(t, "/sse", tc.token, `{"tool":"echo"}`)
		if resp.StatusCode != tc.status {
			t.Fatalf("token %q: status = %d want %d", tc.token, resp.StatusCode, tc.status)
		}
		var envlp api.ErrorEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&envlp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		resp.Body.Close()
		if envlp.Error.Code != tc.code {
			t.Fatalf("token %q: code = %s want %s", tc.token, envlp.Error.Code, tc.code)
		}
	}
	if *env.executed != 0 {
		t.Fatalf("tool executed %d times despite rejection", *env.executed)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	resp, err := env.server.Client().Get(env.server.URL + "/sse")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMalformedBody(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	resp := env.post(t, "/mcp", "s3cret", `{not json`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestResponseTooLargeBecomesErrorFrame(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 256)
	resp := env.post(t, "/mcp", "s3cret", `{"tool":"big"}`)
	frames := ndjsonFrames(t, resp)
	if len(frames) != 3 || frames[1]["type"] != "error" {
		t.Fatalf("frames = %v", frames)
	}
	errBody := frames[1]["error"].(map[string]any)
	if errBody["code"] != api.CodeResponseTooLarge {
		t.Fatalf("code = %v", errBody["code"])
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	resp, err := env.server.Client().Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.Version != "test" {
		t.Fatalf("health = %+v", health)
	}
}

func TestReadyzUnhealthy(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	env.handler.readyChecks["broken"] = func() error { return fmt.Errorf("disk gone") }

	resp, err := env.server.Client().Get(env.server.URL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var ready api.ReadyResponse
	if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ready.Status != "unhealthy" || ready.Checks["broken"] != "disk gone" || ready.Checks["always"] != "ok" {
		t.Fatalf("ready = %+v", ready)
	}
}

func TestSecurityMetricsRequiresAuth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	resp, err := env.server.Client().Get(env.server.URL + "/security/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/security/metrics", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var metrics api.SecurityMetrics
	if err := json.NewDecoder(resp.Body).Decode(&metrics); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// The unauthenticated probe above must be on the books.
	if metrics.AuthFailures < 1 {
		t.Fatalf("metrics = %+v", metrics)
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	req, _ := http.NewRequest(http.MethodPost, env.server.URL+"/mcp", strings.NewReader(`{"tool":"echo"}`))
	req.Header.Set("Authorization", "Bearer s3cret")
	req.Header.Set("X-Correlation-Id", "client-supplied-id")
	resp, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-Id"); got != "client-supplied-id" {
		t.Fatalf("correlation = %q", got)
	}
}

// newStreamEnv serves a caller-supplied toolset with a caller-chosen
// heartbeat interval; the shared env pins the interval high to keep
// keep-alives out of frame-order assertions.
func newStreamEnv(t *testing.T, heartbeat time.Duration, tools ...dispatch.Tool) *testEnv {
	t.Helper()
	reg := dispatch.NewRegistry()
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	gate, err := gateway.New(gateway.Config{Tokens: []string{"s3cret"}, RateLimit: 1000})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	handler, err := NewHandler(Config{
		Gateway:           gate,
		Dispatcher:        dispatch.New(dispatch.Config{Registry: reg}),
		HeartbeatInterval: heartbeat,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	handler.Routes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &testEnv{handler: handler, server: server, executed: new(int)}
}

func TestSSEHeartbeatStopsAtTerminalFrame(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	env := newStreamEnv(t, 2*time.Millisecond, &stubTool{name: "slow", execute: func(ctx context.Context, input map[string]any) (any, error) {
		select {
		case <-release:
			return map[string]any{"ok": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}})

	resp := env.post(t, "/sse", "s3cret", `{"tool":"slow"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	// The tool is held open until the stream has shown two keep-alives, so
	// their presence never depends on scheduling luck.
	reader := bufio.NewReader(resp.Body)
	keepAlives := 0
	for keepAlives < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before keep-alives: %v", err)
		}
		if strings.HasPrefix(line, ": keep-alive") {
			keepAlives++
		}
	}
	close(release)
	rest, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read remainder: %v", err)
	}
	tail := string(rest)
	endIdx := strings.Index(tail, "event: end")
	if endIdx < 0 {
		t.Fatalf("no terminal frame in %q", tail)
	}
	if i := strings.LastIndex(tail, ": keep-alive"); i > endIdx {
		t.Fatalf("keep-alive after terminal frame: %q", tail)
	}
}

func TestSSEClientDisconnectReleasesLock(t *testing.T) {
	t.Parallel()

	locks, err := lock.NewDiskStore(t.TempDir(), lock.Options{})
	if err != nil {
		t.Fatalf("lock store: %v", err)
	}
	held := make(chan struct{})
	env := newStreamEnv(t, time.Hour, &stubTool{name: "hold", execute: func(ctx context.Context, input map[string]any) (any, error) {
		err := lock.WithLock(ctx, locks, "job", "holder", time.Minute, func(ctx context.Context) error {
			close(held)
			<-ctx.Done()
			return ctx.Err()
		})
		return nil, err
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.server.URL+"/sse", strings.NewReader(`{"tool":"hold"}`))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	<-held
	if _, fresh, err := locks.Inspect(context.Background(), "job"); err != nil || !fresh {
		t.Fatalf("lock not held while tool runs: fresh=%v err=%v", fresh, err)
	}

	cancel()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, fresh, err := locks.Inspect(context.Background(), "job")
		if err != nil {
			t.Fatalf("inspect: %v", err)
		}
		if !fresh {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("lock still held after client disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
