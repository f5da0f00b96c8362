package taskd

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/pslog"
	"pkt.systems/taskd/api"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := New(context.Background(), Config{
		AuthTokens: []string{"test-token"},
		ChangesDir: filepath.Join(t.TempDir(), "changes"),
		Logger:     pslog.NoopLogger(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func callTool(t *testing.T, ts *httptest.Server, tool string, input map[string]any) []map[string]any {
	t.Helper()
	body, err := json.Marshal(map[string]any{"tool": tool, "input": input})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer test-token")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var frames []map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var frame map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			t.Fatalf("frame %q: %v", scanner.Text(), err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestServerEndToEnd(t *testing.T) {
	_, ts := newTestServer(t)

	frames := callTool(t, ts, "change.open", map[string]any{
		"title": "Wire the gizmo",
		"slug":  "wire-the-gizmo",
	})
	if len(frames) != 3 || frames[1]["type"] != "result" {
		t.Fatalf("open frames = %v", frames)
	}

	frames = callTool(t, ts, "changes.active", map[string]any{})
	if len(frames) != 3 || frames[1]["type"] != "result" {
		t.Fatalf("list frames = %v", frames)
	}
	page, _ := frames[1]["result"].(map[string]any)
	items, _ := page["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("items = %v", items)
	}
	item := items[0].(map[string]any)
	if item["slug"] != "wire-the-gizmo" || item["title"] != "Wire the gizmo" {
		t.Fatalf("item = %v", item)
	}

	frames = callTool(t, ts, "change.read", map[string]any{
		"uri": "change://wire-the-gizmo",
	})
	if len(frames) != 3 || frames[1]["type"] != "result" {
		t.Fatalf("read frames = %v", frames)
	}
	content := frames[1]["result"].(map[string]any)["content"].(string)
	if !strings.HasPrefix(content, "# Wire the gizmo") {
		t.Fatalf("content = %q", content)
	}

	frames = callTool(t, ts, "change.archive", map[string]any{"slug": "wire-the-gizmo"})
	if len(frames) != 3 || frames[1]["type"] != "result" {
		t.Fatalf("archive frames = %v", frames)
	}

	frames = callTool(t, ts, "changes.list", map[string]any{"includeArchived": true})
	page, _ = frames[1]["result"].(map[string]any)
	if total, _ := page["totalItems"].(float64); total != 1 {
		t.Fatalf("archived listing = %v", page)
	}
}

func TestServerRejectsUnauthenticated(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := ts.Client().Post(ts.URL+"/mcp", "application/json", strings.NewReader(`{"tool":"changes.active"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var envlp api.ErrorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envlp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envlp.Error.Code != api.CodeMissingAuthToken {
		t.Fatalf("code = %s", envlp.Error.Code)
	}
}

func TestServerHealthEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := ts.Client().Get(ts.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
	}
}

func TestServerRequiresAuthTokens(t *testing.T) {
	_, err := New(context.Background(), Config{
		ChangesDir: t.TempDir(),
		Logger:     pslog.NoopLogger(),
	})
	if err == nil {
		t.Fatalf("tokenless config accepted")
	}
}
