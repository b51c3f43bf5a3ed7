package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/caffeineduck/starbridge/executor"
	"github.com/caffeineduck/starbridge/hostfunc"
)

func setupTestServer(t *testing.T, opts ...executor.SessionOption) (*httptest.Server, *sessionManager) {
	t.Helper()

	exec, err := executor.New(hostfunc.NewRegistry())
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}

	sessions := newSessionManager(15 * time.Minute)
	s := &server{
		exec:     exec,
		sessions: sessions,
		opts:     opts,
		timeout:  5 * time.Second,
		log:      zap.NewNop(),
	}
	srv := httptest.NewServer(s.routes())

	t.Cleanup(func() {
		srv.Close()
		sessions.closeAll()
		exec.Close()
	})
	return srv, sessions
}

func post(t *testing.T, url, body string, out any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func createSession(t *testing.T, base, body string) string {
	t.Helper()
	var resp createSessionResponse
	if code := post(t, base+"/sessions", body, &resp); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if resp.SessionID == "" {
		t.Fatal("expected non-empty session ID")
	}
	return resp.SessionID
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if string(body) != "ok" {
		t.Errorf("expected 'ok', got %q", body)
	}
}

func TestExecuteEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)

	var resp executeResponse
	code := post(t, srv.URL+"/execute", `{"code": "print('hi')\n1 + 2"}`, &resp)
	if code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if resp.Output != "hi\n" {
		t.Errorf("expected 'hi', got %q", resp.Output)
	}
	if resp.Value == nil {
		t.Fatal("expected a value")
	}
	if n, _ := resp.Value.AsInt(); n != 3 {
		t.Errorf("expected 3, got %s", resp.Value)
	}
}

func TestExecuteEndpointException(t *testing.T) {
	srv, _ := setupTestServer(t)

	var resp executeResponse
	post(t, srv.URL+"/execute", `{"code": "throw(ValueError('bad input'))"}`, &resp)

	if resp.Exception == nil {
		t.Fatalf("expected exception, got %+v", resp)
	}
	if resp.Exception.Type != "ValueError" || resp.Exception.Message != "bad input" {
		t.Errorf("unexpected exception %+v", resp.Exception)
	}
	if resp.Value != nil {
		t.Errorf("expected no value, got %s", resp.Value)
	}
}

func TestExecuteEndpointTimeout(t *testing.T) {
	srv, _ := setupTestServer(t)

	var resp executeResponse
	post(t, srv.URL+"/execute", `{"code": "while True:\n    pass", "timeout": "50ms"}`, &resp)

	if resp.Exception == nil || resp.Exception.Type != "TimeoutError" {
		t.Errorf("expected TimeoutError, got %+v", resp)
	}
}

func TestExecuteEndpointValidation(t *testing.T) {
	srv, _ := setupTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing code", `{}`},
		{"invalid json", `{`},
		{"bad timeout", `{"code": "1", "timeout": "soon"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := post(t, srv.URL+"/execute", tc.body, nil); code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", code)
			}
		})
	}
}

func TestSessionExecution(t *testing.T) {
	srv, _ := setupTestServer(t)
	id := createSession(t, srv.URL, "")

	var resp executeResponse
	post(t, srv.URL+"/sessions/"+id+"/exec", `{"code": "x = 42"}`, &resp)
	if resp.Error != "" {
		t.Fatalf("first run failed: %s", resp.Error)
	}

	post(t, srv.URL+"/sessions/"+id+"/exec", `{"code": "print(x)"}`, &resp)
	if resp.Error != "" {
		t.Fatalf("second run failed: %s", resp.Error)
	}
	if !strings.Contains(resp.Output, "42") {
		t.Errorf("expected output to contain '42', got %q", resp.Output)
	}
}

func TestSessionCall(t *testing.T) {
	srv, _ := setupTestServer(t)
	id := createSession(t, srv.URL, "")

	var exec executeResponse
	post(t, srv.URL+"/sessions/"+id+"/exec", `{"code": "def scale(xs, by = 1):\n    return [x * by for x in xs]"}`, &exec)
	if exec.Error != "" {
		t.Fatalf("define failed: %s", exec.Error)
	}

	var resp callResponse
	code := post(t, srv.URL+"/sessions/"+id+"/call", `{"function": "scale", "args": [[1, 2, 3]], "kwargs": {"by": 10}}`, &resp)
	if code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if resp.Error != "" {
		t.Fatalf("call failed: %s", resp.Error)
	}
	if got := resp.Value.String(); got != "[10, 20, 30]" {
		t.Errorf("expected [10, 20, 30], got %s", got)
	}

	post(t, srv.URL+"/sessions/"+id+"/call", `{"function": "nope"}`, &resp)
	if resp.Error == "" {
		t.Error("expected error for unknown function")
	}
}

func TestSessionWithKV(t *testing.T) {
	srv, _ := setupTestServer(t)
	id := createSession(t, srv.URL, `{"kv": true}`)

	var resp executeResponse
	post(t, srv.URL+"/sessions/"+id+"/exec", `{"code": "kv_set('a', 1)\nkv_get('a')"}`, &resp)
	if resp.Error != "" {
		t.Fatalf("kv run failed: %s", resp.Error)
	}
	if n, _ := resp.Value.AsInt(); n != 1 {
		t.Errorf("expected 1, got %s", resp.Value)
	}
}

func TestSessionExitDropsSession(t *testing.T) {
	srv, sessions := setupTestServer(t)
	id := createSession(t, srv.URL, "")

	var resp executeResponse
	post(t, srv.URL+"/sessions/"+id+"/exec", `{"code": "exit(0)"}`, &resp)
	if resp.Error == "" {
		t.Error("expected exit to be reported")
	}
	if _, ok := sessions.get(id); ok {
		t.Error("session should be dropped after exit")
	}
}

func TestSessionClose(t *testing.T) {
	srv, sessions := setupTestServer(t)
	id := createSession(t, srv.URL, "")

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}

	if _, ok := sessions.get(id); ok {
		t.Error("session should not exist after close")
	}

	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for second close, got %d", resp.StatusCode)
	}

	if code := post(t, srv.URL+"/sessions/"+id+"/exec", `{"code": "1"}`, nil); code != http.StatusNotFound {
		t.Errorf("expected 404 for closed session, got %d", code)
	}
}

func TestSessionExpiry(t *testing.T) {
	exec, err := executor.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer exec.Close()

	sessions := newSessionManager(time.Minute)
	defer sessions.closeAll()

	id, err := sessions.create(exec)
	if err != nil {
		t.Fatal(err)
	}

	sessions.expire(time.Now())
	if _, ok := sessions.get(id); !ok {
		t.Fatal("fresh session should survive expiry")
	}

	sessions.expire(time.Now().Add(2 * time.Minute))
	if _, ok := sessions.get(id); ok {
		t.Error("idle session should have expired")
	}
}

func TestSchemaEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/schema")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var doc struct {
		Functions map[string]json.RawMessage `json:"functions"`
		API       map[string]json.RawMessage `json:"api"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("failed to decode schema: %v", err)
	}
	for _, name := range []string{"kv_get", "http_request", "fs_read", "time_now"} {
		if _, ok := doc.Functions[name]; !ok {
			t.Errorf("schema should describe %s", name)
		}
	}
	if _, ok := doc.API["call_request"]; !ok {
		t.Error("schema should describe call_request")
	}

	missing, err := http.Get(srv.URL + "/schema?function=nope")
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", missing.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := setupTestServer(t)

	resp, err := http.Get(srv.URL + "/execute")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}
