// ABOUTME: End-to-end tests for the HTTP and websocket surface.
// ABOUTME: Runs a full server over httptest with fake agent providers.

package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sightglass-dev/sightglass/internal/config"
	"github.com/sightglass-dev/sightglass/internal/pool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// fakeProvider is a scripted agent provider.
type fakeProvider struct {
	sessionID string
	events    []pool.Event
	cleanups  atomic.Int32
}

func (f *fakeProvider) InitSession(ctx context.Context) (string, error) {
	return f.sessionID, nil
}

func (f *fakeProvider) Stream(ctx context.Context, req pool.CompletionRequest) (<-chan pool.Event, error) {
	ch := make(chan pool.Event, len(f.events)+1)
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Cleanup() error {
	f.cleanups.Add(1)
	return nil
}

type env struct {
	server *Server
	ts     *httptest.Server
	spawns atomic.Int32
	last   atomic.Pointer[fakeProvider]
}

func newEnv(t *testing.T, cfg *config.Config) *env {
	t.Helper()

	if cfg == nil {
		cfg = &config.Config{}
		cfg.Server.HTTPAddr = "127.0.0.1:0"
	}

	e := &env{}
	spawn := func(ctx context.Context, launch pool.LaunchConfig) (pool.Provider, error) {
		n := e.spawns.Add(1)
		p := &fakeProvider{
			sessionID: fmt.Sprintf("sess-%d", n),
			events: []pool.Event{
				{Type: pool.EventText, Text: "hello from agent"},
				{Type: pool.EventDone},
			},
		}
		e.last.Store(p)
		return p, nil
	}

	s, err := newServer(cfg, testLogger(), spawn)
	require.NoError(t, err)
	e.server = s

	e.ts = httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		e.ts.Close()
	})
	return e
}

// dialChannel opens a websocket, sends the handshake, and returns the conn
// plus the decoded ack.
func (e *env) dialChannel(t *testing.T, handshake any) (*websocket.Conn, map[string]any) {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/channel"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(handshake))

	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	return conn, ack
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest("POST", url, strings.NewReader(string(data)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)

	resp, err := http.Get(e.ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadiness(t *testing.T) {
	e := newEnv(t, nil)

	resp, err := http.Get(e.ts.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	e.dialChannel(t, map[string]string{"role": "observer"})

	require.Eventually(t, func() bool {
		resp, err := http.Get(e.ts.URL + "/health/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
}

func TestChannelRelayEndToEnd(t *testing.T) {
	e := newEnv(t, nil)

	obs, obsAck := e.dialChannel(t, map[string]string{"role": "observer"})
	assert.Equal(t, true, obsAck["bound"])

	op, opAck := e.dialChannel(t, map[string]string{
		"role": "operator", "group_key": "devtools", "target": "observer",
	})
	assert.Equal(t, true, opAck["bound"])

	// Operator request crosses to the observer verbatim.
	require.NoError(t, op.WriteMessage(websocket.TextMessage,
		[]byte(`{"id":"r1","method":"dom/query","params":{"selector":"h1"}}`)))

	_, raw, err := obs.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r1","method":"dom/query","params":{"selector":"h1"}}`, string(raw))

	// The observer's reply routes back to the operator.
	require.NoError(t, obs.WriteMessage(websocket.TextMessage,
		[]byte(`{"id":"r1","result":{"text":"Welcome"}}`)))

	_, raw, err = op.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r1","result":{"text":"Welcome"}}`, string(raw))
}

func TestChannelMalformedHandshake(t *testing.T) {
	e := newEnv(t, nil)

	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/channel"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"role":"spectator"}`)))

	// The server explains, then hangs up.
	var reply map[string]any
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Contains(t, reply["error"], "handshake")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestOperatorGroupEviction(t *testing.T) {
	e := newEnv(t, nil)

	e.dialChannel(t, map[string]string{"role": "observer"})
	op1, _ := e.dialChannel(t, map[string]string{"role": "operator", "group_key": "devtools"})
	e.dialChannel(t, map[string]string{"role": "operator", "group_key": "devtools"})

	// op1 is closed by the server.
	op1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := op1.ReadMessage()
	assert.Error(t, err)
}

func TestInitSession(t *testing.T) {
	e := newEnv(t, nil)

	resp := postJSON(t, e.ts.URL+"/api/sessions", InitSessionRequest{
		Config: &pool.LaunchConfig{Command: "fake-agent"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "sess-1", body["session_id"])
	assert.Equal(t, int32(1), e.spawns.Load())

	// Same config reuses the warm session.
	resp = postJSON(t, e.ts.URL+"/api/sessions", InitSessionRequest{
		Config: &pool.LaunchConfig{Command: "fake-agent"},
	}, nil)
	body = decodeBody(t, resp)
	assert.Equal(t, "sess-1", body["session_id"])
	assert.Equal(t, int32(1), e.spawns.Load())
}

func TestInitSessionIdempotencyKey(t *testing.T) {
	e := newEnv(t, nil)

	headers := map[string]string{"Idempotency-Key": "retry-123"}

	resp := postJSON(t, e.ts.URL+"/api/sessions", InitSessionRequest{
		Config: &pool.LaunchConfig{Command: "fake-agent"},
	}, headers)
	body := decodeBody(t, resp)
	sessionID := body["session_id"]

	// Release it so a non-idempotent retry would spawn a fresh provider.
	req, _ := http.NewRequest("DELETE", e.ts.URL+"/api/sessions/"+sessionID.(string), nil)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()

	resp = postJSON(t, e.ts.URL+"/api/sessions", InitSessionRequest{
		Config: &pool.LaunchConfig{Command: "fake-agent"},
	}, headers)
	body = decodeBody(t, resp)
	assert.Equal(t, sessionID, body["session_id"])
	assert.Equal(t, true, body["replayed"])
	assert.Equal(t, int32(1), e.spawns.Load(), "replay must not spawn")
}

func TestInitSessionValidation(t *testing.T) {
	e := newEnv(t, nil)

	resp := postJSON(t, e.ts.URL+"/api/sessions", InitSessionRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, e.ts.URL+"/api/sessions", InitSessionRequest{Agent: "ghost"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCleanupSession(t *testing.T) {
	e := newEnv(t, nil)

	resp := postJSON(t, e.ts.URL+"/api/sessions", InitSessionRequest{
		Config: &pool.LaunchConfig{Command: "fake-agent"},
	}, nil)
	body := decodeBody(t, resp)
	sessionID := body["session_id"].(string)

	req, _ := http.NewRequest("DELETE", e.ts.URL+"/api/sessions/"+sessionID, nil)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delBody := decodeBody(t, delResp)
	assert.Equal(t, true, delBody["success"])
	assert.Equal(t, int32(1), e.last.Load().cleanups.Load())

	// Releasing again still succeeds.
	req, _ = http.NewRequest("DELETE", e.ts.URL+"/api/sessions/"+sessionID, nil)
	delResp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)
}

func TestChatStreamsSSE(t *testing.T) {
	e := newEnv(t, nil)

	resp := postJSON(t, e.ts.URL+"/api/chat", ChatRequest{
		Messages: []pool.ChatMessage{{Role: "user", Content: "hi"}},
		Config:   &pool.LaunchConfig{Command: "fake-agent"},
	}, nil)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	var sawText, sawDone bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event: text" {
			sawText = true
		}
		if line == "event: done" {
			sawDone = true
		}
	}
	assert.True(t, sawText)
	assert.True(t, sawDone)

	// Ad-hoc provider is torn down after the stream.
	require.Eventually(t, func() bool {
		p := e.last.Load()
		return p != nil && p.cleanups.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChatValidation(t *testing.T) {
	e := newEnv(t, nil)

	resp := postJSON(t, e.ts.URL+"/api/chat", ChatRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestListChannels(t *testing.T) {
	e := newEnv(t, nil)

	e.dialChannel(t, map[string]string{"role": "observer"})
	e.dialChannel(t, map[string]string{"role": "operator", "group_key": "devtools"})

	resp, err := http.Get(e.ts.URL + "/api/channels")
	require.NoError(t, err)
	body := decodeBody(t, resp)

	channels := body["channels"].([]any)
	assert.Len(t, channels, 2)
}

func TestListAgentsFromCatalog(t *testing.T) {
	catalogPath := filepath.Join(t.TempDir(), "agents.toml")
	require.NoError(t, os.WriteFile(catalogPath, []byte("[agents.claude]\ncommand = \"claude\"\n"), 0644))

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Agents.CatalogPath = catalogPath

	e := newEnv(t, cfg)

	resp, err := http.Get(e.ts.URL + "/api/agents")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, []any{"claude"}, body["agents"])
}

func TestAuthEnforcement(t *testing.T) {
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Auth.JWTSecret = "test-secret-key-that-is-long-enough"

	e := newEnv(t, cfg)

	// No token: rejected.
	resp, err := http.Get(e.ts.URL + "/api/channels")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Health stays open.
	resp, err = http.Get(e.ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Valid token: accepted.
	token, err := e.server.verifier.Generate("test-client", time.Hour)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", e.ts.URL+"/api/channels", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDocs(t *testing.T) {
	e := newEnv(t, nil)

	resp, err := http.Get(e.ts.URL + "/docs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

	resp2, err := http.Get(e.ts.URL + "/docs/api")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Get(e.ts.URL + "/docs/missing-page")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}
