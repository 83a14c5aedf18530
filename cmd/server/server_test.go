package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harbor-ai-inc/harbor-backend/internal/agent"
	"github.com/harbor-ai-inc/harbor-backend/internal/auth"
	"github.com/harbor-ai-inc/harbor-backend/internal/health"
	"github.com/harbor-ai-inc/harbor-backend/internal/sandbox"
	"github.com/harbor-ai-inc/harbor-backend/internal/sessions"
	"github.com/harbor-ai-inc/harbor-backend/internal/vault"
)

const testToken = "test-token"

// fakeAgentServer stands in for the agent server inside a sandbox.
func fakeAgentServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /global/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	})
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "agent-1"})
	})
	mux.HandleFunc("POST /session/{id}/fork", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "agent-2"})
	})
	mux.HandleFunc("POST /session/{id}/prompt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /session/{id}/abort", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /session/{id}/message", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"m1","role":"assistant","content":{"text":"done"}}]`))
	})
	mux.HandleFunc("GET /session/{id}/diff", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"files":[]}`))
	})
	mux.HandleFunc("GET /event", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"type\":\"server.connected\"}\n\n")
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testStack struct {
	srv     *httptest.Server
	manager *sessions.Manager
	mock    *sandbox.MockClient
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	agentSrv := fakeAgentServer(t)

	mock := sandbox.NewMockClient()
	mock.URLBase = agentSrv.URL

	store, err := sessions.NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	secrets, err := vault.New("test-master-secret")
	require.NoError(t, err)

	prov := sandbox.NewProvisioner(mock, sandbox.WithPollBudget(3, time.Millisecond))
	manager := sessions.NewManager(store, prov, agent.NewCache(), secrets,
		health.NewMonitorWith(0, 1),
		sessions.WithEstablishBudget(2, time.Millisecond))

	server := NewServer(manager)
	srv := httptest.NewServer(server.Handler(auth.NewMiddleware(testToken)))
	t.Cleanup(srv.Close)

	return &testStack{srv: srv, manager: manager, mock: mock}
}

func (ts *testStack) request(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeSession(t *testing.T, resp *http.Response) *sessions.Session {
	t.Helper()
	var sess sessions.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sess))
	return &sess
}

func (ts *testStack) createActiveSession(t *testing.T, id string) *sessions.Session {
	t.Helper()

	resp := ts.request(t, "POST", "/sessions", map[string]string{"id": id})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ts.manager.WaitBackground()

	resp = ts.request(t, "GET", "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess := decodeSession(t, resp)
	require.Equal(t, sessions.StatusActive, sess.Status)
	return sess
}

func TestHealthEndpointIsUnauthenticated(t *testing.T) {
	ts := newTestStack(t)

	resp, err := http.Get(ts.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresAuth(t *testing.T) {
	ts := newTestStack(t)

	resp, err := http.Get(ts.srv.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAndGetSession(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.request(t, "POST", "/sessions", map[string]string{
		"id":      "sess-1",
		"repoUrl": "https://github.com/acme/app.git",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sess := decodeSession(t, resp)
	assert.Equal(t, sessions.StatusCreating, sess.Status)

	ts.manager.WaitBackground()

	resp = ts.request(t, "GET", "/sessions/sess-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess = decodeSession(t, resp)
	assert.Equal(t, sessions.StatusActive, sess.Status)
	assert.Equal(t, "agent-1", sess.AgentSessionID)

	// The encrypted credential never leaks in plaintext form; the metadata
	// value is the vault ciphertext.
	cred := sess.Meta(sessions.MetaCredential)
	assert.NotEmpty(t, cred)
	assert.Equal(t, 3, len(strings.Split(cred, ":")))
}

func TestCreateFromSnapshotRequiresWorkDir(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.request(t, "POST", "/sessions", map[string]string{
		"id":         "sess-1",
		"snapshotId": "snap-1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetMissingSession(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.request(t, "GET", "/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestForkConflictsWhileSourceCreating(t *testing.T) {
	ts := newTestStack(t)

	// Provisioning hasn't finished (no WaitBackground yet) but the row is
	// visible; the fork must be rejected, not queued.
	resp := ts.request(t, "POST", "/sessions", map[string]string{"id": "source"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.request(t, "POST", "/sessions/source/fork", map[string]string{"id": "fork"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	ts.manager.WaitBackground()
}

func TestForkActiveSession(t *testing.T) {
	ts := newTestStack(t)
	ts.createActiveSession(t, "source")

	resp := ts.request(t, "POST", "/sessions/source/fork", map[string]string{"id": "fork"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ts.manager.WaitBackground()

	resp = ts.request(t, "GET", "/sessions/fork", nil)
	sess := decodeSession(t, resp)
	assert.Equal(t, sessions.StatusActive, sess.Status)
	assert.Equal(t, "source", sess.ForkedFrom)
	assert.Equal(t, "agent-2", sess.AgentSessionID)
}

func TestRetryOnActiveSessionConflicts(t *testing.T) {
	ts := newTestStack(t)
	ts.createActiveSession(t, "sess-1")

	resp := ts.request(t, "POST", "/sessions/sess-1/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDeleteSession(t *testing.T) {
	ts := newTestStack(t)
	sess := ts.createActiveSession(t, "sess-1")

	resp := ts.request(t, "DELETE", "/sessions/sess-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, ts.mock.DestroyCalls, sess.SandboxID)

	resp = ts.request(t, "GET", "/sessions/sess-1", nil)
	got := decodeSession(t, resp)
	assert.Equal(t, sessions.StatusTerminated, got.Status)
}

func TestPromptAndTranscript(t *testing.T) {
	ts := newTestStack(t)
	ts.createActiveSession(t, "sess-1")

	resp := ts.request(t, "POST", "/sessions/sess-1/prompt", map[string]string{"text": "fix the bug"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = ts.request(t, "POST", "/sessions/sess-1/prompt", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.request(t, "GET", "/sessions/sess-1/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Messages []agent.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "assistant", out.Messages[0].Role)

	resp = ts.request(t, "POST", "/sessions/sess-1/abort", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = ts.request(t, "GET", "/sessions/sess-1/diff", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsStreamForwardsAndTags(t *testing.T) {
	ts := newTestStack(t)
	ts.createActiveSession(t, "sess-1")

	resp := ts.request(t, "GET", "/sessions/sess-1/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"sessionId":"agent-1"`)
	assert.Contains(t, string(body), `"isParent":true`)
	assert.Contains(t, string(body), "server.connected")
}

func TestEventsStreamErrorsForInactiveSession(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.request(t, "POST", "/sessions", map[string]string{"id": "sess-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Still creating: the stream opens and immediately reports a terminal
	// error event instead of an HTTP error status.
	resp = ts.request(t, "GET", "/sessions/sess-1/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: error")

	ts.manager.WaitBackground()
}

func TestSnapshotLifecycle(t *testing.T) {
	ts := newTestStack(t)
	ts.createActiveSession(t, "sess-1")

	resp := ts.request(t, "POST", "/sessions/sess-1/snapshots", map[string]string{"label": "checkpoint"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["snapshotId"])

	resp = ts.request(t, "DELETE", "/snapshots/"+out["snapshotId"], nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.request(t, "DELETE", "/snapshots/"+out["snapshotId"], nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListSessions(t *testing.T) {
	ts := newTestStack(t)
	ts.createActiveSession(t, "sess-1")
	ts.createActiveSession(t, "sess-2")

	resp := ts.request(t, "GET", "/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Sessions []*sessions.Session `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out.Sessions, 2)
}
