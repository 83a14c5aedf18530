package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSendsSpec(t *testing.T) {
	var got apiCreateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/v1/sandboxes", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		json.NewEncoder(w).Encode(apiSandboxResponse{
			ID:        "sbx-1",
			Name:      got.Name,
			State:     "running",
			URL:       "https://sbx-1.sandboxes.harbor.dev",
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	client := NewHTTPClient("test-token", WithBaseURL(srv.URL))

	spec := DefaultSpec()
	spec.Name = "harbor-abc123"
	spec.Size = SizeLarge
	spec.Env = map[string]string{"API_KEY": "secret"}

	sb, err := client.Create(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, "sbx-1", sb.ID)
	assert.Equal(t, StateRunning, sb.State)
	assert.Equal(t, "https://sbx-1.sandboxes.harbor.dev", sb.URL)

	// Size was resolved into concrete resources before hitting the wire.
	assert.Equal(t, 4, got.Config.CPUs)
	assert.Equal(t, 8192, got.Config.MemoryMB)
	assert.Equal(t, "secret", got.Config.Env["API_KEY"])
}

func TestCreateFromSnapshotSpec(t *testing.T) {
	var got apiCreateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(apiSandboxResponse{ID: "sbx-2", State: "running"})
	}))
	defer srv.Close()

	client := NewHTTPClient("t", WithBaseURL(srv.URL))

	spec := DefaultSpec()
	spec.Image = ""
	spec.SnapshotID = "snap-7"

	_, err := client.Create(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, "snap-7", got.Config.SnapshotID)
	assert.Empty(t, got.Config.Image)
}

func TestExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sandboxes/sbx-1/exec", r.URL.Path)

		var req apiExecRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "echo hello", req.Command)
		assert.Equal(t, 30, req.TimeoutSec)

		json.NewEncoder(w).Encode(apiExecResponse{ID: "exec-1", ExitCode: 0, Stdout: "hello\n"})
	}))
	defer srv.Close()

	client := NewHTTPClient("t", WithBaseURL(srv.URL))

	exec, err := client.Execute(context.Background(), "sbx-1", ExecRequest{
		Command: "echo hello",
		Timeout: 30 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", exec.Stdout)
	assert.Equal(t, 0, exec.ExitCode)
}

func TestNotFoundMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewHTTPClient("t", WithBaseURL(srv.URL))
	ctx := context.Background()

	_, err := client.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSandboxNotFound)

	_, err = client.Execute(ctx, "missing", ExecRequest{Command: "true"})
	assert.ErrorIs(t, err, ErrSandboxNotFound)

	assert.ErrorIs(t, client.Destroy(ctx, "missing"), ErrSandboxNotFound)
	assert.ErrorIs(t, client.DeleteSnapshot(ctx, "missing"), ErrSnapshotNotFound)
}

func TestAPIErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewHTTPClient("t", WithBaseURL(srv.URL))

	_, err := client.Create(context.Background(), DefaultSpec())
	assert.ErrorIs(t, err, ErrAPIError)
}

func TestSnapshotLifecycle(t *testing.T) {
	var deleted string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/v1/sandboxes/sbx-1/snapshots":
			var req apiSnapshotRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "before-refactor", req.Label)
			json.NewEncoder(w).Encode(apiSnapshotResponse{ID: "snap-1"})
		case r.Method == "DELETE" && r.URL.Path == "/v1/snapshots/snap-1":
			deleted = "snap-1"
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewHTTPClient("t", WithBaseURL(srv.URL))
	ctx := context.Background()

	id, err := client.CreateSnapshot(ctx, "sbx-1", "before-refactor")
	require.NoError(t, err)
	assert.Equal(t, "snap-1", id)

	require.NoError(t, client.DeleteSnapshot(ctx, "snap-1"))
	assert.Equal(t, "snap-1", deleted)
}
