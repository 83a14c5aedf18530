package ws

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harbor-ai-inc/harbor-backend/internal/stream"
)

func dialBridge(t *testing.T, upstream io.ReadCloser) *websocket.Conn {
	t.Helper()

	bridge := NewBridge()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bridge.Serve(w, r, upstream, "parent")
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestBridgeForwardsEnvelopes(t *testing.T) {
	pr, pw := io.Pipe()
	conn := dialBridge(t, pr)

	go func() {
		io.WriteString(pw, "data: {\"type\":\"a\",\"sessionID\":\"parent\"}\n\n")
		io.WriteString(pw, "data: not json\n\n")
		io.WriteString(pw, "data: {\"type\":\"b\",\"properties\":{\"sessionID\":\"child\"}}\n\n")
		pw.Close()
	}()

	var first stream.Envelope
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "parent", first.SessionID)
	assert.True(t, first.IsParent)

	// The malformed line was skipped, not forwarded and not fatal.
	var second stream.Envelope
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "child", second.SessionID)
	assert.False(t, second.IsParent)

	// End of upstream surfaces as a terminal error object, then the socket
	// closes.
	var terminal map[string]string
	require.NoError(t, conn.ReadJSON(&terminal))
	assert.NotEmpty(t, terminal["error"])

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestBridgeClientDisconnectReleasesUpstream(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	conn := dialBridge(t, pr)

	require.NoError(t, conn.Close())

	// The bridge's deferred upstream.Close unblocks any pending read; the
	// writer side observes ErrClosedPipe once that happens.
	deadline := time.After(5 * time.Second)
	for {
		_, err := io.WriteString(pw, "data: {}\n\n")
		if err != nil {
			assert.ErrorIs(t, err, io.ErrClosedPipe)
			return
		}
		select {
		case <-deadline:
			t.Fatal("upstream was never released after client disconnect")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBridgeEnvelopeShape(t *testing.T) {
	pr, pw := io.Pipe()
	conn := dialBridge(t, pr)

	go func() {
		io.WriteString(pw, "data: {\"type\":\"message.updated\"}\n\n")
		pw.Close()
	}()

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var env struct {
		SessionID string          `json:"sessionId"`
		IsParent  bool            `json:"isParent"`
		Event     json.RawMessage `json:"event"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, "parent", env.SessionID)
	assert.True(t, env.IsParent)
	assert.JSONEq(t, `{"type":"message.updated"}`, string(env.Event))
}
