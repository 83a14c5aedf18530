// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/harbor-ai-inc/harbor-backend/internal/agent"
	"github.com/harbor-ai-inc/harbor-backend/internal/auth"
	"github.com/harbor-ai-inc/harbor-backend/internal/sandbox"
	"github.com/harbor-ai-inc/harbor-backend/internal/sessions"
	"github.com/harbor-ai-inc/harbor-backend/internal/stream"
	"github.com/harbor-ai-inc/harbor-backend/internal/ws"
)

type Server struct {
	sessions *sessions.Manager
	proxy    *stream.Proxy
	bridge   *ws.Bridge
}

func NewServer(sm *sessions.Manager) *Server {
	return &Server{
		sessions: sm,
		proxy:    stream.NewProxy(),
		bridge:   ws.NewBridge(),
	}
}

func (s *Server) Handler(mw *auth.Middleware) http.Handler {
	mux := http.NewServeMux()

	// Health check (unauthenticated)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Sessions
	mux.HandleFunc("POST /sessions", mw.RequireAuthFunc(s.handleCreateSession))
	mux.HandleFunc("GET /sessions", mw.RequireAuthFunc(s.handleListSessions))
	mux.HandleFunc("GET /sessions/{sessionId}", mw.RequireAuthFunc(s.handleGetSession))
	mux.HandleFunc("DELETE /sessions/{sessionId}", mw.RequireAuthFunc(s.handleDeleteSession))
	mux.HandleFunc("POST /sessions/{sessionId}/fork", mw.RequireAuthFunc(s.handleForkSession))
	mux.HandleFunc("POST /sessions/{sessionId}/retry", mw.RequireAuthFunc(s.handleRetrySession))

	// Agent passthrough
	mux.HandleFunc("POST /sessions/{sessionId}/prompt", mw.RequireAuthFunc(s.handlePrompt))
	mux.HandleFunc("POST /sessions/{sessionId}/abort", mw.RequireAuthFunc(s.handleAbort))
	mux.HandleFunc("GET /sessions/{sessionId}/messages", mw.RequireAuthFunc(s.handleMessages))
	mux.HandleFunc("GET /sessions/{sessionId}/diff", mw.RequireAuthFunc(s.handleDiff))

	// Event streaming
	mux.HandleFunc("GET /sessions/{sessionId}/events", mw.RequireAuthFunc(s.handleEvents))
	mux.HandleFunc("GET /sessions/{sessionId}/ws", mw.RequireAuthFunc(s.handleEventsWS))

	// Snapshots
	mux.HandleFunc("POST /sessions/{sessionId}/snapshots", mw.RequireAuthFunc(s.handleCreateSnapshot))
	mux.HandleFunc("DELETE /snapshots/{snapshotId}", mw.RequireAuthFunc(s.handleDeleteSnapshot))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

type createSessionRequest struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`

	RepoURL string `json:"repoUrl,omitempty"`
	Branch  string `json:"branch,omitempty"`

	SnapshotID string `json:"snapshotId,omitempty"`
	WorkDir    string `json:"workDir,omitempty"`

	Skills  []sandbox.SkillFile  `json:"skills,omitempty"`
	Sources []sandbox.SourceAuth `json:"sources,omitempty"`
	Secrets map[string]string    `json:"secrets,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SnapshotID != "" && req.WorkDir == "" {
		http.Error(w, "workDir is required when restoring from a snapshot", http.StatusBadRequest)
		return
	}

	session, err := s.sessions.Create(r.Context(), sessions.CreateRequest{
		ID:          req.ID,
		WorkspaceID: req.WorkspaceID,
		RepoURL:     req.RepoURL,
		Branch:      req.Branch,
		SnapshotID:  req.SnapshotID,
		WorkDir:     req.WorkDir,
		Skills:      req.Skills,
		Sources:     req.Sources,
		Secrets:     req.Secrets,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Status(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Destroy(r.Context(), r.PathValue("sessionId")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type forkSessionRequest struct {
	ID      string            `json:"id"`
	Secrets map[string]string `json:"secrets,omitempty"`
}

func (s *Server) handleForkSession(w http.ResponseWriter, r *http.Request) {
	var req forkSessionRequest
	if r.Body != nil {
		// An empty body is fine: the fork just gets a generated ID.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	session, err := s.sessions.Fork(r.Context(), sessions.ForkRequest{
		ID:              req.ID,
		SourceSessionID: r.PathValue("sessionId"),
		Secrets:         req.Secrets,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleRetrySession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessions.Retry(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, session)
}

type promptRequest struct {
	Text string `json:"text"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	client, agentID, err := s.agentClient(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := client.Prompt(r.Context(), agentID, req.Text); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	client, agentID, err := s.agentClient(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := client.Abort(r.Context(), agentID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	client, agentID, err := s.agentClient(r)
	if err != nil {
		writeError(w, err)
		return
	}
	messages, err := client.Messages(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	client, agentID, err := s.agentClient(r)
	if err != nil {
		writeError(w, err)
		return
	}
	diff, err := client.Diff(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"diff": diff})
}

// handleEvents streams the session's events as SSE. Validation failures after
// this point are reported as a single SSE error event rather than an HTTP
// error status, since the client already expects an event stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	client, agentID, err := s.agentClient(r)
	if err != nil {
		stream.WriteSSEHeaders(w)
		stream.WriteErrorEvent(w, err.Error())
		return
	}

	upstream, err := client.OpenEvents(r.Context())
	if err != nil {
		stream.WriteSSEHeaders(w)
		stream.WriteErrorEvent(w, "failed to open event stream: "+err.Error())
		return
	}

	s.proxy.Serve(r.Context(), w, upstream, agentID)
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	client, agentID, err := s.agentClient(r)
	if err != nil {
		writeError(w, err)
		return
	}

	upstream, err := client.OpenEvents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	s.bridge.Serve(w, r, upstream, agentID)
}

type createSnapshotRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	snapshotID, err := s.sessions.Snapshot(r.Context(), r.PathValue("sessionId"), req.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"snapshotId": snapshotID})
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.DeleteSnapshot(r.Context(), r.PathValue("snapshotId")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) agentClient(r *http.Request) (*agent.Client, string, error) {
	session, err := s.sessions.Get(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		return nil, "", err
	}
	return s.sessions.AgentClient(session)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; nothing useful left to do.
		return
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound),
		errors.Is(err, sandbox.ErrSnapshotNotFound),
		errors.Is(err, sandbox.ErrSandboxNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, sessions.ErrSourceNotReady),
		errors.Is(err, sessions.ErrRetryNotApplicable),
		errors.Is(err, sessions.ErrSessionTerminated):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, sessions.ErrNoCredential):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
