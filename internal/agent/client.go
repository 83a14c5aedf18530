// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// basicAuthUser is the fixed username the agent server pairs with the
// per-sandbox credential.
const basicAuthUser = "harbor"

var (
	ErrUnauthorized    = errors.New("agent rejected credentials")
	ErrSessionNotFound = errors.New("agent session not found")
	ErrAPIError        = errors.New("agent api error")
)

// streamHTTP carries the live event stream. http.Client.Timeout covers
// reading the response body, so the unary client's overall timeout would kill
// a long-lived stream mid-flight even while the agent is actively sending.
// This client keeps connection-level timeouts only; stream teardown is the
// caller's ctx.
var streamHTTP = &http.Client{
	Transport: &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	},
}

// Client talks to the agent server running inside one sandbox. All endpoints
// are Basic-Auth protected with the sandbox's credential.
type Client struct {
	baseURL    string
	credential string
	client     *http.Client
}

// NewClient creates a client for the agent server at baseURL.
func NewClient(baseURL, credential string) *Client {
	return NewClientWithHTTP(baseURL, credential, &http.Client{Timeout: 30 * time.Second})
}

// NewClientWithHTTP creates a client with a custom HTTP client.
func NewClientWithHTTP(baseURL, credential string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    baseURL,
		credential: credential,
		client:     httpClient,
	}
}

// BaseURL returns the agent server base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SessionInfo describes one agent-side session.
type SessionInfo struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Message is one message in an agent session's transcript.
type Message struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Health probes GET /global/health.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "GET", "/global/health", nil, nil)
}

// ListSessions probes GET /session. The provisioner uses this as the second
// readiness signal: the agent server answers /global/health before its
// session subsystem is up.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var out []SessionInfo
	if err := c.do(ctx, "GET", "/session", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSession creates a new agent session and returns its ID.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	req := map[string]string{}
	if title != "" {
		req["title"] = title
	}
	var out SessionInfo
	if err := c.do(ctx, "POST", "/session", req, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: empty session id", ErrAPIError)
	}
	return out.ID, nil
}

// ForkSession forks an existing agent session, transferring its conversation
// history, and returns the new session's ID.
func (c *Client) ForkSession(ctx context.Context, sessionID string) (string, error) {
	var out SessionInfo
	if err := c.do(ctx, "POST", "/session/"+sessionID+"/fork", map[string]string{}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: empty session id", ErrAPIError)
	}
	return out.ID, nil
}

// Prompt sends a prompt to a session. The agent processes it asynchronously;
// results arrive on the event stream.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) error {
	req := map[string]interface{}{
		"parts": []map[string]string{{"type": "text", "text": text}},
	}
	return c.do(ctx, "POST", "/session/"+sessionID+"/prompt", req, nil)
}

// Abort interrupts whatever the session is currently doing.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	return c.do(ctx, "POST", "/session/"+sessionID+"/abort", map[string]string{}, nil)
}

// Messages returns the session transcript.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	var out []Message
	if err := c.do(ctx, "GET", "/session/"+sessionID+"/message", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Diff returns the working-tree diff the session has produced so far.
func (c *Client) Diff(ctx context.Context, sessionID string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.do(ctx, "GET", "/session/"+sessionID+"/diff", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OpenEvents opens the agent's live event stream (GET /event,
// text/event-stream). The caller owns the returned body and must close it;
// cancelling ctx aborts the read. The stream rides streamHTTP, not the unary
// client, so it is never cut off by the unary request timeout.
func (c *Client) OpenEvents(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/event", nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(basicAuthUser, c.credential)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := streamHTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrAPIError, resp.StatusCode)
	}
	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(basicAuthUser, c.credential)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrSessionNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: %s %s: status %d", ErrAPIError, method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode agent response: %w", err)
		}
	}
	return nil
}
