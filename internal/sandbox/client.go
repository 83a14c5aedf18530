// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const defaultPlatformAPIURL = "https://api.sandboxes.harbor.dev"

var (
	ErrSandboxNotFound  = errors.New("sandbox not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrAPIError         = errors.New("sandbox platform api error")
)

// HTTPClient implements the Client interface against the sandbox platform's
// REST API
type HTTPClient struct {
	token   string
	baseURL string
	client  *http.Client
}

// Option configures the HTTPClient
type Option func(*HTTPClient)

// WithBaseURL sets a custom API base URL (for testing)
func WithBaseURL(url string) Option {
	return func(c *HTTPClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) {
		c.client = client
	}
}

// NewHTTPClient creates a new sandbox platform client
func NewHTTPClient(token string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		token:   token,
		baseURL: defaultPlatformAPIURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Platform API request/response types
type apiSandboxConfig struct {
	Image          string            `json:"image,omitempty"`
	SnapshotID     string            `json:"snapshot_id,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	CPUs           int               `json:"cpus"`
	MemoryMB       int               `json:"memory_mb"`
	IdleTimeoutSec int               `json:"idle_timeout_sec,omitempty"`
	SetupCommand   string            `json:"setup_command,omitempty"`
}

type apiCreateRequest struct {
	Name   string           `json:"name,omitempty"`
	Config apiSandboxConfig `json:"config"`
}

type apiSandboxResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	URL       string `json:"url"`
	CreatedAt string `json:"created_at"`
}

type apiExecRequest struct {
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

type apiExecResponse struct {
	ID       string `json:"id"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type apiSnapshotRequest struct {
	Label string `json:"label,omitempty"`
}

type apiSnapshotResponse struct {
	ID string `json:"id"`
}

// Create creates a new sandbox
func (c *HTTPClient) Create(ctx context.Context, spec Spec) (*Sandbox, error) {
	spec.ApplySize()

	req := apiCreateRequest{
		Name: spec.Name,
		Config: apiSandboxConfig{
			Image:          spec.Image,
			SnapshotID:     spec.SnapshotID,
			Env:            spec.Env,
			CPUs:           spec.CPUs,
			MemoryMB:       spec.MemoryMB,
			IdleTimeoutSec: int(spec.IdleTimeout.Seconds()),
			SetupCommand:   spec.SetupCommand,
		},
	}

	var resp apiSandboxResponse
	if err := c.do(ctx, "POST", "/v1/sandboxes", req, &resp); err != nil {
		return nil, err
	}

	return c.toSandbox(resp, spec), nil
}

// Get retrieves a sandbox by ID
func (c *HTTPClient) Get(ctx context.Context, id string) (*Sandbox, error) {
	var resp apiSandboxResponse
	if err := c.do(ctx, "GET", "/v1/sandboxes/"+id, nil, &resp); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, ErrSandboxNotFound
		}
		return nil, err
	}

	return c.toSandbox(resp, Spec{}), nil
}

// Execute runs a command inside a sandbox. The platform may acknowledge the
// execution before the command completes, so callers must not treat a nil
// error as proof the command finished.
func (c *HTTPClient) Execute(ctx context.Context, id string, req ExecRequest) (*Execution, error) {
	apiReq := apiExecRequest{
		Command:    req.Command,
		TimeoutSec: int(req.Timeout.Seconds()),
	}

	var resp apiExecResponse
	if err := c.do(ctx, "POST", "/v1/sandboxes/"+id+"/exec", apiReq, &resp); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, ErrSandboxNotFound
		}
		return nil, err
	}

	return &Execution{
		ID:       resp.ID,
		ExitCode: resp.ExitCode,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
	}, nil
}

// Destroy destroys a sandbox
func (c *HTTPClient) Destroy(ctx context.Context, id string) error {
	err := c.do(ctx, "DELETE", "/v1/sandboxes/"+id, nil, nil)
	if errors.Is(err, errNotFound) {
		return ErrSandboxNotFound
	}
	return err
}

// CreateSnapshot captures the sandbox filesystem
func (c *HTTPClient) CreateSnapshot(ctx context.Context, id, label string) (string, error) {
	var resp apiSnapshotResponse
	err := c.do(ctx, "POST", "/v1/sandboxes/"+id+"/snapshots", apiSnapshotRequest{Label: label}, &resp)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return "", ErrSandboxNotFound
		}
		return "", err
	}
	return resp.ID, nil
}

// DeleteSnapshot deletes a snapshot
func (c *HTTPClient) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	err := c.do(ctx, "DELETE", "/v1/snapshots/"+snapshotID, nil, nil)
	if errors.Is(err, errNotFound) {
		return ErrSnapshotNotFound
	}
	return err
}

// errNotFound distinguishes 404s inside do so each method can map them to the
// right sentinel.
var errNotFound = errors.New("not found")

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrAPIError, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	}
	return nil
}

// toSandbox converts a platform API response to our Sandbox type
func (c *HTTPClient) toSandbox(resp apiSandboxResponse, spec Spec) *Sandbox {
	createdAt, _ := time.Parse(time.RFC3339, resp.CreatedAt)

	return &Sandbox{
		ID:        resp.ID,
		Name:      resp.Name,
		State:     c.toState(resp.State),
		URL:       resp.URL,
		CreatedAt: createdAt,
		Spec:      spec,
	}
}

// toState converts a platform state string to State
func (c *HTTPClient) toState(state string) State {
	switch state {
	case "created":
		return StateCreated
	case "starting":
		return StateStarting
	case "running":
		return StateRunning
	case "stopped":
		return StateStopped
	case "destroyed":
		return StateDestroyed
	default:
		return StateUnknown
	}
}

// Verify HTTPClient implements Client interface
var _ Client = (*HTTPClient)(nil)
