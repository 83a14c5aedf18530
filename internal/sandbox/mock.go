// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockClient implements Client for testing without real platform calls
type MockClient struct {
	mu        sync.RWMutex
	sandboxes map[string]*Sandbox
	snapshots map[string]string // snapshot ID -> source sandbox ID
	execs     map[string][]ExecRequest

	// URLBase overrides the URL assigned to created sandboxes. When set,
	// every sandbox gets exactly this URL (useful for pointing the
	// provisioner at an httptest server).
	URLBase string

	// FailCreate causes Create to fail
	FailCreate bool

	// FailExecute causes Execute to fail
	FailExecute bool

	// ExecStdout is returned as the stdout of every execution
	ExecStdout string

	// FailSnapshot causes CreateSnapshot to fail
	FailSnapshot bool

	// FailDestroy causes Destroy to fail
	FailDestroy bool

	// DestroyCalls records the IDs passed to Destroy
	DestroyCalls []string

	// DeletedSnapshots records the IDs passed to DeleteSnapshot
	DeletedSnapshots []string
}

// NewMockClient creates a new mock platform client
func NewMockClient() *MockClient {
	return &MockClient{
		sandboxes: make(map[string]*Sandbox),
		snapshots: make(map[string]string),
		execs:     make(map[string][]ExecRequest),
	}
}

// Create creates a mock sandbox
func (m *MockClient) Create(ctx context.Context, spec Spec) (*Sandbox, error) {
	if m.FailCreate {
		return nil, ErrAPIError
	}

	spec.ApplySize()

	id := "sbx-" + uuid.New().String()
	url := m.URLBase
	if url == "" {
		url = "https://" + id + ".sandboxes.test"
	}

	sb := &Sandbox{
		ID:        id,
		Name:      spec.Name,
		State:     StateRunning,
		URL:       url,
		CreatedAt: time.Now(),
		Spec:      spec,
	}

	m.mu.Lock()
	m.sandboxes[sb.ID] = sb
	m.mu.Unlock()

	return sb, nil
}

// Get retrieves a mock sandbox
func (m *MockClient) Get(ctx context.Context, id string) (*Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sb, ok := m.sandboxes[id]
	if !ok {
		return nil, ErrSandboxNotFound
	}
	return sb, nil
}

// Execute records the command and reports success
func (m *MockClient) Execute(ctx context.Context, id string, req ExecRequest) (*Execution, error) {
	if m.FailExecute {
		return nil, ErrAPIError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sandboxes[id]; !ok {
		return nil, ErrSandboxNotFound
	}
	m.execs[id] = append(m.execs[id], req)

	return &Execution{ID: uuid.New().String(), Stdout: m.ExecStdout}, nil
}

// Executions returns the commands executed in a sandbox
func (m *MockClient) Executions(id string) []ExecRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ExecRequest(nil), m.execs[id]...)
}

// Destroy destroys a mock sandbox
func (m *MockClient) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DestroyCalls = append(m.DestroyCalls, id)
	if m.FailDestroy {
		return ErrAPIError
	}

	if _, ok := m.sandboxes[id]; !ok {
		return ErrSandboxNotFound
	}
	delete(m.sandboxes, id)
	return nil
}

// CreateSnapshot records a mock snapshot
func (m *MockClient) CreateSnapshot(ctx context.Context, id, label string) (string, error) {
	if m.FailSnapshot {
		return "", ErrAPIError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sandboxes[id]; !ok {
		return "", ErrSandboxNotFound
	}

	snapID := "snap-" + uuid.New().String()
	m.snapshots[snapID] = id
	return snapID, nil
}

// DeleteSnapshot deletes a mock snapshot
func (m *MockClient) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeletedSnapshots = append(m.DeletedSnapshots, snapshotID)
	if _, ok := m.snapshots[snapshotID]; !ok {
		return ErrSnapshotNotFound
	}
	delete(m.snapshots, snapshotID)
	return nil
}

// Verify MockClient implements Client interface
var _ Client = (*MockClient)(nil)
