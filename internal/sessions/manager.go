// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package sessions

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harbor-ai-inc/harbor-backend/internal/agent"
	"github.com/harbor-ai-inc/harbor-backend/internal/health"
	"github.com/harbor-ai-inc/harbor-backend/internal/sandbox"
	"github.com/harbor-ai-inc/harbor-backend/internal/vault"
)

const (
	// defaultEstablishAttempts bounds the agent-session creation retries.
	// The agent server may refuse session calls for a short window after
	// its process starts.
	defaultEstablishAttempts = 5

	// defaultBackoffBase is the first retry delay; it doubles per attempt
	// (1s, 2s, 4s, 8s).
	defaultBackoffBase = time.Second
)

// Manager owns the session lifecycle: it drives sandbox provisioning, agent
// session establishment with bounded retries, fork lineage and health-gated
// status reads.
type Manager struct {
	store   *Store
	prov    *sandbox.Provisioner
	agents  *agent.Cache
	secrets *vault.Vault
	monitor *health.Monitor

	attempts    int
	backoffBase time.Duration

	// sleep is replaceable for tests
	sleep func(context.Context, time.Duration) error

	bg sync.WaitGroup
}

// ManagerOption configures the Manager
type ManagerOption func(*Manager)

// WithEstablishBudget tunes the agent-session retry loop (for testing).
func WithEstablishBudget(attempts int, backoffBase time.Duration) ManagerOption {
	return func(m *Manager) {
		m.attempts = attempts
		m.backoffBase = backoffBase
	}
}

// NewManager creates a session manager.
func NewManager(store *Store, prov *sandbox.Provisioner, agents *agent.Cache, secrets *vault.Vault, monitor *health.Monitor, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:       store,
		prov:        prov,
		agents:      agents,
		secrets:     secrets,
		monitor:     monitor,
		attempts:    defaultEstablishAttempts,
		backoffBase: defaultBackoffBase,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRequest describes a new session.
type CreateRequest struct {
	// ID is the client-generated session identifier. Retrying a create with
	// the same ID observes the first call's row instead of provisioning a
	// second sandbox.
	ID          string
	WorkspaceID string

	RepoURL string
	Branch  string

	// SnapshotID restores from a durable snapshot instead of a fresh image
	SnapshotID string
	// WorkDir is required with SnapshotID: the directory the agent server
	// restarts in after restore
	WorkDir string

	Skills  []sandbox.SkillFile
	Sources []sandbox.SourceAuth
	Secrets map[string]string
}

// Create inserts the session row synchronously and kicks off provisioning in
// the background. The returned session has status creating; a later read
// observes active or error.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	meta := map[string]string{}
	if req.RepoURL != "" {
		meta[MetaRepoURL] = req.RepoURL
	}
	if req.Branch != "" {
		meta[MetaBranch] = req.Branch
	}

	sess, created, err := m.store.CreateIfAbsent(&Session{
		ID:          req.ID,
		WorkspaceID: req.WorkspaceID,
		Status:      StatusCreating,
		Metadata:    meta,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		// Idempotent create: the earlier call owns provisioning.
		return sess, nil
	}

	m.spawn(func() { m.provision(req) })
	return sess, nil
}

// ForkRequest describes a fork of an existing session.
type ForkRequest struct {
	// ID is the client-generated identifier for the new session
	ID              string
	SourceSessionID string
	Secrets         map[string]string
}

// Fork creates a new session inheriting the source session's filesystem and
// conversation history. The source must be active: forking a session whose
// sandbox is still provisioning is rejected rather than queued.
func (m *Manager) Fork(ctx context.Context, req ForkRequest) (*Session, error) {
	source, err := m.store.Get(req.SourceSessionID)
	if err != nil {
		return nil, err
	}
	switch source.Status {
	case StatusActive:
	case StatusCreating:
		return nil, ErrSourceNotReady
	case StatusTerminated:
		return nil, ErrSessionTerminated
	default:
		return nil, fmt.Errorf("%w: source status %s", ErrSourceNotReady, source.Status)
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	// Carry forward repo metadata so the forked session stays attributable.
	meta := map[string]string{}
	if v := source.Meta(MetaRepoURL); v != "" {
		meta[MetaRepoURL] = v
	}
	if v := source.Meta(MetaBranch); v != "" {
		meta[MetaBranch] = v
	}

	sess, created, err := m.store.CreateIfAbsent(&Session{
		ID:          req.ID,
		WorkspaceID: source.WorkspaceID,
		Status:      StatusCreating,
		ForkedFrom:  source.ID,
		Metadata:    meta,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return sess, nil
	}

	m.spawn(func() { m.forkProvision(req.ID, source, req.Secrets) })
	return sess, nil
}

// Retry re-runs agent session establishment for a session that has a sandbox
// but never obtained an agent session. The sandbox is not recreated.
func (m *Manager) Retry(ctx context.Context, id string) (*Session, error) {
	sess, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.Status != StatusCreating || sess.SandboxID == "" || sess.AgentSessionID != "" {
		return nil, ErrRetryNotApplicable
	}

	credential, err := m.credential(sess)
	if err != nil {
		return nil, err
	}

	forkFrom, err := m.forkSourceAgentID(sess)
	if err != nil {
		return nil, err
	}

	handle := &sandbox.Handle{
		SandboxID:  sess.SandboxID,
		URL:        sess.SandboxURL,
		Credential: credential,
	}
	m.spawn(func() {
		if err := m.establish(context.Background(), sess.ID, handle, forkFrom); err != nil {
			log.Printf("[sessions] retry for %s failed: %v", sess.ID, err)
		}
	})
	return sess, nil
}

// Destroy tears the session down: best-effort sandbox destruction, agent
// client eviction, health state cleanup, status terminated.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	sess, err := m.store.Get(id)
	if err != nil {
		return err
	}

	if sess.SandboxID != "" {
		m.prov.Destroy(ctx, sess.SandboxID)
		m.agents.Evict(sess.SandboxID)
	}
	m.monitor.Forget(id)

	return m.store.SetStatus(id, StatusTerminated)
}

// Status returns the session, probing sandbox health first when the session
// is active and its last check is stale. Only active sessions are probed: a
// creating session's sandbox may legitimately not answer yet.
func (m *Manager) Status(ctx context.Context, id string) (*Session, error) {
	sess, err := m.store.Get(id)
	if err != nil {
		return nil, err
	}

	if sess.Status != StatusActive || !m.monitor.ShouldProbe(id) {
		return sess, nil
	}

	credential, err := m.credential(sess)
	if err != nil {
		// A session without a usable credential stays inspectable; skip the
		// probe rather than failing the read.
		log.Printf("[sessions] %s: skipping health probe: %v", id, err)
		return sess, nil
	}

	healthy := m.prov.CheckHealth(ctx, sess.SandboxURL, credential)
	m.monitor.RecordResult(id, healthy)

	if !healthy && m.monitor.ShouldMarkTerminated(id) {
		demoted, err := m.store.SetStatusIf(id, StatusActive, StatusTerminated)
		if err != nil {
			return nil, err
		}
		if demoted {
			log.Printf("[sessions] %s: terminated after repeated failed health checks", id)
			m.agents.Evict(sess.SandboxID)
			if err := m.store.SetMeta(id, MetaLastError, "sandbox stopped answering health checks"); err != nil {
				log.Printf("[sessions] %s: record health failure: %v", id, err)
			}
		}
	}

	return m.store.Get(id)
}

// Get returns a session without touching health state.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(id)
}

// List returns all sessions.
func (m *Manager) List(ctx context.Context) ([]*Session, error) {
	return m.store.List()
}

// Snapshot creates a durable named snapshot of the session's sandbox.
func (m *Manager) Snapshot(ctx context.Context, id, label string) (string, error) {
	sess, err := m.store.Get(id)
	if err != nil {
		return "", err
	}
	if sess.Status != StatusActive || sess.SandboxID == "" {
		return "", fmt.Errorf("session %s is not active", id)
	}
	return m.prov.Snapshot(ctx, sess.SandboxID, label)
}

// DeleteSnapshot deletes a durable snapshot.
func (m *Manager) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	return m.prov.RemoveSnapshot(ctx, snapshotID)
}

// AgentClient returns the cached agent client and agent session ID for an
// active session, for prompt/abort/transcript passthrough and the event
// stream.
func (m *Manager) AgentClient(sess *Session) (*agent.Client, string, error) {
	if sess.Status != StatusActive || sess.SandboxID == "" || sess.AgentSessionID == "" {
		return nil, "", fmt.Errorf("session %s has no active agent session", sess.ID)
	}
	credential, err := m.credential(sess)
	if err != nil {
		return nil, "", err
	}
	return m.agents.Get(sess.SandboxID, sess.SandboxURL, credential), sess.AgentSessionID, nil
}

// WaitBackground blocks until all in-flight background provisioning tasks
// finish. Used by tests and shutdown.
func (m *Manager) WaitBackground() {
	m.bg.Wait()
}

// spawn runs fn as a detached background task. The task owns its own error
// handling; a panic is logged instead of tearing the process down.
func (m *Manager) spawn(fn func()) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[sessions] background task panic: %v", r)
			}
		}()
		fn()
	}()
}

// provision runs the create flow after the HTTP response has been sent.
func (m *Manager) provision(req CreateRequest) {
	ctx := context.Background()

	var handle *sandbox.Handle
	var err error
	if req.SnapshotID != "" {
		handle, err = m.prov.CreateFromSnapshot(ctx, req.SnapshotID, req.WorkDir, req.Secrets)
	} else {
		handle, err = m.prov.Create(ctx, sandbox.CreateOptions{
			RepoURL: req.RepoURL,
			Branch:  req.Branch,
			Skills:  req.Skills,
			Sources: req.Sources,
			Secrets: req.Secrets,
		})
	}
	if err != nil {
		m.failSession(req.ID, err)
		return
	}

	if err := m.bindHandle(req.ID, handle); err != nil {
		m.failSession(req.ID, err)
		return
	}

	if err := m.establish(ctx, req.ID, handle, ""); err != nil {
		// Stays creating; an explicit retry can complete it.
		log.Printf("[sessions] %s: agent session not established: %v", req.ID, err)
	}
}

// forkProvision runs the fork flow. The ephemeral snapshot is deleted in a
// deferred step whether or not the fork succeeds.
func (m *Manager) forkProvision(id string, source *Session, secrets map[string]string) {
	ctx := context.Background()

	res, err := m.prov.Fork(ctx, source.SandboxID, source.Meta(MetaWorkDir), secrets)
	if res != nil && res.SnapshotID != "" {
		defer m.prov.DeleteSnapshot(ctx, res.SnapshotID)
	}
	if err != nil {
		m.failSession(id, err)
		return
	}

	if err := m.bindHandle(id, &res.Handle); err != nil {
		m.failSession(id, err)
		return
	}

	// Use the agent's fork primitive so conversation history transfers.
	if err := m.establish(ctx, id, &res.Handle, source.AgentSessionID); err != nil {
		log.Printf("[sessions] %s: agent session not established after fork: %v", id, err)
	}
}

// bindHandle persists the sandbox binding and the encrypted credential.
func (m *Manager) bindHandle(id string, handle *sandbox.Handle) error {
	encrypted, err := m.secrets.Encrypt([]byte(handle.Credential))
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}
	if err := m.store.BindSandbox(id, handle.SandboxID, handle.URL); err != nil {
		return err
	}
	if err := m.store.SetMeta(id, MetaCredential, encrypted); err != nil {
		return err
	}
	if handle.WorkDir != "" {
		if err := m.store.SetMeta(id, MetaWorkDir, handle.WorkDir); err != nil {
			return err
		}
	}
	if handle.CloneWarning != "" {
		if err := m.store.SetMeta(id, MetaCloneWarning, handle.CloneWarning); err != nil {
			return err
		}
	}
	return nil
}

// establish creates (or forks) the upstream agent session with bounded
// exponential backoff. On success the session becomes active. On exhaustion
// it stays creating with the failure persisted, so /retry can finish the
// job later.
func (m *Manager) establish(ctx context.Context, id string, handle *sandbox.Handle, forkFromAgentID string) error {
	client := m.agents.Get(handle.SandboxID, handle.URL, handle.Credential)

	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		var agentID string
		var err error
		if forkFromAgentID != "" {
			agentID, err = client.ForkSession(ctx, forkFromAgentID)
		} else {
			agentID, err = client.CreateSession(ctx, "")
		}
		if err == nil {
			if err := m.store.SetAgentSession(id, agentID); err != nil {
				return err
			}
			if err := m.store.SetMeta(id, MetaLastError, ""); err != nil {
				return err
			}
			// Only a session still provisioning may go active. A destroy
			// during the backoff window has already terminated the row, and
			// terminated is final.
			promoted, serr := m.store.SetStatusIf(id, StatusCreating, StatusActive)
			if serr != nil {
				return serr
			}
			if !promoted {
				log.Printf("[sessions] %s: agent session established after teardown; status left unchanged", id)
			}
			return nil
		}
		lastErr = err

		if attempt < m.attempts {
			if serr := m.sleep(ctx, m.backoffBase<<(attempt-1)); serr != nil {
				break
			}
		}
	}

	if err := m.store.SetMeta(id, MetaLastError, describeError(lastErr)); err != nil {
		log.Printf("[sessions] %s: persist establishment failure: %v", id, err)
	}
	return lastErr
}

// failSession marks the session errored with a classified hint. The status
// write is conditional on the session still provisioning, so a late failure
// never overwrites a destroy that happened in the meantime.
func (m *Manager) failSession(id string, cause error) {
	log.Printf("[sessions] %s: provisioning failed: %v", id, cause)
	if err := m.store.SetMeta(id, MetaLastError, describeError(cause)); err != nil {
		log.Printf("[sessions] %s: persist error text: %v", id, err)
	}
	if _, err := m.store.SetStatusIf(id, StatusCreating, StatusError); err != nil {
		log.Printf("[sessions] %s: mark error: %v", id, err)
	}
}

// credential decrypts the session's stored sandbox credential. Decryption
// failure surfaces as ErrNoCredential instead of a hard error so sessions
// stay inspectable and deletable without one.
func (m *Manager) credential(sess *Session) (string, error) {
	encrypted := sess.Meta(MetaCredential)
	if encrypted == "" {
		return "", ErrNoCredential
	}
	plaintext, err := m.secrets.Decrypt(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	return string(plaintext), nil
}

// forkSourceAgentID resolves the agent session to fork from when retrying a
// forked session that never established.
func (m *Manager) forkSourceAgentID(sess *Session) (string, error) {
	if sess.ForkedFrom == "" {
		return "", nil
	}
	source, err := m.store.Get(sess.ForkedFrom)
	if err != nil {
		return "", err
	}
	return source.AgentSessionID, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
