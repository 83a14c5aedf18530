// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package sessions

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")

	// ErrSourceNotReady is returned when forking a session whose sandbox is
	// still being provisioned.
	ErrSourceNotReady = errors.New("source session is not ready to fork")

	// ErrRetryNotApplicable is returned for /retry on a session that either
	// has no sandbox or already has an agent session.
	ErrRetryNotApplicable = errors.New("session is not retryable")

	// ErrNoCredential is returned when the session's stored credential
	// cannot be decrypted. The session stays inspectable and deletable.
	ErrNoCredential = errors.New("no credential available")

	// ErrSessionTerminated is returned for operations on a terminated
	// session; it must be recreated or forked instead.
	ErrSessionTerminated = errors.New("session is terminated")
)

// Status is the session lifecycle status
type Status string

const (
	StatusCreating   Status = "creating"
	StatusActive     Status = "active"
	StatusError      Status = "error"
	StatusTerminated Status = "terminated"
)

// Metadata keys stored in the session's free-form metadata bag.
const (
	MetaRepoURL      = "repoUrl"
	MetaBranch       = "branch"
	MetaWorkDir      = "workDir"
	MetaCredential   = "encryptedCredential"
	MetaLastError    = "lastError"
	MetaCloneWarning = "cloneWarning"
)

// Session is the orchestration unit: one user-facing conversation bound to
// at most one live sandbox at a time.
//
// Invariants: AgentSessionID is only set after the sandbox is reachable; an
// active session always has SandboxID, SandboxURL and AgentSessionID; a
// terminated session never becomes active again.
type Session struct {
	// ID is client-generated so creation retries are idempotent
	ID string `json:"id"`

	// WorkspaceID references the owning workspace
	WorkspaceID string `json:"workspaceId,omitempty"`

	Status Status `json:"status"`

	SandboxID      string `json:"sandboxId,omitempty"`
	SandboxURL     string `json:"sandboxUrl,omitempty"`
	AgentSessionID string `json:"agentSessionId,omitempty"`

	// ForkedFrom records fork lineage
	ForkedFrom string `json:"forkedFromSessionId,omitempty"`

	// Metadata holds repo URL, branch, the encrypted sandbox credential and
	// last error text
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Meta returns a metadata value, or "" when absent.
func (s *Session) Meta(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}
