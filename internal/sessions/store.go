// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package sessions

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store provides SQLite-backed persistence for sessions.
type Store struct {
	db *sql.DB
}

// NewStore opens the SQLite database at dbPath and creates tables if they
// don't exist.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		sandbox_id TEXT NOT NULL DEFAULT '',
		sandbox_url TEXT NOT NULL DEFAULT '',
		agent_session_id TEXT NOT NULL DEFAULT '',
		forked_from TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateIfAbsent inserts the session unless a row with the same ID already
// exists (insert-or-ignore on the primary key), so caller retries never
// produce duplicate sessions. It returns the stored row and whether this
// call inserted it.
func (s *Store) CreateIfAbsent(sess *Session) (*Session, bool, error) {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	meta, err := json.Marshal(metaOrEmpty(sess.Metadata))
	if err != nil {
		return nil, false, fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO sessions
			(id, workspace_id, status, sandbox_id, sandbox_url, agent_session_id, forked_from, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.WorkspaceID, string(sess.Status),
		sess.SandboxID, sess.SandboxURL, sess.AgentSessionID,
		sess.ForkedFrom, string(meta), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	stored, err := s.Get(sess.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, n > 0, nil
}

// Get returns a session by ID.
func (s *Store) Get(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, workspace_id, status, sandbox_id, sandbox_url, agent_session_id, forked_from, metadata, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var sess Session
	var status, meta string
	err := row.Scan(&sess.ID, &sess.WorkspaceID, &status,
		&sess.SandboxID, &sess.SandboxURL, &sess.AgentSessionID,
		&sess.ForkedFrom, &meta, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	sess.Status = Status(status)
	if err := json.Unmarshal([]byte(meta), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &sess, nil
}

// List returns all sessions, newest first.
func (s *Store) List() ([]*Session, error) {
	rows, err := s.db.Query(`
		SELECT id, workspace_id, status, sandbox_id, sandbox_url, agent_session_id, forked_from, metadata, created_at, updated_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		var status, meta string
		if err := rows.Scan(&sess.ID, &sess.WorkspaceID, &status,
			&sess.SandboxID, &sess.SandboxURL, &sess.AgentSessionID,
			&sess.ForkedFrom, &meta, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sess.Status = Status(status)
		if err := json.Unmarshal([]byte(meta), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// SetStatus unconditionally updates the session status.
func (s *Store) SetStatus(id string, status Status) error {
	res, err := s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return requireRow(res)
}

// SetStatusIf updates the status only when the current status matches from.
// It reports whether the update happened. Health demotion and the background
// provisioning writers use this so a terminated session is never resurrected
// by a late transition.
func (s *Store) SetStatusIf(id string, from, to Status) (bool, error) {
	res, err := s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("conditional status update: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// BindSandbox records the sandbox binding once the sandbox is reachable.
func (s *Store) BindSandbox(id, sandboxID, sandboxURL string) error {
	res, err := s.db.Exec(`UPDATE sessions SET sandbox_id = ?, sandbox_url = ?, updated_at = ? WHERE id = ?`,
		sandboxID, sandboxURL, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("bind sandbox: %w", err)
	}
	return requireRow(res)
}

// SetAgentSession records the upstream agent session ID.
func (s *Store) SetAgentSession(id, agentSessionID string) error {
	res, err := s.db.Exec(`UPDATE sessions SET agent_session_id = ?, updated_at = ? WHERE id = ?`,
		agentSessionID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set agent session: %w", err)
	}
	return requireRow(res)
}

// SetMeta writes one metadata key. Concurrent writers race benignly: each
// writer touches disjoint keys and last write wins.
func (s *Store) SetMeta(id, key, value string) error {
	sess, err := s.Get(id)
	if err != nil {
		return err
	}
	meta := metaOrEmpty(sess.Metadata)
	if value == "" {
		delete(meta, key)
	} else {
		meta[key] = value
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.Exec(`UPDATE sessions SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return requireRow(res)
}

// Delete removes a session row.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func metaOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
