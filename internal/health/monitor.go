// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package health

import (
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a health check result stays fresh before a
	// caller should probe again.
	DefaultTTL = 15 * time.Second

	// DefaultFailureThreshold is the number of consecutive failed probes
	// before a session should be marked terminated.
	DefaultFailureThreshold = 3
)

type entry struct {
	lastCheckedAt       time.Time
	consecutiveFailures int
}

// Monitor caches sandbox liveness per session. A session is only marked dead
// after repeated independent failures, not a single blip, and probes are
// rate-limited by a TTL so status reads stay cheap.
//
// State is process-local and ephemeral; it is rebuilt naturally as checks
// occur after a restart.
type Monitor struct {
	mu        sync.Mutex
	entries   map[string]*entry
	ttl       time.Duration
	threshold int

	// now is replaceable for tests.
	now func() time.Time
}

// NewMonitor creates a Monitor with the default TTL and failure threshold.
func NewMonitor() *Monitor {
	return NewMonitorWith(DefaultTTL, DefaultFailureThreshold)
}

// NewMonitorWith creates a Monitor with a custom TTL and failure threshold.
func NewMonitorWith(ttl time.Duration, threshold int) *Monitor {
	return &Monitor{
		entries:   make(map[string]*entry),
		ttl:       ttl,
		threshold: threshold,
		now:       time.Now,
	}
}

// ShouldProbe reports whether enough time has passed since the last probe of
// this session that a fresh check is warranted.
func (m *Monitor) ShouldProbe(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[sessionID]
	if !ok {
		return true
	}
	return m.now().Sub(e.lastCheckedAt) >= m.ttl
}

// LastCheckedAt returns when the session was last probed, or the zero time if
// it never was.
func (m *Monitor) LastCheckedAt(sessionID string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[sessionID]; ok {
		return e.lastCheckedAt
	}
	return time.Time{}
}

// RecordResult records the outcome of a probe. A success resets the
// consecutive failure count to zero; a failure increments it.
func (m *Monitor) RecordResult(sessionID string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[sessionID]
	if !ok {
		e = &entry{}
		m.entries[sessionID] = e
	}

	e.lastCheckedAt = m.now()
	if healthy {
		e.consecutiveFailures = 0
	} else {
		e.consecutiveFailures++
	}
}

// ShouldMarkTerminated reports whether the session has accumulated enough
// consecutive failures to be demoted.
func (m *Monitor) ShouldMarkTerminated(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[sessionID]
	if !ok {
		return false
	}
	return e.consecutiveFailures >= m.threshold
}

// FailureCount returns the current consecutive failure count for a session.
func (m *Monitor) FailureCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[sessionID]; ok {
		return e.consecutiveFailures
	}
	return 0
}

// Forget drops the cache entry for a session. Called when the session is
// destroyed so the map does not grow without bound.
func (m *Monitor) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
}
