// Copyright 2026 Harbor AI Inc. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package agent

import "sync"

// Cache keeps one agent client per sandbox for the sandbox's lifetime, so
// repeated calls reuse the same connection pool instead of re-handshaking.
// Entries are evicted when the sandbox is destroyed.
type Cache struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewCache creates an empty client cache.
func NewCache() *Cache {
	return &Cache{clients: make(map[string]*Client)}
}

// Get returns the cached client for a sandbox, creating one from the URL and
// credential on first use.
func (c *Cache) Get(sandboxID, baseURL, credential string) *Client {
	c.mu.RLock()
	client, ok := c.clients[sandboxID]
	c.mu.RUnlock()
	if ok {
		return client
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have raced us here.
	if client, ok := c.clients[sandboxID]; ok {
		return client
	}
	client = NewClient(baseURL, credential)
	c.clients[sandboxID] = client
	return client
}

// Peek returns the cached client for a sandbox without creating one.
func (c *Cache) Peek(sandboxID string) (*Client, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	client, ok := c.clients[sandboxID]
	return client, ok
}

// Evict removes the cached client for a sandbox.
func (c *Cache) Evict(sandboxID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, sandboxID)
}

// Len returns the number of cached clients.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}
