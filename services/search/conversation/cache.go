// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"sync"

	"github.com/AleutianAI/simsearch/services/search/datatypes"
)

// CacheEntry is an immutable summary keyed by the hash of the window it
// replaces.
type CacheEntry struct {
	Hash    string            `json:"hash"`
	Summary datatypes.Message `json:"summary"`
	Range   datatypes.Range   `json:"range"`
}

// SummaryCache stores window summaries.
//
// Read returns nil, nil on a miss. Implementations must be safe for
// concurrent use.
type SummaryCache interface {
	Read(ctx context.Context, hash string) (*CacheEntry, error)
	Write(ctx context.Context, entry CacheEntry) error
}

// MemoryCache is an in-process SummaryCache.
//
// Thread Safety: Safe for concurrent use.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]CacheEntry)}
}

// Read implements SummaryCache.
func (c *MemoryCache) Read(_ context.Context, hash string) (*CacheEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[hash]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// Write implements SummaryCache. An existing entry is kept.
func (c *MemoryCache) Write(_ context.Context, entry CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[entry.Hash]; !ok {
		c.entries[entry.Hash] = entry
	}
	return nil
}

// Len returns the number of cached summaries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
