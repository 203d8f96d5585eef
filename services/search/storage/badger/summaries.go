// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/simsearch/services/search/conversation"
)

const summaryPrefix = "summary/"

// SummaryCache is a persistent conversation.SummaryCache. Entries survive
// restarts, so a resumed run reuses every summary it already paid for.
//
// Thread Safety: Safe for concurrent use.
type SummaryCache struct {
	db *DB
}

// NewSummaryCache creates a cache on db.
func NewSummaryCache(db *DB) *SummaryCache {
	return &SummaryCache{db: db}
}

// Read implements conversation.SummaryCache.
func (c *SummaryCache) Read(ctx context.Context, hash string) (*conversation.CacheEntry, error) {
	var entry conversation.CacheEntry
	err := c.db.view(ctx, "read summary", func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(summaryPrefix + hash))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read summary %s: %w", hash, err)
	}
	return &entry, nil
}

// Write implements conversation.SummaryCache. Entries are immutable; a
// second write for the same hash is ignored.
func (c *SummaryCache) Write(ctx context.Context, entry conversation.CacheEntry) error {
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode summary %s: %w", entry.Hash, err)
	}
	return c.db.update(ctx, "write summary", func(txn *badger.Txn) error {
		key := []byte(summaryPrefix + entry.Hash)
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, val)
	})
}
