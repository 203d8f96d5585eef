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
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/simsearch/services/search/datatypes"
)

// ErrDuplicateID is returned when inserting an ID that already exists.
var ErrDuplicateID = errors.New("program id already exists")

const (
	programPrefix   = "prog/"
	candidatePrefix = "cand/"
	programSeqKey   = "meta/program_seq"

	seqBandwidth = 64
)

func programKey(id string) []byte {
	return []byte(programPrefix + id)
}

func candidateVersionPrefix(version int) []byte {
	return fmt.Appendf(nil, "%s%d/", candidatePrefix, version)
}

// candidateKey sorts by insertion order within a version.
func candidateKey(version int, seq uint64) []byte {
	return fmt.Appendf(candidateVersionPrefix(version), "%016x", seq)
}

// ProgramStore stores search tree nodes.
//
// Each program is written twice in one transaction: the full row under
// prog/<id>, and a candidate row under cand/<version>/<seq> that samplers
// scan without decoding conversations.
//
// Thread Safety: Safe for concurrent use.
type ProgramStore struct {
	db  *DB
	seq *badger.Sequence
}

// NewProgramStore opens the program store on db.
func NewProgramStore(db *DB) (*ProgramStore, error) {
	seq, err := db.db.GetSequence([]byte(programSeqKey), seqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("acquire program sequence: %w", err)
	}
	return &ProgramStore{db: db, seq: seq}, nil
}

// Close releases the unused part of the sequence lease.
func (s *ProgramStore) Close() error {
	return s.seq.Release()
}

// Insert stores p and returns its ID.
//
// Description:
//
//	Assigns an ID when p.ID is empty, sets CreatedAt when zero, and always
//	assigns a fresh Seq. p is updated in place. Programs are immutable, so
//	an existing ID is rejected.
//
// Outputs:
//   - string: The program ID.
//   - error: ErrDuplicateID, a TransientError on write conflicts, or other
//     storage errors.
func (s *ProgramStore) Insert(ctx context.Context, p *datatypes.Program) (string, error) {
	if p == nil {
		return "", errors.New("nil program")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	n, err := s.seq.Next()
	if err != nil {
		return "", mapError("next program seq", err)
	}
	p.Seq = n + 1

	full, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode program %s: %w", p.ID, err)
	}
	cand, err := json.Marshal(datatypes.CandidateOf(p))
	if err != nil {
		return "", fmt.Errorf("encode candidate %s: %w", p.ID, err)
	}

	err = s.db.update(ctx, "insert program", func(txn *badger.Txn) error {
		_, err := txn.Get(programKey(p.ID))
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", ErrDuplicateID, p.ID)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := txn.Set(programKey(p.ID), full); err != nil {
			return err
		}
		return txn.Set(candidateKey(p.Version, p.Seq), cand)
	})
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// Get returns the program with the given ID or datatypes.ErrNotFound.
func (s *ProgramStore) Get(ctx context.Context, id string) (*datatypes.Program, error) {
	var p datatypes.Program
	err := s.db.view(ctx, "get program", func(txn *badger.Txn) error {
		item, err := txn.Get(programKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &p)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", datatypes.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// QueryCandidates returns the candidate rows of version that match filter,
// oldest first.
//
// When filter.Recent is positive only the newest Recent matching rows are
// returned.
func (s *ProgramStore) QueryCandidates(ctx context.Context, version int, filter datatypes.CandidateFilter) ([]datatypes.Candidate, error) {
	prefix := candidateVersionPrefix(version)
	var out []datatypes.Candidate

	err := s.db.view(ctx, "query candidates", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = filter.Recent > 0
		it := txn.NewIterator(opts)
		defer it.Close()

		start := prefix
		if opts.Reverse {
			start = append(slices.Clone(prefix), 0xff)
		}
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var c datatypes.Candidate
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &c)
			}); err != nil {
				return fmt.Errorf("decode candidate %s: %w", it.Item().Key(), err)
			}
			if !filter.Matches(c) {
				continue
			}
			out = append(out, c)
			if filter.Recent > 0 && len(out) == filter.Recent {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if filter.Recent > 0 {
		slices.Reverse(out)
	}
	return out, nil
}

// CountPrograms returns the number of programs stored for version.
func (s *ProgramStore) CountPrograms(ctx context.Context, version int) (int, error) {
	prefix := candidateVersionPrefix(version)
	n := 0
	err := s.db.view(ctx, "count programs", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Children returns the programs whose ParentID is parentID, in insertion
// order. It scans every row of version and backs the status API's children
// listing, not the search loop.
func (s *ProgramStore) Children(ctx context.Context, version int, parentID string) ([]*datatypes.Program, error) {
	cands, err := s.QueryCandidates(ctx, version, datatypes.CandidateFilter{})
	if err != nil {
		return nil, err
	}
	var out []*datatypes.Program
	for _, c := range cands {
		p, err := s.Get(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if p.ParentID == parentID {
			out = append(out, p)
		}
	}
	return out, nil
}
