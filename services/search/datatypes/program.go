// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the records shared by every stage of the search:
// persisted program nodes, conversation messages, transient program chunks,
// and the lightweight candidate rows the samplers rank.
package datatypes

import (
	"strings"
	"time"
)

// Program is one persisted node of the search tree.
//
// A Program is created once, after its chunk has been evaluated, and is
// never modified afterwards. Re-evaluating the same code produces a new
// node. Roots have an empty ParentID and depth 0.
type Program struct {
	// ID is assigned by the engine before insertion (uuid).
	ID string `json:"id"`

	// ParentID is empty for roots.
	ParentID string `json:"parent_id,omitempty"`

	// Code is the executable source of this node's chunk.
	Code string `json:"code"`

	// Conversation is the full LLM history that led to this node.
	Conversation Conversation `json:"conversation"`

	// Value is the node's reward as used for ranking. Equals RawReward for
	// chunk nodes.
	Value *float64 `json:"value,omitempty"`

	// RawReward is the mean reward observed on the active instances.
	RawReward *float64 `json:"raw_reward,omitempty"`

	// HoldoutReward is the reward observed on the holdout instance over the
	// same window.
	HoldoutReward *float64 `json:"holdout_reward,omitempty"`

	// Advantage is RawReward minus HoldoutReward.
	Advantage *float64 `json:"advantage,omitempty"`

	Depth   int `json:"depth"`
	Version int `json:"version"`

	// Seq is the store's insertion sequence number. Zero until inserted.
	Seq uint64 `json:"seq"`

	CreatedAt time.Time `json:"created_at"`

	Meta ProgramMeta `json:"meta"`
}

// ProgramMeta carries bookkeeping that is useful when inspecting a run but
// plays no part in sampling.
type ProgramMeta struct {
	GroupID     int    `json:"group_id"`
	ChunkLabel  string `json:"chunk_label,omitempty"`
	ErrorCount  int    `json:"error_count,omitempty"`
	Penalized   bool   `json:"penalized,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

// IsRoot reports whether the program has no parent.
func (p *Program) IsRoot() bool {
	return p.ParentID == ""
}

// Candidate is the lightweight row returned by candidate queries. Samplers
// rank candidates and then fetch the chosen full Program.
type Candidate struct {
	ID                 string   `json:"id"`
	Version            int      `json:"version"`
	Depth              int      `json:"depth"`
	Advantage          *float64 `json:"advantage,omitempty"`
	Value              *float64 `json:"value,omitempty"`
	ConversationLength int      `json:"conversation_length"`
	Seq                uint64   `json:"seq"`
}

// CandidateOf projects a Program to its candidate row.
func CandidateOf(p *Program) Candidate {
	return Candidate{
		ID:                 p.ID,
		Version:            p.Version,
		Depth:              p.Depth,
		Advantage:          p.Advantage,
		Value:              p.Value,
		ConversationLength: len(p.Conversation),
		Seq:                p.Seq,
	}
}

// CandidateFilter narrows a candidate query. Zero values disable a clause.
type CandidateFilter struct {
	// RequireAdvantage drops rows whose advantage has not been set.
	RequireAdvantage bool

	// MaxConversationLength keeps rows with strictly fewer messages.
	MaxConversationLength int

	// MinDepth keeps rows at or below this depth from the root.
	MinDepth int

	// Recent keeps only the N most recently inserted rows.
	Recent int
}

// Matches reports whether the candidate satisfies every enabled clause
// except Recent, which depends on ordering.
func (f CandidateFilter) Matches(c Candidate) bool {
	if f.RequireAdvantage && c.Advantage == nil {
		return false
	}
	if f.MaxConversationLength > 0 && c.ConversationLength >= f.MaxConversationLength {
		return false
	}
	if c.Depth < f.MinDepth {
		return false
	}
	return true
}

// ProgramChunk is one labeled sub-unit of a generation. It becomes exactly
// one tree edge and is never persisted on its own.
type ProgramChunk struct {
	// Label is the docstring text without quotes.
	Label string

	// Docstring is the raw docstring literal(s) as written in the source.
	Docstring string

	// Code is the source following the docstring up to the next one.
	Code string

	// Reward is filled in after evaluation.
	Reward *float64
}

// Source re-assembles the chunk into executable code.
func (c ProgramChunk) Source() string {
	switch {
	case c.Docstring == "":
		return c.Code
	case c.Code == "":
		return c.Docstring
	default:
		return c.Docstring + "\n" + c.Code
	}
}

// JoinSources concatenates chunk sources in order. Splitting the result
// yields the same chunks again.
func JoinSources(chunks []ProgramChunk) string {
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Source()
	}
	return strings.Join(parts, "\n")
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
