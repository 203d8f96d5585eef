// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package datatypes

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversation_AppendDoesNotAlias(t *testing.T) {
	parent := make(Conversation, 1, 4)
	parent[0] = Message{Role: RoleSystem, Content: "sys"}

	a := parent.Append(Message{Role: RoleUser, Content: "a"})
	b := parent.Append(Message{Role: RoleUser, Content: "b"})

	require.Len(t, parent, 1)
	assert.Equal(t, "a", a[1].Content)
	assert.Equal(t, "b", b[1].Content)
}

func TestConversation_System(t *testing.T) {
	msg, ok := Conversation{{Role: RoleSystem, Content: "rules"}, {Role: RoleUser}}.System()
	require.True(t, ok)
	assert.Equal(t, "rules", msg.Content)

	_, ok = Conversation{{Role: RoleUser}}.System()
	assert.False(t, ok)

	_, ok = Conversation(nil).System()
	assert.False(t, ok)
}

func TestCandidateFilter_Matches(t *testing.T) {
	withAdv := Candidate{Depth: 3, ConversationLength: 10, Advantage: Float(1.5)}
	noAdv := Candidate{Depth: 0, ConversationLength: 2}

	tests := []struct {
		name   string
		filter CandidateFilter
		cand   Candidate
		want   bool
	}{
		{"zero filter", CandidateFilter{}, noAdv, true},
		{"advantage required", CandidateFilter{RequireAdvantage: true}, noAdv, false},
		{"advantage present", CandidateFilter{RequireAdvantage: true}, withAdv, true},
		{"length is exclusive", CandidateFilter{MaxConversationLength: 10}, withAdv, false},
		{"length under limit", CandidateFilter{MaxConversationLength: 11}, withAdv, true},
		{"too shallow", CandidateFilter{MinDepth: 4}, withAdv, false},
		{"deep enough", CandidateFilter{MinDepth: 3}, withAdv, true},
		{"recent ignored", CandidateFilter{Recent: 1}, noAdv, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.cand))
		})
	}
}

func TestCandidateOf(t *testing.T) {
	p := &Program{
		ID:           "p1",
		ParentID:     "p0",
		Version:      2,
		Depth:        4,
		Advantage:    Float(-0.5),
		Value:        Float(3),
		Conversation: Conversation{{}, {}, {}},
		Seq:          9,
	}
	c := CandidateOf(p)
	assert.Equal(t, Candidate{
		ID: "p1", Version: 2, Depth: 4, Advantage: p.Advantage, Value: p.Value,
		ConversationLength: 3, Seq: 9,
	}, c)
	assert.False(t, p.IsRoot())
	assert.True(t, (&Program{}).IsRoot())
}

func TestProgramChunk_Source(t *testing.T) {
	assert.Equal(t, "run()", ProgramChunk{Code: "run()"}.Source())
	assert.Equal(t, `"""Done"""`, ProgramChunk{Docstring: `"""Done"""`}.Source())
	assert.Equal(t, "\"\"\"Go\"\"\"\ngo()", ProgramChunk{Docstring: `"""Go"""`, Code: "go()"}.Source())

	joined := JoinSources([]ProgramChunk{
		{Docstring: `"""a"""`, Code: "a()"},
		{Docstring: `"""b"""`},
	})
	assert.Equal(t, "\"\"\"a\"\"\"\na()\n\"\"\"b\"\"\"", joined)
}

func TestTransient(t *testing.T) {
	assert.Nil(t, Transient("insert", nil))

	cause := errors.New("conflict")
	err := Transient("insert", cause)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "insert")

	assert.False(t, IsTransient(cause))
	assert.False(t, IsTransient(ErrNotFound))
}

func TestRange_Len(t *testing.T) {
	assert.Equal(t, 4, Range{Start: 2, End: 6}.Len())
}
