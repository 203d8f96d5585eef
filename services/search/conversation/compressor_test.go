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
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/simsearch/services/llm"
	"github.com/AleutianAI/simsearch/services/search/datatypes"
)

type countingSummarizer struct {
	calls atomic.Int32
}

func (s *countingSummarizer) Summarize(_ context.Context, window []datatypes.Message) (string, error) {
	s.calls.Add(1)
	parts := make([]string, len(window))
	for i, m := range window {
		parts[i] = m.Content
	}
	return "sum(" + strings.Join(parts, ",") + ")", nil
}

type failingCache struct{}

func (failingCache) Read(context.Context, string) (*CacheEntry, error) {
	return nil, errors.New("disk gone")
}

func (failingCache) Write(context.Context, CacheEntry) error {
	return errors.New("disk gone")
}

// makeConversation returns a system message followed by n alternating
// assistant/user turns named m1..mn.
func makeConversation(n int) datatypes.Conversation {
	conv := datatypes.Conversation{{Role: datatypes.RoleSystem, Content: "sys"}}
	for i := 1; i <= n; i++ {
		role := datatypes.RoleAssistant
		if i%2 == 0 {
			role = datatypes.RoleUser
		}
		conv = append(conv, datatypes.Message{Role: role, Content: fmt.Sprintf("m%d", i)})
	}
	return conv
}

func newCompressor(t *testing.T, cfg Config, s Summarizer, opts ...Option) *Compressor {
	t.Helper()
	c, err := New(cfg, s, opts...)
	require.NoError(t, err)
	return c
}

func TestFormat_ShortConversationUnchanged(t *testing.T) {
	s := &countingSummarizer{}
	c := newCompressor(t, Config{WindowSize: 4, MaxRounds: 8}, s)

	conv := makeConversation(4)
	out, err := c.Format(context.Background(), conv)
	require.NoError(t, err)

	assert.Equal(t, []datatypes.Message(conv), out)
	assert.Zero(t, s.calls.Load())
}

func TestFormat_SingleFold(t *testing.T) {
	s := &countingSummarizer{}
	c := newCompressor(t, Config{WindowSize: 4, MaxRounds: 8}, s)

	conv := makeConversation(10)
	out, err := c.Format(context.Background(), conv)
	require.NoError(t, err)
	require.Len(t, out, 5)

	assert.Equal(t, conv[0], out[0])

	assert.True(t, out[1].Metadata.Summarized)
	assert.Equal(t, datatypes.RoleUser, out[1].Role)
	assert.Equal(t, &datatypes.Range{Start: 1, End: 5}, out[1].Metadata.SummaryRange)
	assert.Equal(t, "sum(m1,m2,m3,m4)", out[1].Content)

	assert.Equal(t, &datatypes.Range{Start: 5, End: 9}, out[2].Metadata.SummaryRange)
	assert.Equal(t, "m9", out[3].Content)
	assert.Equal(t, "m10", out[4].Content)
	assert.EqualValues(t, 2, s.calls.Load())
}

func TestFormat_RecursiveFold(t *testing.T) {
	s := &countingSummarizer{}
	c := newCompressor(t, Config{WindowSize: 2, MaxRounds: 8}, s)

	out, err := c.Format(context.Background(), makeConversation(9))
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.Equal(t, &datatypes.Range{Start: 1, End: 7}, out[1].Metadata.SummaryRange)
	assert.Equal(t, "sum(sum(sum(m1,m2),sum(m3,m4)),sum(m5,m6))", out[1].Content)
	assert.Equal(t, &datatypes.Range{Start: 7, End: 9}, out[2].Metadata.SummaryRange)
	assert.Equal(t, "m9", out[3].Content)
	assert.EqualValues(t, 6, s.calls.Load())
}

func TestFormat_RoundLimit(t *testing.T) {
	s := &countingSummarizer{}
	c := newCompressor(t, Config{WindowSize: 2, MaxRounds: 1}, s)

	out, err := c.Format(context.Background(), makeConversation(9))
	require.NoError(t, err)

	// One pass only: four first-level summaries plus the raw tail.
	require.Len(t, out, 6)
	for _, m := range out[1:5] {
		assert.True(t, m.Metadata.Summarized)
	}
	assert.Equal(t, "m9", out[5].Content)
}

func TestFormat_CacheReuse(t *testing.T) {
	s := &countingSummarizer{}
	cache := NewMemoryCache()
	c := newCompressor(t, Config{WindowSize: 2, MaxRounds: 8}, s, WithCache(cache))

	first, err := c.Format(context.Background(), makeConversation(9))
	require.NoError(t, err)
	calls := s.calls.Load()

	second, err := c.Format(context.Background(), makeConversation(9))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, calls, s.calls.Load(), "identical windows must not be summarized twice")

	// Growing the conversation by one turn reuses every earlier window.
	_, err = c.Format(context.Background(), makeConversation(10))
	require.NoError(t, err)
	assert.Equal(t, calls, s.calls.Load())
	assert.Equal(t, int(calls), cache.Len())
}

func TestFormat_CacheFailuresAreMisses(t *testing.T) {
	s := &countingSummarizer{}
	c := newCompressor(t, Config{WindowSize: 4, MaxRounds: 8}, s, WithCache(failingCache{}))

	out, err := c.Format(context.Background(), makeConversation(10))
	require.NoError(t, err)
	assert.Len(t, out, 5)
	assert.EqualValues(t, 2, s.calls.Load())
}

func TestFormat_SummarizerError(t *testing.T) {
	boom := errors.New("model down")
	c := newCompressor(t, Config{WindowSize: 2, MaxRounds: 8},
		SummarizerFunc(func(context.Context, []datatypes.Message) (string, error) {
			return "", boom
		}))

	_, err := c.Format(context.Background(), makeConversation(6))
	assert.ErrorIs(t, err, boom)
}

func TestFormat_DoesNotModifyInput(t *testing.T) {
	c := newCompressor(t, Config{WindowSize: 2, MaxRounds: 8}, &countingSummarizer{})
	conv := makeConversation(8)
	before := append(datatypes.Conversation(nil), conv...)

	_, err := c.Format(context.Background(), conv)
	require.NoError(t, err)
	assert.Equal(t, before, conv)
}

func TestFormat_ConcurrentCallersAgree(t *testing.T) {
	c := newCompressor(t, Config{WindowSize: 3, MaxRounds: 8}, &countingSummarizer{}, WithCache(NewMemoryCache()))
	conv := makeConversation(20)

	want, err := c.Format(context.Background(), conv)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([][]datatypes.Message, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Format(context.Background(), conv)
		}(i)
	}
	wg.Wait()
	for _, got := range results {
		assert.Equal(t, want, got)
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	s := &countingSummarizer{}
	_, err := New(Config{WindowSize: 1, MaxRounds: 1}, s)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{WindowSize: 2, MaxRounds: 0}, s)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(DefaultConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestWindowHash_PositionAndContent(t *testing.T) {
	w := []datatypes.Message{{Role: datatypes.RoleUser, Content: "a"}, {Role: datatypes.RoleAssistant, Content: "b"}}
	r := datatypes.Range{Start: 1, End: 3}

	assert.Equal(t, WindowHash(w, r), WindowHash(w, r))
	assert.NotEqual(t, WindowHash(w, r), WindowHash(w, datatypes.Range{Start: 3, End: 5}))

	swapped := []datatypes.Message{{Role: datatypes.RoleAssistant, Content: "a"}, {Role: datatypes.RoleUser, Content: "b"}}
	assert.NotEqual(t, WindowHash(w, r), WindowHash(swapped, r))
}

func TestLLMSummarizer(t *testing.T) {
	var got []datatypes.Message
	var gotParams llm.GenerationParams
	client := llm.ClientFunc(func(_ context.Context, m []datatypes.Message, p llm.GenerationParams) (string, error) {
		got, gotParams = m, p
		return "  short summary \n", nil
	})

	out, err := NewLLMSummarizer(client, 128).Summarize(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleAssistant, Content: "place()"},
		{Role: datatypes.RoleUser, Content: "ok"},
	})
	require.NoError(t, err)
	assert.Equal(t, "short summary", out)

	require.Len(t, got, 2)
	assert.Equal(t, datatypes.RoleSystem, got[0].Role)
	assert.Contains(t, got[1].Content, "[assistant]\nplace()")
	require.NotNil(t, gotParams.MaxTokens)
	assert.Equal(t, 128, *gotParams.MaxTokens)
}
