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
	"fmt"
	"strings"

	"github.com/AleutianAI/simsearch/services/llm"
	"github.com/AleutianAI/simsearch/services/search/datatypes"
)

// Summarizer condenses a window of messages into one piece of text.
type Summarizer interface {
	Summarize(ctx context.Context, window []datatypes.Message) (string, error)
}

// SummarizerFunc adapts a function to Summarizer.
type SummarizerFunc func(ctx context.Context, window []datatypes.Message) (string, error)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, window []datatypes.Message) (string, error) {
	return f(ctx, window)
}

const summaryInstructions = `You compress the history of an agent writing Python programs against a live simulation.
Summarize the transcript below. Keep what was attempted, which actions succeeded or failed,
observed rewards and errors, and any state the agent must remember. Do not invent details.
Reply with the summary only.`

// LLMSummarizer produces summaries with a chat model.
type LLMSummarizer struct {
	client    llm.Client
	maxTokens int
}

// NewLLMSummarizer creates a summarizer. maxTokens <= 0 leaves the backend
// default.
func NewLLMSummarizer(client llm.Client, maxTokens int) *LLMSummarizer {
	return &LLMSummarizer{client: client, maxTokens: maxTokens}
}

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, window []datatypes.Message) (string, error) {
	var b strings.Builder
	for i, m := range window {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", m.Role, m.Content)
	}

	var params llm.GenerationParams
	if s.maxTokens > 0 {
		params.MaxTokens = &s.maxTokens
	}
	out, err := s.client.Complete(ctx, []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: summaryInstructions},
		{Role: datatypes.RoleUser, Content: b.String()},
	}, params)
	if err != nil {
		return "", fmt.Errorf("summarize %d messages: %w", len(window), err)
	}
	return strings.TrimSpace(out), nil
}
