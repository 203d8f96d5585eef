// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the chat-completion client used to generate program
// extensions and conversation summaries.
package llm

import (
	"context"
	"errors"

	"github.com/AleutianAI/simsearch/services/search/datatypes"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects calls.
	ErrCircuitOpen = errors.New("llm circuit breaker is open")

	// ErrEmptyResponse is returned when the backend produced no choices.
	ErrEmptyResponse = errors.New("llm returned no choices")

	// ErrMissingAPIKey is returned when no key is configured or mounted.
	ErrMissingAPIKey = errors.New("llm api key not set")
)

// GenerationParams are optional sampling overrides. Nil fields keep the
// backend default.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client completes a chat conversation.
//
// Thread Safety: Implementations must be safe for concurrent use; every
// group shares one client.
type Client interface {
	Complete(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)

// Complete implements Client.
func (f ClientFunc) Complete(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	return f(ctx, messages, params)
}
