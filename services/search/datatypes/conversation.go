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

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Range is a half-open interval [Start, End) of message positions.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of positions covered.
func (r Range) Len() int {
	return r.End - r.Start
}

// MessageMetadata marks synthesized messages.
type MessageMetadata struct {
	Summarized   bool   `json:"summarized,omitempty"`
	SummaryRange *Range `json:"summary_range,omitempty"`
}

// Message is one turn of a conversation.
type Message struct {
	Role     Role            `json:"role"`
	Content  string          `json:"content"`
	Metadata MessageMetadata `json:"metadata,omitempty"`
}

// Conversation is an append-only message history.
type Conversation []Message

// Append returns a new conversation with msgs added. The receiver is never
// modified, so a child node can extend its parent's history without
// aliasing it.
func (c Conversation) Append(msgs ...Message) Conversation {
	out := make(Conversation, 0, len(c)+len(msgs))
	out = append(out, c...)
	return append(out, msgs...)
}

// System returns the leading system message if present.
func (c Conversation) System() (Message, bool) {
	if len(c) > 0 && c[0].Role == RoleSystem {
		return c[0], true
	}
	return Message{}, false
}
