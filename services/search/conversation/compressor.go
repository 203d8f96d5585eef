// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation keeps a growing program-synthesis conversation
// within the model's context by replacing old message windows with
// summaries.
//
// Windows are cut from the start of the history, so a window's content
// never changes as the conversation grows and its summary can be cached
// by hash and reused by every descendant node.
package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/simsearch/services/search/datatypes"
)

// ErrInvalidConfig is returned by New for unusable settings.
var ErrInvalidConfig = errors.New("invalid compressor config")

// Config configures a Compressor.
type Config struct {
	// WindowSize is the number of messages folded into one summary and the
	// length the summary list is kept under. Must be at least 2. Default: 16.
	WindowSize int `yaml:"window_size" json:"window_size" validate:"gte=2"`

	// MaxRounds bounds the number of fold passes. Default: 8.
	MaxRounds int `yaml:"max_rounds" json:"max_rounds" validate:"gte=1"`

	// SummaryMaxTokens is passed to the LLM summarizer. Default: 512.
	SummaryMaxTokens int `yaml:"summary_max_tokens" json:"summary_max_tokens" validate:"gte=0"`
}

// DefaultConfig returns the default compressor settings.
func DefaultConfig() Config {
	return Config{WindowSize: 16, MaxRounds: 8, SummaryMaxTokens: 512}
}

// Option configures a Compressor.
type Option func(*Compressor)

// WithCache sets the summary cache. Without one every window is
// summarized on each call.
func WithCache(cache SummaryCache) Option {
	return func(c *Compressor) {
		c.cache = cache
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Compressor) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Compressor formats conversations for the model.
//
// Thread Safety: Safe for concurrent use. Concurrent requests for the same
// window share one summarizer call.
type Compressor struct {
	cfg        Config
	summarizer Summarizer
	cache      SummaryCache
	logger     *slog.Logger
	group      singleflight.Group
}

// New creates a Compressor.
//
// Outputs:
//   - *Compressor: Ready compressor.
//   - error: ErrInvalidConfig if WindowSize < 2, MaxRounds < 1, or the
//     summarizer is nil.
func New(cfg Config, summarizer Summarizer, opts ...Option) (*Compressor, error) {
	if cfg.WindowSize < 2 {
		return nil, fmt.Errorf("%w: window size %d < 2", ErrInvalidConfig, cfg.WindowSize)
	}
	if cfg.MaxRounds < 1 {
		return nil, fmt.Errorf("%w: max rounds %d < 1", ErrInvalidConfig, cfg.MaxRounds)
	}
	if summarizer == nil {
		return nil, fmt.Errorf("%w: nil summarizer", ErrInvalidConfig)
	}
	c := &Compressor{cfg: cfg, summarizer: summarizer, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// item is a message plus the original positions it stands for.
type item struct {
	msg datatypes.Message
	rng datatypes.Range
}

// Format returns the message list to send to the model.
//
// Description:
//
//	The leading system message is kept as is. A conversation of at most
//	WindowSize+1 messages is returned unchanged. Otherwise the history is
//	cut into WindowSize windows from the start and every window but the
//	newest is replaced by a summary placed where the window began. While
//	the summary list is longer than WindowSize the same fold is applied to
//	it, for at most MaxRounds passes in total.
//
// Inputs:
//   - ctx: Context for summarizer and cache calls.
//   - conv: The conversation. Not modified.
//
// Outputs:
//   - []datatypes.Message: Messages for the model.
//   - error: Summarizer errors and context errors. Cache failures are
//     logged and treated as misses.
func (c *Compressor) Format(ctx context.Context, conv datatypes.Conversation) ([]datatypes.Message, error) {
	if len(conv) <= c.cfg.WindowSize+1 {
		out := make([]datatypes.Message, len(conv))
		copy(out, conv)
		return out, nil
	}

	head := 0
	if _, ok := conv.System(); ok {
		head = 1
	}
	items := make([]item, 0, len(conv)-head)
	for i := head; i < len(conv); i++ {
		items = append(items, item{msg: conv[i], rng: datatypes.Range{Start: i, End: i + 1}})
	}

	folded, tail, err := c.fold(ctx, items)
	if err != nil {
		return nil, err
	}
	for round := 1; len(folded) > c.cfg.WindowSize; round++ {
		if round >= c.cfg.MaxRounds {
			c.logger.Warn("summary fold round limit reached",
				slog.Int("rounds", round),
				slog.Int("summaries", len(folded)),
				slog.Int("window_size", c.cfg.WindowSize))
			break
		}
		s, t, err := c.fold(ctx, folded)
		if err != nil {
			return nil, err
		}
		folded = append(s, t...)
	}

	out := make([]datatypes.Message, 0, head+len(folded)+len(tail))
	out = append(out, conv[:head]...)
	for _, it := range folded {
		out = append(out, it.msg)
	}
	for _, it := range tail {
		out = append(out, it.msg)
	}
	return out, nil
}

// fold summarizes every full window except the newest one. The newest
// window, full or partial, is returned unchanged as tail.
func (c *Compressor) fold(ctx context.Context, items []item) ([]item, []item, error) {
	w := c.cfg.WindowSize
	lastStart := ((len(items) - 1) / w) * w

	summaries := make([]item, 0, lastStart/w)
	for i := 0; i < lastStart; i += w {
		s, err := c.summarize(ctx, items[i:i+w])
		if err != nil {
			return nil, nil, err
		}
		summaries = append(summaries, s)
	}
	return summaries, items[lastStart:], nil
}

func (c *Compressor) summarize(ctx context.Context, window []item) (item, error) {
	rng := datatypes.Range{Start: window[0].rng.Start, End: window[len(window)-1].rng.End}
	msgs := make([]datatypes.Message, len(window))
	for i, it := range window {
		msgs[i] = it.msg
	}
	hash := WindowHash(msgs, rng)

	if entry := c.readCache(ctx, hash); entry != nil {
		return item{msg: entry.Summary, rng: entry.Range}, nil
	}

	v, err, _ := c.group.Do(hash, func() (any, error) {
		if entry := c.readCache(ctx, hash); entry != nil {
			return entry.Summary, nil
		}
		text, err := c.summarizer.Summarize(ctx, msgs)
		if err != nil {
			return nil, err
		}
		r := rng
		msg := datatypes.Message{
			Role:    datatypes.RoleUser,
			Content: text,
			Metadata: datatypes.MessageMetadata{
				Summarized:   true,
				SummaryRange: &r,
			},
		}
		c.writeCache(ctx, CacheEntry{Hash: hash, Summary: msg, Range: rng})
		return msg, nil
	})
	if err != nil {
		return item{}, fmt.Errorf("summarize window [%d,%d): %w", rng.Start, rng.End, err)
	}
	return item{msg: v.(datatypes.Message), rng: rng}, nil
}

func (c *Compressor) readCache(ctx context.Context, hash string) *CacheEntry {
	if c.cache == nil {
		return nil
	}
	entry, err := c.cache.Read(ctx, hash)
	if err != nil {
		c.logger.Warn("summary cache read failed",
			slog.String("hash", hash),
			slog.String("error", err.Error()))
		return nil
	}
	return entry
}

func (c *Compressor) writeCache(ctx context.Context, entry CacheEntry) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Write(context.WithoutCancel(ctx), entry); err != nil {
		c.logger.Warn("summary cache write failed",
			slog.String("hash", entry.Hash),
			slog.String("error", err.Error()))
	}
}

// WindowHash identifies a window by its position and content.
func WindowHash(window []datatypes.Message, rng datatypes.Range) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%d\x00", rng.Start, rng.End)
	for i, m := range window {
		fmt.Fprintf(h, "%d\x00%s\x00%d\x00", i, m.Role, len(m.Content))
		h.Write([]byte(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}
