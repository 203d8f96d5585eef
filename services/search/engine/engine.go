// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs single search iterations: pick a parent program, ask
// the model to extend it, split the extension into chunks, and evaluate and
// persist each chunk as a child node.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/simsearch/services/llm"
	"github.com/AleutianAI/simsearch/services/search/datatypes"
	"github.com/AleutianAI/simsearch/services/search/evaluator"
	"github.com/AleutianAI/simsearch/services/search/retry"
	"github.com/AleutianAI/simsearch/services/search/sampler"
)

var (
	// ErrMissingComponent is returned by New when a required dependency is
	// nil.
	ErrMissingComponent = errors.New("engine component missing")

	// ErrEmptyGeneration is returned when the model produced no code.
	ErrEmptyGeneration = errors.New("model returned no code")
)

// Store is the write side of the program store.
type Store interface {
	Insert(ctx context.Context, p *datatypes.Program) (string, error)
}

// Compressor bounds a conversation before it is sent to the model.
type Compressor interface {
	Format(ctx context.Context, conv datatypes.Conversation) ([]datatypes.Message, error)
}

// Splitter cuts one generation into chunks.
type Splitter interface {
	Split(ctx context.Context, code string) ([]datatypes.ProgramChunk, error)
}

// ChunkEvaluator runs a chunk against the group's instances.
type ChunkEvaluator interface {
	Evaluate(ctx context.Context, chunk datatypes.ProgramChunk) (evaluator.Evaluation, error)
}

// Components are the collaborators of one Engine. All are required.
type Components struct {
	Sampler    sampler.ParentSampler
	Compressor Compressor
	LLM        llm.Client
	Splitter   Splitter
	Evaluator  ChunkEvaluator
	Store      Store
}

func (c Components) validate() error {
	missing := make([]string, 0, 6)
	if c.Sampler == nil {
		missing = append(missing, "sampler")
	}
	if c.Compressor == nil {
		missing = append(missing, "compressor")
	}
	if c.LLM == nil {
		missing = append(missing, "llm")
	}
	if c.Splitter == nil {
		missing = append(missing, "splitter")
	}
	if c.Evaluator == nil {
		missing = append(missing, "evaluator")
	}
	if c.Store == nil {
		missing = append(missing, "store")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingComponent, strings.Join(missing, ", "))
	}
	return nil
}

// GenerationConfig holds the sampling parameters sent with every request.
type GenerationConfig struct {
	Temperature float32  `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int      `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`
	Stop        []string `yaml:"stop" json:"stop"`
}

func (g GenerationConfig) params() llm.GenerationParams {
	p := llm.GenerationParams{Stop: g.Stop}
	temp := g.Temperature
	p.Temperature = &temp
	if g.MaxTokens > 0 {
		n := g.MaxTokens
		p.MaxTokens = &n
	}
	return p
}

// Config configures an Engine.
type Config struct {
	// GroupID tags persisted programs and metrics.
	GroupID int

	// Version selects the program tree being searched.
	Version int

	// SkipFailures keeps going after a failed chunk instead of halting the
	// rest of the generation.
	SkipFailures bool

	// SeedRoot inserts a root program when the store has no eligible
	// parent.
	SeedRoot bool

	// SystemPrompt and SeedPrompt form the conversation of a seeded root.
	SystemPrompt string
	SeedPrompt   string

	Generation GenerationConfig

	// Retry governs store inserts.
	Retry retry.Policy
}

// IterationResult summarizes one iteration.
type IterationResult struct {
	// ParentID is the program that was extended. Empty when skipped.
	ParentID string

	// Seeded is set when a root was inserted this iteration.
	Seeded bool

	// Skipped means no parent was eligible.
	Skipped bool

	// Chunks is the number of chunks the generation split into.
	Chunks int

	// Persisted lists child IDs in parent to child order.
	Persisted []string

	// Halted means a failed chunk stopped the remaining ones.
	Halted bool

	// Interrupted means the context ended during the iteration.
	Interrupted bool
}

// Outcome returns a short label for logs and metrics.
func (r IterationResult) Outcome() string {
	switch {
	case r.Interrupted:
		return "interrupted"
	case r.Skipped:
		return "skipped"
	case r.Halted:
		return "halted"
	default:
		return "completed"
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer sets the tracer. The default tracer is disabled.
func WithTracer(t *SearchTracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// Engine runs search iterations for one instance group.
//
// Thread Safety: RunIteration must not be called concurrently on the same
// Engine. Iterations share the group's simulation instances.
type Engine struct {
	c      Components
	cfg    Config
	logger *slog.Logger
	tracer *SearchTracer
	group  string
}

// New creates an Engine.
//
// Outputs:
//   - *Engine: The engine.
//   - error: ErrMissingComponent naming every nil component.
func New(c Components, cfg Config, opts ...Option) (*Engine, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	e := &Engine{
		c:      c,
		cfg:    cfg,
		logger: slog.Default(),
		group:  strconv.Itoa(cfg.GroupID),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = NewSearchTracer(e.logger, false)
	}
	e.logger = e.logger.With(slog.Int("group", cfg.GroupID))
	return e, nil
}

// RunIteration performs one sample, extend, split, evaluate and persist
// cycle.
//
// Description:
//
//	When no parent is eligible the iteration is skipped, unless SeedRoot
//	is set, in which case a root is inserted and extended. Chunks are
//	evaluated in order and each persisted child becomes the parent of the
//	next. Without SkipFailures a failed chunk is persisted with its penalty
//	and the remaining chunks are dropped. Children already persisted are
//	never removed.
//
// Inputs:
//   - ctx: Context. On cancellation an executed chunk is still persisted
//     before the context error is returned.
//
// Outputs:
//   - IterationResult: What happened, populated even on error.
//   - error: Sampler, compressor, model, splitter and store errors, or the
//     context error.
func (e *Engine) RunIteration(ctx context.Context) (res IterationResult, err error) {
	ctx, span := e.tracer.StartIteration(ctx, e.cfg.GroupID, e.cfg.Version)
	logger := LoggerWithTrace(ctx, e.logger)
	defer func() {
		if err != nil && ctx.Err() != nil {
			res.Interrupted = true
		}
		e.tracer.EndIteration(span, res, err)
		outcome := res.Outcome()
		if err != nil && !res.Interrupted {
			outcome = "error"
		}
		iterationsTotal.WithLabelValues(e.group, outcome).Inc()
	}()

	parent, err := e.sampleParent(ctx)
	if err != nil {
		return res, err
	}
	if parent == nil {
		if !e.cfg.SeedRoot {
			res.Skipped = true
			logger.Debug("no eligible parent", slog.Int("version", e.cfg.Version))
			return res, nil
		}
		parent, err = e.seedRoot(ctx)
		if err != nil {
			return res, err
		}
		res.Seeded = true
	}
	res.ParentID = parent.ID

	messages, err := e.compress(ctx, parent)
	if err != nil {
		return res, err
	}

	text, err := e.generate(ctx, messages)
	if err != nil {
		return res, err
	}

	chunks, err := e.split(ctx, text)
	if err != nil {
		return res, err
	}
	res.Chunks = len(chunks)
	generationChunks.Observe(float64(len(chunks)))

	current := parent
	for i, chunk := range chunks {
		eval, evalErr := e.evaluate(ctx, i, chunk)
		if evalErr != nil && !eval.Executed {
			chunksTotal.WithLabelValues(e.group, "interrupted").Inc()
			return res, evalErr
		}

		child := e.childOf(current, chunk, eval, evalErr != nil)
		id, err := e.persist(ctx, child)
		if err != nil {
			return res, errors.Join(evalErr, err)
		}
		res.Persisted = append(res.Persisted, id)
		if !eval.Interrupted {
			chunkAdvantage.WithLabelValues(e.group).Observe(eval.Advantage)
		}

		switch {
		case evalErr != nil:
			chunksTotal.WithLabelValues(e.group, "interrupted").Inc()
			logger.Info("iteration interrupted after persisting executed chunk",
				slog.String("program_id", id),
				slog.Int("chunk", i))
			return res, evalErr
		case eval.Failed:
			chunksTotal.WithLabelValues(e.group, "failed").Inc()
		default:
			chunksTotal.WithLabelValues(e.group, "ok").Inc()
		}

		logger.Info("chunk persisted",
			slog.String("program_id", id),
			slog.String("parent_id", current.ID),
			slog.Int("depth", child.Depth),
			slog.Float64("advantage", eval.Advantage),
			slog.Bool("failed", eval.Failed))

		if eval.Failed && !e.cfg.SkipFailures {
			res.Halted = i < len(chunks)-1
			if res.Halted {
				logger.Info("chunk failed, dropping remaining chunks",
					slog.Int("chunk", i),
					slog.Int("dropped", len(chunks)-i-1))
			}
			break
		}
		current = child
	}
	return res, nil
}

func (e *Engine) sampleParent(ctx context.Context) (*datatypes.Program, error) {
	ctx, ps := e.tracer.StartPhase(ctx, PhaseSampleParent)
	parent, err := e.c.Sampler.SampleParent(ctx, e.cfg.Version)
	if err != nil {
		err = fmt.Errorf("sample parent: %w", err)
	}
	ps.End(err, attribute.Bool("simsearch.parent_found", parent != nil))
	return parent, err
}

// seedRoot inserts a depth zero program carrying the seed conversation.
func (e *Engine) seedRoot(ctx context.Context) (*datatypes.Program, error) {
	ctx, ps := e.tracer.StartPhase(ctx, PhaseSeedRoot)
	var conv datatypes.Conversation
	if e.cfg.SystemPrompt != "" {
		conv = append(conv, datatypes.Message{Role: datatypes.RoleSystem, Content: e.cfg.SystemPrompt})
	}
	conv = append(conv, datatypes.Message{Role: datatypes.RoleUser, Content: e.cfg.SeedPrompt})

	root := &datatypes.Program{
		ID:            uuid.NewString(),
		Conversation:  conv,
		Value:         datatypes.Float(0),
		RawReward:     datatypes.Float(0),
		HoldoutReward: datatypes.Float(0),
		Advantage:     datatypes.Float(0),
		Version:       e.cfg.Version,
		Meta:          datatypes.ProgramMeta{GroupID: e.cfg.GroupID},
	}
	_, err := e.insert(ctx, root)
	if err != nil {
		err = fmt.Errorf("seed root: %w", err)
	} else {
		e.logger.Info("seeded root program", slog.String("program_id", root.ID))
	}
	ps.End(err)
	return root, err
}

func (e *Engine) compress(ctx context.Context, parent *datatypes.Program) ([]datatypes.Message, error) {
	ctx, ps := e.tracer.StartPhase(ctx, PhaseCompress,
		attribute.Int("simsearch.conversation_length", len(parent.Conversation)))
	messages, err := e.c.Compressor.Format(ctx, parent.Conversation)
	if err != nil {
		err = fmt.Errorf("compress context: %w", err)
	}
	ps.End(err, attribute.Int("simsearch.messages", len(messages)))
	return messages, err
}

func (e *Engine) generate(ctx context.Context, messages []datatypes.Message) (string, error) {
	ctx, ps := e.tracer.StartPhase(ctx, PhaseGenerate)
	text, err := e.c.LLM.Complete(ctx, messages, e.cfg.Generation.params())
	if err != nil {
		err = fmt.Errorf("generate extension: %w", err)
	}
	ps.End(err, attribute.Int("simsearch.response_bytes", len(text)))
	return text, err
}

// split strips markdown fences and splits the code. A generation without
// docstrings becomes one unlabeled chunk.
func (e *Engine) split(ctx context.Context, text string) ([]datatypes.ProgramChunk, error) {
	ctx, ps := e.tracer.StartPhase(ctx, PhaseSplit)
	code := StripFences(text)
	if code == "" {
		ps.End(ErrEmptyGeneration)
		return nil, ErrEmptyGeneration
	}
	chunks, err := e.c.Splitter.Split(ctx, code)
	if err != nil {
		err = fmt.Errorf("split generation: %w", err)
		ps.End(err)
		return nil, err
	}
	if len(chunks) == 0 {
		chunks = []datatypes.ProgramChunk{{Code: code}}
	}
	ps.End(nil, attribute.Int("simsearch.chunks", len(chunks)))
	return chunks, nil
}

func (e *Engine) evaluate(ctx context.Context, idx int, chunk datatypes.ProgramChunk) (evaluator.Evaluation, error) {
	ctx, ps := e.tracer.StartPhase(ctx, PhaseEvaluate,
		attribute.Int("simsearch.chunk_index", idx),
		attribute.String("simsearch.chunk_label", firstLine(chunk.Label)))
	eval, err := e.c.Evaluator.Evaluate(ctx, chunk)
	ps.End(err,
		attribute.Float64("simsearch.advantage", eval.Advantage),
		attribute.Bool("simsearch.failed", eval.Failed))
	return eval, err
}

// childOf builds the program for an evaluated chunk. A chunk whose
// evaluation was interrupted before scoring is stored without rewards, so
// samplers that require an advantage never pick it.
func (e *Engine) childOf(parent *datatypes.Program, chunk datatypes.ProgramChunk, eval evaluator.Evaluation, interrupted bool) *datatypes.Program {
	source := chunk.Source()
	conv := parent.Conversation.Append(
		datatypes.Message{Role: datatypes.RoleAssistant, Content: source},
		datatypes.Message{Role: datatypes.RoleUser, Content: eval.Observation},
	)
	child := &datatypes.Program{
		ID:           uuid.NewString(),
		ParentID:     parent.ID,
		Code:         source,
		Conversation: conv,
		Depth:        parent.Depth + 1,
		Version:      e.cfg.Version,
		Meta: datatypes.ProgramMeta{
			GroupID:     e.cfg.GroupID,
			ChunkLabel:  chunk.Label,
			ErrorCount:  eval.ErrorCount,
			Penalized:   eval.Failed,
			Interrupted: interrupted || eval.Interrupted,
		},
	}
	if !eval.Interrupted {
		child.Value = datatypes.Float(eval.RawReward)
		child.RawReward = datatypes.Float(eval.RawReward)
		child.HoldoutReward = datatypes.Float(eval.HoldoutReward)
		child.Advantage = datatypes.Float(eval.Advantage)
	}
	return child
}

// persist stores the child even if ctx has been cancelled.
func (e *Engine) persist(ctx context.Context, child *datatypes.Program) (string, error) {
	ctx, ps := e.tracer.StartPhase(ctx, PhasePersist,
		attribute.Int("simsearch.depth", child.Depth))
	id, err := e.insert(context.WithoutCancel(ctx), child)
	if err != nil {
		err = fmt.Errorf("persist child: %w", err)
	}
	ps.End(err)
	return id, err
}

func (e *Engine) insert(ctx context.Context, p *datatypes.Program) (string, error) {
	start := time.Now()
	id, err := retry.Do(ctx, func(ctx context.Context) (string, error) {
		return e.c.Store.Insert(ctx, p)
	}, datatypes.IsTransient, e.cfg.Retry)
	if err != nil {
		e.logger.Error("program insert failed",
			slog.String("program_id", p.ID),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()))
	}
	return id, err
}

var fenceRE = regexp.MustCompile("(?s)```[\\w+.-]*[ \\t]*\\r?\\n(.*?)```")

// StripFences extracts code from markdown fenced blocks. Multiple blocks
// are joined in order. An unclosed fence yields everything after its
// opening line. Text without fences is returned trimmed.
func StripFences(text string) string {
	if matches := fenceRE.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		parts := make([]string, 0, len(matches))
		for _, m := range matches {
			if block := trimBlock(m[1]); block != "" {
				parts = append(parts, block)
			}
		}
		return strings.Join(parts, "\n\n")
	}
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			return ""
		}
		return trimBlock(rest[nl+1:])
	}
	return trimBlock(text)
}

func trimBlock(s string) string {
	s = strings.TrimLeft(s, "\r\n")
	return strings.TrimRight(s, " \t\r\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
