// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evaluator executes program chunks on a group's live simulation
// instances and turns the observed score changes into a reward and an
// advantage over the group's holdout instance.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/simsearch/services/search/datatypes"
)

// ErrNoInstances is returned by New when the group has no active
// instance or no holdout.
var ErrNoInstances = errors.New("evaluator needs at least one active instance and a holdout")

// maxReportedOutput bounds the output pushed to the reporter.
const maxReportedOutput = 512

// Config configures an Evaluator.
type Config struct {
	// AccrualDelay is waited after execution so deferred in-simulation
	// effects show up in the score.
	AccrualDelay time.Duration `yaml:"accrual_delay" json:"accrual_delay" validate:"gte=0"`

	// PenaltyReward replaces the raw reward of a failed evaluation.
	PenaltyReward float64 `yaml:"penalty_reward" json:"penalty_reward"`

	// SkipFailures excludes failing instances instead of failing the
	// whole evaluation.
	SkipFailures bool `yaml:"skip_failures" json:"skip_failures"`
}

// InstanceOutcome is the per-instance detail of one evaluation.
type InstanceOutcome struct {
	ID      string
	Pre     float64
	Post    float64
	Delta   float64
	Output  string
	Elapsed time.Duration
	Info    map[string]any
	Err     error
}

// Evaluation is the result of running one chunk.
type Evaluation struct {
	// RawReward is the mean score delta over the surviving active
	// instances, or PenaltyReward when Failed.
	RawReward float64

	// HoldoutReward is the holdout's score delta over the same window. Zero
	// if the holdout could not be scored.
	HoldoutReward float64

	// Advantage is RawReward - HoldoutReward.
	Advantage float64

	// Failed means the penalty was substituted.
	Failed bool

	// Executed means code reached at least one instance, so the chunk must
	// be persisted even if the evaluation was interrupted.
	Executed bool

	// Interrupted means cancellation cut the evaluation short before the
	// post-execution scores were taken. The rewards are unset and must not
	// be ranked.
	Interrupted bool

	// ErrorCount counts instance failures, holdout included.
	ErrorCount int

	// Observation is the execution feedback for the model.
	Observation string

	// Elapsed is the wall time of the whole evaluation.
	Elapsed time.Duration

	Instances []InstanceOutcome
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithReporter sets the progress reporter.
func WithReporter(r Reporter) Option {
	return func(e *Evaluator) {
		if r != nil {
			e.reporter = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock replaces the accrual wait. Tests use it to skip real delays.
func WithClock(after func(time.Duration) <-chan time.Time) Option {
	return func(e *Evaluator) {
		if after != nil {
			e.after = after
		}
	}
}

// Evaluator scores chunks on one group's instances.
//
// Thread Safety: Evaluate calls must not overlap; a group runs its
// iterations sequentially. Close is safe to call from any goroutine and
// more than once.
type Evaluator struct {
	active  []Instance
	holdout Instance
	cfg     Config

	reporter Reporter
	logger   *slog.Logger
	after    func(time.Duration) <-chan time.Time

	mu        sync.Mutex
	errCounts map[string]int

	closeOnce sync.Once
	closeErr  error
}

// New creates an Evaluator over active instances and a holdout.
//
// Inputs:
//   - active: Instances that receive candidate code. Must not be empty.
//   - holdout: Baseline instance that never receives code.
//   - cfg: Evaluation settings.
//
// Outputs:
//   - *Evaluator: Ready evaluator.
//   - error: ErrNoInstances.
func New(active []Instance, holdout Instance, cfg Config, opts ...Option) (*Evaluator, error) {
	if len(active) == 0 || holdout == nil {
		return nil, ErrNoInstances
	}
	e := &Evaluator{
		active:    append([]Instance(nil), active...),
		holdout:   holdout,
		cfg:       cfg,
		reporter:  nopReporter{},
		logger:    slog.Default(),
		after:     time.After,
		errCounts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ActiveIDs returns the IDs of the active instances.
func (e *Evaluator) ActiveIDs() []string {
	ids := make([]string, len(e.active))
	for i, inst := range e.active {
		ids[i] = inst.ID()
	}
	return ids
}

// HoldoutID returns the holdout instance ID.
func (e *Evaluator) HoldoutID() string {
	return e.holdout.ID()
}

// Evaluate runs chunk and measures its reward.
//
// Description:
//
//	Every active instance and the holdout are scored, the chunk is
//	executed on the active instances concurrently, AccrualDelay is waited,
//	and everything is scored again. Instance failures never escape: they
//	either exclude the instance (SkipFailures) or fail the evaluation with
//	PenaltyReward. If every active instance fails the evaluation fails in
//	both modes. A holdout failure sets the holdout reward to 0.
//
// Inputs:
//   - ctx: Context. Cancellation is the only error path.
//   - chunk: The chunk to run. Its Source() is what gets executed.
//
// Outputs:
//   - Evaluation: Always populated. On cancellation after execution it
//     reports Executed and Interrupted with the instance outputs and no
//     reward.
//   - error: The context error when ctx is done.
func (e *Evaluator) Evaluate(ctx context.Context, chunk datatypes.ProgramChunk) (Evaluation, error) {
	start := time.Now()
	code := chunk.Source()

	outcomes := make([]InstanceOutcome, len(e.active))
	for i, inst := range e.active {
		outcomes[i].ID = inst.ID()
	}
	holdout := InstanceOutcome{ID: e.holdout.ID()}

	// Baseline scores.
	e.scoreAll(ctx, outcomes, &holdout, func(o *InstanceOutcome, s Score) { o.Pre = s.Value })
	if err := ctx.Err(); err != nil {
		return Evaluation{}, err
	}

	// Execute on every instance that produced a baseline.
	var wg sync.WaitGroup
	executed := false
	for i, inst := range e.active {
		if outcomes[i].Err != nil {
			continue
		}
		executed = true
		wg.Add(1)
		go func(idx int, inst Instance) {
			defer wg.Done()
			res, err := inst.Execute(ctx, code)
			if err != nil {
				outcomes[idx].Err = fmt.Errorf("execute: %w", err)
				return
			}
			outcomes[idx].Output = res.Output
			outcomes[idx].Elapsed = res.Elapsed
		}(i, inst)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return e.interrupted(outcomes, executed, start), err
	}

	// Let deferred effects accrue.
	if e.cfg.AccrualDelay > 0 {
		select {
		case <-ctx.Done():
			return e.interrupted(outcomes, executed, start), ctx.Err()
		case <-e.after(e.cfg.AccrualDelay):
		}
	}

	e.scoreAll(ctx, outcomes, &holdout, func(o *InstanceOutcome, s Score) {
		o.Post = s.Value
		o.Delta = o.Post - o.Pre
		o.Info = s.Info
	})
	if err := ctx.Err(); err != nil {
		return e.interrupted(outcomes, executed, start), err
	}

	eval := e.aggregate(outcomes, holdout)
	eval.Executed = executed
	eval.Elapsed = time.Since(start)
	e.report(outcomes, holdout)

	e.logger.Debug("chunk evaluated",
		slog.String("label", firstLine(chunk.Label)),
		slog.Float64("raw_reward", eval.RawReward),
		slog.Float64("holdout_reward", eval.HoldoutReward),
		slog.Float64("advantage", eval.Advantage),
		slog.Bool("failed", eval.Failed),
		slog.Int("errors", eval.ErrorCount),
		slog.Duration("elapsed", eval.Elapsed))
	return eval, nil
}

// scoreAll samples every not-yet-failed active instance and the holdout
// concurrently. set runs only for successful samples.
func (e *Evaluator) scoreAll(ctx context.Context, outcomes []InstanceOutcome, holdout *InstanceOutcome, set func(*InstanceOutcome, Score)) {
	var wg sync.WaitGroup
	var mu sync.Mutex
	sample := func(inst Instance, o *InstanceOutcome) {
		defer wg.Done()
		s, err := inst.Score(ctx)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			o.Err = fmt.Errorf("score: %w", err)
			return
		}
		set(o, s)
	}

	for i, inst := range e.active {
		if outcomes[i].Err != nil {
			continue
		}
		wg.Add(1)
		go sample(inst, &outcomes[i])
	}
	if holdout.Err == nil {
		wg.Add(1)
		go sample(e.holdout, holdout)
	}
	wg.Wait()
}

func (e *Evaluator) aggregate(outcomes []InstanceOutcome, holdout InstanceOutcome) Evaluation {
	eval := Evaluation{Instances: outcomes}

	var sum float64
	var survivors int
	var observation strings.Builder
	for _, o := range outcomes {
		if o.Err != nil {
			eval.ErrorCount++
			e.logger.Warn("instance failed during evaluation",
				slog.String("instance", o.ID),
				slog.String("error", o.Err.Error()))
			fmt.Fprintf(&observation, "[%s] error: %v\n", o.ID, o.Err)
			continue
		}
		survivors++
		sum += o.Delta
		fmt.Fprintf(&observation, "[%s] reward %+.4g\n%s\n", o.ID, o.Delta, strings.TrimRight(o.Output, "\n"))
	}

	switch {
	case survivors == 0, eval.ErrorCount > 0 && !e.cfg.SkipFailures:
		eval.Failed = true
		eval.RawReward = e.cfg.PenaltyReward
	default:
		eval.RawReward = sum / float64(survivors)
	}

	if holdout.Err != nil {
		eval.ErrorCount++
		e.logger.Warn("holdout failed during evaluation",
			slog.String("instance", holdout.ID),
			slog.String("error", holdout.Err.Error()))
	} else {
		eval.HoldoutReward = holdout.Delta
	}
	eval.Advantage = eval.RawReward - eval.HoldoutReward
	eval.Observation = strings.TrimRight(observation.String(), "\n")
	return eval
}

// interrupted is the result for an evaluation cut short by cancellation.
// Instance outputs are kept but no reward is measured.
func (e *Evaluator) interrupted(outcomes []InstanceOutcome, executed bool, start time.Time) Evaluation {
	var observation strings.Builder
	errCount := 0
	for _, o := range outcomes {
		if o.Err != nil {
			errCount++
			fmt.Fprintf(&observation, "[%s] error: %v\n", o.ID, o.Err)
			continue
		}
		fmt.Fprintf(&observation, "[%s] reward not measured\n%s\n", o.ID, strings.TrimRight(o.Output, "\n"))
	}
	observation.WriteString("evaluation interrupted before scoring")

	e.logger.Warn("evaluation interrupted",
		slog.Bool("executed", executed),
		slog.Int("errors", errCount))
	return Evaluation{
		Executed:    executed,
		Interrupted: true,
		ErrorCount:  errCount,
		Observation: observation.String(),
		Elapsed:     time.Since(start),
		Instances:   outcomes,
	}
}

func (e *Evaluator) report(outcomes []InstanceOutcome, holdout InstanceOutcome) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, o := range outcomes {
		fields := map[string]any{
			"role":       "active",
			"elapsed_ms": o.Elapsed.Milliseconds(),
		}
		if o.Err != nil {
			e.errCounts[o.ID]++
			fields["last_error"] = o.Err.Error()
		} else {
			fields["score"] = o.Post
			fields["score_delta"] = o.Delta
			fields["last_output"] = truncate(o.Output, maxReportedOutput)
		}
		fields["error_count"] = e.errCounts[o.ID]
		for k, v := range o.Info {
			fields["info."+k] = v
		}
		e.reporter.Update(o.ID, fields)
	}

	fields := map[string]any{"role": "holdout"}
	if holdout.Err != nil {
		e.errCounts[holdout.ID]++
		fields["last_error"] = holdout.Err.Error()
	} else {
		fields["score"] = holdout.Post
		fields["score_delta"] = holdout.Delta
	}
	fields["error_count"] = e.errCounts[holdout.ID]
	e.reporter.Update(holdout.ID, fields)
}

// Close releases every instance that implements io.Closer. Only the first
// call has an effect; later calls return the same result.
func (e *Evaluator) Close() error {
	e.closeOnce.Do(func() {
		var errs []error
		for _, inst := range append(append([]Instance(nil), e.active...), e.holdout) {
			if c, ok := inst.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close instance %s: %w", inst.ID(), err))
				}
			}
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
