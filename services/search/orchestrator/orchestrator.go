// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator partitions the simulation pool into instance groups
// and runs one search loop per group concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/simsearch/services/search/engine"
	"github.com/AleutianAI/simsearch/services/search/evaluator"
)

var (
	// ErrImpossiblePartition is returned when the pool cannot give every
	// group at least one active instance plus a holdout.
	ErrImpossiblePartition = errors.New("impossible partition")

	// ErrTooManyFailures stops a group whose iterations keep failing.
	ErrTooManyFailures = errors.New("too many consecutive iteration failures")

	// ErrNilBuilder is returned by New without a group builder.
	ErrNilBuilder = errors.New("group builder is nil")
)

// Slice is one contiguous part of the pool. The last instance of the part
// is the holdout.
type Slice struct {
	GroupID int
	Active  []evaluator.Instance
	Holdout evaluator.Instance
}

// InstanceIDs lists the slice's instances, holdout last.
func (s Slice) InstanceIDs() []string {
	ids := make([]string, 0, len(s.Active)+1)
	for _, inst := range s.Active {
		ids = append(ids, inst.ID())
	}
	if s.Holdout != nil {
		ids = append(ids, s.Holdout.ID())
	}
	return ids
}

// Partition cuts pool into n contiguous slices of len(pool)/n instances.
// Instances past n*(len(pool)/n) are unused.
//
// Outputs:
//   - []Slice: n slices with disjoint instances.
//   - error: ErrImpossiblePartition if n < 1 or a slice would hold fewer
//     than two instances.
func Partition(pool []evaluator.Instance, n int) ([]Slice, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: %d groups requested", ErrImpossiblePartition, n)
	}
	size := len(pool) / n
	if size < 2 {
		return nil, fmt.Errorf("%w: %d instances cannot form %d groups of an active instance plus a holdout",
			ErrImpossiblePartition, len(pool), n)
	}
	slices := make([]Slice, n)
	for g := 0; g < n; g++ {
		part := pool[g*size : (g+1)*size]
		slices[g] = Slice{
			GroupID: g,
			Active:  append([]evaluator.Instance(nil), part[:size-1]...),
			Holdout: part[size-1],
		}
	}
	return slices, nil
}

// Iterator runs one search iteration. engine.Engine implements it.
type Iterator interface {
	RunIteration(ctx context.Context) (engine.IterationResult, error)
}

// Group is the running state built for one slice.
type Group struct {
	Slice

	// Engine runs the group's iterations.
	Engine Iterator

	// Evaluator is closed by Cleanup. May be nil.
	Evaluator io.Closer
}

// Builder assembles the evaluator and engine for one slice.
type Builder func(s Slice) (*Group, error)

// Stopper is the shared progress reporter.
type Stopper interface {
	Stop()
}

// GroupError reports why a group stopped early.
type GroupError struct {
	GroupID   int
	Instances []string
	Iteration int
	Err       error
}

// Error implements error.
func (e *GroupError) Error() string {
	return fmt.Sprintf("group %d [%s] stopped at iteration %d: %v",
		e.GroupID, strings.Join(e.Instances, ","), e.Iteration, e.Err)
}

// Unwrap exposes the cause.
func (e *GroupError) Unwrap() error {
	return e.Err
}

// GroupStats counts what a group did during Run.
type GroupStats struct {
	GroupID     int
	Iterations  int
	Failures    int
	Skipped     int
	Halted      int
	Persisted   int
	Elapsed     time.Duration
	Err         error
	Instances   []string
	Interrupted bool
}

// Config configures an Orchestrator.
type Config struct {
	// Groups is the number of parallel instance groups.
	Groups int `yaml:"groups" json:"groups" validate:"gte=1"`

	// MaxConsecutiveFailures stops a group after that many failed
	// iterations in a row. Zero never stops.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" json:"max_consecutive_failures" validate:"gte=0"`
}

// DefaultConfig returns one group that stops after five failures in a row.
func DefaultConfig() Config {
	return Config{Groups: 1, MaxConsecutiveFailures: 5}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithReporter registers the reporter stopped by Cleanup.
func WithReporter(r Stopper) Option {
	return func(o *Orchestrator) {
		o.reporter = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Orchestrator owns the instance groups of a run.
//
// Thread Safety: Run must not be called concurrently with itself. Cleanup
// and Stats are safe to call at any time.
type Orchestrator struct {
	cfg      Config
	groups   []*Group
	reporter Stopper
	logger   *slog.Logger

	mu    sync.Mutex
	stats []GroupStats

	cleanupOnce sync.Once
	cleanupErr  error
}

// New partitions pool and builds every group before anything runs.
//
// Inputs:
//   - cfg: Group count and failure budget.
//   - pool: Flat simulation instance pool.
//   - build: Builds evaluator and engine per slice.
//
// Outputs:
//   - *Orchestrator: Ready to Run.
//   - error: ErrImpossiblePartition, ErrNilBuilder or the first builder
//     error. Groups built before a failure are closed.
func New(cfg Config, pool []evaluator.Instance, build Builder, opts ...Option) (*Orchestrator, error) {
	if build == nil {
		return nil, ErrNilBuilder
	}
	slices, err := Partition(pool, cfg.Groups)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	o.groups = make([]*Group, 0, len(slices))
	for _, s := range slices {
		g, err := build(s)
		if err == nil && (g == nil || g.Engine == nil) {
			err = errors.New("builder returned no engine")
		}
		if err != nil {
			closeErr := o.closeEvaluators()
			return nil, errors.Join(fmt.Errorf("build group %d: %w", s.GroupID, err), closeErr)
		}
		g.Slice = s
		o.groups = append(o.groups, g)
	}

	o.stats = make([]GroupStats, len(o.groups))
	for i, g := range o.groups {
		o.stats[i] = GroupStats{GroupID: g.GroupID, Instances: g.InstanceIDs()}
		o.logger.Info("instance group ready",
			slog.Int("group", g.GroupID),
			slog.Int("active", len(g.Active)),
			slog.String("holdout", g.Holdout.ID()))
	}
	return o, nil
}

// Groups returns the built groups.
func (o *Orchestrator) Groups() []*Group {
	return o.groups
}

// Run runs iterations sequential iterations in every group, all groups
// concurrently.
//
// Description:
//
//	Groups do not cancel each other. A failed iteration is logged with the
//	group's identity and the group moves on, until MaxConsecutiveFailures
//	is reached. Cancelling ctx stops each group after its current
//	iteration. Run returns only after every group has finished.
//
// Outputs:
//   - error: The *GroupError of every group that stopped early, joined.
//     Nil if all groups completed.
func (o *Orchestrator) Run(ctx context.Context, iterations int) error {
	errs := make([]error, len(o.groups))

	var g errgroup.Group
	for i, grp := range o.groups {
		g.Go(func() error {
			errs[i] = o.runGroup(ctx, i, grp, iterations)
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func (o *Orchestrator) runGroup(ctx context.Context, idx int, g *Group, iterations int) error {
	logger := o.logger.With(
		slog.Int("group", g.GroupID),
		slog.String("instances", strings.Join(g.InstanceIDs(), ",")))
	start := time.Now()
	consecutive := 0

	fail := func(i int, err error) error {
		gerr := &GroupError{GroupID: g.GroupID, Instances: g.InstanceIDs(), Iteration: i, Err: err}
		o.update(idx, func(s *GroupStats) {
			s.Err = gerr
			s.Elapsed = time.Since(start)
		})
		return gerr
	}

	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			logger.Info("group stopped by cancellation", slog.Int("iteration", i))
			o.update(idx, func(s *GroupStats) { s.Interrupted = true })
			return fail(i, err)
		}

		res, err := g.Engine.RunIteration(ctx)
		o.update(idx, func(s *GroupStats) {
			s.Iterations++
			s.Persisted += len(res.Persisted)
			if res.Skipped {
				s.Skipped++
			}
			if res.Halted {
				s.Halted++
			}
			if err != nil {
				s.Failures++
			}
		})

		if err == nil {
			consecutive = 0
			continue
		}
		if ctx.Err() != nil {
			logger.Info("group stopped by cancellation",
				slog.Int("iteration", i),
				slog.Int("persisted", len(res.Persisted)))
			o.update(idx, func(s *GroupStats) { s.Interrupted = true })
			return fail(i, err)
		}

		consecutive++
		logger.Error("iteration failed",
			slog.Int("iteration", i),
			slog.Int("consecutive", consecutive),
			slog.String("error", err.Error()))
		if o.cfg.MaxConsecutiveFailures > 0 && consecutive >= o.cfg.MaxConsecutiveFailures {
			return fail(i, fmt.Errorf("%w (%d): %w", ErrTooManyFailures, consecutive, err))
		}
	}

	o.update(idx, func(s *GroupStats) { s.Elapsed = time.Since(start) })
	logger.Info("group finished", slog.Int("iterations", iterations))
	return nil
}

func (o *Orchestrator) update(idx int, fn func(*GroupStats)) {
	o.mu.Lock()
	fn(&o.stats[idx])
	o.mu.Unlock()
}

// Stats returns a copy of the per-group counters.
func (o *Orchestrator) Stats() []GroupStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]GroupStats(nil), o.stats...)
}

// Cleanup stops the reporter and closes every evaluator. Only the first
// call does anything; later calls return the same result.
func (o *Orchestrator) Cleanup() error {
	o.cleanupOnce.Do(func() {
		if o.reporter != nil {
			o.reporter.Stop()
		}
		o.cleanupErr = o.closeEvaluators()
	})
	return o.cleanupErr
}

func (o *Orchestrator) closeEvaluators() error {
	var errs []error
	for _, g := range o.groups {
		if g.Evaluator == nil {
			continue
		}
		if err := g.Evaluator.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close group %d evaluator: %w", g.GroupID, err))
		}
	}
	return errors.Join(errs...)
}
