// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sampler chooses which stored program the next generation
// extends.
//
// Two strategies share the ParentSampler interface: WeightedSampler draws
// in proportion to a squashed advantage z-score, BeamSampler refines the
// best recent programs and occasionally explores outside them. Both read
// the program store through retry.Do so transient storage errors are
// retried with backoff before surfacing.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/AleutianAI/simsearch/services/search/datatypes"
	"github.com/AleutianAI/simsearch/services/search/retry"
)

// ErrUnknownStrategy is returned by New for an unrecognized strategy.
var ErrUnknownStrategy = errors.New("unknown sampler strategy")

// ParentSampler picks a parent program for the given version.
//
// Outputs:
//   - *datatypes.Program: The parent, or nil when nothing is eligible.
//   - error: Non-transient store errors, retry.ErrExhausted, or context
//     errors.
type ParentSampler interface {
	SampleParent(ctx context.Context, version int) (*datatypes.Program, error)
}

// Store is the read side of the program store.
type Store interface {
	QueryCandidates(ctx context.Context, version int, filter datatypes.CandidateFilter) ([]datatypes.Candidate, error)
	Get(ctx context.Context, id string) (*datatypes.Program, error)
	CountPrograms(ctx context.Context, version int) (int, error)
}

// Strategy names a sampler implementation.
type Strategy string

const (
	StrategyWeighted Strategy = "weighted"
	StrategyBeam     Strategy = "beam"
)

// Config selects and configures a strategy.
type Config struct {
	Strategy Strategy       `yaml:"strategy" json:"strategy" validate:"oneof=weighted beam"`
	Weighted WeightedConfig `yaml:"weighted" json:"weighted"`
	Beam     BeamConfig     `yaml:"beam" json:"beam"`
	Retry    retry.Policy   `yaml:"retry" json:"retry"`
}

// DefaultConfig returns a weighted sampler with adaptive strength.
func DefaultConfig() Config {
	return Config{
		Strategy: StrategyWeighted,
		Weighted: WeightedConfig{
			MaxConversationLength: 200,
			DepthLookback:         10,
			CompressionStrength:   0.5,
			Adaptive:              true,
			Period:                100,
		},
		Beam: BeamConfig{
			BeamWidth:       8,
			ExplorationProb: 0.1,
			RecentWindow:    200,
		},
		Retry: retry.DefaultPolicy(),
	}
}

// Option configures a sampler.
type Option func(*base)

// WithRand sets the random source. Tests use a seeded source.
func WithRand(r *rand.Rand) Option {
	return func(b *base) {
		if r != nil {
			b.rng = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *base) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New builds the sampler named by cfg.Strategy.
func New(cfg Config, store Store, opts ...Option) (ParentSampler, error) {
	switch cfg.Strategy {
	case StrategyWeighted, "":
		return NewWeighted(cfg.Weighted, store, cfg.Retry, opts...), nil
	case StrategyBeam:
		return NewBeam(cfg.Beam, store, cfg.Retry, opts...), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.Strategy)
	}
}

// base holds what every strategy needs: the store, the retry policy and a
// locked random source.
type base struct {
	store  Store
	policy retry.Policy
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func newBase(store Store, policy retry.Policy, opts []Option) *base {
	b := &base{
		store:  store,
		policy: policy,
		logger: slog.Default(),
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *base) query(ctx context.Context, version int, filter datatypes.CandidateFilter) ([]datatypes.Candidate, error) {
	cands, err := retry.Do(ctx, func(ctx context.Context) ([]datatypes.Candidate, error) {
		return b.store.QueryCandidates(ctx, version, filter)
	}, datatypes.IsTransient, b.policy)
	if err != nil {
		return nil, fmt.Errorf("query candidates for version %d: %w", version, err)
	}
	return cands, nil
}

func (b *base) fetch(ctx context.Context, id string) (*datatypes.Program, error) {
	p, err := retry.Do(ctx, func(ctx context.Context) (*datatypes.Program, error) {
		return b.store.Get(ctx, id)
	}, datatypes.IsTransient, b.policy)
	if err != nil {
		return nil, fmt.Errorf("fetch parent %s: %w", id, err)
	}
	return p, nil
}

func (b *base) count(ctx context.Context, version int) (int, error) {
	n, err := retry.Do(ctx, func(ctx context.Context) (int, error) {
		return b.store.CountPrograms(ctx, version)
	}, datatypes.IsTransient, b.policy)
	if err != nil {
		return 0, fmt.Errorf("count programs for version %d: %w", version, err)
	}
	return n, nil
}

func (b *base) float64() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.Float64()
}

func (b *base) intN(n int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rng.IntN(n)
}
