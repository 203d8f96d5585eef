// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sampler

import (
	"context"
	"log/slog"
	"math"

	"github.com/AleutianAI/simsearch/services/search/datatypes"
	"github.com/AleutianAI/simsearch/services/search/retry"
)

// WeightedConfig configures WeightedSampler.
type WeightedConfig struct {
	// MaxConversationLength excludes parents whose conversation has this
	// many messages or more. Zero disables the cap.
	MaxConversationLength int `yaml:"max_conversation_length" json:"max_conversation_length" validate:"gte=0"`

	// DepthLookback keeps parents no shallower than the deepest candidate
	// minus this many levels. Zero disables the window.
	DepthLookback int `yaml:"depth_lookback" json:"depth_lookback" validate:"gte=0"`

	// CompressionStrength scales z-scores before squashing. 0 is uniform,
	// larger values favour the best candidates. Used when Adaptive is off.
	CompressionStrength float64 `yaml:"compression_strength" json:"compression_strength" validate:"gte=0"`

	// Adaptive derives the strength from a sine over the number of stored
	// programs, cycling between exploration and exploitation.
	Adaptive bool `yaml:"adaptive" json:"adaptive"`

	// Period is the number of programs per adaptive cycle.
	Period int `yaml:"period" json:"period" validate:"required_if=Adaptive true,gte=0"`
}

// WeightedSampler draws a parent with probability proportional to
// (tanh(z*s)+1)/2, where z is the advantage z-score within the eligible
// population and s the compression strength.
//
// Thread Safety: Safe for concurrent use.
type WeightedSampler struct {
	*base
	cfg WeightedConfig
}

// NewWeighted creates a WeightedSampler.
func NewWeighted(cfg WeightedConfig, store Store, policy retry.Policy, opts ...Option) *WeightedSampler {
	return &WeightedSampler{base: newBase(store, policy, opts), cfg: cfg}
}

// SampleParent implements ParentSampler.
func (s *WeightedSampler) SampleParent(ctx context.Context, version int) (*datatypes.Program, error) {
	cands, err := s.query(ctx, version, datatypes.CandidateFilter{
		RequireAdvantage:      true,
		MaxConversationLength: s.cfg.MaxConversationLength,
	})
	if err != nil {
		return nil, err
	}
	cands = withinLookback(cands, s.cfg.DepthLookback)
	if len(cands) == 0 {
		return nil, nil
	}

	strength := s.cfg.CompressionStrength
	if s.cfg.Adaptive {
		n, err := s.count(ctx, version)
		if err != nil {
			return nil, err
		}
		strength = AdaptiveStrength(n, s.cfg.Period)
	}

	advantages := make([]float64, len(cands))
	for i, c := range cands {
		advantages[i] = *c.Advantage
	}
	weights := Weights(advantages, strength)
	choice := cands[s.pick(weights)]

	s.logger.Debug("sampled parent",
		slog.String("strategy", string(StrategyWeighted)),
		slog.String("program_id", choice.ID),
		slog.Int("version", version),
		slog.Int("candidates", len(cands)),
		slog.Float64("strength", strength))

	return s.fetch(ctx, choice.ID)
}

// pick draws an index by weight, uniformly if every weight is zero.
func (s *WeightedSampler) pick(weights []float64) int {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 || math.IsNaN(total) || math.IsInf(total, 0) {
		return s.intN(len(weights))
	}
	r := s.float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(weights) - 1
}

// Weights maps advantages to sampling weights in [0,1].
//
// Description:
//
//	z = (a - mean) / std over the population, with z = 0 for every
//	candidate when std is zero. weight = (tanh(z*strength) + 1) / 2.
//	A strength of 0 gives every candidate weight 0.5.
func Weights(advantages []float64, strength float64) []float64 {
	n := float64(len(advantages))
	mean := 0.0
	for _, a := range advantages {
		mean += a
	}
	mean /= n

	variance := 0.0
	for _, a := range advantages {
		variance += (a - mean) * (a - mean)
	}
	std := math.Sqrt(variance / n)

	weights := make([]float64, len(advantages))
	for i, a := range advantages {
		z := 0.0
		if std > 0 {
			z = (a - mean) / std
		}
		weights[i] = (math.Tanh(z*strength) + 1) / 2
	}
	return weights
}

// AdaptiveStrength returns (sin(2*pi*count/period)+1)/2. A non-positive
// period yields the midpoint 0.5.
func AdaptiveStrength(count, period int) float64 {
	if period <= 0 {
		return 0.5
	}
	return (math.Sin(2*math.Pi*float64(count)/float64(period)) + 1) / 2
}

func withinLookback(cands []datatypes.Candidate, lookback int) []datatypes.Candidate {
	if lookback <= 0 || len(cands) == 0 {
		return cands
	}
	maxDepth := cands[0].Depth
	for _, c := range cands[1:] {
		maxDepth = max(maxDepth, c.Depth)
	}
	keep := datatypes.CandidateFilter{MinDepth: maxDepth - lookback}
	out := cands[:0:0]
	for _, c := range cands {
		if keep.Matches(c) {
			out = append(out, c)
		}
	}
	return out
}
