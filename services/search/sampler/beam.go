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
	"cmp"
	"context"
	"log/slog"
	"slices"

	"github.com/AleutianAI/simsearch/services/search/datatypes"
	"github.com/AleutianAI/simsearch/services/search/retry"
)

// BeamConfig configures BeamSampler.
type BeamConfig struct {
	// BeamWidth is the number of top programs refined. Default: 8.
	BeamWidth int `yaml:"beam_width" json:"beam_width" validate:"gte=1"`

	// ExplorationProb is the chance of picking outside the beam.
	ExplorationProb float64 `yaml:"exploration_prob" json:"exploration_prob" validate:"gte=0,lte=1"`

	// RecentWindow limits candidates to the most recently stored ones.
	// Zero considers every program of the version.
	RecentWindow int `yaml:"recent_window" json:"recent_window" validate:"gte=0"`
}

// BeamSampler refines the best recent programs.
//
// Thread Safety: Safe for concurrent use.
type BeamSampler struct {
	*base
	cfg BeamConfig
}

// NewBeam creates a BeamSampler.
func NewBeam(cfg BeamConfig, store Store, policy retry.Policy, opts ...Option) *BeamSampler {
	if cfg.BeamWidth < 1 {
		cfg.BeamWidth = 1
	}
	return &BeamSampler{base: newBase(store, policy, opts), cfg: cfg}
}

// SampleParent implements ParentSampler.
//
// Description:
//
//	Ranks the recent candidates by advantage (newer first on ties). With
//	probability ExplorationProb a candidate outside the top BeamWidth is
//	drawn uniformly; when there is none, or otherwise, one inside the beam
//	is drawn uniformly.
func (s *BeamSampler) SampleParent(ctx context.Context, version int) (*datatypes.Program, error) {
	cands, err := s.query(ctx, version, datatypes.CandidateFilter{
		RequireAdvantage: true,
		Recent:           s.cfg.RecentWindow,
	})
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, nil
	}

	ranked := slices.Clone(cands)
	slices.SortStableFunc(ranked, func(a, b datatypes.Candidate) int {
		if c := cmp.Compare(*b.Advantage, *a.Advantage); c != 0 {
			return c
		}
		return cmp.Compare(b.Seq, a.Seq)
	})

	width := min(s.cfg.BeamWidth, len(ranked))
	pool, explore := ranked[:width], false
	if rest := ranked[width:]; len(rest) > 0 && s.float64() < s.cfg.ExplorationProb {
		pool, explore = rest, true
	}
	choice := pool[s.intN(len(pool))]

	s.logger.Debug("sampled parent",
		slog.String("strategy", string(StrategyBeam)),
		slog.String("program_id", choice.ID),
		slog.Int("version", version),
		slog.Int("candidates", len(ranked)),
		slog.Bool("explore", explore))

	return s.fetch(ctx, choice.ID)
}
