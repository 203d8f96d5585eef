// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/simsearch/services/llm"
	"github.com/AleutianAI/simsearch/services/search/chunker"
	"github.com/AleutianAI/simsearch/services/search/conversation"
	"github.com/AleutianAI/simsearch/services/search/datatypes"
	"github.com/AleutianAI/simsearch/services/search/engine"
	"github.com/AleutianAI/simsearch/services/search/evaluator"
	"github.com/AleutianAI/simsearch/services/search/progress"
	"github.com/AleutianAI/simsearch/services/search/sampler"
	"github.com/AleutianAI/simsearch/services/search/storage/badger"
)

// simInstance scores one point per executed chunk.
type simInstance struct {
	id       string
	executes atomic.Int64
	closed   atomic.Int64
}

func (s *simInstance) ID() string { return s.id }

func (s *simInstance) Execute(context.Context, string) (evaluator.ExecResult, error) {
	s.executes.Add(1)
	return evaluator.ExecResult{Output: "ok", Elapsed: time.Millisecond}, nil
}

func (s *simInstance) Score(context.Context) (evaluator.Score, error) {
	return evaluator.Score{Value: float64(s.executes.Load())}, nil
}

func (s *simInstance) Close() error {
	s.closed.Add(1)
	return nil
}

func pool(n int) ([]evaluator.Instance, []*simInstance) {
	insts := make([]*simInstance, n)
	out := make([]evaluator.Instance, n)
	for i := range insts {
		insts[i] = &simInstance{id: fmt.Sprintf("sim-%d", i)}
		out[i] = insts[i]
	}
	return out, insts
}

func ids(insts []evaluator.Instance) []string {
	out := make([]string, len(insts))
	for i, inst := range insts {
		out[i] = inst.ID()
	}
	return out
}

func TestPartition(t *testing.T) {
	p, _ := pool(7)

	slices, err := Partition(p, 2)
	require.NoError(t, err)
	require.Len(t, slices, 2)
	assert.Equal(t, []string{"sim-0", "sim-1"}, ids(slices[0].Active))
	assert.Equal(t, "sim-2", slices[0].Holdout.ID())
	assert.Equal(t, []string{"sim-3", "sim-4"}, ids(slices[1].Active))
	assert.Equal(t, "sim-5", slices[1].Holdout.ID())
	assert.Equal(t, 1, slices[1].GroupID)

	slices, err = Partition(p[:6], 3)
	require.NoError(t, err)
	for _, s := range slices {
		assert.Len(t, s.Active, 1)
	}

	seen := map[string]bool{}
	for _, s := range slices {
		for _, id := range s.InstanceIDs() {
			assert.False(t, seen[id], "instance %s in two slices", id)
			seen[id] = true
		}
	}
}

func TestPartition_Impossible(t *testing.T) {
	p, _ := pool(5)
	tests := []struct {
		name string
		pool []evaluator.Instance
		n    int
	}{
		{"too few per group", p, 3},
		{"zero groups", p, 0},
		{"negative groups", p, -1},
		{"empty pool", nil, 1},
		{"single instance", p[:1], 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Partition(tt.pool, tt.n)
			assert.ErrorIs(t, err, ErrImpossiblePartition)
		})
	}
}

// stubIterator replays a fixed sequence of errors.
type stubIterator struct {
	mu    sync.Mutex
	calls int
	errs  []error
	each  func(ctx context.Context, call int)
}

func (s *stubIterator) RunIteration(ctx context.Context) (engine.IterationResult, error) {
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.mu.Unlock()
	if s.each != nil {
		s.each(ctx, call)
	}
	if call < len(s.errs) && s.errs[call] != nil {
		return engine.IterationResult{}, s.errs[call]
	}
	return engine.IterationResult{Persisted: []string{fmt.Sprintf("p-%d", call)}}, nil
}

func (s *stubIterator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type closeCounter struct{ n atomic.Int64 }

func (c *closeCounter) Close() error {
	c.n.Add(1)
	return nil
}

type stopCounter struct{ n atomic.Int64 }

func (s *stopCounter) Stop() { s.n.Add(1) }

func TestNew_FailsFast(t *testing.T) {
	p, _ := pool(6)

	_, err := New(Config{Groups: 4}, p, func(Slice) (*Group, error) {
		t.Fatal("builder must not run for an impossible partition")
		return nil, nil
	})
	require.ErrorIs(t, err, ErrImpossiblePartition)

	_, err = New(Config{Groups: 1}, p, nil)
	require.ErrorIs(t, err, ErrNilBuilder)

	built := &closeCounter{}
	boom := errors.New("dial failed")
	_, err = New(Config{Groups: 2}, p, func(s Slice) (*Group, error) {
		if s.GroupID == 1 {
			return nil, boom
		}
		return &Group{Engine: &stubIterator{}, Evaluator: built}, nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), built.n.Load())
}

func TestRun_FailingGroupDoesNotStopSiblings(t *testing.T) {
	p, _ := pool(4)
	boom := errors.New("llm down")
	failing := &stubIterator{errs: []error{boom, boom, boom, boom}}
	healthy := &stubIterator{errs: []error{nil, boom, nil}}

	o, err := New(Config{Groups: 2, MaxConsecutiveFailures: 2}, p, func(s Slice) (*Group, error) {
		if s.GroupID == 0 {
			return &Group{Engine: failing}, nil
		}
		return &Group{Engine: healthy}, nil
	})
	require.NoError(t, err)

	err = o.Run(context.Background(), 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyFailures)
	assert.ErrorIs(t, err, boom)

	var gerr *GroupError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, 0, gerr.GroupID)
	assert.Equal(t, 1, gerr.Iteration)
	assert.Equal(t, []string{"sim-0", "sim-1"}, gerr.Instances)

	assert.Equal(t, 2, failing.Calls())
	assert.Equal(t, 5, healthy.Calls())

	stats := o.Stats()
	assert.Equal(t, 2, stats[0].Failures)
	assert.Equal(t, 5, stats[1].Iterations)
	assert.Equal(t, 1, stats[1].Failures)
	assert.Equal(t, 4, stats[1].Persisted)
	assert.NoError(t, stats[1].Err)
}

func TestRun_UnlimitedFailures(t *testing.T) {
	p, _ := pool(2)
	boom := errors.New("flaky")
	it := &stubIterator{errs: []error{boom, boom, boom}}
	o, err := New(Config{Groups: 1}, p, func(Slice) (*Group, error) {
		return &Group{Engine: it}, nil
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background(), 4))
	assert.Equal(t, 4, it.Calls())
}

func TestRun_CancellationStopsAfterCurrentIteration(t *testing.T) {
	p, _ := pool(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := &stubIterator{each: func(_ context.Context, call int) {
		if call == 1 {
			cancel()
		}
	}}
	second := &stubIterator{each: func(ctx context.Context, _ int) {
		<-ctx.Done()
	}}
	o, err := New(Config{Groups: 2}, p, func(s Slice) (*Group, error) {
		if s.GroupID == 0 {
			return &Group{Engine: first}, nil
		}
		return &Group{Engine: second}, nil
	})
	require.NoError(t, err)

	err = o.Run(ctx, 10)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, first.Calls())
	assert.Equal(t, 1, second.Calls())
	for _, s := range o.Stats() {
		assert.True(t, s.Interrupted)
	}
}

func TestCleanup_Once(t *testing.T) {
	p, _ := pool(6)
	closers := []*closeCounter{{}, {}, {}}
	reporter := &stopCounter{}
	o, err := New(Config{Groups: 3}, p, func(s Slice) (*Group, error) {
		return &Group{Engine: &stubIterator{}, Evaluator: closers[s.GroupID]}, nil
	}, WithReporter(reporter))
	require.NoError(t, err)

	require.NoError(t, o.Cleanup())
	require.NoError(t, o.Cleanup())
	assert.Equal(t, int64(1), reporter.n.Load())
	for _, c := range closers {
		assert.Equal(t, int64(1), c.n.Load())
	}
}

// TestRun_PoolOfSix runs two real groups over a shared in-memory store.
func TestRun_PoolOfSix(t *testing.T) {
	ctx := context.Background()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := badger.NewProgramStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	root := &datatypes.Program{
		Conversation: datatypes.Conversation{
			{Role: datatypes.RoleSystem, Content: "You control a factory."},
			{Role: datatypes.RoleUser, Content: "Grow production."},
		},
		Advantage: datatypes.Float(0),
		Version:   1,
	}
	_, err = store.Insert(ctx, root)
	require.NoError(t, err)

	model := llm.ClientFunc(func(context.Context, []datatypes.Message, llm.GenerationParams) (string, error) {
		return "```python\n\"\"\"Build\"\"\"\nbuild()\n\n\"\"\"Run\"\"\"\nrun()\n```", nil
	})
	compressor, err := conversation.New(conversation.DefaultConfig(),
		conversation.SummarizerFunc(func(context.Context, []datatypes.Message) (string, error) {
			return "summary", nil
		}))
	require.NoError(t, err)

	reporter := progress.New()
	p, sims := pool(6)

	o, err := New(Config{Groups: 2, MaxConsecutiveFailures: 1}, p, func(s Slice) (*Group, error) {
		ev, err := evaluator.New(s.Active, s.Holdout, evaluator.Config{PenaltyReward: -1},
			evaluator.WithReporter(reporter))
		if err != nil {
			return nil, err
		}
		smp, err := sampler.New(sampler.DefaultConfig(), store,
			sampler.WithRand(rand.New(rand.NewPCG(uint64(s.GroupID), 7))))
		if err != nil {
			return nil, err
		}
		eng, err := engine.New(engine.Components{
			Sampler:    smp,
			Compressor: compressor,
			LLM:        model,
			Splitter:   chunker.New(),
			Evaluator:  ev,
			Store:      store,
		}, engine.Config{GroupID: s.GroupID, Version: 1})
		if err != nil {
			return nil, err
		}
		return &Group{Engine: eng, Evaluator: ev}, nil
	}, WithReporter(reporter))
	require.NoError(t, err)
	require.Len(t, o.Groups(), 2)

	require.NoError(t, o.Run(ctx, 3))

	count, err := store.CountPrograms(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1+2*3*2, count)

	for i, sim := range sims {
		if i == 2 || i == 5 {
			assert.Zero(t, sim.executes.Load(), "holdout %s executed code", sim.id)
			continue
		}
		assert.Equal(t, int64(6), sim.executes.Load(), sim.id)
	}

	for _, s := range o.Stats() {
		assert.Equal(t, 3, s.Iterations)
		assert.Equal(t, 6, s.Persisted)
	}

	require.NoError(t, o.Cleanup())
	snap := reporter.Snapshot(ctx)
	assert.Equal(t, "active", snap["sim-0"]["role"])
	assert.Equal(t, "holdout", snap["sim-5"]["role"])
	for _, sim := range sims {
		assert.Equal(t, int64(1), sim.closed.Load(), sim.id)
	}
}

// fixedEvaluator reports the same rewards for every chunk.
type fixedEvaluator struct {
	raw, holdout float64
}

func (f fixedEvaluator) Evaluate(context.Context, datatypes.ProgramChunk) (evaluator.Evaluation, error) {
	return evaluator.Evaluation{
		RawReward:     f.raw,
		HoldoutReward: f.holdout,
		Advantage:     f.raw - f.holdout,
		Executed:      true,
		Observation:   "ok",
	}, nil
}

// driftInstance gains per executed chunk and drifts per scoring window.
type driftInstance struct {
	id     string
	gain   float64
	drift  float64
	execs  atomic.Int64
	scores atomic.Int64
}

func (d *driftInstance) ID() string { return d.id }

func (d *driftInstance) Execute(context.Context, string) (evaluator.ExecResult, error) {
	d.execs.Add(1)
	return evaluator.ExecResult{Output: "ok"}, nil
}

func (d *driftInstance) Score(context.Context) (evaluator.Score, error) {
	windows := d.scores.Add(1) / 2
	return evaluator.Score{Value: d.gain*float64(d.execs.Load()) + d.drift*float64(windows)}, nil
}

func (d *driftInstance) Close() error { return nil }

// TestRun_OneChunkPerGroupScoresAdvantage runs one iteration in each of two
// groups over a pool of six. Every active instance gains 5 and every
// holdout 2, so both children sit at depth 1 with advantage 3.
func TestRun_OneChunkPerGroupScoresAdvantage(t *testing.T) {
	tests := []struct {
		name      string
		evaluator func(s Slice) (engine.ChunkEvaluator, error)
	}{
		{"scripted evaluation", func(Slice) (engine.ChunkEvaluator, error) {
			return fixedEvaluator{raw: 5, holdout: 2}, nil
		}},
		{"measured deltas", func(s Slice) (engine.ChunkEvaluator, error) {
			return evaluator.New(s.Active, s.Holdout, evaluator.Config{PenaltyReward: -1})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			db, err := badger.OpenInMemory()
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			store, err := badger.NewProgramStore(db)
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })

			rootID, err := store.Insert(ctx, &datatypes.Program{
				Conversation: datatypes.Conversation{
					{Role: datatypes.RoleSystem, Content: "You control a factory."},
					{Role: datatypes.RoleUser, Content: "Grow production."},
				},
				Advantage: datatypes.Float(0),
				Version:   1,
			})
			require.NoError(t, err)

			// Both groups sample before either inserts, so neither can pick
			// the other's child as its parent.
			var sampled sync.WaitGroup
			sampled.Add(2)
			model := llm.ClientFunc(func(context.Context, []datatypes.Message, llm.GenerationParams) (string, error) {
				sampled.Done()
				sampled.Wait()
				return "\"\"\"Place drills\"\"\"\nplace_drills()\n", nil
			})
			compressor, err := conversation.New(conversation.DefaultConfig(),
				conversation.SummarizerFunc(func(context.Context, []datatypes.Message) (string, error) {
					return "summary", nil
				}))
			require.NoError(t, err)

			p := make([]evaluator.Instance, 6)
			for i := range p {
				inst := &driftInstance{id: fmt.Sprintf("sim-%d", i), gain: 5}
				if i%3 == 2 {
					inst.gain, inst.drift = 0, 2
				}
				p[i] = inst
			}

			o, err := New(Config{Groups: 2}, p, func(s Slice) (*Group, error) {
				ev, err := tt.evaluator(s)
				if err != nil {
					return nil, err
				}
				smp, err := sampler.New(sampler.DefaultConfig(), store,
					sampler.WithRand(rand.New(rand.NewPCG(uint64(s.GroupID), 11))))
				if err != nil {
					return nil, err
				}
				eng, err := engine.New(engine.Components{
					Sampler:    smp,
					Compressor: compressor,
					LLM:        model,
					Splitter:   chunker.New(),
					Evaluator:  ev,
					Store:      store,
				}, engine.Config{GroupID: s.GroupID, Version: 1})
				if err != nil {
					return nil, err
				}
				return &Group{Engine: eng}, nil
			})
			require.NoError(t, err)
			require.NoError(t, o.Run(ctx, 1))

			count, err := store.CountPrograms(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, 3, count)

			children, err := store.Children(ctx, 1, rootID)
			require.NoError(t, err)
			require.Len(t, children, 2)
			groups := map[int]bool{}
			for _, c := range children {
				assert.Equal(t, 1, c.Depth)
				require.NotNil(t, c.Advantage)
				assert.InDelta(t, 3.0, *c.Advantage, 1e-9)
				require.NotNil(t, c.RawReward)
				assert.InDelta(t, 5.0, *c.RawReward, 1e-9)
				require.NotNil(t, c.HoldoutReward)
				assert.InDelta(t, 2.0, *c.HoldoutReward, 1e-9)
				assert.Equal(t, "Place drills", c.Meta.ChunkLabel)
				groups[c.Meta.GroupID] = true
			}
			assert.Equal(t, map[int]bool{0: true, 1: true}, groups)
		})
	}
}
