// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluator

import (
	"context"
	"time"
)

// ExecResult is what an instance reports after running code.
type ExecResult struct {
	// Output is the textual result shown back to the model.
	Output string `json:"output"`

	// Elapsed is the simulation's own measure of execution time.
	Elapsed time.Duration `json:"elapsed"`
}

// Score is a scalar reward sample plus free-form detail such as entity
// or inventory counts.
type Score struct {
	Value float64        `json:"value"`
	Info  map[string]any `json:"info,omitempty"`
}

// Instance is one live simulation.
//
// Instances are stateful and slow. An Instance is owned by exactly one
// group and never used concurrently by two evaluations. Implementations
// that hold connections should also implement io.Closer.
type Instance interface {
	// ID is stable for the lifetime of the run.
	ID() string

	// Execute runs code against the simulation.
	Execute(ctx context.Context, code string) (ExecResult, error)

	// Score samples the current reward.
	Score(ctx context.Context) (Score, error)
}

// Reporter receives fire-and-forget progress updates keyed by instance ID.
// Update must not block.
type Reporter interface {
	Update(key string, fields map[string]any)
}

type nopReporter struct{}

func (nopReporter) Update(string, map[string]any) {}
