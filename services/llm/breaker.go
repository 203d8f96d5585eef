// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets every call through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen admits a limited number of probe calls.
	BreakerHalfOpen
)

// String returns a human-readable state name.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failures that open the breaker. Default: 5.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold" validate:"gte=1"`

	// SuccessThreshold is the probe successes that close it again. Default: 2.
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold" validate:"gte=1"`

	// OpenDuration is the cool-down before probing. Default: 30s.
	OpenDuration time.Duration `yaml:"open_duration" json:"open_duration"`

	// HalfOpenMax bounds concurrent probes. Default: 1.
	HalfOpenMax int `yaml:"half_open_max" json:"half_open_max" validate:"gte=1"`
}

// DefaultBreakerConfig returns the defaults used by the OpenAI client.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     30 * time.Second,
		HalfOpenMax:      1,
	}
}

// BreakerStats is a point-in-time view of a Breaker.
type BreakerStats struct {
	State           string    `json:"state"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Breaker stops calling a failing backend for a while.
//
// Description:
//
//	Closed until FailureThreshold consecutive failures, then Open for
//	OpenDuration, then HalfOpen where up to HalfOpenMax probes run. Any
//	probe failure reopens it; SuccessThreshold probe successes close it.
//	Context cancellation is not counted as a failure.
//
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	config BreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           BreakerState
	failures        int
	successes       int
	halfOpenActive  int
	lastStateChange time.Time

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// NewBreaker creates a closed Breaker. Zero fields take the defaults.
func NewBreaker(config BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.OpenDuration <= 0 {
		config.OpenDuration = def.OpenDuration
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &Breaker{config: config, now: time.Now, lastStateChange: time.Now()}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn if the breaker admits it and records the outcome.
//
// Outputs:
//   - error: ErrCircuitOpen if rejected, otherwise the error from fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	allowed, release := b.allow()
	if !allowed {
		return ErrCircuitOpen
	}
	if release != nil {
		defer release()
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.recordSuccess()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		b.recordFailure()
	}
	return err
}

func (b *Breaker) allow() (bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	switch b.state {
	case BreakerClosed:
		return true, nil
	case BreakerOpen:
		if b.now().Sub(b.lastStateChange) >= b.config.OpenDuration {
			b.transitionTo(BreakerHalfOpen)
			return b.tryHalfOpen()
		}
		b.totalRejections++
		return false, nil
	default:
		return b.tryHalfOpen()
	}
}

// tryHalfOpen must be called with the lock held.
func (b *Breaker) tryHalfOpen() (bool, func()) {
	if b.halfOpenActive >= b.config.HalfOpenMax {
		b.totalRejections++
		return false, nil
	}
	b.halfOpenActive++
	return true, func() {
		b.mu.Lock()
		b.halfOpenActive--
		b.mu.Unlock()
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(BreakerClosed)
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.failures++
	b.successes = 0
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.transitionTo(BreakerOpen)
	}
}

// transitionTo must be called with the lock held.
func (b *Breaker) transitionTo(s BreakerState) {
	b.state = s
	b.lastStateChange = b.now()
	b.failures = 0
	b.successes = 0
}

// Stats returns a snapshot of the counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:           b.state.String(),
		TotalCalls:      b.totalCalls,
		TotalFailures:   b.totalFailures,
		TotalRejections: b.totalRejections,
		LastStateChange: b.lastStateChange,
	}
}
