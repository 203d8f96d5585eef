// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry runs an operation under a bounded exponential backoff
// policy. The operation, the retryable predicate and the policy are all
// plain values supplied by the caller.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrExhausted is returned when every attempt failed with a retryable
// error. The last error is wrapped alongside it.
var ErrExhausted = errors.New("retries exhausted")

// Policy describes the backoff schedule.
type Policy struct {
	// MaxAttempts includes the first call. Default: 4.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" validate:"gte=1"`

	// InitialInterval is the wait before the second attempt. Default: 50ms.
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`

	// MaxInterval caps a single wait. Default: 2s.
	MaxInterval time.Duration `yaml:"max_interval" json:"max_interval"`

	// Multiplier grows the interval between attempts. Default: 2.
	Multiplier float64 `yaml:"multiplier" json:"multiplier" validate:"gte=1"`

	// Jitter is the randomization factor in [0,1). Default: 0.2.
	Jitter float64 `yaml:"jitter" json:"jitter" validate:"gte=0,lt=1"`
}

// DefaultPolicy returns the policy used for store calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	return b
}

// Do runs op until it succeeds, fails with a non-retryable error, the
// attempts run out, or ctx is done.
//
// Inputs:
//   - ctx: Context bounding the whole retry loop, including waits.
//   - op: The operation.
//   - retryable: Decides whether an error is worth another attempt.
//   - policy: Backoff schedule.
//
// Outputs:
//   - T: The operation's result on success.
//   - error: The first non-retryable error unchanged, ErrExhausted wrapping
//     the last retryable error, or the context error.
func Do[T any](
	ctx context.Context,
	op func(context.Context) (T, error),
	retryable func(error) bool,
	policy Policy,
) (T, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	result, err := backoff.Retry(ctx,
		func() (T, error) {
			v, err := op(ctx)
			if err == nil {
				return v, nil
			}
			lastErr = err
			if !retryable(err) {
				return v, backoff.Permanent(err)
			}
			return v, err
		},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Debug("retrying after transient error",
				slog.String("error", err.Error()),
				slog.Duration("wait", wait))
		}),
	)
	if err == nil {
		return result, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return result, perm.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	if lastErr != nil && retryable(lastErr) {
		return result, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
	}
	return result, err
}
