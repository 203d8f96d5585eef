// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when an ID does not exist.
	ErrNotFound = errors.New("program not found")

	// ErrTransient marks storage failures that may succeed on retry.
	ErrTransient = errors.New("transient storage error")
)

// TransientError wraps a storage error that is worth retrying.
type TransientError struct {
	Op  string
	Err error
}

// Error implements error.
func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v (transient)", e.Op, e.Err)
}

// Unwrap exposes the wrapped cause.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrTransient) match any TransientError.
func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

// Transient wraps err as a TransientError. Returns nil for nil err.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
