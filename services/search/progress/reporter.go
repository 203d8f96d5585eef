// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package progress collects per-instance progress updates from every group
// and fans them out to metric sinks.
//
// All state is owned by one goroutine. Producers send (key, fields)
// events over a buffered channel and never block: when the buffer is full
// the event is dropped and counted.
package progress

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the event queue capacity.
const DefaultBufferSize = 1024

// Sink receives every applied update.
type Sink interface {
	Emit(key string, fields map[string]any, at time.Time) error
}

// Closer is implemented by sinks that hold connections.
type Closer interface {
	Close()
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithSink adds a sink.
func WithSink(s Sink) Option {
	return func(r *Reporter) {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
}

// WithBufferSize sets the event queue capacity.
func WithBufferSize(n int) Option {
	return func(r *Reporter) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

type event struct {
	key    string
	fields map[string]any
	at     time.Time
}

// Snapshot maps an instance key to its merged fields.
type Snapshot map[string]map[string]any

// Reporter is the process-wide progress sink.
//
// Thread Safety: Update, Snapshot, Dropped and Stop are safe for
// concurrent use. Update after Stop is a no-op.
type Reporter struct {
	bufferSize int
	sinks      []Sink
	logger     *slog.Logger

	events    chan event
	snapshots chan chan Snapshot
	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	dropped   atomic.Int64

	// final is written by the owner goroutine before done is closed.
	final Snapshot
}

// New creates a Reporter and starts its owner goroutine.
func New(opts ...Option) *Reporter {
	r := &Reporter{
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
		snapshots:  make(chan chan Snapshot),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.events = make(chan event, r.bufferSize)
	go r.loop()
	return r
}

// Update queues fields for key. It never blocks.
func (r *Reporter) Update(key string, fields map[string]any) {
	select {
	case <-r.quit:
		return
	default:
	}
	ev := event{key: key, fields: maps.Clone(fields), at: time.Now()}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of updates discarded because the queue was
// full.
func (r *Reporter) Dropped() int64 {
	return r.dropped.Load()
}

// Snapshot returns a copy of the current state. After Stop it returns the
// state at the time the reporter stopped.
func (r *Reporter) Snapshot(ctx context.Context) Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case r.snapshots <- reply:
		select {
		case s := <-reply:
			return s
		case <-ctx.Done():
			return nil
		}
	case <-r.done:
		return r.final
	case <-ctx.Done():
		return nil
	}
}

// Stop drains queued events, closes sinks that implement Closer, and
// stops the owner goroutine. Safe to call more than once.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
	})
	<-r.done
}

func (r *Reporter) loop() {
	state := make(Snapshot)
	defer func() {
		for _, s := range r.sinks {
			if c, ok := s.(Closer); ok {
				c.Close()
			}
		}
		r.final = copySnapshot(state)
		close(r.done)
	}()

	for {
		select {
		case ev := <-r.events:
			r.apply(state, ev)
		case reply := <-r.snapshots:
			reply <- copySnapshot(state)
		case <-r.quit:
			for {
				select {
				case ev := <-r.events:
					r.apply(state, ev)
				default:
					if n := r.dropped.Load(); n > 0 {
						r.logger.Warn("progress updates dropped", slog.Int64("dropped", n))
					}
					return
				}
			}
		}
	}
}

func (r *Reporter) apply(state Snapshot, ev event) {
	cur, ok := state[ev.key]
	if !ok {
		cur = make(map[string]any, len(ev.fields)+1)
		state[ev.key] = cur
	}
	maps.Copy(cur, ev.fields)
	cur["updated_at"] = ev.at

	for _, s := range r.sinks {
		if err := s.Emit(ev.key, ev.fields, ev.at); err != nil {
			r.logger.Debug("progress sink emit failed",
				slog.String("key", ev.key),
				slog.String("error", err.Error()))
		}
	}
}

func copySnapshot(s Snapshot) Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = maps.Clone(v)
	}
	return out
}
