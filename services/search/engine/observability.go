// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const searchTracerName = "simsearch.engine"

// Phase names one step of an iteration.
type Phase string

const (
	PhaseSampleParent Phase = "sample_parent"
	PhaseSeedRoot     Phase = "seed_root"
	PhaseCompress     Phase = "compress_context"
	PhaseGenerate     Phase = "generate_extension"
	PhaseSplit        Phase = "split_into_chunks"
	PhaseEvaluate     Phase = "execute_and_score"
	PhasePersist      Phase = "persist_child"
)

var (
	iterationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simsearch_iterations_total",
		Help: "Search iterations by group and outcome",
	}, []string{"group", "outcome"})

	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simsearch_chunks_total",
		Help: "Evaluated chunks by group and result",
	}, []string{"group", "result"})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simsearch_phase_duration_seconds",
		Help:    "Iteration phase duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4.4m
	}, []string{"phase"})

	chunkAdvantage = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simsearch_chunk_advantage",
		Help:    "Advantage of persisted chunks",
		Buckets: []float64{-100, -10, -1, -0.1, 0, 0.1, 1, 10, 100},
	}, []string{"group"})

	generationChunks = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "simsearch_generation_chunks",
		Help:    "Number of chunks per generation",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
	})
)

// SearchTracer wraps the OpenTelemetry tracer for iteration phases.
//
// Thread Safety: Safe for concurrent use.
type SearchTracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewSearchTracer creates a tracer. With enabled false every span is a
// no-op.
func NewSearchTracer(logger *slog.Logger, enabled bool) *SearchTracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchTracer{
		tracer:  otel.Tracer(searchTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartIteration starts the span covering one iteration.
func (t *SearchTracer) StartIteration(ctx context.Context, group, version int) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "simsearch.iteration",
		trace.WithAttributes(
			attribute.Int("simsearch.group", group),
			attribute.Int("simsearch.version", version),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// PhaseSpan times one phase and records it on End.
type PhaseSpan struct {
	span  trace.Span
	phase Phase
	start time.Time
}

// StartPhase starts a child span for phase.
func (t *SearchTracer) StartPhase(ctx context.Context, phase Phase, attrs ...attribute.KeyValue) (context.Context, *PhaseSpan) {
	ps := &PhaseSpan{phase: phase, start: time.Now()}
	if !t.enabled {
		ps.span = noop.Span{}
		return ctx, ps
	}
	ctx, ps.span = t.tracer.Start(ctx, "simsearch."+string(phase), trace.WithAttributes(attrs...))
	return ctx, ps
}

// End records the phase duration and closes the span.
func (p *PhaseSpan) End(err error, attrs ...attribute.KeyValue) {
	phaseDuration.WithLabelValues(string(p.phase)).Observe(time.Since(p.start).Seconds())
	if len(attrs) > 0 {
		p.span.SetAttributes(attrs...)
	}
	if err != nil {
		p.span.RecordError(err)
		p.span.SetStatus(codes.Error, err.Error())
	}
	p.span.End()
}

// EndIteration closes the iteration span.
func (t *SearchTracer) EndIteration(span trace.Span, res IterationResult, err error) {
	span.SetAttributes(
		attribute.String("simsearch.outcome", res.Outcome()),
		attribute.Int("simsearch.chunks", res.Chunks),
		attribute.Int("simsearch.persisted", len(res.Persisted)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// LoggerWithTrace adds trace and span IDs from ctx to logger.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
