// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package progress

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusSink exports numeric fields as gauges labelled by instance and
// field name.
type PrometheusSink struct {
	gauge *prometheus.GaugeVec
}

// NewPrometheusSink registers the progress gauge with reg. A nil reg uses
// the default registerer.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusSink{
		gauge: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "simsearch_instance_progress",
			Help: "Latest numeric progress field per simulation instance",
		}, []string{"instance", "field"}),
	}
}

// Emit implements Sink. Non-numeric fields are skipped.
func (s *PrometheusSink) Emit(key string, fields map[string]any, _ time.Time) error {
	for name, v := range fields {
		if f, ok := numeric(v); ok {
			s.gauge.WithLabelValues(key, name).Set(f)
		}
	}
	return nil
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// InfluxConfig configures InfluxSink.
type InfluxConfig struct {
	URL    string `yaml:"url" json:"url" validate:"omitempty,url"`
	Token  string `yaml:"-" json:"-"`
	Org    string `yaml:"org" json:"org"`
	Bucket string `yaml:"bucket" json:"bucket"`

	// WriteTimeout bounds a single point write. Default: 2s.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// InfluxSink writes every update as an "instance_progress" point.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	runID    string
	timeout  time.Duration
}

// NewInfluxSink creates a sink writing to cfg.Bucket, tagging points with
// runID.
func NewInfluxSink(cfg InfluxConfig, runID string) *InfluxSink {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		runID:    runID,
		timeout:  timeout,
	}
}

// Emit implements Sink.
func (s *InfluxSink) Emit(key string, fields map[string]any, at time.Time) error {
	p := influxdb2.NewPointWithMeasurement("instance_progress").
		AddTag("instance", key).
		AddTag("run_id", s.runID).
		SetTime(at)
	n := 0
	for name, v := range fields {
		switch v.(type) {
		case float64, float32, int, int64, int32, uint64, bool, string:
			p.AddField(name, v)
		default:
			p.AddField(name, fmt.Sprint(v))
		}
		n++
	}
	if n == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}

// Close implements Closer.
func (s *InfluxSink) Close() {
	s.client.Close()
}
