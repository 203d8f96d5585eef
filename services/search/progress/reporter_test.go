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
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	emitted int
}

func (s *blockingSink) Emit(string, map[string]any, time.Time) error {
	<-s.release
	s.mu.Lock()
	s.emitted++
	s.mu.Unlock()
	return nil
}

func TestReporter_MergesUpdatesPerKey(t *testing.T) {
	r := New()
	r.Update("a", map[string]any{"score": 1.0, "error_count": 0})
	r.Update("a", map[string]any{"score": 2.0})
	r.Update("b", map[string]any{"role": "holdout"})
	r.Stop()

	snap := r.Snapshot(context.Background())
	require.Len(t, snap, 2)
	assert.Equal(t, 2.0, snap["a"]["score"])
	assert.Equal(t, 0, snap["a"]["error_count"])
	assert.Equal(t, "holdout", snap["b"]["role"])
	assert.Contains(t, snap["a"], "updated_at")
}

func TestReporter_LiveSnapshot(t *testing.T) {
	r := New()
	defer r.Stop()

	r.Update("a", map[string]any{"score": 3.0})
	require.Eventually(t, func() bool {
		return r.Snapshot(context.Background())["a"] != nil
	}, time.Second, time.Millisecond)
}

func TestReporter_CallerMapIsCopied(t *testing.T) {
	r := New()
	fields := map[string]any{"score": 1.0}
	r.Update("a", fields)
	fields["score"] = 99.0
	r.Stop()

	assert.Equal(t, 1.0, r.Snapshot(context.Background())["a"]["score"])
}

func TestReporter_UpdateNeverBlocks(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	r := New(WithBufferSize(1), WithSink(sink))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			r.Update("a", map[string]any{"i": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Update blocked on a full queue")
	}
	assert.Positive(t, r.Dropped())

	close(sink.release)
	r.Stop()
}

func TestReporter_StopIsIdempotentAndUpdateAfterStopIsSafe(t *testing.T) {
	r := New()
	r.Stop()
	r.Stop()

	assert.NotPanics(t, func() {
		r.Update("late", map[string]any{"x": 1})
	})
	assert.NotContains(t, r.Snapshot(context.Background()), "late")
}

func TestReporter_ConcurrentProducers(t *testing.T) {
	r := New(WithBufferSize(10000))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Update(string(rune('a'+g)), map[string]any{"i": i})
			}
		}(g)
	}
	wg.Wait()
	r.Stop()

	snap := r.Snapshot(context.Background())
	assert.Len(t, snap, 8)
	assert.Zero(t, r.Dropped())
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)

	require.NoError(t, sink.Emit("inst-1", map[string]any{
		"score_delta": 2.5,
		"error_count": 3,
		"last_output": "text is skipped",
	}, time.Now()))

	assert.Equal(t, 2.5, testutil.ToFloat64(sink.gauge.WithLabelValues("inst-1", "score_delta")))
	assert.Equal(t, 3.0, testutil.ToFloat64(sink.gauge.WithLabelValues("inst-1", "error_count")))
	assert.Equal(t, 2, testutil.CollectAndCount(sink.gauge))
}

func TestInfluxSink(t *testing.T) {
	var mu sync.Mutex
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewInfluxSink(InfluxConfig{URL: srv.URL, Token: "t", Org: "o", Bucket: "b"}, "run-1")
	defer sink.Close()

	require.NoError(t, sink.Emit("inst-1", map[string]any{"score_delta": 1.5}, time.Unix(100, 0)))

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, strings.HasPrefix(body, "instance_progress,instance=inst-1,run_id=run-1 "), body)
	assert.Contains(t, body, "score_delta=1.5")
}
