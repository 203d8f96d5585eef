// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/simsearch/services/search/datatypes"
	"github.com/AleutianAI/simsearch/services/search/orchestrator"
	"github.com/AleutianAI/simsearch/services/search/progress"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticProgress progress.Snapshot

func (s staticProgress) Snapshot(context.Context) progress.Snapshot {
	return progress.Snapshot(s)
}

type staticStats []orchestrator.GroupStats

func (s staticStats) Stats() []orchestrator.GroupStats { return s }

type mapPrograms map[string]*datatypes.Program

func (m mapPrograms) Get(_ context.Context, id string) (*datatypes.Program, error) {
	if id == "broken" {
		return nil, errors.New("disk on fire")
	}
	p, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, datatypes.ErrNotFound)
	}
	return p, nil
}

func (m mapPrograms) Children(_ context.Context, version int, parentID string) ([]*datatypes.Program, error) {
	if parentID == "orphanage" {
		return nil, errors.New("index corrupt")
	}
	var out []*datatypes.Program
	for _, p := range m {
		if p.Version == version && p.ParentID == parentID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b *datatypes.Program) int { return cmp.Compare(a.Seq, b.Seq) })
	return out, nil
}

func get(t *testing.T, h http.Handler, path string) (int, []byte) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.Bytes()
}

func testServer() *Server {
	return New(Deps{
		Progress: staticProgress{
			"sim-0": {"role": "active", "score": 12.5},
			"sim-2": {"role": "holdout"},
		},
		Groups: staticStats{{
			GroupID:    0,
			Instances:  []string{"sim-0", "sim-1", "sim-2"},
			Iterations: 4,
			Persisted:  7,
			Elapsed:    1500 * time.Millisecond,
			Err:        errors.New("stopped"),
		}},
		Programs: mapPrograms{
			"p1":        {ID: "p1", Version: 1, Depth: 2, Code: "run()", Seq: 1},
			"p2":        {ID: "p2", Version: 1, ParentID: "p1", Depth: 3, Seq: 3},
			"p3":        {ID: "p3", Version: 1, ParentID: "p1", Depth: 3, Seq: 2},
			"other":     {ID: "other", Version: 2, ParentID: "p1", Depth: 3, Seq: 4},
			"orphanage": {ID: "orphanage", Version: 1, Seq: 5},
		},
		Metrics:  promhttp.Handler(),
	})
}

func TestHealth(t *testing.T) {
	code, body := get(t, testServer().Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestProgress(t *testing.T) {
	h := testServer().Handler()

	code, body := get(t, h, "/v1/progress")
	require.Equal(t, http.StatusOK, code)
	var snap map[string]map[string]any
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, 12.5, snap["sim-0"]["score"])

	code, body = get(t, h, "/v1/progress/sim-2")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "holdout")

	code, _ = get(t, h, "/v1/progress/sim-9")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestGroups(t *testing.T) {
	code, body := get(t, testServer().Handler(), "/v1/groups")
	require.Equal(t, http.StatusOK, code)

	var views []groupView
	require.NoError(t, json.Unmarshal(body, &views))
	require.Len(t, views, 1)
	assert.Equal(t, 7, views[0].Persisted)
	assert.Equal(t, int64(1500), views[0].ElapsedMS)
	assert.Equal(t, "stopped", views[0].Error)
}

func TestPrograms(t *testing.T) {
	h := testServer().Handler()

	code, body := get(t, h, "/v1/programs/p1")
	require.Equal(t, http.StatusOK, code)
	var p datatypes.Program
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, 2, p.Depth)

	code, _ = get(t, h, "/v1/programs/missing")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get(t, h, "/v1/programs/broken")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.NotContains(t, string(body), "disk on fire")
}

func TestProgramChildren(t *testing.T) {
	h := testServer().Handler()

	code, body := get(t, h, "/v1/programs/p1/children")
	require.Equal(t, http.StatusOK, code)
	var children []datatypes.Program
	require.NoError(t, json.Unmarshal(body, &children))
	require.Len(t, children, 2)
	assert.Equal(t, "p3", children[0].ID)
	assert.Equal(t, "p2", children[1].ID)

	code, body = get(t, h, "/v1/programs/p2/children")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(body))

	code, _ = get(t, h, "/v1/programs/missing/children")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get(t, h, "/v1/programs/orphanage/children")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.NotContains(t, string(body), "index corrupt")
}

func TestUnavailableSources(t *testing.T) {
	h := New(Deps{}).Handler()
	for _, path := range []string{"/v1/progress", "/v1/groups", "/v1/programs/x", "/v1/programs/x/children"} {
		code, _ := get(t, h, path)
		assert.Equal(t, http.StatusServiceUnavailable, code, path)
	}
	code, _ := get(t, h, "/metrics")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMetrics(t *testing.T) {
	code, body := get(t, testServer().Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestStartShutdown(t *testing.T) {
	s := testServer()
	addr, err := s.Start("127.0.0.1:0")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.NoError(t, New(Deps{}).Shutdown(ctx))
}
