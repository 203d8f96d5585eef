// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package simulation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/simsearch/services/search/evaluator"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeSim scores 10 per executed chunk. Code containing "hang" is never
// answered; code containing "raise" fails.
type fakeSim struct {
	connections atomic.Int32
}

func (f *fakeSim) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		f.connections.Add(1)

		score := 0.0
		for {
			var req request
			if err := ws.ReadJSON(&req); err != nil {
				return
			}
			resp := response{ID: req.ID, OK: true}
			switch req.Op {
			case "execute":
				switch {
				case strings.Contains(req.Code, "hang"):
					continue
				case strings.Contains(req.Code, "raise"):
					resp.OK = false
					resp.Error = "NameError: raise"
				default:
					score += 10
					resp.Output = "ran " + req.Code
					resp.ElapsedMS = 7
				}
			case "score":
				resp.Score = score
				resp.Info = map[string]any{"entities": 3}
			}
			if err := ws.WriteJSON(resp); err != nil {
				return
			}
		}
	}
}

func startSim(t *testing.T) (*fakeSim, Endpoint) {
	t.Helper()
	sim := &fakeSim{}
	srv := httptest.NewServer(sim.handler(t))
	t.Cleanup(srv.Close)
	return sim, Endpoint{ID: "sim-0", URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func TestRemoteInstance_ExecuteAndScore(t *testing.T) {
	sim, ep := startSim(t)
	inst := NewRemoteInstance(ep)
	defer inst.Close()
	ctx := context.Background()

	var _ evaluator.Instance = inst
	assert.Equal(t, "sim-0", inst.ID())

	res, err := inst.Execute(ctx, "build()")
	require.NoError(t, err)
	assert.Equal(t, "ran build()", res.Output)
	assert.Equal(t, 7*time.Millisecond, res.Elapsed)

	s, err := inst.Score(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10.0, s.Value)
	assert.EqualValues(t, 3, s.Info["entities"])
	assert.EqualValues(t, 1, sim.connections.Load())
}

func TestRemoteInstance_RemoteError(t *testing.T) {
	_, ep := startSim(t)
	inst := NewRemoteInstance(ep)
	defer inst.Close()

	_, err := inst.Execute(context.Background(), "raise()")
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "execute", remote.Op)
	assert.Contains(t, remote.Message, "NameError")

	// The connection stays usable after a reported failure.
	_, err = inst.Score(context.Background())
	assert.NoError(t, err)
}

func TestRemoteInstance_TimeoutReconnects(t *testing.T) {
	sim, ep := startSim(t)
	inst := NewRemoteInstance(ep)
	defer inst.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := inst.Execute(ctx, "hang()")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s, err := inst.Score(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.Value, "a fresh connection has fresh state")
	assert.EqualValues(t, 2, sim.connections.Load())
}

func TestRemoteInstance_Closed(t *testing.T) {
	_, ep := startSim(t)
	inst := NewRemoteInstance(ep)
	require.NoError(t, inst.Close())

	_, err := inst.Score(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRemoteInstance_DialFailure(t *testing.T) {
	inst := NewRemoteInstance(Endpoint{ID: "x", URL: "ws://127.0.0.1:1"}, WithDialTimeout(100*time.Millisecond))
	_, err := inst.Score(context.Background())
	assert.Error(t, err)
}

func TestNewPool(t *testing.T) {
	pool := NewPool([]Endpoint{{ID: "a", URL: "ws://a"}, {ID: "b", URL: "ws://b"}})
	require.Len(t, pool, 2)
	assert.Equal(t, "a", pool[0].ID())
	assert.Equal(t, "b", pool[1].ID())
}
