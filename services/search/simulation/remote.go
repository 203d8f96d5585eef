// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package simulation connects the search to live simulation servers.
//
// RemoteInstance speaks a small JSON request/response protocol over a
// websocket:
//
//	-> {"id":1,"op":"execute","code":"..."}
//	<- {"id":1,"ok":true,"output":"...","elapsed_ms":120}
//	-> {"id":2,"op":"score"}
//	<- {"id":2,"ok":true,"score":41.5,"info":{"entities":12}}
//
// A failed request is answered with ok=false and an error message.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/simsearch/services/search/evaluator"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("simulation instance closed")

// RemoteError is a failure reported by the simulation itself.
type RemoteError struct {
	Instance string
	Op       string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("simulation %s: %s failed: %s", e.Instance, e.Op, e.Message)
}

// Endpoint names one simulation server.
type Endpoint struct {
	ID  string `yaml:"id" json:"id" validate:"required"`
	URL string `yaml:"url" json:"url" validate:"required,url"`
}

type request struct {
	ID   uint64 `json:"id"`
	Op   string `json:"op"`
	Code string `json:"code,omitempty"`
}

type response struct {
	ID        uint64         `json:"id"`
	OK        bool           `json:"ok"`
	Error     string         `json:"error,omitempty"`
	Output    string         `json:"output,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms,omitempty"`
	Score     float64        `json:"score,omitempty"`
	Info      map[string]any `json:"info,omitempty"`
}

// Option configures a RemoteInstance.
type Option func(*RemoteInstance)

// WithDialTimeout bounds the websocket handshake. Default: 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(r *RemoteInstance) {
		if d > 0 {
			r.dialer.HandshakeTimeout = d
		}
	}
}

// WithHeader adds headers to the handshake request.
func WithHeader(h http.Header) Option {
	return func(r *RemoteInstance) {
		r.header = h.Clone()
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *RemoteInstance) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// RemoteInstance is an evaluator.Instance backed by a websocket server.
//
// The connection is dialed on first use. A request interrupted by its
// context leaves the stream out of step, so the connection is dropped and
// the next request dials again.
//
// Thread Safety: Safe for concurrent use; requests are serialized.
type RemoteInstance struct {
	id     string
	url    string
	header http.Header
	dialer websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
	closed bool
}

// NewRemoteInstance creates an instance for ep. No connection is made
// until the first request.
func NewRemoteInstance(ep Endpoint, opts ...Option) *RemoteInstance {
	r := &RemoteInstance{
		id:     ep.ID,
		url:    ep.URL,
		dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewPool creates one RemoteInstance per endpoint, in order.
func NewPool(endpoints []Endpoint, opts ...Option) []evaluator.Instance {
	pool := make([]evaluator.Instance, len(endpoints))
	for i, ep := range endpoints {
		pool[i] = NewRemoteInstance(ep, opts...)
	}
	return pool
}

// ID implements evaluator.Instance.
func (r *RemoteInstance) ID() string {
	return r.id
}

// Execute implements evaluator.Instance.
func (r *RemoteInstance) Execute(ctx context.Context, code string) (evaluator.ExecResult, error) {
	resp, err := r.roundTrip(ctx, request{Op: "execute", Code: code})
	if err != nil {
		return evaluator.ExecResult{}, err
	}
	return evaluator.ExecResult{
		Output:  resp.Output,
		Elapsed: time.Duration(resp.ElapsedMS) * time.Millisecond,
	}, nil
}

// Score implements evaluator.Instance.
func (r *RemoteInstance) Score(ctx context.Context) (evaluator.Score, error) {
	resp, err := r.roundTrip(ctx, request{Op: "score"})
	if err != nil {
		return evaluator.Score{}, err
	}
	return evaluator.Score{Value: resp.Score, Info: resp.Info}, nil
}

// Close closes the connection. Later requests fail with ErrClosed.
func (r *RemoteInstance) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return r.dropLocked()
}

func (r *RemoteInstance) roundTrip(ctx context.Context, req request) (response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return response{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return response{}, err
	}
	if r.conn == nil {
		conn, _, err := r.dialer.DialContext(ctx, r.url, r.header)
		if err != nil {
			return response{}, fmt.Errorf("dial simulation %s: %w", r.id, err)
		}
		r.conn = conn
		r.logger.Debug("simulation connected", slog.String("instance", r.id), slog.String("url", r.url))
	}

	r.nextID++
	req.ID = r.nextID

	// Unblock reads and writes once ctx is done.
	conn := r.conn
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
		_ = conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := conn.WriteJSON(req); err != nil {
		return response{}, r.fail(ctx, req.Op, err)
	}

	var resp response
	for {
		if err := conn.ReadJSON(&resp); err != nil {
			return response{}, r.fail(ctx, req.Op, err)
		}
		if resp.ID == req.ID {
			break
		}
		// Late answer to an earlier, abandoned request.
		resp = response{}
	}
	if !resp.OK {
		return response{}, &RemoteError{Instance: r.id, Op: req.Op, Message: resp.Error}
	}
	return resp, nil
}

// fail drops the connection and prefers the context error when the
// failure was caused by cancellation. Must be called with the lock held.
func (r *RemoteInstance) fail(ctx context.Context, op string, err error) error {
	_ = r.dropLocked()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("simulation %s %s: %w", r.id, op, ctxErr)
	}
	return fmt.Errorf("simulation %s %s: %w", r.id, op, err)
}

func (r *RemoteInstance) dropLocked() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
