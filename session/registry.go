// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/groundlink/uplink/lib/clock"
	"github.com/groundlink/uplink/transport"
)

// Registry tracks in-flight calls from dispatch to resolution.
// Resolved calls are removed immediately; a periodic sweep evicts
// calls whose caller context is done but whose transport has not yet
// returned.
type Registry struct {
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	nextID uint64
	calls  map[uint64]*Call
}

// NewRegistry returns an empty registry. A nil logger uses
// slog.Default; metrics may be nil.
func NewRegistry(clk clock.Clock, logger *slog.Logger, metrics *Metrics) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clock:   clk,
		logger:  logger,
		metrics: metrics,
		calls:   make(map[uint64]*Call),
	}
}

func (r *Registry) newCall(ctx context.Context, name string) *Call {
	requestCtx, cancel := context.WithCancel(ctx)
	call := &Call{
		name:          name,
		registry:      r,
		ctx:           ctx,
		requestCtx:    requestCtx,
		cancelRequest: cancel,
		started:       r.clock.Now(),
		done:          make(chan struct{}),
	}
	r.mu.Lock()
	r.nextID++
	call.id = r.nextID
	r.calls[call.id] = call
	r.mu.Unlock()
	r.metrics.callStarted()
	return call
}

// finish removes a resolved call and records its outcome. It reports
// false if the call was no longer tracked.
func (r *Registry) finish(call *Call) bool {
	r.mu.Lock()
	_, tracked := r.calls[call.id]
	delete(r.calls, call.id)
	r.mu.Unlock()
	if !tracked {
		return false
	}
	elapsed := clock.Since(r.clock, call.started)
	r.metrics.callResolved(call.outcome(), elapsed)
	r.logger.Debug("call resolved",
		"call", call.name,
		"id", call.id,
		"outcome", call.outcome(),
		"elapsed", elapsed,
	)
	return true
}

// Dispatch sends request over handle and returns the pending call.
func (r *Registry) Dispatch(ctx context.Context, handle transport.Handle, request transport.Request) *Call {
	call := r.newCall(ctx, request.Name())
	go func() {
		response, err := handle.Do(call.requestCtx, request)
		call.complete(response, err)
	}()
	return call
}

// DispatchStream sends request over handle and hands each record of
// the response body to sink. The call resolves with the final status
// once the body is exhausted. After the call is cancelled sink is not
// invoked again.
func (r *Registry) DispatchStream(ctx context.Context, handle transport.Handle, request transport.Request, sink transport.ChunkSink) *Call {
	call := r.newCall(ctx, request.Name())
	guarded := func(chunk []byte) error {
		if call.Resolved() {
			return ErrCancelled
		}
		return sink(chunk)
	}
	go func() {
		response, err := handle.DoStream(call.requestCtx, request, guarded)
		call.complete(response, err)
	}()
	return call
}

// Reject returns a call already resolved with err. It is never
// tracked.
func (r *Registry) Reject(request transport.Request, err error) *Call {
	call := &Call{
		name:          request.Name(),
		ctx:           context.Background(),
		cancelRequest: func() {},
		started:       r.clock.Now(),
		done:          make(chan struct{}),
	}
	call.resolve(nil, err)
	return call
}

func (r *Registry) snapshot() []*Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := make([]*Call, 0, len(r.calls))
	for _, call := range r.calls {
		calls = append(calls, call)
	}
	return calls
}

// CancelAll resolves every outstanding call with a *CancellationError
// carrying reason and returns how many it resolved.
func (r *Registry) CancelAll(reason error) int {
	cancelled := 0
	for _, call := range r.snapshot() {
		if call.resolve(nil, &CancellationError{Call: call.name, Reason: reason}) {
			cancelled++
		}
	}
	if cancelled > 0 {
		r.logger.Info("cancelled pending calls", "count", cancelled, "reason", reason)
	}
	return cancelled
}

// Sweep evicts calls whose caller context is done, resolving them as
// cancelled, and calls that are already resolved. It returns the
// number evicted.
func (r *Registry) Sweep() int {
	evicted := 0
	for _, call := range r.snapshot() {
		switch {
		case call.Resolved():
			if r.finish(call) {
				evicted++
			}
		case call.ctx.Err() != nil:
			if call.resolve(nil, &CancellationError{Call: call.name, Reason: context.Cause(call.ctx)}) {
				evicted++
			}
		}
	}
	if evicted > 0 {
		r.logger.Debug("swept pending calls", "evicted", evicted)
	}
	return evicted
}

// Len returns the number of outstanding calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Run sweeps once after initialDelay and then every interval until
// ctx is done.
func (r *Registry) Run(ctx context.Context, initialDelay, interval time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-r.clock.After(initialDelay):
	}
	r.Sweep()

	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, ErrCancelled)
}
