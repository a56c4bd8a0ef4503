// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"
	"time"

	"github.com/groundlink/uplink/transport"
)

// Call is one dispatched request awaiting its single resolution: a
// response, an error, or a cancellation. Whichever arrives first wins;
// later outcomes are discarded.
type Call struct {
	id       uint64
	name     string
	registry *Registry

	// ctx is the caller's cancellation token. The request itself runs
	// under requestCtx so that resolving the call also aborts the
	// exchange.
	ctx           context.Context
	requestCtx    context.Context
	cancelRequest context.CancelFunc
	started       time.Time

	once     sync.Once
	done     chan struct{}
	response *transport.Response
	err      error
}

// ID is unique within the registry that created the call and
// increases with each dispatch.
func (c *Call) ID() uint64 { return c.id }

// Name is the request's method and path, e.g. "GET /api/links".
func (c *Call) Name() string { return c.name }

// Done is closed once the call is resolved.
func (c *Call) Done() <-chan struct{} { return c.done }

// Resolved reports whether the call has its outcome.
func (c *Call) Resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome. It is only meaningful after Done is
// closed; before that both values are nil.
//
// A server that answers with an error status is a successful exchange:
// the Response is returned with its Error field set and err is nil.
func (c *Call) Result() (*transport.Response, error) {
	if !c.Resolved() {
		return nil, nil
	}
	return c.response, c.err
}

// Wait blocks until the call resolves or ctx is done. Giving up on the
// wait does not cancel the call.
func (c *Call) Wait(ctx context.Context) (*transport.Response, error) {
	select {
	case <-c.done:
		return c.response, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel resolves the call with a *CancellationError and aborts the
// request. It reports whether this Cancel resolved the call; cancelling
// a resolved call does nothing.
func (c *Call) Cancel() bool {
	return c.resolve(nil, &CancellationError{Call: c.name})
}

// resolve records the outcome exactly once. The call leaves its
// registry before Done is closed.
func (c *Call) resolve(response *transport.Response, err error) bool {
	resolved := false
	c.once.Do(func() {
		resolved = true
		c.response, c.err = response, err
		c.cancelRequest()
		if c.registry != nil {
			c.registry.finish(c)
		}
		close(c.done)
	})
	return resolved
}

// complete resolves the call with what the transport returned. Errors
// caused by the caller's context become cancellations.
func (c *Call) complete(response *transport.Response, err error) {
	if err != nil && c.ctx.Err() != nil {
		err = &CancellationError{Call: c.name, Reason: context.Cause(c.ctx)}
		response = nil
	}
	c.resolve(response, err)
}

func (c *Call) outcome() string {
	switch {
	case c.err == nil && c.response != nil && c.response.Failed():
		return "server_error"
	case c.err == nil:
		return "ok"
	case isCancellation(c.err):
		return "cancelled"
	default:
		return "error"
	}
}
