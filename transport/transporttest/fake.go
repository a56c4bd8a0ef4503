// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/groundlink/uplink/endpoint"
	"github.com/groundlink/uplink/transport"
)

// Handle is an in-memory transport.Handle. The function fields script
// its behaviour; nil fields give a healthy server with one instance
// named after the endpoint's instance (or "sim").
type Handle struct {
	Target endpoint.Config

	InstancesFunc  func(ctx context.Context) ([]string, error)
	OpenStreamFunc func(ctx context.Context, instance string) error
	DoFunc         func(ctx context.Context, request transport.Request) (*transport.Response, error)
	DoStreamFunc   func(ctx context.Context, request transport.Request, sink transport.ChunkSink) (*transport.Response, error)
	WriteBatchFunc func(ctx context.Context, messages []transport.ControlMessage) error

	onMessage func(transport.Message)
	done      chan struct{}

	mu       sync.Mutex
	opened   string
	batches  [][]transport.ControlMessage
	err      error
	closed   bool
	finished bool
}

var _ transport.Handle = (*Handle)(nil)

// NewHandle returns a healthy Handle for target.
func NewHandle(target endpoint.Config, onMessage func(transport.Message)) *Handle {
	if onMessage == nil {
		onMessage = func(transport.Message) {}
	}
	return &Handle{Target: target, onMessage: onMessage, done: make(chan struct{})}
}

func (h *Handle) Instances(ctx context.Context) ([]string, error) {
	if h.InstancesFunc != nil {
		return h.InstancesFunc(ctx)
	}
	if h.Target.Instance != "" {
		return []string{h.Target.Instance}, nil
	}
	return []string{"sim"}, nil
}

func (h *Handle) OpenStream(ctx context.Context, instance string) error {
	if h.OpenStreamFunc != nil {
		if err := h.OpenStreamFunc(ctx, instance); err != nil {
			return err
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return transport.ErrClosed
	}
	h.opened = instance
	return nil
}

func (h *Handle) Do(ctx context.Context, request transport.Request) (*transport.Response, error) {
	if h.DoFunc != nil {
		return h.DoFunc(ctx, request)
	}
	return &transport.Response{StatusCode: 200, Body: []byte("{}")}, nil
}

func (h *Handle) DoStream(ctx context.Context, request transport.Request, sink transport.ChunkSink) (*transport.Response, error) {
	if h.DoStreamFunc != nil {
		return h.DoStreamFunc(ctx, request, sink)
	}
	return &transport.Response{StatusCode: 200}, nil
}

func (h *Handle) WriteBatch(ctx context.Context, messages []transport.ControlMessage) error {
	if h.WriteBatchFunc != nil {
		if err := h.WriteBatchFunc(ctx, messages); err != nil {
			return err
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return &transport.TransportError{Op: "write batch", Endpoint: h.Target.String(), Err: errors.New("stream ended")}
	}
	h.batches = append(h.batches, append([]transport.ControlMessage(nil), messages...))
	return nil
}

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.finishLocked()
	return nil
}

// Deliver hands message to the handle's consumer as if it had arrived
// on the stream.
func (h *Handle) Deliver(message transport.Message) {
	h.onMessage(message)
}

// Drop ends the stream as an unexpected failure with cause.
func (h *Handle) Drop(cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.finished {
		h.err = &transport.TransportError{Op: "stream", Endpoint: h.Target.String(), Err: cause}
	}
	h.finishLocked()
}

func (h *Handle) finishLocked() {
	if h.finished {
		return
	}
	h.finished = true
	close(h.done)
}

// Batches returns every batch written so far.
func (h *Handle) Batches() [][]transport.ControlMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]transport.ControlMessage(nil), h.batches...)
}

// OpenedInstance is the instance passed to a successful OpenStream.
func (h *Handle) OpenedInstance() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opened
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Dialer is a transport.Dialer producing Handles. Configure, when set,
// scripts each handle before it is returned.
type Dialer struct {
	Configure func(attempt int, handle *Handle)

	mu      sync.Mutex
	handles []*Handle
}

var _ transport.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(target endpoint.Config, onMessage func(transport.Message)) transport.Handle {
	handle := NewHandle(target, onMessage)
	d.mu.Lock()
	d.handles = append(d.handles, handle)
	attempt := len(d.handles)
	d.mu.Unlock()
	if d.Configure != nil {
		d.Configure(attempt, handle)
	}
	return handle
}

// Handles returns every handle dialed, oldest first.
func (d *Dialer) Handles() []*Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Handle(nil), d.handles...)
}

// Last returns the most recently dialed handle, or nil.
func (d *Dialer) Last() *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}
