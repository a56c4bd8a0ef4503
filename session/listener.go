// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"sync"

	"github.com/groundlink/uplink/endpoint"
)

// ConnectionListener observes a Supervisor's connection lifecycle.
// Callbacks run one at a time on the supervisor's notifier goroutine,
// in the order the transitions happened. They may call back into the
// Supervisor (to disconnect or reconnect) but must not call Close.
type ConnectionListener interface {
	Connecting(target endpoint.Config)
	Connected(target endpoint.Config)
	Disconnected(target endpoint.Config)

	// ConnectionFailed reports a connect that gave up (err is an
	// *ExhaustedRetriesError, a *transport.AuthError or an
	// *InstanceNotFoundError) or an established connection that
	// dropped (err is a *ConnectionLostError).
	ConnectionFailed(target endpoint.Config, err error)
}

// ListenerFuncs adapts optional functions to ConnectionListener. Nil
// fields ignore their event.
type ListenerFuncs struct {
	OnConnecting       func(target endpoint.Config)
	OnConnected        func(target endpoint.Config)
	OnDisconnected     func(target endpoint.Config)
	OnConnectionFailed func(target endpoint.Config, err error)
}

func (f ListenerFuncs) Connecting(target endpoint.Config) {
	if f.OnConnecting != nil {
		f.OnConnecting(target)
	}
}

func (f ListenerFuncs) Connected(target endpoint.Config) {
	if f.OnConnected != nil {
		f.OnConnected(target)
	}
}

func (f ListenerFuncs) Disconnected(target endpoint.Config) {
	if f.OnDisconnected != nil {
		f.OnDisconnected(target)
	}
}

func (f ListenerFuncs) ConnectionFailed(target endpoint.Config, err error) {
	if f.OnConnectionFailed != nil {
		f.OnConnectionFailed(target, err)
	}
}

type eventKind int

const (
	eventConnecting eventKind = iota
	eventConnected
	eventDisconnected
	eventConnectionFailed
)

func (k eventKind) String() string {
	switch k {
	case eventConnecting:
		return "connecting"
	case eventConnected:
		return "connected"
	case eventDisconnected:
		return "disconnected"
	case eventConnectionFailed:
		return "connection_failed"
	}
	return "unknown"
}

type listenerEntry struct {
	id       uint64
	listener ConnectionListener
}

// connectionEvent carries the listeners registered when it was
// posted. A listener added later does not see it.
type connectionEvent struct {
	kind      eventKind
	target    endpoint.Config
	err       error
	listeners []listenerEntry
}

// notifier runs listener callbacks on one goroutine. The queue is
// unbounded so posting never blocks a state transition.
type notifier struct {
	logger  *slog.Logger
	metrics *Metrics

	mu     sync.Mutex
	queue  []connectionEvent
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newNotifier(logger *slog.Logger, metrics *Metrics) *notifier {
	n := &notifier{
		logger:  logger,
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) post(event connectionEvent) {
	if len(event.listeners) == 0 {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, event)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// close delivers what is already queued and stops the goroutine.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
	<-n.done
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		events := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()

		for _, event := range events {
			for _, entry := range event.listeners {
				n.dispatch(entry.listener, event)
			}
		}
		if len(events) > 0 {
			continue
		}
		if closed {
			return
		}
		<-n.wake
	}
}

func (n *notifier) dispatch(listener ConnectionListener, event connectionEvent) {
	defer func() {
		if recovered := recover(); recovered != nil {
			n.metrics.listenerPanic("connection")
			n.logger.Error("connection listener panicked",
				"event", event.kind.String(),
				"endpoint", event.target.String(),
				"panic", recovered,
			)
		}
	}()
	switch event.kind {
	case eventConnecting:
		listener.Connecting(event.target)
	case eventConnected:
		listener.Connected(event.target)
	case eventDisconnected:
		listener.Disconnected(event.target)
	case eventConnectionFailed:
		listener.ConnectionFailed(event.target, event.err)
	}
}
