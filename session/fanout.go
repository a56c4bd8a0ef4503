// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/groundlink/uplink/transport"
)

// Listener consumes streaming messages. Errors and panics are logged
// and never reach the transport or other listeners.
type Listener interface {
	OnMessage(message transport.Message) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(message transport.Message) error

func (f ListenerFunc) OnMessage(message transport.Message) error { return f(message) }

// DefaultMailboxSize is the per-listener backlog used when none is
// configured.
const DefaultMailboxSize = 1024

// Fanout delivers inbound messages to registered listeners. Each
// listener has its own bounded mailbox and goroutine, so a slow or
// failing listener cannot delay the others or the transport's read
// loop. When a mailbox is full its oldest message is evicted.
type Fanout struct {
	logger      *slog.Logger
	metrics     *Metrics
	mailboxSize int

	// registrations is replaced wholesale on every change. Deliver
	// reads it without locking.
	registrations atomic.Pointer[[]*Registration]
	mu            sync.Mutex
	closed        bool
	wg            sync.WaitGroup
}

// NewFanout returns a Fanout with no listeners.
func NewFanout(mailboxSize int, logger *slog.Logger, metrics *Metrics) *Fanout {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{logger: logger, metrics: metrics, mailboxSize: mailboxSize}
	f.registrations.Store(&[]*Registration{})
	return f
}

// Registration is one listener's membership in a Fanout.
type Registration struct {
	fanout   *Fanout
	listener Listener

	// channels is nil for a listener that receives every channel.
	channels atomic.Pointer[map[string]struct{}]

	mu      sync.Mutex
	mailbox []transport.Message
	notify  chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// Register adds listener. With no channels it receives every message;
// otherwise only messages on the named channels.
func (f *Fanout) Register(listener Listener, channels ...string) (*Registration, error) {
	registration := &Registration{
		fanout:   f,
		listener: listener,
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	if len(channels) > 0 {
		registration.Subscribe(channels...)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	current := *f.registrations.Load()
	next := append(slices.Clip(current), registration)
	f.registrations.Store(&next)

	f.wg.Add(1)
	go registration.run()
	return registration, nil
}

// Unregister removes registration and stops its goroutine. Messages
// still in its mailbox are discarded.
func (f *Fanout) Unregister(registration *Registration) {
	f.mu.Lock()
	current := *f.registrations.Load()
	next := slices.DeleteFunc(slices.Clone(current), func(r *Registration) bool {
		return r == registration
	})
	f.registrations.Store(&next)
	f.mu.Unlock()
	registration.stop()
}

// Len returns the number of registered listeners.
func (f *Fanout) Len() int {
	return len(*f.registrations.Load())
}

// Deliver queues message for every interested listener and returns how
// many listeners it was queued for. It never blocks on a listener.
func (f *Fanout) Deliver(message transport.Message) int {
	delivered := 0
	for _, registration := range *f.registrations.Load() {
		if !registration.Wants(message.Channel) {
			continue
		}
		registration.push(message)
		delivered++
	}
	return delivered
}

// Close unregisters every listener and waits for their goroutines to
// exit.
func (f *Fanout) Close() {
	f.mu.Lock()
	f.closed = true
	current := *f.registrations.Load()
	f.registrations.Store(&[]*Registration{})
	f.mu.Unlock()
	for _, registration := range current {
		registration.stop()
	}
	f.wg.Wait()
}

// Wants reports whether the listener receives messages on channel.
func (r *Registration) Wants(channel string) bool {
	channels := r.channels.Load()
	if channels == nil {
		return true
	}
	_, ok := (*channels)[channel]
	return ok
}

// Subscribe adds channels to the listener's filter. A listener that
// received every channel receives only the named ones afterwards.
func (r *Registration) Subscribe(channels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]struct{})
	if current := r.channels.Load(); current != nil {
		next = maps.Clone(*current)
	}
	for _, channel := range channels {
		next[channel] = struct{}{}
	}
	r.channels.Store(&next)
}

// Unsubscribe removes channels from the listener's filter. A listener
// that receives every channel keeps doing so.
func (r *Registration) Unsubscribe(channels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.channels.Load()
	if current == nil {
		return
	}
	next := maps.Clone(*current)
	for _, channel := range channels {
		delete(next, channel)
	}
	r.channels.Store(&next)
}

// Close unregisters the listener.
func (r *Registration) Close() {
	r.fanout.Unregister(r)
}

func (r *Registration) push(message transport.Message) {
	r.mu.Lock()
	if len(r.mailbox) >= r.fanout.mailboxSize {
		r.mailbox = r.mailbox[1:]
		r.fanout.metrics.mailboxOverflow()
		r.fanout.logger.Warn("subscriber mailbox full, dropping oldest message",
			"channel", message.Channel,
			"mailbox_size", r.fanout.mailboxSize,
		)
	}
	r.mailbox = append(r.mailbox, message)
	r.mu.Unlock()
	r.fanout.metrics.messageDelivered()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *Registration) take() []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := r.mailbox
	r.mailbox = nil
	return pending
}

func (r *Registration) stop() {
	r.closeOnce.Do(func() { close(r.closed) })
}

func (r *Registration) run() {
	defer r.fanout.wg.Done()
	for {
		select {
		case <-r.closed:
			return
		case <-r.notify:
		}
		for _, message := range r.take() {
			select {
			case <-r.closed:
				return
			default:
			}
			r.invoke(message)
		}
	}
}

func (r *Registration) invoke(message transport.Message) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.fanout.metrics.listenerPanic("message")
			r.fanout.logger.Error("subscriber panicked",
				"channel", message.Channel,
				"sequence", message.Sequence,
				"panic", recovered,
			)
		}
	}()
	if err := r.listener.OnMessage(message); err != nil {
		r.fanout.logger.Warn("subscriber failed",
			"channel", message.Channel,
			"sequence", message.Sequence,
			"error", err,
		)
	}
}
