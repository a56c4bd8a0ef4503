// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/groundlink/uplink/endpoint"
	"github.com/groundlink/uplink/lib/clock"
	"github.com/groundlink/uplink/transport"
)

// RetryPolicy bounds the connect loop. Attempt n+1 starts Delay after
// attempt n failed; with Multiplier > 1 the delay grows geometrically
// up to MaxDelay.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy makes ten attempts five seconds apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 10, Delay: 5 * time.Second, Multiplier: 1}
}

func (p RetryPolicy) next(delay time.Duration) time.Duration {
	if p.Multiplier <= 1 {
		return delay
	}
	grown := time.Duration(float64(delay) * p.Multiplier)
	if p.MaxDelay > 0 && grown > p.MaxDelay {
		return p.MaxDelay
	}
	return grown
}

// InstancePolicy decides what happens when the server does not offer
// the endpoint's configured instance.
type InstancePolicy int

const (
	// FallbackToFirst connects to the first instance the server lists.
	FallbackToFirst InstancePolicy = iota

	// RequireConfigured fails the connect with an
	// *InstanceNotFoundError. The failure is not retried.
	RequireConfigured
)

// Config configures a Supervisor. Only Dialer is required.
type Config struct {
	Dialer transport.Dialer

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics

	Retry          RetryPolicy
	InstancePolicy InstancePolicy

	// Control messages are flushed after BundlerInitialDelay and then
	// every BundlerInterval.
	BundlerInitialDelay time.Duration
	BundlerInterval     time.Duration

	// Cancelled calls are swept after SweepInitialDelay and then every
	// SweepInterval.
	SweepInitialDelay time.Duration
	SweepInterval     time.Duration

	// MailboxSize is the per-subscriber message backlog.
	MailboxSize int
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	defaults := DefaultRetryPolicy()
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = defaults.MaxAttempts
	}
	if c.Retry.Delay < 0 {
		c.Retry.Delay = 0
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = defaults.Multiplier
	}
	if c.BundlerInitialDelay <= 0 {
		c.BundlerInitialDelay = 200 * time.Millisecond
	}
	if c.BundlerInterval <= 0 {
		c.BundlerInterval = 400 * time.Millisecond
	}
	if c.SweepInitialDelay <= 0 {
		c.SweepInitialDelay = 2 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	return c
}

// Supervisor owns the connection to one endpoint at a time.
//
// Lock order is transitionMu, then mu. transitionMu serializes whole
// transitions, including the network teardown inside them; mu guards
// the fields and is never held across I/O.
type Supervisor struct {
	config  Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics

	registry *Registry
	bundler  *Bundler
	fanout   *Fanout
	notifier *notifier

	transitionMu sync.Mutex

	mu            sync.Mutex
	state         State
	target        endpoint.Config
	handle        transport.Handle
	dialing       transport.Handle
	instance      string
	instances     []string
	lastErr       error
	attempt       *Attempt
	cancelConnect context.CancelFunc
	listeners     []listenerEntry
	nextListener  uint64
	closed        bool

	// generation changes whenever the current connection is replaced
	// or torn down. Goroutines and callbacks belonging to an older
	// generation do nothing.
	generation atomic.Uint64

	lifetime context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
}

// New returns a disconnected Supervisor and starts its sweep and
// flush loops. Call Close to stop them.
func New(config Config) (*Supervisor, error) {
	if config.Dialer == nil {
		return nil, errors.New("session: Dialer is required")
	}
	config = config.withDefaults()

	lifetime, stop := context.WithCancel(context.Background())
	s := &Supervisor{
		config:   config,
		clock:    config.Clock,
		logger:   config.Logger,
		metrics:  config.Metrics,
		registry: NewRegistry(config.Clock, config.Logger, config.Metrics),
		fanout:   NewFanout(config.MailboxSize, config.Logger, config.Metrics),
		notifier: newNotifier(config.Logger, config.Metrics),
		lifetime: lifetime,
		stop:     stop,
	}
	s.bundler = NewBundler(BatchWriterFunc(s.writeBatch), config.Clock, config.Logger, config.Metrics)
	s.metrics.setState(Disconnected)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.registry.Run(lifetime, config.SweepInitialDelay, config.SweepInterval)
	}()
	go func() {
		defer s.wg.Done()
		s.bundler.Run(lifetime, config.BundlerInitialDelay, config.BundlerInterval)
	}()
	return s, nil
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoint returns the endpoint of the current or most recent connect.
func (s *Supervisor) Endpoint() endpoint.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Instance returns the instance the stream is open on, or "" when not
// connected.
func (s *Supervisor) Instance() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance
}

// Instances returns the instances the server listed on the last
// successful connect.
func (s *Supervisor) Instances() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.instances)
}

// LastError returns the error behind the most recent failed connect
// or lost connection. A new Connect clears it.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// setStateLocked moves to next if the edge is legal. Caller holds mu.
func (s *Supervisor) setStateLocked(next State) bool {
	from := s.state
	if !from.CanTransitionTo(next) {
		s.logger.Error("refusing invalid state transition",
			"from", from.String(),
			"to", next.String(),
			"endpoint", s.target.String(),
		)
		return false
	}
	s.state = next
	s.metrics.setState(next)
	s.logger.Info("connection state changed",
		"from", from.String(),
		"to", next.String(),
		"endpoint", s.target.String(),
	)
	return true
}

// notifyLocked queues event for the listeners registered now. Caller
// holds mu.
func (s *Supervisor) notifyLocked(kind eventKind, target endpoint.Config, err error) {
	s.notifier.post(connectionEvent{kind: kind, target: target, err: err, listeners: s.listeners})
}

// RegisterConnectionListener adds listener and returns a function that
// removes it. A listener added while connected receives Connected
// straight away.
func (s *Supervisor) RegisterConnectionListener(listener ConnectionListener) (remove func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextListener++
	entry := listenerEntry{id: s.nextListener, listener: listener}
	s.listeners = append(slices.Clip(s.listeners), entry)
	if s.state == Connected {
		s.notifier.post(connectionEvent{kind: eventConnected, target: s.target, listeners: []listenerEntry{entry}})
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners = slices.DeleteFunc(slices.Clone(s.listeners), func(existing listenerEntry) bool {
			return existing.id == entry.id
		})
	}
}

// Disconnect tears down the current connection or connect attempt.
// Outstanding calls resolve with a *CancellationError wrapping
// ErrDisconnected and queued control messages are discarded. It does
// nothing when already disconnected. After a lost connection the state
// stays ConnectionFailure so the cause remains visible; ClearFailure
// or a new Connect leaves it.
func (s *Supervisor) Disconnect() {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()
	s.disconnectLocked()
}

// disconnectLocked is Disconnect for a caller holding transitionMu.
func (s *Supervisor) disconnectLocked() {
	s.mu.Lock()
	if s.state == Disconnected || s.state == Disconnecting {
		s.mu.Unlock()
		return
	}
	preserve := s.state == ConnectionFailure
	s.generation.Add(1)
	handle, dialing, attempt, cancel, target := s.handle, s.dialing, s.attempt, s.cancelConnect, s.target
	s.handle, s.dialing, s.cancelConnect = nil, nil, nil
	if !preserve {
		s.setStateLocked(Disconnecting)
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, open := range []transport.Handle{dialing, handle} {
		if open == nil {
			continue
		}
		if err := open.Close(); err != nil {
			s.logger.Debug("closing transport", "endpoint", target.String(), "error", err)
		}
	}
	s.registry.CancelAll(ErrDisconnected)
	s.bundler.ClearQueue()
	if attempt != nil {
		attempt.resolve("", ErrConnectAborted)
	}

	s.mu.Lock()
	if !preserve {
		s.setStateLocked(Disconnected)
		s.instance, s.instances = "", nil
	}
	s.notifyLocked(eventDisconnected, target, nil)
	s.mu.Unlock()
}

// ClearFailure leaves ConnectionFailure for Disconnected without
// reconnecting. It reports whether the state was ConnectionFailure.
func (s *Supervisor) ClearFailure() bool {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != ConnectionFailure {
		return false
	}
	s.setStateLocked(Disconnected)
	s.instance, s.instances = "", nil
	s.notifyLocked(eventDisconnected, s.target, nil)
	return true
}

// Close disconnects and stops every background goroutine. Listener
// callbacks queued before Close still run. Close must not be called
// from a ConnectionListener callback.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Disconnect()
	s.stop()
	s.wg.Wait()
	s.fanout.Close()
	s.notifier.close()
	return nil
}

// Dispatch sends a request over the current connection. Without a
// connection the returned call is already resolved with
// ErrNotConnected; calls are never held for a later connection.
func (s *Supervisor) Dispatch(ctx context.Context, method, path string, body []byte) *Call {
	return s.Do(ctx, transport.Request{Method: method, Path: path, Body: body})
}

// Do is Dispatch for a fully specified request.
func (s *Supervisor) Do(ctx context.Context, request transport.Request) *Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.handle == nil {
		return s.registry.Reject(request, ErrNotConnected)
	}
	return s.registry.Dispatch(ctx, s.handle, request)
}

// DispatchStreaming sends a request whose response body arrives as a
// sequence of records, each passed to sink.
func (s *Supervisor) DispatchStreaming(ctx context.Context, method, path string, body []byte, sink transport.ChunkSink) *Call {
	request := transport.Request{Method: method, Path: path, Body: body}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.handle == nil {
		return s.registry.Reject(request, ErrNotConnected)
	}
	return s.registry.DispatchStream(ctx, s.handle, request, sink)
}

func (s *Supervisor) Get(ctx context.Context, path string) *Call {
	return s.Dispatch(ctx, http.MethodGet, path, nil)
}

func (s *Supervisor) Post(ctx context.Context, path string, body []byte) *Call {
	return s.Dispatch(ctx, http.MethodPost, path, body)
}

func (s *Supervisor) Put(ctx context.Context, path string, body []byte) *Call {
	return s.Dispatch(ctx, http.MethodPut, path, body)
}

func (s *Supervisor) Patch(ctx context.Context, path string, body []byte) *Call {
	return s.Dispatch(ctx, http.MethodPatch, path, body)
}

func (s *Supervisor) Delete(ctx context.Context, path string) *Call {
	return s.Dispatch(ctx, http.MethodDelete, path, nil)
}

// PendingCalls returns the number of unresolved calls.
func (s *Supervisor) PendingCalls() int { return s.registry.Len() }

// RegisterSubscriber adds a stream listener for channels, or for every
// channel when none are named. Registration does not send anything to
// the server; see Subscribe.
func (s *Supervisor) RegisterSubscriber(listener Listener, channels ...string) (*Registration, error) {
	return s.fanout.Register(listener, channels...)
}

// Subscribe registers listener for channel and queues a subscribe
// request carrying payload. Subscriptions do not survive a reconnect:
// call Subscribe again once Connected.
func (s *Supervisor) Subscribe(channel string, listener Listener, payload []byte) (*Registration, error) {
	registration, err := s.fanout.Register(listener, channel)
	if err != nil {
		return nil, err
	}
	s.bundler.Enqueue(transport.ControlMessage{Channel: channel, Operation: transport.OpSubscribe, Payload: payload})
	return registration, nil
}

// Unsubscribe stops delivering channel to registration and queues an
// unsubscribe request. A nil registration only queues the request.
func (s *Supervisor) Unsubscribe(registration *Registration, channel string, payload []byte) {
	if registration != nil {
		registration.Unsubscribe(channel)
	}
	s.bundler.Enqueue(transport.ControlMessage{Channel: channel, Operation: transport.OpUnsubscribe, Payload: payload})
}

// EnqueueControlMessage queues message for the next batch. It never
// blocks.
func (s *Supervisor) EnqueueControlMessage(message transport.ControlMessage) {
	s.bundler.Enqueue(message)
}

// FlushControlMessages writes queued control messages now instead of
// waiting for the next interval.
func (s *Supervisor) FlushControlMessages(ctx context.Context) (int, error) {
	return s.bundler.Flush(ctx)
}

func (s *Supervisor) writeBatch(ctx context.Context, messages []transport.ControlMessage) error {
	s.mu.Lock()
	handle := s.handle
	connected := s.state == Connected
	s.mu.Unlock()
	if !connected || handle == nil {
		return ErrNotConnected
	}
	return handle.WriteBatch(ctx, messages)
}
