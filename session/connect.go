// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"slices"

	"github.com/groundlink/uplink/endpoint"
	"github.com/groundlink/uplink/transport"
)

// Connect starts connecting to target and returns the attempt.
//
// While Connecting or Connected to the same endpoint the existing
// attempt is returned and nothing new starts. While Connecting or
// Connected to a different endpoint the current connection is torn
// down first. From Disconnected and ConnectionFailure a fresh connect
// loop begins.
func (s *Supervisor) Connect(target endpoint.Config) *Attempt {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()
	return s.connectLocked(target)
}

// Recover connects to target only if the supervisor is still in
// ConnectionFailure, checking and connecting as one transition. It
// reports false, starting nothing, from any other state.
func (s *Supervisor) Recover(target endpoint.Config) (*Attempt, bool) {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()
	if s.State() != ConnectionFailure {
		return nil, false
	}
	return s.connectLocked(target), true
}

// connectLocked is Connect for a caller holding transitionMu.
func (s *Supervisor) connectLocked(target endpoint.Config) *Attempt {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return failedAttempt(target, ErrClosed)
	}
	active := s.state == Connecting || s.state == Connected
	if active && s.target.Same(target) {
		attempt := s.attempt
		s.mu.Unlock()
		return attempt
	}
	s.mu.Unlock()

	if err := target.Validate(); err != nil {
		return failedAttempt(target, err)
	}
	if active {
		s.logger.Info("switching endpoint", "from", s.Endpoint().String(), "to", target.String())
		s.disconnectLocked()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	generation := s.generation.Add(1)
	ctx, cancel := context.WithCancel(s.lifetime)
	attempt := newAttempt(target)
	s.target = target
	s.attempt = attempt
	s.cancelConnect = cancel
	s.lastErr = nil
	s.instance, s.instances = "", nil
	s.setStateLocked(Connecting)
	s.notifyLocked(eventConnecting, target, nil)

	s.wg.Add(1)
	go s.runConnect(ctx, generation, attempt)
	return attempt
}

// runConnect is the retry loop behind one Connect.
func (s *Supervisor) runConnect(ctx context.Context, generation uint64, attempt *Attempt) {
	defer s.wg.Done()

	target := attempt.target
	policy := s.config.Retry
	delay := policy.Delay
	var last error
	for n := 1; n <= policy.MaxAttempts; n++ {
		if n > 1 {
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(delay):
			}
			delay = policy.next(delay)
		}

		handle, instance, instances, err := s.tryConnect(ctx, generation, target)
		if err == nil {
			if !s.finishConnect(generation, attempt, handle, instance, instances) {
				handle.Close()
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		last = err
		s.metrics.connectAttempt("failure")
		s.logger.Warn("connect attempt failed",
			"endpoint", target.String(),
			"attempt", n,
			"max_attempts", policy.MaxAttempts,
			"error", err,
		)
		if !retryable(err) {
			s.failConnect(generation, attempt, err)
			return
		}
	}
	s.failConnect(generation, attempt, &ExhaustedRetriesError{
		Endpoint: target,
		Attempts: policy.MaxAttempts,
		Last:     last,
	})
}

// tryConnect makes one attempt: list instances, pick one, and open
// the stream. On failure the handle is closed.
func (s *Supervisor) tryConnect(ctx context.Context, generation uint64, target endpoint.Config) (transport.Handle, string, []string, error) {
	handle := s.config.Dialer.Dial(target, func(message transport.Message) {
		if s.generation.Load() == generation {
			s.fanout.Deliver(message)
		}
	})
	if !s.trackDialing(generation, handle) {
		handle.Close()
		return nil, "", nil, ErrConnectAborted
	}

	instances, err := handle.Instances(ctx)
	if err == nil && len(instances) == 0 {
		err = &transport.ProtocolError{Op: "list instances", Detail: "server offers no instances"}
	}
	var instance string
	if err == nil {
		instance, err = s.chooseInstance(target, instances)
	}
	if err == nil {
		err = handle.OpenStream(ctx, instance)
	}
	if err != nil {
		s.untrackDialing(handle)
		handle.Close()
		return nil, "", nil, err
	}
	return handle, instance, instances, nil
}

// trackDialing records handle as the attempt in progress so that a
// disconnect closes it at once. It reports false when the attempt was
// already superseded.
func (s *Supervisor) trackDialing(generation uint64, handle transport.Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation.Load() != generation {
		return false
	}
	s.dialing = handle
	return true
}

func (s *Supervisor) untrackDialing(handle transport.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialing == handle {
		s.dialing = nil
	}
}

func (s *Supervisor) chooseInstance(target endpoint.Config, instances []string) (string, error) {
	if target.Instance == "" {
		return instances[0], nil
	}
	if slices.Contains(instances, target.Instance) {
		return target.Instance, nil
	}
	if s.config.InstancePolicy == RequireConfigured {
		return "", &InstanceNotFoundError{Endpoint: target, Instance: target.Instance, Available: instances}
	}
	s.logger.Warn("configured instance not offered, using first available",
		"endpoint", target.String(),
		"instance", target.Instance,
		"using", instances[0],
	)
	return instances[0], nil
}

// finishConnect installs handle as the current connection. It reports
// false when the attempt was superseded, in which case the caller
// closes the handle.
func (s *Supervisor) finishConnect(generation uint64, attempt *Attempt, handle transport.Handle, instance string, instances []string) bool {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.mu.Lock()
	if s.generation.Load() != generation || s.state != Connecting {
		s.mu.Unlock()
		return false
	}
	// Anything queued before the stream existed refers to an older
	// session.
	s.bundler.ClearQueue()
	s.handle = handle
	s.dialing = nil
	s.instance = instance
	s.instances = slices.Clone(instances)
	cancel := s.cancelConnect
	s.cancelConnect = nil
	s.setStateLocked(Connected)
	s.notifyLocked(eventConnected, attempt.target, nil)
	s.wg.Add(1)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	attempt.resolve(instance, nil)
	s.metrics.connectAttempt("success")
	s.logger.Info("connected",
		"endpoint", attempt.target.String(),
		"instance", instance,
		"instances", len(instances),
	)
	go s.watch(generation, handle, attempt.target)
	return true
}

// failConnect ends a connect loop that gave up.
func (s *Supervisor) failConnect(generation uint64, attempt *Attempt, err error) {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.mu.Lock()
	if s.generation.Load() != generation || s.state != Connecting {
		s.mu.Unlock()
		return
	}
	cancel := s.cancelConnect
	s.cancelConnect = nil
	s.lastErr = err
	s.setStateLocked(Disconnected)
	s.notifyLocked(eventConnectionFailed, attempt.target, err)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	attempt.resolve("", err)
	s.logger.Error("giving up on connect", "endpoint", attempt.target.String(), "error", err)
}

// watch waits for the stream of one connection to end. An end that
// nobody asked for moves the supervisor to ConnectionFailure.
func (s *Supervisor) watch(generation uint64, handle transport.Handle, target endpoint.Config) {
	defer s.wg.Done()
	select {
	case <-handle.Done():
	case <-s.lifetime.Done():
		return
	}

	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	s.mu.Lock()
	if s.generation.Load() != generation || s.state != Connected {
		s.mu.Unlock()
		return
	}
	cause := handle.Err()
	if cause == nil {
		cause = transport.ErrClosed
	}
	lost := &ConnectionLostError{Endpoint: target, Cause: cause}
	s.generation.Add(1)
	s.handle = nil
	s.lastErr = lost
	s.setStateLocked(ConnectionFailure)
	s.notifyLocked(eventConnectionFailed, target, lost)
	s.mu.Unlock()

	s.metrics.connectionLost()
	s.logger.Warn("connection lost", "endpoint", target.String(), "error", cause)
	handle.Close()
	s.registry.CancelAll(lost)
	s.bundler.ClearQueue()
}
