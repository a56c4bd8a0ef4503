// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package failover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/groundlink/uplink/endpoint"
	"github.com/groundlink/uplink/session"
)

// Supervisor is the part of *session.Supervisor the coordinator
// drives.
type Supervisor interface {
	Connect(target endpoint.Config) *session.Attempt
	Recover(target endpoint.Config) (*session.Attempt, bool)
	Disconnect()
	ClearFailure() bool
	State() session.State
	RegisterConnectionListener(listener session.ConnectionListener) (remove func())
}

// Config configures a Coordinator. Supervisor and Endpoints.Primary
// are required.
type Config struct {
	Supervisor Supervisor
	Endpoints  endpoint.Pair

	// Policy defaults to Decline.
	Policy Policy

	// Notifier defaults to LogNotifier.
	Notifier Notifier

	InitialMode endpoint.Mode
	Logger      *slog.Logger
	Metrics     *Metrics
}

// Coordinator owns the active mode and reacts to connection failures
// reported by its supervisor. Only one prompt is outstanding at a
// time; failures that arrive while a prompt is open are ignored.
type Coordinator struct {
	supervisor Supervisor
	endpoints  endpoint.Pair
	policy     Policy
	notifier   Notifier
	logger     *slog.Logger
	metrics    *Metrics

	mu        sync.Mutex
	mode      endpoint.Mode
	prompting bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	remove func()
}

// New returns a Coordinator listening to config.Supervisor.
func New(config Config) (*Coordinator, error) {
	if config.Supervisor == nil {
		return nil, errors.New("failover: Supervisor is required")
	}
	if err := config.Endpoints.Primary.Validate(); err != nil {
		return nil, fmt.Errorf("failover: primary endpoint: %w", err)
	}
	if config.Endpoints.HasFailover() {
		if err := config.Endpoints.Failover.Validate(); err != nil {
			return nil, fmt.Errorf("failover: failover endpoint: %w", err)
		}
	} else if config.InitialMode == endpoint.Failover {
		return nil, errors.New("failover: initial mode is failover but no failover endpoint is configured")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Policy == nil {
		config.Policy = Decline
	}
	if config.Notifier == nil {
		config.Notifier = LogNotifier(config.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		supervisor: config.Supervisor,
		endpoints:  config.Endpoints,
		policy:     config.Policy,
		notifier:   config.Notifier,
		logger:     config.Logger,
		metrics:    config.Metrics,
		mode:       config.InitialMode,
		ctx:        ctx,
		cancel:     cancel,
	}
	c.remove = config.Supervisor.RegisterConnectionListener(c)
	return c, nil
}

// Mode returns the active mode.
func (c *Coordinator) Mode() endpoint.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Endpoint returns the endpoint for the active mode.
func (c *Coordinator) Endpoint() endpoint.Config {
	return c.endpoints.For(c.Mode())
}

// Connect connects the supervisor to the endpoint of the active mode.
func (c *Coordinator) Connect() *session.Attempt {
	return c.supervisor.Connect(c.Endpoint())
}

// SwitchMode tears down the current connection, flips the mode, and
// connects to the other endpoint. Without a failover endpoint it
// reconnects to the primary.
func (c *Coordinator) SwitchMode() *session.Attempt {
	c.supervisor.Disconnect()
	c.mu.Lock()
	if c.endpoints.HasFailover() {
		c.mode = c.mode.Other()
	}
	mode := c.mode
	c.mu.Unlock()
	if mode == endpoint.Failover {
		c.logger.Info("switching to failover server")
	} else {
		c.logger.Info("switching to primary server")
	}
	return c.supervisor.Connect(c.endpoints.For(mode))
}

// Close stops listening and waits for an outstanding decision to
// finish. A blocked Policy sees its context cancelled.
func (c *Coordinator) Close() {
	c.remove()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) Connecting(endpoint.Config)   {}
func (c *Coordinator) Connected(endpoint.Config)    {}
func (c *Coordinator) Disconnected(endpoint.Config) {}

// ConnectionFailed routes a lost connection to the policy and any
// other failure to the notifier. Both run off the supervisor's
// notifier goroutine.
func (c *Coordinator) ConnectionFailed(target endpoint.Config, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	var lost *session.ConnectionLostError
	if !errors.As(err, &lost) {
		c.metrics.noticed()
		notice := Notice{Endpoint: target, Mode: c.mode, Err: err}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.notifier.Notify(c.ctx, notice)
		}()
		return
	}

	if c.prompting {
		c.logger.Warn("connection failure while a failover prompt is open, ignoring",
			"endpoint", target.String(),
			"error", err,
		)
		return
	}
	c.prompting = true
	prompt := Prompt{Endpoint: target, Mode: c.mode, Next: c.mode, Err: lost.Cause}
	if c.endpoints.HasFailover() {
		prompt.Next = c.mode.Other()
	}

	c.metrics.prompted()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			c.prompting = false
			c.mu.Unlock()
		}()
		c.decide(prompt)
	}()
}

func (c *Coordinator) decide(prompt Prompt) {
	decision := c.policy.Decide(c.ctx, prompt)
	c.metrics.decided(decision)
	if c.ctx.Err() != nil {
		return
	}
	if decision == Switch && !prompt.CanSwitch() {
		decision = Retry
	}

	var acted bool
	switch decision {
	case Switch:
		acted = c.recover(prompt.Next, c.endpoints.For(prompt.Next))
	case Retry:
		acted = c.recover(prompt.Mode, prompt.Endpoint)
	default:
		acted = c.supervisor.ClearFailure()
	}
	if !acted {
		c.logger.Info("connection state changed while deciding, ignoring decision",
			"decision", decision.String(),
			"state", c.supervisor.State().String(),
		)
		return
	}
	c.logger.Info("failover decision",
		"endpoint", prompt.Endpoint.String(),
		"mode", prompt.Mode.String(),
		"decision", decision.String(),
	)
}

// recover reconnects to target and makes mode active, unless the
// supervisor has left ConnectionFailure in the meantime.
func (c *Coordinator) recover(mode endpoint.Mode, target endpoint.Config) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.supervisor.Recover(target); !ok {
		return false
	}
	c.mode = mode
	return true
}
