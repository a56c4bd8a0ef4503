// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"sync"

	"github.com/groundlink/uplink/endpoint"
)

// Attempt is the outcome of one Connect: it resolves when the stream
// is up or when the supervisor stops trying.
type Attempt struct {
	target endpoint.Config

	once     sync.Once
	done     chan struct{}
	instance string
	err      error
}

func newAttempt(target endpoint.Config) *Attempt {
	return &Attempt{target: target, done: make(chan struct{})}
}

func failedAttempt(target endpoint.Config, err error) *Attempt {
	attempt := newAttempt(target)
	attempt.resolve("", err)
	return attempt
}

func (a *Attempt) resolve(instance string, err error) {
	a.once.Do(func() {
		a.instance, a.err = instance, err
		close(a.done)
	})
}

// Endpoint is the endpoint being connected to.
func (a *Attempt) Endpoint() endpoint.Config { return a.target }

// Done is closed once the attempt has resolved.
func (a *Attempt) Done() <-chan struct{} { return a.done }

// Err is nil until the attempt resolves, and nil after a successful
// connect.
func (a *Attempt) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Instance is the instance the stream was opened on, once connected.
func (a *Attempt) Instance() string {
	select {
	case <-a.done:
		return a.instance
	default:
		return ""
	}
}

// Wait blocks until the attempt resolves or ctx is done and returns
// the connected instance.
func (a *Attempt) Wait(ctx context.Context) (string, error) {
	select {
	case <-a.done:
		return a.instance, a.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
