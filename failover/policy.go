// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package failover

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/groundlink/uplink/endpoint"
)

// Decision is the answer to a failover prompt.
type Decision int

const (
	// Abort leaves the connection down. The zero value, so a policy
	// that cannot decide declines.
	Abort Decision = iota

	// Switch connects to the other endpoint of the pair.
	Switch

	// Retry connects to the endpoint that failed.
	Retry
)

func (d Decision) String() string {
	switch d {
	case Abort:
		return "abort"
	case Switch:
		return "switch"
	case Retry:
		return "retry"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Prompt describes a lost connection to whoever decides what happens
// next.
type Prompt struct {
	// Endpoint is the endpoint whose connection dropped.
	Endpoint endpoint.Config

	// Mode is the active mode; Next is the mode a Switch moves to.
	// They are equal when no failover endpoint is configured.
	Mode endpoint.Mode
	Next endpoint.Mode

	Err error
}

// CanSwitch reports whether a Switch would change endpoints.
func (p Prompt) CanSwitch() bool { return p.Mode != p.Next }

// Message is the operator-facing text for the prompt.
func (p Prompt) Message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Connection error with %s Server (%s).", p.Mode.Title(), p.Endpoint)
	if p.Err != nil {
		if detail := p.Err.Error(); detail != "" {
			fmt.Fprintf(&b, "\nDetails: %s", detail)
		}
	}
	if p.CanSwitch() {
		fmt.Fprintf(&b, "\n\nWould you like to switch connection to the %s Server now?", p.Next.Title())
	} else {
		fmt.Fprintf(&b, "\n\nWould you like to reconnect to the %s Server now?", p.Mode.Title())
	}
	return b.String()
}

// Policy decides how to react to a lost connection. Decide may block,
// for instance while an operator answers; ctx is cancelled when the
// coordinator closes.
type Policy interface {
	Decide(ctx context.Context, prompt Prompt) Decision
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, prompt Prompt) Decision

func (f PolicyFunc) Decide(ctx context.Context, prompt Prompt) Decision { return f(ctx, prompt) }

var (
	// AlwaysSwitch moves to the other endpoint without asking.
	AlwaysSwitch Policy = PolicyFunc(func(context.Context, Prompt) Decision { return Switch })

	// AlwaysRetry reconnects to the same endpoint without asking.
	AlwaysRetry Policy = PolicyFunc(func(context.Context, Prompt) Decision { return Retry })

	// Decline leaves the connection down.
	Decline Policy = PolicyFunc(func(context.Context, Prompt) Decision { return Abort })
)

// Notice reports a connect that failed for good: retries ran out, the
// credentials were refused, or the instance does not exist.
type Notice struct {
	Endpoint endpoint.Config
	Mode     endpoint.Mode
	Err      error
}

// Message is the operator-facing text for the notice.
func (n Notice) Message() string {
	return fmt.Sprintf("Could not connect to %s Server (%s): %v", n.Mode.Title(), n.Endpoint, n.Err)
}

// Notifier shows terminal connect failures to the operator.
type Notifier interface {
	Notify(ctx context.Context, notice Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, notice Notice)

func (f NotifierFunc) Notify(ctx context.Context, notice Notice) { f(ctx, notice) }

// LogNotifier reports notices as errors on logger.
func LogNotifier(logger *slog.Logger) Notifier {
	return NotifierFunc(func(ctx context.Context, notice Notice) {
		logger.ErrorContext(ctx, "connect failed",
			"endpoint", notice.Endpoint.String(),
			"mode", notice.Mode.String(),
			"error", notice.Err,
		)
	})
}
