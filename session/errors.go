// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/groundlink/uplink/endpoint"
	"github.com/groundlink/uplink/transport"
)

var (
	// ErrCancelled matches every cancellation resolution of a Call or
	// Attempt, whoever cancelled it.
	ErrCancelled = errors.New("cancelled")

	// ErrNotConnected resolves calls dispatched without a live
	// connection. Calls are never queued for a later connection.
	ErrNotConnected = errors.New("not connected")

	// ErrDisconnected is the reason given to calls cancelled by
	// Disconnect.
	ErrDisconnected = errors.New("disconnected by client")

	// ErrClosed is returned after the Supervisor has been closed.
	ErrClosed = errors.New("supervisor closed")

	// ErrConnectAborted resolves an Attempt superseded by Disconnect
	// or by a connect to another endpoint.
	ErrConnectAborted = fmt.Errorf("connect aborted: %w", ErrCancelled)
)

// CancellationError resolves a Call that was cancelled before the
// server answered. Reason says why: nil for an explicit Cancel, the
// context cause for a cancelled caller context, ErrDisconnected for a
// disconnect, or the transport error of a dropped connection.
type CancellationError struct {
	Call   string
	Reason error
}

func (e *CancellationError) Error() string {
	if e.Reason == nil {
		return e.Call + ": cancelled"
	}
	return fmt.Sprintf("%s: cancelled: %v", e.Call, e.Reason)
}

func (e *CancellationError) Is(target error) bool { return target == ErrCancelled }

func (e *CancellationError) Unwrap() error { return e.Reason }

// ExhaustedRetriesError ends a connect whose every attempt failed.
type ExhaustedRetriesError struct {
	Endpoint endpoint.Config
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("connecting to %s: giving up after %d attempts: %v", e.Endpoint, e.Attempts, e.Last)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Last }

// ConnectionLostError reports the drop of an established connection.
type ConnectionLostError struct {
	Endpoint endpoint.Config
	Cause    error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("connection to %s lost: %v", e.Endpoint, e.Cause)
}

func (e *ConnectionLostError) Unwrap() error { return e.Cause }

// InstanceNotFoundError is returned under RequireConfigured when the
// server does not offer the configured instance.
type InstanceNotFoundError struct {
	Endpoint  endpoint.Config
	Instance  string
	Available []string
}

func (e *InstanceNotFoundError) Error() string {
	return fmt.Sprintf("%s does not serve instance %q (available: %s)",
		e.Endpoint.Address(), e.Instance, strings.Join(e.Available, ", "))
}

// retryable reports whether a failed connect attempt may be repeated.
// Credential rejections and a missing instance under the strict policy
// will not change on their own.
func retryable(err error) bool {
	var instanceErr *InstanceNotFoundError
	return !transport.IsAuthError(err) && !errors.As(err, &instanceErr)
}
