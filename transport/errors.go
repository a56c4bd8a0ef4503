// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed Handle.
	ErrClosed = errors.New("transport: handle closed")

	// ErrStreamNotOpen is returned by WriteBatch before OpenStream.
	ErrStreamNotOpen = errors.New("transport: stream not open")
)

// TransportError is a network-level failure: refused, timed out,
// reset, or a stream that dropped. Connect attempts retry these.
type TransportError struct {
	// Op is what was being done, e.g. "GET /api/instances" or "stream".
	Op       string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s on %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is a credential rejection. It is never retried
// automatically.
type AuthError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("transport: %s rejected credentials (%d)", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("transport: %s rejected credentials (%d): %s", e.Endpoint, e.StatusCode, e.Message)
}

// ProtocolError is a response the client could not make sense of.
type ProtocolError struct {
	Op     string
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: %s: %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("transport: %s: %s", e.Op, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}
