// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session keeps one client connected to one endpoint at a
// time. [Supervisor] drives the connection state machine and owns the
// pieces that live for the duration of a connection: a [Registry] of
// in-flight calls, a [Bundler] for outgoing control messages, and a
// [Fanout] for inbound stream messages.
//
// Every blocking step runs on the supervisor's own goroutines. Connect
// and Dispatch return immediately with an [Attempt] or [Call] that
// resolves later, so callers on a listener goroutine never wait on
// work that needs that same goroutine.
package session
