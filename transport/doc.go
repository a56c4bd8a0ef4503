// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport is the client's connection to one server: a
// request/response channel over HTTP and a persistent streaming
// channel over WebSocket.
//
// [Handle] is the seam the connection supervisor drives. [Client] is
// the production implementation. One Handle serves one connection: it
// is opened once and, after it closes or drops, a new Handle is built
// for the next attempt.
//
// Application-level failures are not Go errors. A request that reaches
// the server and comes back with an error status yields a [Response]
// whose Error field carries the decoded server error. Go errors are
// reserved for the failure taxonomy in errors.go: [TransportError],
// [AuthError], and [ProtocolError].
package transport
