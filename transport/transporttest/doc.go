// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transporttest provides a loopback server that speaks the
// client's REST and stream protocol, plus a scriptable in-memory
// Handle for tests that do not need a network.
package transporttest
