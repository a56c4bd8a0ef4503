// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package endpoint describes the servers a client can connect to and
// which of the two configured servers is active.
package endpoint
