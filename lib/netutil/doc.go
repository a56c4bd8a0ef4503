// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds HTTP and connection helpers shared by the
// transport and its test server.
//
// Response reads are bounded at MaxResponseSize. Bulk downloads go
// through the streaming path, which reads incrementally instead.
package netutil
