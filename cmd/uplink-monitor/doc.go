// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// uplink-monitor connects to a mission-control server, follows its
// stream, and fails over to the backup server when the connection
// drops.
package main
