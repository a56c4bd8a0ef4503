// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for uplink binaries. The
// variables are set with -ldflags at build time:
//
//	go build -ldflags "-X github.com/groundlink/uplink/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version
