// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the wait helpers tests use instead of bare
// time.After selects. The timeouts here are hang guards only; tests
// never rely on them for ordering.
package testutil
