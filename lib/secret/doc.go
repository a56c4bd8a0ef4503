// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps server passwords out of the Go heap. A Buffer
// is an anonymous mmap region locked into RAM and excluded from core
// dumps; Close zeroes and unmaps it.
package secret
