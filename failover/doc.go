// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package failover decides what happens after an established
// connection drops: switch to the other endpoint of the pair, retry
// the same one, or stay down. The decision comes from a [Policy],
// which may be an operator prompt or a fixed rule, so the
// connection supervisor never needs to know which.
package failover
