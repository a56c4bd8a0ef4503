// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec encodes the frames exchanged on the streaming channel.
// Frames are CBOR with Core Deterministic Encoding so the same batch
// always produces the same bytes.
package codec
