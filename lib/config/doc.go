// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the client configuration: the primary and
// failover server endpoints plus the timing knobs of the connection
// core.
//
// Configuration comes from exactly one file, named by the --config
// flag ([LoadFile]) or the UPLINK_CONFIG environment variable
// ([Load]). There is no discovery and no environment override of
// individual values. YAML is the native format; files ending in .json
// or .jsonc are accepted with comments stripped.
//
// ${VAR} and ${VAR:-default} are expanded in file path fields only.
package config
