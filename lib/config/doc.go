// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the storage daemon configuration.
//
// Configuration comes from exactly one file, named either by the
// MEDIAVAULT_CONFIG environment variable (via [Load]) or by a --config
// flag (via [LoadFile]). There is no discovery and no fallback search.
// Files ending in .jsonc or .json are read as JSON with comments and
// trailing commas; everything else is YAML.
//
// The file may carry development, staging and production sections
// that override base values when [Config].Environment matches. After
// loading, ${HOME}, ${MEDIAVAULT_ROOT} and ${VAR:-default} patterns are
// expanded in every path field.
//
// Sizes are written the way people write them ("64 KiB", "50 GiB",
// "64512") and decoded into [Size]; waits are Go durations decoded
// into [Duration].
//
// Key exports:
//
//   - [Config] -- daemon configuration with Paths, Catalog, Devices
//   - [DeviceConfig] -- one device with its block, spool and chunked settings
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other mediavault packages.
package config
