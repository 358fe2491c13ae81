// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration shared by the storage
// engine's small on-disk state files: inflight chunk markers and the
// per-chunk metadata sidecars written by the file backend.
//
// The binary block format and the volume labels are NOT CBOR; those
// are fixed big-endian layouts owned by lib/block and lib/label.
//
// Encoding uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same marker always produces the same bytes. Types serialized here
// carry `cbor` struct tags.
//
// [WriteFile] replaces a state file atomically (temporary file, fsync,
// rename, directory fsync); [AtomicWrite] does the same for raw bytes
// such as compressed chunk data.
package codec
