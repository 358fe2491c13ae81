// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package watchdog provides atomic marker files that record an upload
// in progress. A chunk manager writes a marker before handing a chunk
// to its backend and clears it once the backend has acknowledged the
// data. Any process that finds a marker knows the chunk's backend copy
// may be stale or incomplete and must wait (or give up) rather than
// trust it.
//
// Markers are written atomically (write to temporary file, fsync,
// rename into place, fsync parent directory) so readers never see a
// partial state. A marker left behind by a crash survives restarts;
// [State.Orphaned] identifies markers whose writer process is gone so
// an operator can clear them.
//
// Marker files are named "<volume>@<chunk>.inflight" and hold a CBOR
// encoded [State].
package watchdog
