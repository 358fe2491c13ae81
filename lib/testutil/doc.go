// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for the storage
// engine packages.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests never hang on a stuck worker goroutine. They are
// the only place real wall-clock timeouts appear in tests; everything
// else drives time through clock.Fake.
//
// [VolumeDir] returns a per-test directory for volume files, spool
// files and inflight markers. [Pattern] produces deterministic,
// position-dependent payloads so that a misplaced byte in a chunk or
// block round-trip shows up as a mismatch.
//
// All helpers call t.Fatalf on failure.
package testutil
