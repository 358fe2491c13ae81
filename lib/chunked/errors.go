// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunked

import "errors"

var (
	// ErrBackendUnavailable is returned by Open when the backend's
	// health probe fails.
	ErrBackendUnavailable = errors.New("chunked: backend unavailable")

	// ErrPermanentFlushFailure is recorded when a chunk exhausts its
	// flush retries. It is reported by WaitUntilFlushed and Err.
	ErrPermanentFlushFailure = errors.New("chunked: chunk flush failed permanently")

	// ErrReadOnly is returned for writes and writable opens after a
	// permanent flush failure.
	ErrReadOnly = errors.New("chunked: manager is read-only")

	// ErrChunkNotFound is returned by Backend.Read for a chunk that
	// was never stored.
	ErrChunkNotFound = errors.New("chunked: chunk not found")

	// ErrInflightTimeout is returned when another process keeps a
	// chunk marked inflight longer than the configured wait.
	ErrInflightTimeout = errors.New("chunked: timed out waiting for inflight chunk")

	// ErrNotWritable is returned by Write on a volume opened for
	// reading.
	ErrNotWritable = errors.New("chunked: volume not opened for writing")

	// ErrClosed is returned for operations on a closed manager or
	// volume.
	ErrClosed = errors.New("chunked: closed")
)
