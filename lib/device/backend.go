// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import "context"

// OpenMode selects how a backend opens a volume.
type OpenMode int

const (
	// OpenRead opens an existing volume for reading.
	OpenRead OpenMode = iota
	// OpenReadWrite opens an existing volume for appending, creating
	// it if missing.
	OpenReadWrite
	// OpenCreate opens the volume and discards its contents.
	OpenCreate
)

func (m OpenMode) String() string {
	switch m {
	case OpenRead:
		return "read"
	case OpenReadWrite:
		return "read-write"
	case OpenCreate:
		return "create"
	default:
		return "unknown"
	}
}

// Capabilities describes what a backend can do.
type Capabilities struct {
	// Seekable backends support byte positioning with Seek.
	Seekable bool
	// Tape backends are record oriented: every Write is one record,
	// and they support file marks and record spacing.
	Tape bool
	// Streaming backends cannot re-read what they just wrote; label
	// verification is skipped.
	Streaming bool
	// Chunked backends absorb writes into chunks that upload
	// asynchronously.
	Chunked bool
}

// Backend is the byte-level driver under a Dev. Errors are
// errno-style and are passed through Classify by callers.
type Backend interface {
	Open(ctx context.Context, volume string, mode OpenMode) error
	Read(ctx context.Context, p []byte) (int, error)
	Write(ctx context.Context, p []byte) (int, error)
	Seek(ctx context.Context, offset int64, whence int) (int64, error)
	Rewind(ctx context.Context) error
	// EndOfData positions after the last record so writing appends.
	EndOfData(ctx context.Context) error
	WriteEOF(ctx context.Context, count int) error
	BackspaceRecord(ctx context.Context, count int) error
	ForwardSpaceFile(ctx context.Context, count int) error
	Truncate(ctx context.Context) error
	Sync(ctx context.Context) error
	Close(ctx context.Context) error
	Capabilities() Capabilities
}
