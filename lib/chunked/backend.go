// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunked

import "context"

// Backend stores whole chunks. Implementations must be safe for
// concurrent use by the worker pool; the manager never issues two
// concurrent Flush calls for the same chunk.
type Backend interface {
	// Flush stores data as the complete contents of the chunk,
	// replacing any previous contents. data must not be retained after
	// Flush returns.
	Flush(ctx context.Context, volume string, chunk int, data []byte) error

	// Read copies the chunk's contents into buf and returns the
	// number of bytes copied. A chunk that does not exist returns
	// ErrChunkNotFound.
	Read(ctx context.Context, volume string, chunk int, buf []byte) (int, error)

	// Size returns the end offset of the highest stored chunk of
	// volume, chunk*chunkSize plus that chunk's length, so holes left
	// by sparse writes count toward the size. It is zero if the volume
	// does not exist.
	Size(ctx context.Context, volume string, chunkSize int) (int64, error)

	// Truncate removes every chunk of volume.
	Truncate(ctx context.Context, volume string) error
}

// Prober is implemented by backends that can check their own
// reachability. Open calls Check before handing out a volume.
type Prober interface {
	Check(ctx context.Context) error
}
