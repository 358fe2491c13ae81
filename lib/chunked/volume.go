// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunked

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
)

// chunkDescriptor is the in-memory state of the chunk a Volume is
// positioned in. buffer has capacity ChunkSize; its length is the
// number of valid bytes.
type chunkDescriptor struct {
	buffer     []byte
	index      int
	start      int64
	opened     bool
	needsFlush bool
}

func (c *chunkDescriptor) end() int64 {
	return c.start + int64(len(c.buffer))
}

// Volume is a seekable handle on one chunked volume. It is used by a
// single goroutine at a time.
type Volume struct {
	manager  *Manager
	name     string
	writable bool
	offset   int64
	size     int64
	chunk    chunkDescriptor
	closed   bool
}

// Name returns the volume name.
func (v *Volume) Name() string { return v.name }

// Size returns the logical size including unflushed writes.
func (v *Volume) Size() int64 { return v.size }

// Offset returns the current position.
func (v *Volume) Offset() int64 { return v.offset }

// Write copies p into the volume at the current offset. Each time the
// position crosses a chunk boundary the filled chunk is handed to the
// flush pipeline.
func (v *Volume) Write(ctx context.Context, p []byte) (int, error) {
	if v.closed {
		return 0, ErrClosed
	}
	if !v.writable {
		return 0, ErrNotWritable
	}
	if err := v.manager.writableErr(); err != nil {
		return 0, err
	}

	chunkSize := v.manager.config.ChunkSize
	written := 0
	for len(p) > 0 {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if err := v.position(ctx); err != nil {
			return written, err
		}

		position := int(v.offset - v.chunk.start)
		n := min(len(p), chunkSize-position)
		if position > len(v.chunk.buffer) {
			// Seeked past the end of the chunk: the gap reads as zeros.
			clear(v.chunk.buffer[len(v.chunk.buffer):position])
		}
		if position+n > len(v.chunk.buffer) {
			v.chunk.buffer = v.chunk.buffer[:position+n]
		}
		copy(v.chunk.buffer[position:], p[:n])
		v.chunk.needsFlush = true

		p = p[n:]
		written += n
		v.offset += int64(n)
		v.size = max(v.size, v.offset)

		if position+n == chunkSize {
			if err := v.flushChunk(ctx, true); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Read fills p from the current offset. At the end of the volume it
// returns the bytes read together with io.EOF.
func (v *Volume) Read(ctx context.Context, p []byte) (int, error) {
	if v.closed {
		return 0, ErrClosed
	}
	read := 0
	for read < len(p) {
		if v.offset >= v.size {
			return read, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return read, err
		}
		if err := v.position(ctx); err != nil {
			return read, err
		}
		if v.offset >= v.chunk.end() {
			// The backend holds less than the recorded size.
			return read, io.EOF
		}
		n := copy(p[read:], v.chunk.buffer[v.offset-v.chunk.start:])
		read += n
		v.offset += int64(n)
	}
	return read, nil
}

// Seek sets the offset for the next Read or Write. The current chunk
// is kept until the next access touches a different one.
func (v *Volume) Seek(offset int64, whence int) (int64, error) {
	if v.closed {
		return 0, ErrClosed
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = v.offset + offset
	case io.SeekEnd:
		target = v.size + offset
	default:
		return v.offset, fmt.Errorf("chunked: invalid whence %d", whence)
	}
	if target < 0 {
		return v.offset, fmt.Errorf("chunked: seek to negative offset %d", target)
	}
	v.offset = target
	return target, nil
}

// Flush submits the current chunk's contents while keeping it open
// for further writes. The submitted buffer is a copy.
func (v *Volume) Flush(ctx context.Context) error {
	if v.closed {
		return ErrClosed
	}
	return v.flushChunk(ctx, false)
}

// Truncate discards the volume's contents and rewinds to offset zero.
func (v *Volume) Truncate(ctx context.Context) error {
	if v.closed {
		return ErrClosed
	}
	if !v.writable {
		return ErrNotWritable
	}
	v.chunk = chunkDescriptor{}
	if err := v.manager.Truncate(ctx, v.name); err != nil {
		return err
	}
	v.offset = 0
	v.size = 0
	return nil
}

// IsFullyWritten reports whether every byte written through this
// handle has reached the backend.
func (v *Volume) IsFullyWritten(ctx context.Context) (bool, error) {
	if v.chunk.needsFlush {
		return false, nil
	}
	return v.manager.IsFullyWritten(ctx, v.name)
}

// Close submits the current chunk if it holds unflushed data. It does
// not wait for the upload; see Manager.WaitUntilFlushed.
func (v *Volume) Close(ctx context.Context) error {
	if v.closed {
		return nil
	}
	err := v.flushChunk(ctx, true)
	v.closed = true
	v.chunk = chunkDescriptor{}
	return err
}

// position makes the chunk containing the offset current, submitting
// the previous one if it was modified.
func (v *Volume) position(ctx context.Context) error {
	index := int(v.offset / int64(v.manager.config.ChunkSize))
	if v.chunk.opened && v.chunk.index == index {
		return nil
	}
	if v.chunk.opened {
		if err := v.flushChunk(ctx, true); err != nil {
			return err
		}
	}
	return v.loadChunk(ctx, index)
}

// loadChunk fills the descriptor for chunk index from, in order: the
// flush pipeline, nothing (past the end of the volume), or the backend
// once no other process has the chunk inflight.
func (v *Volume) loadChunk(ctx context.Context, index int) error {
	m := v.manager
	chunkSize := m.config.ChunkSize
	start := int64(index) * int64(chunkSize)
	buffer := make([]byte, 0, chunkSize)

	if pending, ok := m.peek(v.name, index); ok {
		buffer = append(buffer, pending...)
	} else if start < v.size {
		if err := m.waitInflight(ctx, v.name, index); err != nil {
			return err
		}
		n, err := m.backend.Read(ctx, v.name, index, buffer[:chunkSize])
		if err != nil && !errors.Is(err, ErrChunkNotFound) {
			return fmt.Errorf("loading %s chunk %d: %w", v.name, index, err)
		}
		buffer = buffer[:n]
	}

	v.chunk = chunkDescriptor{
		buffer: buffer,
		index:  index,
		start:  start,
		opened: true,
	}
	return nil
}

// flushChunk submits the current chunk if it was modified. With
// release the buffer itself moves to the pipeline and the descriptor is
// emptied; otherwise a copy is submitted.
func (v *Volume) flushChunk(ctx context.Context, release bool) error {
	if !v.chunk.opened {
		return nil
	}
	if v.chunk.needsFlush {
		buffer := v.chunk.buffer
		if !release {
			buffer = bytes.Clone(buffer)
		}
		req := &IORequest{Volume: v.name, Chunk: v.chunk.index, Buffer: buffer}
		if err := v.manager.submit(ctx, req); err != nil {
			return err
		}
		v.chunk.needsFlush = false
	}
	if release {
		v.chunk = chunkDescriptor{}
	}
	return nil
}
