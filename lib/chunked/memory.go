// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunked

import (
	"bytes"
	"context"
	"sync"
)

// FlushCall records one Flush received by a MemoryBackend.
type FlushCall struct {
	Volume string
	Chunk  int
	Length int
	Err    error
}

// MemoryBackend keeps chunks in process memory. It backs tests and
// scratch volumes, and can inject failures and stall uploads.
type MemoryBackend struct {
	mu      sync.Mutex
	volumes map[string]map[int][]byte

	failRemaining int
	failErr       error
	probeErr      error
	gate          chan struct{}

	flushes []FlushCall
	calls   int
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{volumes: make(map[string]map[int][]byte)}
}

// FailFlushes makes the next n Flush calls return err. A negative n
// fails every Flush until FailFlushes(0, nil).
func (b *MemoryBackend) FailFlushes(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failRemaining = n
	b.failErr = err
}

// SetProbeError sets the error returned by Check.
func (b *MemoryBackend) SetProbeError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeErr = err
}

// HoldFlushes makes Flush block until ReleaseFlushes is called or the
// flush context ends.
func (b *MemoryBackend) HoldFlushes() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gate == nil {
		b.gate = make(chan struct{})
	}
}

// ReleaseFlushes unblocks flushes stalled by HoldFlushes.
func (b *MemoryBackend) ReleaseFlushes() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gate != nil {
		close(b.gate)
		b.gate = nil
	}
}

// Flushes returns every Flush call received so far, failed ones
// included.
func (b *MemoryBackend) Flushes() []FlushCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]FlushCall(nil), b.flushes...)
}

// Calls returns the total number of backend operations received.
func (b *MemoryBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// Chunk returns a copy of a stored chunk.
func (b *MemoryBackend) Chunk(volume string, chunk int) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.volumes[volume][chunk]
	return bytes.Clone(data), ok
}

func (b *MemoryBackend) Check(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	return b.probeErr
}

func (b *MemoryBackend) Flush(ctx context.Context, volume string, chunk int, data []byte) error {
	b.mu.Lock()
	gate := b.gate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.failRemaining != 0 {
		if b.failRemaining > 0 {
			b.failRemaining--
		}
		b.flushes = append(b.flushes, FlushCall{Volume: volume, Chunk: chunk, Length: len(data), Err: b.failErr})
		return b.failErr
	}
	b.flushes = append(b.flushes, FlushCall{Volume: volume, Chunk: chunk, Length: len(data)})
	chunks := b.volumes[volume]
	if chunks == nil {
		chunks = make(map[int][]byte)
		b.volumes[volume] = chunks
	}
	chunks[chunk] = bytes.Clone(data)
	return nil
}

func (b *MemoryBackend) Read(ctx context.Context, volume string, chunk int, buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	data, ok := b.volumes[volume][chunk]
	if !ok {
		return 0, ErrChunkNotFound
	}
	return copy(buf, data), nil
}

func (b *MemoryBackend) Size(ctx context.Context, volume string, chunkSize int) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	var end int64
	for chunk, data := range b.volumes[volume] {
		end = max(end, int64(chunk)*int64(chunkSize)+int64(len(data)))
	}
	return end, nil
}

func (b *MemoryBackend) Truncate(ctx context.Context, volume string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	delete(b.volumes, volume)
	return nil
}
