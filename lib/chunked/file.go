// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunked

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/mediavault/lib/codec"
)

// chunkMeta is the CBOR sidecar stored next to every chunk file.
type chunkMeta struct {
	Length      int         `cbor:"length"`
	Stored      int         `cbor:"stored"`
	Compression Compression `cbor:"compression"`
	Digest      [32]byte    `cbor:"digest"`
}

// FileBackend stores chunks as files under Root/<volume>/<NNNN>, each
// with a "<NNNN>.meta" sidecar carrying the uncompressed length, the
// compression used, and the BLAKE3 digest of the uncompressed bytes.
// Reads verify the digest.
type FileBackend struct {
	Root        string
	Compression Compression
}

// NewFileBackend creates the root directory if needed.
func NewFileBackend(root string, compression Compression) (*FileBackend, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating chunk root %s: %w", root, err)
	}
	return &FileBackend{Root: root, Compression: compression}, nil
}

func (b *FileBackend) chunkPath(volume string, chunk int) string {
	return filepath.Join(b.Root, volume, fmt.Sprintf("%04d", chunk))
}

// Check verifies the root is a writable directory.
func (b *FileBackend) Check(ctx context.Context) error {
	info, err := os.Stat(b.Root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", b.Root)
	}
	if err := unix.Access(b.Root, unix.W_OK); err != nil {
		return fmt.Errorf("%s is not writable: %w", b.Root, err)
	}
	return nil
}

func (b *FileBackend) Flush(ctx context.Context, volume string, chunk int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(b.Root, volume), 0o750); err != nil {
		return fmt.Errorf("creating volume directory: %w", err)
	}

	compression := b.Compression
	stored, err := compress(data, compression)
	if errors.Is(err, errIncompressible) {
		stored, compression = data, CompressionNone
	} else if err != nil {
		return err
	}

	meta := chunkMeta{
		Length:      len(data),
		Stored:      len(stored),
		Compression: compression,
		Digest:      blake3.Sum256(data),
	}
	path := b.chunkPath(volume, chunk)
	// Data first, then the sidecar: a reader that finds the new
	// sidecar is guaranteed to find the matching data.
	if err := codec.AtomicWrite(path, stored, 0o640); err != nil {
		return err
	}
	return codec.WriteFile(path+".meta", meta, 0o640)
}

func (b *FileBackend) readMeta(volume string, chunk int) (chunkMeta, error) {
	var meta chunkMeta
	if err := codec.ReadFile(b.chunkPath(volume, chunk)+".meta", &meta); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return chunkMeta{}, ErrChunkNotFound
		}
		return chunkMeta{}, fmt.Errorf("%s chunk %d metadata: %w", volume, chunk, err)
	}
	return meta, nil
}

func (b *FileBackend) Read(ctx context.Context, volume string, chunk int, buf []byte) (int, error) {
	meta, err := b.readMeta(volume, chunk)
	if err != nil {
		return 0, err
	}
	stored, err := os.ReadFile(b.chunkPath(volume, chunk))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrChunkNotFound
		}
		return 0, err
	}
	if len(stored) != meta.Stored {
		return 0, fmt.Errorf("%s chunk %d: stored %d bytes, metadata says %d", volume, chunk, len(stored), meta.Stored)
	}
	data, err := decompress(stored, meta.Compression, meta.Length)
	if err != nil {
		return 0, fmt.Errorf("%s chunk %d: %w", volume, chunk, err)
	}
	if blake3.Sum256(data) != meta.Digest {
		return 0, fmt.Errorf("%s chunk %d: digest mismatch", volume, chunk)
	}
	return copy(buf, data), nil
}

func (b *FileBackend) Size(ctx context.Context, volume string, chunkSize int) (int64, error) {
	entries, err := os.ReadDir(filepath.Join(b.Root, volume))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	last := -1
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".meta") {
			continue
		}
		var chunk int
		if _, err := fmt.Sscanf(strings.TrimSuffix(name, ".meta"), "%d", &chunk); err != nil {
			continue
		}
		last = max(last, chunk)
	}
	if last < 0 {
		return 0, nil
	}
	meta, err := b.readMeta(volume, last)
	if err != nil {
		return 0, err
	}
	return int64(last)*int64(chunkSize) + int64(meta.Length), nil
}

func (b *FileBackend) Truncate(ctx context.Context, volume string) error {
	if err := os.RemoveAll(filepath.Join(b.Root, volume)); err != nil {
		return fmt.Errorf("truncating %s: %w", volume, err)
	}
	return nil
}
