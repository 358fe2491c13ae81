// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// tapeEntry is one record or file mark on a virtual tape.
type tapeEntry struct {
	offset int64 // of the length prefix
	length int   // zero for a file mark
}

// VirtualTape emulates a record-oriented tape drive on a regular file.
// Each cartridge is a file under Directory holding a sequence of
// [u32 length][data] records; a zero length is a file mark. Writing at
// a position discards everything after it, as on a real tape.
type VirtualTape struct {
	Directory string

	// Capacity is the medium size in bytes. A record that would not
	// fit fails with ENOSPC; file marks always fit. Zero is unlimited.
	Capacity int64

	file     *os.File
	entries  []tapeEntry
	position int
	end      int64
}

// NewVirtualTape returns a drive whose cartridges live in directory.
func NewVirtualTape(directory string, capacity int64) *VirtualTape {
	return &VirtualTape{Directory: directory, Capacity: capacity}
}

func (t *VirtualTape) Capabilities() Capabilities {
	return Capabilities{Tape: true}
}

func (t *VirtualTape) Open(ctx context.Context, volume string, mode OpenMode) error {
	if t.file != nil {
		return fmt.Errorf("virtual tape: cartridge already loaded")
	}
	path := filepath.Join(t.Directory, volume)
	flags := os.O_RDWR
	switch mode {
	case OpenRead:
		flags = os.O_RDONLY
	case OpenCreate:
		flags |= os.O_CREATE | os.O_TRUNC
	case OpenReadWrite:
		flags |= os.O_CREATE
	}
	file, err := os.OpenFile(path, flags, 0o640)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("cartridge %s: %w", volume, unix.ENOMEDIUM)
		}
		return err
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("cartridge %s is loaded elsewhere: %w", volume, unix.EBUSY)
		}
		return err
	}
	t.file = file
	if err := t.scan(); err != nil {
		t.Close(ctx)
		return err
	}
	t.position = 0
	return nil
}

// scan rebuilds the record index from the cartridge file.
func (t *VirtualTape) scan() error {
	t.entries = t.entries[:0]
	var offset int64
	var prefix [4]byte
	for {
		_, err := t.file.ReadAt(prefix[:], offset)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("scanning cartridge: %w", err)
		}
		length := int(binary.BigEndian.Uint32(prefix[:]))
		t.entries = append(t.entries, tapeEntry{offset: offset, length: length})
		offset += 4 + int64(length)
	}
	t.end = offset
	return nil
}

func (t *VirtualTape) Read(ctx context.Context, p []byte) (int, error) {
	if t.file == nil {
		return 0, ErrNotOpen
	}
	if t.position >= len(t.entries) {
		return 0, io.EOF
	}
	entry := t.entries[t.position]
	t.position++
	if entry.length == 0 {
		return 0, ErrFileMark
	}
	// A short buffer receives the head of the record; the rest is
	// skipped, as a tape drive would.
	n := min(len(p), entry.length)
	if _, err := t.file.ReadAt(p[:n], entry.offset+4); err != nil {
		return 0, fmt.Errorf("reading record: %w", unix.EIO)
	}
	return n, nil
}

func (t *VirtualTape) Write(ctx context.Context, p []byte) (int, error) {
	if t.file == nil {
		return 0, ErrNotOpen
	}
	if len(p) == 0 {
		return 0, nil
	}
	offset := t.truncateAtPosition()
	if t.Capacity > 0 && offset+4+int64(len(p)) > t.Capacity {
		return 0, unix.ENOSPC
	}
	return len(p), t.append(offset, p)
}

// truncateAtPosition discards entries from the current position on and
// returns the offset where the next entry goes.
func (t *VirtualTape) truncateAtPosition() int64 {
	if t.position < len(t.entries) {
		offset := t.entries[t.position].offset
		t.entries = t.entries[:t.position]
		t.end = offset
	}
	return t.end
}

func (t *VirtualTape) append(offset int64, data []byte) error {
	record := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(record, uint32(len(data)))
	copy(record[4:], data)
	if _, err := t.file.WriteAt(record, offset); err != nil {
		return err
	}
	if err := t.file.Truncate(offset + int64(len(record))); err != nil {
		return err
	}
	t.entries = append(t.entries, tapeEntry{offset: offset, length: len(data)})
	t.end = offset + int64(len(record))
	t.position = len(t.entries)
	return nil
}

func (t *VirtualTape) Seek(ctx context.Context, offset int64, whence int) (int64, error) {
	return 0, fmt.Errorf("tape seek: %w", ErrUnsupported)
}

func (t *VirtualTape) Rewind(ctx context.Context) error {
	if t.file == nil {
		return ErrNotOpen
	}
	t.position = 0
	return nil
}

func (t *VirtualTape) EndOfData(ctx context.Context) error {
	if t.file == nil {
		return ErrNotOpen
	}
	t.position = len(t.entries)
	return nil
}

func (t *VirtualTape) WriteEOF(ctx context.Context, count int) error {
	if t.file == nil {
		return ErrNotOpen
	}
	for range count {
		if err := t.append(t.truncateAtPosition(), nil); err != nil {
			return err
		}
	}
	return nil
}

// BackspaceRecord moves back count records. It stops with an error
// when it would cross a file mark or the beginning of the tape.
func (t *VirtualTape) BackspaceRecord(ctx context.Context, count int) error {
	if t.file == nil {
		return ErrNotOpen
	}
	for range count {
		if t.position == 0 {
			return fmt.Errorf("backspace at beginning of tape: %w", unix.EIO)
		}
		if t.entries[t.position-1].length == 0 {
			return fmt.Errorf("backspace over file mark: %w", ErrFileMark)
		}
		t.position--
	}
	return nil
}

// ForwardSpaceFile moves past the next count file marks.
func (t *VirtualTape) ForwardSpaceFile(ctx context.Context, count int) error {
	if t.file == nil {
		return ErrNotOpen
	}
	for range count {
		for {
			if t.position >= len(t.entries) {
				return io.EOF
			}
			t.position++
			if t.entries[t.position-1].length == 0 {
				break
			}
		}
	}
	return nil
}

func (t *VirtualTape) Truncate(ctx context.Context) error {
	if t.file == nil {
		return ErrNotOpen
	}
	if err := t.file.Truncate(0); err != nil {
		return err
	}
	t.entries = t.entries[:0]
	t.position = 0
	t.end = 0
	return nil
}

func (t *VirtualTape) Sync(ctx context.Context) error {
	if t.file == nil {
		return ErrNotOpen
	}
	return unix.Fsync(int(t.file.Fd()))
}

func (t *VirtualTape) Close(ctx context.Context) error {
	if t.file == nil {
		return nil
	}
	unix.Flock(int(t.file.Fd()), unix.LOCK_UN)
	err := t.file.Close()
	t.file = nil
	t.entries = nil
	t.position = 0
	t.end = 0
	return err
}
