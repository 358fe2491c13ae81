// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

// FileDevice stores each volume as a regular file under Directory.
// The open volume is locked with flock so two processes never append
// to the same file.
type FileDevice struct {
	Directory string

	// DirectIO opens volumes with O_DIRECT. Every transfer must then be
	// a multiple of directio.BlockSize; configure the device as
	// fixed-block with an aligned size.
	DirectIO bool

	file    *os.File
	offset  int64
	aligned []byte
}

// NewFileDevice returns a device rooted at directory.
func NewFileDevice(directory string, directIO bool) *FileDevice {
	return &FileDevice{Directory: directory, DirectIO: directIO}
}

func (f *FileDevice) Capabilities() Capabilities {
	return Capabilities{Seekable: true}
}

func (f *FileDevice) path(volume string) string {
	return filepath.Join(f.Directory, volume)
}

func (f *FileDevice) Open(ctx context.Context, volume string, mode OpenMode) error {
	if f.file != nil {
		return fmt.Errorf("file device: %s already has a volume open", f.Directory)
	}
	info, err := os.Stat(f.Directory)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("archive directory %s: %w", f.Directory, unix.ENOMEDIUM)
	}

	flags := os.O_RDONLY
	switch mode {
	case OpenReadWrite:
		flags = os.O_RDWR | os.O_CREATE
	case OpenCreate:
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	}

	var file *os.File
	if f.DirectIO {
		file, err = directio.OpenFile(f.path(volume), flags, 0o640)
	} else {
		file, err = os.OpenFile(f.path(volume), flags, 0o640)
	}
	if err != nil {
		return err
	}

	lock := unix.LOCK_SH
	if mode != OpenRead {
		lock = unix.LOCK_EX
	}
	if err := unix.Flock(int(file.Fd()), lock|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("volume %s is in use: %w", volume, unix.EBUSY)
		}
		return err
	}
	f.file = file
	f.offset = 0
	return nil
}

func (f *FileDevice) checkAligned(n int) error {
	if f.DirectIO && (n%directio.BlockSize != 0 || f.offset%directio.BlockSize != 0) {
		return fmt.Errorf("direct I/O transfer of %d bytes at %d is not aligned to %d: %w",
			n, f.offset, directio.BlockSize, unix.EINVAL)
	}
	return nil
}

// staging returns an aligned buffer of n bytes for direct I/O.
func (f *FileDevice) staging(n int) []byte {
	if cap(f.aligned) < n {
		f.aligned = directio.AlignedBlock(n)
	}
	return f.aligned[:n]
}

func (f *FileDevice) Read(ctx context.Context, p []byte) (int, error) {
	if f.file == nil {
		return 0, ErrNotOpen
	}
	if err := f.checkAligned(len(p)); err != nil {
		return 0, err
	}
	target := p
	if f.DirectIO {
		target = f.staging(len(p))
	}
	n, err := unix.Pread(int(f.file.Fd()), target, f.offset)
	if n > 0 {
		if f.DirectIO {
			copy(p, target[:n])
		}
		f.offset += int64(n)
	}
	if err != nil {
		return max(n, 0), err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *FileDevice) Write(ctx context.Context, p []byte) (int, error) {
	if f.file == nil {
		return 0, ErrNotOpen
	}
	if err := f.checkAligned(len(p)); err != nil {
		return 0, err
	}
	source := p
	if f.DirectIO {
		source = f.staging(len(p))
		copy(source, p)
	}
	n, err := unix.Pwrite(int(f.file.Fd()), source, f.offset)
	if n > 0 {
		f.offset += int64(n)
	}
	if err != nil {
		return max(n, 0), err
	}
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (f *FileDevice) Seek(ctx context.Context, offset int64, whence int) (int64, error) {
	if f.file == nil {
		return 0, ErrNotOpen
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = f.offset + offset
	case io.SeekEnd:
		info, err := f.file.Stat()
		if err != nil {
			return f.offset, err
		}
		target = info.Size() + offset
	default:
		return f.offset, fmt.Errorf("invalid whence %d: %w", whence, unix.EINVAL)
	}
	if target < 0 {
		return f.offset, fmt.Errorf("seek to %d: %w", target, unix.EINVAL)
	}
	f.offset = target
	return target, nil
}

func (f *FileDevice) Rewind(ctx context.Context) error {
	_, err := f.Seek(ctx, 0, io.SeekStart)
	return err
}

func (f *FileDevice) EndOfData(ctx context.Context) error {
	_, err := f.Seek(ctx, 0, io.SeekEnd)
	return err
}

// WriteEOF has no on-disk representation for files; the Dev counts
// the file marks.
func (f *FileDevice) WriteEOF(ctx context.Context, count int) error {
	if f.file == nil {
		return ErrNotOpen
	}
	return nil
}

func (f *FileDevice) BackspaceRecord(ctx context.Context, count int) error {
	return fmt.Errorf("file device backspace: %w", ErrUnsupported)
}

func (f *FileDevice) ForwardSpaceFile(ctx context.Context, count int) error {
	return fmt.Errorf("file device forward space: %w", ErrUnsupported)
}

func (f *FileDevice) Truncate(ctx context.Context) error {
	if f.file == nil {
		return ErrNotOpen
	}
	if err := unix.Ftruncate(int(f.file.Fd()), 0); err != nil {
		return err
	}
	f.offset = 0
	return nil
}

func (f *FileDevice) Sync(ctx context.Context) error {
	if f.file == nil {
		return ErrNotOpen
	}
	return unix.Fsync(int(f.file.Fd()))
}

func (f *FileDevice) Close(ctx context.Context) error {
	if f.file == nil {
		return nil
	}
	unix.Flock(int(f.file.Fd()), unix.LOCK_UN)
	err := f.file.Close()
	f.file = nil
	f.offset = 0
	return err
}
