// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package spool

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/mediavault/lib/block"
)

// recordHeaderLen is the size of the (FirstIndex, LastIndex, length)
// prefix of every spool record.
const recordHeaderLen = 12

var closedChannel = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type recordHeader struct {
	firstIndex int32
	lastIndex  int32
	length     uint32
}

type spoolFile struct {
	path     string
	file     *os.File
	size     int64
	reserved int64

	// idle is closed when no despool of this file is queued or
	// running. Nil means idle.
	idle chan struct{}
}

func createFile(path string) (*spoolFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: creating %s: %w", ErrSpoolIO, path, err)
	}
	return &spoolFile{path: path, file: file}, nil
}

func (f *spoolFile) waitIdle() <-chan struct{} {
	if f.idle == nil {
		return closedChannel
	}
	return f.idle
}

// append writes one record holding b at the end of the file. A failed
// write is cut back off so the file never ends in a partial record.
func (f *spoolFile) append(b *block.DeviceBlock) (int64, error) {
	raw := b.Bytes()
	record := make([]byte, recordHeaderLen+len(raw))
	binary.BigEndian.PutUint32(record[0:4], uint32(b.FirstIndex))
	binary.BigEndian.PutUint32(record[4:8], uint32(b.LastIndex))
	binary.BigEndian.PutUint32(record[8:12], uint32(len(raw)))
	copy(record[recordHeaderLen:], raw)

	n, err := unix.Pwrite(int(f.file.Fd()), record, f.size)
	if err == nil && n < len(record) {
		err = io.ErrShortWrite
	}
	if err != nil {
		if truncateErr := unix.Ftruncate(int(f.file.Fd()), f.size); truncateErr != nil {
			err = errors.Join(err, truncateErr)
		}
		return 0, fmt.Errorf("%w: appending %d bytes to %s: %w", ErrSpoolIO, len(record), f.path, err)
	}
	f.size += int64(n)
	return int64(n), nil
}

// readRecord reads the record starting at offset.
func (f *spoolFile) readRecord(offset int64) (recordHeader, []byte, error) {
	var prefix [recordHeaderLen]byte
	if err := f.readFull(prefix[:], offset); err != nil {
		return recordHeader{}, nil, err
	}
	header := recordHeader{
		firstIndex: int32(binary.BigEndian.Uint32(prefix[0:4])),
		lastIndex:  int32(binary.BigEndian.Uint32(prefix[4:8])),
		length:     binary.BigEndian.Uint32(prefix[8:12]),
	}
	if header.length > block.MaxBlockLength || offset+recordHeaderLen+int64(header.length) > f.size {
		return recordHeader{}, nil, fmt.Errorf("%w: %s: record at %d declares %d bytes",
			ErrSpoolIO, f.path, offset, header.length)
	}
	raw := make([]byte, header.length)
	if err := f.readFull(raw, offset+recordHeaderLen); err != nil {
		return recordHeader{}, nil, err
	}
	return header, raw, nil
}

func (f *spoolFile) readFull(p []byte, offset int64) error {
	for len(p) > 0 {
		n, err := unix.Pread(int(f.file.Fd()), p, offset)
		if err != nil {
			return fmt.Errorf("%w: reading %s at %d: %w", ErrSpoolIO, f.path, offset, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: reading %s at %d: %w", ErrSpoolIO, f.path, offset, io.ErrUnexpectedEOF)
		}
		p = p[n:]
		offset += int64(n)
	}
	return nil
}

func (f *spoolFile) truncate() error {
	if err := unix.Ftruncate(int(f.file.Fd()), 0); err != nil {
		return fmt.Errorf("%w: truncating %s: %w", ErrSpoolIO, f.path, err)
	}
	f.size = 0
	return nil
}

// recreate erases the file and starts a fresh one at the same path.
func (f *spoolFile) recreate(ctx context.Context, command []string) error {
	if err := f.erase(ctx, command); err != nil {
		return err
	}
	fresh, err := createFile(f.path)
	if err != nil {
		return err
	}
	f.file = fresh.file
	f.size = 0
	return nil
}

// erase closes and securely removes the file.
func (f *spoolFile) erase(ctx context.Context, command []string) error {
	if f.file == nil {
		return nil
	}
	var errs []error
	if len(command) == 0 {
		if err := zeroFill(f.file); err != nil {
			errs = append(errs, err)
		}
	}
	if err := f.file.Close(); err != nil {
		errs = append(errs, err)
	}
	f.file = nil
	f.size = 0

	if len(command) > 0 {
		args := append(command[1:len(command):len(command)], f.path)
		if output, err := exec.CommandContext(ctx, command[0], args...).CombinedOutput(); err != nil {
			errs = append(errs, fmt.Errorf("secure erase %q: %w: %s", command[0], err, output))
		}
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: erasing %s: %w", ErrSpoolIO, f.path, err)
	}
	return nil
}

// zeroFill overwrites the whole file with zeros and syncs it.
func zeroFill(file *os.File) error {
	info, err := file.Stat()
	if err != nil {
		return err
	}
	zeros := make([]byte, 64*1024)
	fd := int(file.Fd())
	for offset := int64(0); offset < info.Size(); {
		chunk := zeros[:min(int64(len(zeros)), info.Size()-offset)]
		n, err := unix.Pwrite(fd, chunk, offset)
		if err != nil {
			return err
		}
		offset += int64(n)
	}
	return unix.Fsync(fd)
}
