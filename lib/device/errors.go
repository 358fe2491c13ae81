// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/mediavault/lib/chunked"
)

var (
	// ErrTransient marks a condition expected to clear on retry, such
	// as a busy drive.
	ErrTransient = errors.New("device: transient error")

	// ErrCapacityExceeded marks end of medium: a short write, ENOSPC,
	// or the configured maximum volume size.
	ErrCapacityExceeded = errors.New("device: end of medium")

	ErrNoMedia     = errors.New("device: no medium")
	ErrHardware    = errors.New("device: hardware I/O error")
	ErrWrongVolume = errors.New("device: wrong volume mounted")
	ErrUnsupported = errors.New("device: operation not supported")
	ErrNotOpen     = errors.New("device: no volume open")

	// ErrReadOnly is returned for writes to a volume that was opened
	// for reading or marked read-only.
	ErrReadOnly = errors.New("device: volume is read-only")

	// ErrFileMark is returned by a tape read positioned on a file
	// mark. The mark is consumed.
	ErrFileMark = errors.New("device: file mark")
)

// Classify maps an errno-style error from a backend onto the device
// sentinels, preserving the original in the chain.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTransient), errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrNoMedia), errors.Is(err, ErrHardware):
		return err
	case errors.Is(err, unix.EBUSY), errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return fmt.Errorf("%w: %w", ErrTransient, err)
	case errors.Is(err, unix.ENOSPC), errors.Is(err, unix.EFBIG), errors.Is(err, io.ErrShortWrite):
		return fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	case errors.Is(err, unix.ENOMEDIUM):
		return fmt.Errorf("%w: %w", ErrNoMedia, err)
	case errors.Is(err, unix.EIO):
		return fmt.Errorf("%w: %w", ErrHardware, err)
	default:
		return err
	}
}

// Describe returns the operator-facing summary of err.
func Describe(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrWrongVolume):
		return "wrong volume mounted"
	case errors.Is(err, ErrCapacityExceeded):
		return "volume full"
	case errors.Is(err, ErrHardware):
		return "hardware write error"
	case errors.Is(err, chunked.ErrBackendUnavailable):
		return "backend unreachable"
	case errors.Is(err, ErrNoMedia):
		return "no medium loaded"
	case errors.Is(err, ErrTransient):
		return "device busy"
	case errors.Is(err, chunked.ErrReadOnly), errors.Is(err, ErrReadOnly):
		return "volume read-only"
	default:
		return err.Error()
	}
}
