// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/mediavault/lib/block"
	"github.com/bureau-foundation/mediavault/lib/device"
)

// ReadBlock reads the next block from the device into b and validates
// its header. A block larger than the buffer grows the buffer and is
// read again. On seekable devices any bytes read past the physical
// block, padding included, are given back so the next read starts at
// the following block.
//
// A file mark returns device.ErrFileMark and end of data io.EOF; both
// pass through unwrapped by the read-error hook.
func (c *Control) ReadBlock(ctx context.Context, b *block.DeviceBlock) error {
	caps := c.Dev.Capabilities()
	grown := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := c.Dev.Backend.Read(ctx, b.Buf)
		if errors.Is(err, device.ErrFileMark) {
			c.Dev.AddFile(1)
			return err
		}
		if errors.Is(err, io.EOF) && n == 0 {
			return io.EOF
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return c.readFailed(ctx, device.Classify(err))
		}
		b.ReadLen = uint32(n)

		err = b.DeserializeHeader(c.ReadOptions())
		var oversize *block.OversizeError
		if errors.As(err, &oversize) {
			if grown {
				return c.readFailed(ctx, fmt.Errorf("%w: block still larger than buffer after growing", block.ErrFormat))
			}
			grown = true
			b.Grow(int(oversize.Declared))
			if err := c.reposition(ctx, caps, n); err != nil {
				return c.readFailed(ctx, err)
			}
			c.Logger.Debug("growing block buffer to re-read oversized block", "bytes", oversize.Declared)
			continue
		}
		if err != nil {
			return c.readFailed(ctx, err)
		}

		if end := c.physicalLength(b); caps.Seekable && n > end {
			if _, err := c.Dev.Backend.Seek(ctx, int64(end)-int64(n), io.SeekCurrent); err != nil {
				return c.readFailed(ctx, err)
			}
		}
		return nil
	}
}

// reposition moves back to the start of a block that was just read.
func (c *Control) reposition(ctx context.Context, caps device.Capabilities, n int) error {
	if caps.Tape {
		return c.Dev.Backend.BackspaceRecord(ctx, 1)
	}
	if caps.Seekable {
		_, err := c.Dev.Backend.Seek(ctx, -int64(n), io.SeekCurrent)
		return err
	}
	return fmt.Errorf("cannot re-read oversized block: %w", device.ErrUnsupported)
}

func (c *Control) readFailed(ctx context.Context, err error) error {
	c.Dev.UpdateInfo(func(info *device.VolCatInfo) { info.ReadErrors++ })
	if hookErr := c.Fire(ctx, EventReadError); hookErr != nil {
		return errors.Join(err, hookErr)
	}
	return err
}

// ReadRecord returns the next complete record, reading further blocks
// into the job's block as needed.
func (c *Control) ReadRecord(ctx context.Context, rec *block.Record) error {
	for {
		complete, err := c.Block.ReadRecord(rec)
		if err != nil {
			return err
		}
		if complete {
			return nil
		}
		if err := c.ReadBlock(ctx, c.Block); err != nil {
			return err
		}
	}
}
