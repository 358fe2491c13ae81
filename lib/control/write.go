// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/mediavault/lib/block"
	"github.com/bureau-foundation/mediavault/lib/device"
)

const (
	writeAttempts   = 3
	writeRetryDelay = time.Second
)

// physicalLength returns how many bytes of b are written: the whole
// buffer on fixed-block devices, otherwise the used length raised to
// the device minimum.
func (c *Control) physicalLength(b *block.DeviceBlock) int {
	if c.Dev.FixedBlock() {
		return c.Dev.MaxBlockSize
	}
	return max(int(b.BlockLen), c.Dev.MinBlockSize)
}

// WriteBlock performs the physical write of b: pad, number, serialize,
// write with retry on transient errors, and optionally verify. End of
// medium terminates the volume and returns device.ErrCapacityExceeded.
func (c *Control) WriteBlock(ctx context.Context, b *block.DeviceBlock) error {
	if err := c.Dev.Writable(); err != nil {
		return err
	}

	length := c.physicalLength(b)
	b.Grow(length)
	clear(b.Buf[b.BlockLen:length])

	if c.Dev.WouldExceed(length) {
		return c.terminateVolume(ctx, fmt.Errorf("maximum volume size %d reached", c.Dev.MaxVolumeBytes))
	}

	b.BlockNumber = c.Dev.NextBlockNumber()
	b.SerializeHeader(c.Options.Checksum)

	var (
		n   int
		err error
	)
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		n, err = c.Dev.Backend.Write(ctx, b.Buf[:length])
		err = device.Classify(err)
		if err == nil || !errors.Is(err, device.ErrTransient) || attempt == writeAttempts {
			break
		}
		c.Logger.Warn("device busy, retrying block write",
			"block_number", b.BlockNumber, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Dev.Clock.After(writeRetryDelay):
		}
	}

	if err == nil && n < length {
		err = fmt.Errorf("short write of block %d: %d of %d bytes", b.BlockNumber, n, length)
		return c.terminateVolume(ctx, err)
	}
	if errors.Is(err, device.ErrCapacityExceeded) {
		return c.terminateVolume(ctx, err)
	}
	if err != nil {
		c.Dev.UpdateInfo(func(info *device.VolCatInfo) {
			info.WriteErrors++
			if errors.Is(err, device.ErrHardware) {
				info.Status = device.StatusError
			}
		})
		if errors.Is(err, device.ErrHardware) {
			c.Dev.SetReadOnly()
			c.UpdateCatalog(ctx)
		}
		return fmt.Errorf("writing block %d to %s: %w", b.BlockNumber, c.Dev.Name, err)
	}

	c.Dev.RecordWrite(length)
	c.recordPosition(b.BlockNumber, c.Dev.File())

	if c.Options.VerifyWrites && c.Dev.Capabilities().Tape {
		if err := c.verifyLastBlock(ctx, b, length); err != nil {
			return err
		}
	}
	return nil
}

// terminateVolume handles end of medium: write a file mark, mark the
// volume Full, refuse further writes, and tell the catalog.
func (c *Control) terminateVolume(ctx context.Context, cause error) error {
	volume := c.Dev.Info().VolumeName
	if err := c.Dev.Backend.WriteEOF(ctx, 1); err != nil {
		c.Logger.Warn("writing end-of-medium file mark", "volume", volume, "error", err)
	} else {
		c.Dev.AddFile(1)
	}
	c.Dev.SetEOM()
	c.Logger.Info("end of medium, volume marked full",
		"volume", volume, "blocks", c.Dev.Info().Blocks, "cause", cause)
	if err := c.UpdateCatalog(ctx); err != nil {
		c.Logger.Error("recording full volume in catalog", "volume", volume, "error", err)
	}
	return fmt.Errorf("%w: %s: %v", device.ErrCapacityExceeded, volume, cause)
}

// verifyLastBlock backspaces over the block just written and compares
// what the device returns with what was sent.
func (c *Control) verifyLastBlock(ctx context.Context, written *block.DeviceBlock, length int) error {
	if err := c.Dev.Backend.BackspaceRecord(ctx, 1); err != nil {
		return fmt.Errorf("backspacing to verify block %d: %w", written.BlockNumber, device.Classify(err))
	}
	check := block.New(length, written.Version)
	n, err := c.Dev.Backend.Read(ctx, check.Buf)
	if err != nil {
		return fmt.Errorf("re-reading block %d: %w", written.BlockNumber, device.Classify(err))
	}
	check.ReadLen = uint32(n)
	if err := check.DeserializeHeader(c.ReadOptions()); err != nil {
		return fmt.Errorf("%w: re-read of block %d: %w", device.ErrHardware, written.BlockNumber, err)
	}
	if check.BlockNumber != written.BlockNumber || !bytes.Equal(check.Bytes(), written.Bytes()) {
		return fmt.Errorf("%w: block %d read back as block %d with different contents",
			device.ErrHardware, written.BlockNumber, check.BlockNumber)
	}
	return nil
}
