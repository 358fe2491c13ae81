// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"fmt"
	"io"

	"github.com/bureau-foundation/mediavault/lib/chunked"
)

// ChunkedDevice presents volumes of a chunked.Manager as a seekable
// device. Closing a volume waits until every chunk has been uploaded.
type ChunkedDevice struct {
	Manager *chunked.Manager

	volume *chunked.Volume
}

// NewChunkedDevice wraps manager.
func NewChunkedDevice(manager *chunked.Manager) *ChunkedDevice {
	return &ChunkedDevice{Manager: manager}
}

func (c *ChunkedDevice) Capabilities() Capabilities {
	return Capabilities{Seekable: true, Chunked: true}
}

func (c *ChunkedDevice) Open(ctx context.Context, volume string, mode OpenMode) error {
	if c.volume != nil {
		return fmt.Errorf("chunked device: %s already open", c.volume.Name())
	}
	chunkedMode := chunked.ModeRead
	switch mode {
	case OpenReadWrite:
		chunkedMode = chunked.ModeWrite
	case OpenCreate:
		chunkedMode = chunked.ModeTruncate
	}
	v, err := c.Manager.Open(ctx, volume, chunkedMode)
	if err != nil {
		return err
	}
	c.volume = v
	return nil
}

func (c *ChunkedDevice) Read(ctx context.Context, p []byte) (int, error) {
	if c.volume == nil {
		return 0, ErrNotOpen
	}
	return c.volume.Read(ctx, p)
}

func (c *ChunkedDevice) Write(ctx context.Context, p []byte) (int, error) {
	if c.volume == nil {
		return 0, ErrNotOpen
	}
	return c.volume.Write(ctx, p)
}

func (c *ChunkedDevice) Seek(ctx context.Context, offset int64, whence int) (int64, error) {
	if c.volume == nil {
		return 0, ErrNotOpen
	}
	return c.volume.Seek(offset, whence)
}

func (c *ChunkedDevice) Rewind(ctx context.Context) error {
	_, err := c.Seek(ctx, 0, io.SeekStart)
	return err
}

func (c *ChunkedDevice) EndOfData(ctx context.Context) error {
	_, err := c.Seek(ctx, 0, io.SeekEnd)
	return err
}

func (c *ChunkedDevice) WriteEOF(ctx context.Context, count int) error {
	if c.volume == nil {
		return ErrNotOpen
	}
	return nil
}

func (c *ChunkedDevice) BackspaceRecord(ctx context.Context, count int) error {
	return fmt.Errorf("chunked device backspace: %w", ErrUnsupported)
}

func (c *ChunkedDevice) ForwardSpaceFile(ctx context.Context, count int) error {
	return fmt.Errorf("chunked device forward space: %w", ErrUnsupported)
}

func (c *ChunkedDevice) Truncate(ctx context.Context) error {
	if c.volume == nil {
		return ErrNotOpen
	}
	return c.volume.Truncate(ctx)
}

// Sync submits the open chunk and waits for the volume to drain.
func (c *ChunkedDevice) Sync(ctx context.Context) error {
	if c.volume == nil {
		return ErrNotOpen
	}
	if err := c.volume.Flush(ctx); err != nil {
		return err
	}
	return c.Manager.WaitUntilFlushed(ctx, c.volume.Name())
}

func (c *ChunkedDevice) Close(ctx context.Context) error {
	if c.volume == nil {
		return nil
	}
	name := c.volume.Name()
	err := c.volume.Close(ctx)
	c.volume = nil
	if err != nil {
		return err
	}
	return c.Manager.WaitUntilFlushed(ctx, name)
}
