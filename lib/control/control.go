// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package control holds the per-job handle through which a job reads
// and writes blocks on a shared device.
//
// A [Control] owns the job's working [block.DeviceBlock]. Records are
// packed into it with WriteRecord; when it fills, WriteBlockToDevice
// routes it either to the job's spooler or straight to the device
// through WriteBlock, the physical write path. WriteBlock assigns the
// block number, serializes the header and checksum, retries transient
// errors, and turns a short write or a full medium into end-of-medium
// handling: a file mark, a Full volume in the catalog, and
// [device.ErrCapacityExceeded] for the caller.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/mediavault/lib/block"
	"github.com/bureau-foundation/mediavault/lib/device"
)

// Event identifies a point where an EventHook is consulted.
type Event int

const (
	EventLabelRead Event = iota
	EventLabelVerified
	EventLabelWrite
	EventReadError
)

func (e Event) String() string {
	switch e {
	case EventLabelRead:
		return "label-read"
	case EventLabelVerified:
		return "label-verified"
	case EventLabelWrite:
		return "label-write"
	case EventReadError:
		return "read-error"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// EventHook is called at each Event. A non-nil error vetoes the
// operation that raised the event.
type EventHook func(ctx context.Context, event Event, ctl *Control) error

// Catalog records media in the backup catalog.
type Catalog interface {
	CreateMedia(ctx context.Context, info device.VolCatInfo) error
	UpdateVolumeInfo(ctx context.Context, info device.VolCatInfo) error
}

// Spooler absorbs blocks in place of the device while a job spools.
// Commit moves everything spooled to the device and detaches the
// spooler from the Control.
type Spooler interface {
	WriteBlock(ctx context.Context, b *block.DeviceBlock) error
	Commit(ctx context.Context) error
}

// Positions are the device positions of the first and last block a
// job wrote.
type Positions struct {
	StartBlock uint32
	EndBlock   uint32
	StartFile  uint32
	EndFile    uint32
	// Wrote is false until the job's first block reaches the device.
	Wrote bool
}

// Options tune the block read and write paths.
type Options struct {
	// Checksum stores a CRC in every written block.
	Checksum bool
	// VerifyChecksum checks the CRC of every block read.
	VerifyChecksum bool
	// VerifyWrites re-reads each block after writing it on tape
	// devices.
	VerifyWrites bool
	// ForceRead accepts blocks whose checksum does not match.
	ForceRead bool
	// Verbose reports every checksum mismatch.
	Verbose bool
}

// Config configures a Control.
type Config struct {
	JobID          uint32
	VolSessionID   uint32
	VolSessionTime uint32
	BlockVersion   block.Version
	Catalog        Catalog
	Hook           EventHook
	Options        Options
	Logger         *slog.Logger
}

// Control is one job's handle on a device. It is not safe for
// concurrent use except that a spooler's background despool may call
// WriteBlock while the job continues writing to its own block.
type Control struct {
	Dev   *device.Dev
	Block *block.DeviceBlock

	JobID          uint32
	VolSessionID   uint32
	VolSessionTime uint32

	Catalog Catalog
	Hook    EventHook
	Options Options
	Spooler Spooler
	Logger  *slog.Logger

	// WriteBlock runs on a background despooler while the job reads
	// positions from its own goroutine.
	positionsMu sync.Mutex
	positions   Positions
}

// New creates a handle for a job on dev with a block buffer of the
// device's maximum block size.
func New(dev *device.Dev, config Config) *Control {
	logger := config.Logger
	if logger == nil {
		logger = dev.Logger
	}
	version := config.BlockVersion
	if version == 0 {
		version = block.V2
	}
	b := block.New(dev.MaxBlockSize, version)
	b.SetSession(config.VolSessionID, config.VolSessionTime)
	return &Control{
		Dev:            dev,
		Block:          b,
		JobID:          config.JobID,
		VolSessionID:   config.VolSessionID,
		VolSessionTime: config.VolSessionTime,
		Catalog:        config.Catalog,
		Hook:           config.Hook,
		Options:        config.Options,
		Logger:         logger.With("job_id", config.JobID),
	}
}

// Positions returns the positions of the blocks written so far.
func (c *Control) Positions() Positions {
	c.positionsMu.Lock()
	defer c.positionsMu.Unlock()
	return c.positions
}

func (c *Control) recordPosition(blockNumber, file uint32) {
	c.positionsMu.Lock()
	defer c.positionsMu.Unlock()
	if !c.positions.Wrote {
		c.positions.Wrote = true
		c.positions.StartBlock = blockNumber
		c.positions.StartFile = file
	}
	c.positions.EndBlock = blockNumber
	c.positions.EndFile = file
}

// Fire invokes the hook for event, if one is set.
func (c *Control) Fire(ctx context.Context, event Event) error {
	if c.Hook == nil {
		return nil
	}
	if err := c.Hook(ctx, event, c); err != nil {
		return fmt.Errorf("%s hook: %w", event, err)
	}
	return nil
}

// ReadOptions returns the block validation options for this job.
func (c *Control) ReadOptions() block.ReadOptions {
	return block.ReadOptions{
		VerifyChecksum: c.Options.VerifyChecksum,
		ForceRead:      c.Options.ForceRead,
		Verbose:        c.Options.Verbose,
		Logger:         c.Logger,
	}
}

// NewRecord returns a record stamped with this job's session.
func (c *Control) NewRecord(fileIndex, stream int32, data []byte) *block.Record {
	return &block.Record{
		VolSessionID:   c.VolSessionID,
		VolSessionTime: c.VolSessionTime,
		FileIndex:      fileIndex,
		Stream:         stream,
		Data:           data,
	}
}

// WriteRecord packs rec into the job's block, writing out full blocks
// as needed. A record larger than the free space is split across
// blocks.
func (c *Control) WriteRecord(ctx context.Context, rec *block.Record) error {
	for !c.Block.WriteRecord(rec) {
		if err := c.WriteBlockToDevice(ctx); err != nil {
			return err
		}
	}
	return nil
}

// WriteBlockToDevice hands the job's block to the spooler, or to the
// device when not spooling, and empties it.
func (c *Control) WriteBlockToDevice(ctx context.Context) error {
	if c.Block.IsEmpty() {
		return nil
	}
	var err error
	if c.Spooler != nil {
		err = c.Spooler.WriteBlock(ctx, c.Block)
	} else {
		err = c.WriteBlock(ctx, c.Block)
	}
	if err != nil {
		return err
	}
	c.Block.Empty()
	return nil
}

// Flush writes out a partially filled block.
func (c *Control) Flush(ctx context.Context) error {
	return c.WriteBlockToDevice(ctx)
}

// UpdateCatalog sends the device's volume counters to the catalog.
func (c *Control) UpdateCatalog(ctx context.Context) error {
	if c.Catalog == nil {
		return nil
	}
	if err := c.Catalog.UpdateVolumeInfo(ctx, c.Dev.Info()); err != nil {
		return fmt.Errorf("updating catalog for %s: %w", c.Dev.Info().VolumeName, err)
	}
	return nil
}
