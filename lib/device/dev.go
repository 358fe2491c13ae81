// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/mediavault/lib/block"
	"github.com/bureau-foundation/mediavault/lib/clock"
)

// BlockReason records why a device is reserved for exclusive use.
type BlockReason int

const (
	NotBlocked BlockReason = iota
	BlockedMounting
	BlockedDespooling
	BlockedLabeling
	BlockedAcquiring
)

func (r BlockReason) String() string {
	switch r {
	case NotBlocked:
		return "not blocked"
	case BlockedMounting:
		return "mounting"
	case BlockedDespooling:
		return "despooling"
	case BlockedLabeling:
		return "labeling"
	case BlockedAcquiring:
		return "acquiring"
	default:
		return fmt.Sprintf("BlockReason(%d)", int(r))
	}
}

// VolumeStatus is the catalog status of a mounted volume.
type VolumeStatus string

const (
	StatusAppend   VolumeStatus = "Append"
	StatusFull     VolumeStatus = "Full"
	StatusUsed     VolumeStatus = "Used"
	StatusError    VolumeStatus = "Error"
	StatusReadOnly VolumeStatus = "Read-Only"
)

// VolCatInfo carries the per-volume counters reported to the catalog.
type VolCatInfo struct {
	VolumeName   string
	PoolName     string
	MediaType    string
	Status       VolumeStatus
	Blocks       uint32
	Bytes        int64
	Files        uint32
	Writes       uint32
	ReadErrors   uint32
	WriteErrors  uint32
	Mounts       uint32
	FirstWritten time.Time
	LastWritten  time.Time
	Labelled     time.Time
}

// Config describes one configured device.
type Config struct {
	Name      string
	MediaType string

	// MinBlockSize and MaxBlockSize bound physical writes. Equal
	// non-zero values make the device fixed-block.
	MinBlockSize int
	MaxBlockSize int

	// MaxVolumeBytes ends the volume once reached. Zero is unlimited.
	MaxVolumeBytes int64

	// MaxSpoolSize bounds the bytes all jobs may spool for this
	// device. Zero is unlimited.
	MaxSpoolSize int64

	Clock  clock.Clock
	Logger *slog.Logger
}

// Dev is the shared state of one device. Every job writing through the
// device shares the Dev; per-job state lives in control.Control.
type Dev struct {
	Name           string
	MediaType      string
	Backend        Backend
	MinBlockSize   int
	MaxBlockSize   int
	MaxVolumeBytes int64
	MaxSpoolSize   int64
	Clock          clock.Clock
	Logger         *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	blocked   BlockReason
	blockedBy any

	open      bool
	mode      OpenMode
	info      VolCatInfo
	nextBlock uint32
	file      uint32
	atEOM     bool
	readOnly  bool
	spoolSize int64
}

// New wraps backend in a Dev.
func New(backend Backend, config Config) *Dev {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxBlock := config.MaxBlockSize
	if maxBlock == 0 {
		maxBlock = block.DefaultBlockSize
	}
	d := &Dev{
		Name:           config.Name,
		MediaType:      config.MediaType,
		Backend:        backend,
		MinBlockSize:   config.MinBlockSize,
		MaxBlockSize:   maxBlock,
		MaxVolumeBytes: config.MaxVolumeBytes,
		MaxSpoolSize:   config.MaxSpoolSize,
		Clock:          clock.OrReal(config.Clock),
		Logger:         logger.With("device", config.Name),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// FixedBlock reports whether every physical write is exactly
// MaxBlockSize bytes.
func (d *Dev) FixedBlock() bool {
	return d.MinBlockSize > 0 && d.MinBlockSize == d.MaxBlockSize
}

// Capabilities returns the backend capabilities.
func (d *Dev) Capabilities() Capabilities {
	return d.Backend.Capabilities()
}

// Block reserves the device for owner. A device already reserved by
// the same owner may be re-reserved with a different reason; other
// callers wait until it is released or ctx ends.
func (d *Dev) Block(ctx context.Context, reason BlockReason, owner any) error {
	stop := context.AfterFunc(ctx, func() {
		d.mu.Lock()
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	defer stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	for d.blocked != NotBlocked && d.blockedBy != owner {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for device %s (%s): %w", d.Name, d.blocked, err)
		}
		d.cond.Wait()
	}
	d.blocked = reason
	d.blockedBy = owner
	return nil
}

// Unblock releases a reservation held by owner.
func (d *Dev) Unblock(owner any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.blockedBy != owner {
		return
	}
	d.blocked = NotBlocked
	d.blockedBy = nil
	d.cond.Broadcast()
}

// Blocked returns the current reservation reason.
func (d *Dev) Blocked() BlockReason {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocked
}

// Mount opens volume on the backend and resets the position counters.
func (d *Dev) Mount(ctx context.Context, volume string, mode OpenMode) error {
	if err := d.Backend.Open(ctx, volume, mode); err != nil {
		return Classify(fmt.Errorf("opening %s on %s: %w", volume, d.Name, err))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	d.mode = mode
	d.atEOM = false
	d.readOnly = mode == OpenRead
	d.nextBlock = 0
	d.file = 0
	if d.info.VolumeName != volume {
		d.info = VolCatInfo{VolumeName: volume, MediaType: d.MediaType, Status: StatusAppend}
	}
	d.info.Mounts++
	d.Logger.Info("volume mounted", "volume", volume, "mode", mode.String())
	return nil
}

// Unmount closes the backend volume.
func (d *Dev) Unmount(ctx context.Context) error {
	d.mu.Lock()
	wasOpen := d.open
	d.open = false
	d.mu.Unlock()
	if !wasOpen {
		return nil
	}
	if err := d.Backend.Close(ctx); err != nil {
		return Classify(fmt.Errorf("closing volume on %s: %w", d.Name, err))
	}
	return nil
}

// AppendAtEnd positions the volume after its last block so a new job
// can append. Block and file numbering continue from the volume
// counters.
func (d *Dev) AppendAtEnd(ctx context.Context) error {
	if err := d.Writable(); err != nil {
		return err
	}
	if err := d.Backend.EndOfData(ctx); err != nil {
		return Classify(fmt.Errorf("moving to end of data on %s: %w", d.Name, err))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextBlock = d.info.Blocks
	d.file = d.info.Files
	return nil
}

// IsOpen reports whether a volume is mounted.
func (d *Dev) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// NextBlockNumber returns the number for the next physical block and
// advances the counter. Numbers never repeat within a mount.
func (d *Dev) NextBlockNumber() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.nextBlock
	d.nextBlock++
	return n
}

// ResetBlockNumbers restarts numbering at zero, used when the label
// block is rewritten at the start of the medium.
func (d *Dev) ResetBlockNumbers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextBlock = 0
	d.file = 0
}

// BlockNumber returns the number the next block will get.
func (d *Dev) BlockNumber() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextBlock
}

// File returns the current file number (file marks written or passed).
func (d *Dev) File() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.file
}

// AddFile records n file marks.
func (d *Dev) AddFile(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.file += uint32(n)
	d.info.Files += uint32(n)
}

// Info returns a copy of the volume counters.
func (d *Dev) Info() VolCatInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// UpdateInfo mutates the volume counters under the device lock.
func (d *Dev) UpdateInfo(fn func(*VolCatInfo)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn(&d.info)
}

// RecordWrite accounts for one physical block of n bytes.
func (d *Dev) RecordWrite(n int) {
	now := d.Clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info.Blocks++
	d.info.Writes++
	d.info.Bytes += int64(n)
	if d.info.FirstWritten.IsZero() {
		d.info.FirstWritten = now
	}
	d.info.LastWritten = now
}

// WouldExceed reports whether writing n more bytes passes
// MaxVolumeBytes.
func (d *Dev) WouldExceed(n int) bool {
	if d.MaxVolumeBytes <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info.Bytes+int64(n) > d.MaxVolumeBytes
}

// SetEOM marks the volume full. Further writes are refused until the
// next mount.
func (d *Dev) SetEOM() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.atEOM = true
	d.info.Status = StatusFull
}

// AtEOM reports whether end of medium was reached.
func (d *Dev) AtEOM() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.atEOM
}

// SetReadOnly refuses further writes to the mounted volume.
func (d *Dev) SetReadOnly() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readOnly = true
}

// Writable returns nil when a block may be written.
func (d *Dev) Writable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case !d.open:
		return ErrNotOpen
	case d.atEOM:
		return fmt.Errorf("%w: %s is full", ErrCapacityExceeded, d.info.VolumeName)
	case d.readOnly:
		return fmt.Errorf("%w: %s", ErrReadOnly, d.info.VolumeName)
	}
	return nil
}

// ReserveSpool claims n bytes of the device spool allowance. It
// returns false when MaxSpoolSize would be exceeded.
func (d *Dev) ReserveSpool(n int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.MaxSpoolSize > 0 && d.spoolSize+n > d.MaxSpoolSize {
		return false
	}
	d.spoolSize += n
	return true
}

// ReleaseSpool returns n bytes to the spool allowance.
func (d *Dev) ReleaseSpool(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.spoolSize = max(0, d.spoolSize-n)
}

// SpoolSize returns the bytes currently spooled for the device.
func (d *Dev) SpoolSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spoolSize
}
