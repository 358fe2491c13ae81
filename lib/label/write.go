// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bureau-foundation/mediavault/lib/block"
	"github.com/bureau-foundation/mediavault/lib/control"
	"github.com/bureau-foundation/mediavault/lib/device"
)

// Request describes a volume to label.
type Request struct {
	VolumeName string
	PoolName   string
	PoolType   string
	MediaType  string

	// Relabel truncates a volume that already holds data and updates
	// its catalog entry instead of creating one.
	Relabel bool
}

// NewVolumeLabel builds the in-memory pre-label for req.
func (m *Manager) NewVolumeLabel(req Request) *VolumeLabel {
	poolType := req.PoolType
	if poolType == "" {
		poolType = "Backup"
	}
	return &VolumeLabel{
		ID:             ID,
		Version:        Version,
		LabelType:      PreLabel,
		LabelTime:      m.clock.Now().UTC().Truncate(time.Microsecond),
		VolumeName:     req.VolumeName,
		PoolName:       req.PoolName,
		PoolType:       poolType,
		MediaType:      req.MediaType,
		HostName:       m.config.HostName,
		LabelProgram:   m.config.Program,
		ProgramVersion: m.config.ProgramVersion,
		ProgramDate:    m.config.ProgramDate,
	}
}

// WriteNewVolumeLabel labels the mounted volume. The device is
// reserved for labeling while it runs. Unless the device streams, the
// label is read back to confirm it. The volume is created in the
// catalog, or updated when relabeling.
func (m *Manager) WriteNewVolumeLabel(ctx context.Context, ctl *control.Control, req Request) (*VolumeLabel, error) {
	dev := ctl.Dev
	if req.VolumeName == "" {
		return nil, fmt.Errorf("labeling %s: empty volume name", dev.Name)
	}
	if req.MediaType == "" {
		req.MediaType = dev.MediaType
	}
	if err := dev.Block(ctx, device.BlockedLabeling, ctl); err != nil {
		return nil, err
	}
	defer dev.Unblock(ctl)

	label := m.NewVolumeLabel(req)
	if err := ctl.Fire(ctx, control.EventLabelWrite); err != nil {
		return nil, err
	}

	if err := dev.Backend.Rewind(ctx); err != nil {
		return nil, fmt.Errorf("rewinding %s: %w", dev.Name, device.Classify(err))
	}
	if req.Relabel {
		if err := dev.Backend.Truncate(ctx); err != nil {
			return nil, fmt.Errorf("truncating %s for relabel: %w", req.VolumeName, device.Classify(err))
		}
	}
	dev.ResetBlockNumbers()
	dev.UpdateInfo(func(info *device.VolCatInfo) {
		*info = device.VolCatInfo{
			VolumeName: req.VolumeName,
			PoolName:   req.PoolName,
			MediaType:  req.MediaType,
			Status:     device.StatusAppend,
			Mounts:     info.Mounts,
			Labelled:   label.LabelTime,
		}
	})

	if err := m.writeInterchangeLabels(ctx, ctl, req.VolumeName); err != nil {
		return nil, err
	}
	if err := m.writeLabelBlock(ctx, ctl, label); err != nil {
		return nil, err
	}
	if err := m.verify(ctx, ctl, label); err != nil {
		return nil, err
	}

	if ctl.Catalog != nil {
		var err error
		if req.Relabel {
			err = ctl.Catalog.UpdateVolumeInfo(ctx, dev.Info())
		} else {
			err = ctl.Catalog.CreateMedia(ctx, dev.Info())
		}
		if err != nil {
			return label, &StatusError{
				Status: StatusCreateError,
				Err:    fmt.Errorf("recording %s in catalog: %w", req.VolumeName, err),
			}
		}
	}
	m.logger.Info("volume labeled", "device", dev.Name, "volume", req.VolumeName,
		"pool", req.PoolName, "relabel", req.Relabel)
	return label, nil
}

// RewriteVolumeLabel rewrites the label of the mounted volume with a
// fresh write time. With recycle the volume is truncated and its
// counters reset; otherwise a tape volume must hold nothing after the
// label, since rewriting the first record erases the rest of a tape.
func (m *Manager) RewriteVolumeLabel(ctx context.Context, ctl *control.Control, recycle bool) (*VolumeLabel, error) {
	dev := ctl.Dev
	if err := dev.Block(ctx, device.BlockedLabeling, ctl); err != nil {
		return nil, err
	}
	defer dev.Unblock(ctl)

	label, status, err := m.ReadVolumeLabel(ctx, ctl, "")
	if status != StatusOK && status != StatusLabelTypeError {
		return nil, fmt.Errorf("reading label to rewrite: %w", err)
	}
	if !recycle && dev.Capabilities().Tape {
		err := ctl.ReadBlock(ctx, ctl.Block)
		if !errors.Is(err, io.EOF) && !errors.Is(err, device.ErrFileMark) {
			return nil, fmt.Errorf("volume %s holds data after its label; rewrite requires recycling: %w",
				label.VolumeName, device.ErrUnsupported)
		}
	}
	ctl.Block.Empty()

	if err := ctl.Fire(ctx, control.EventLabelWrite); err != nil {
		return nil, err
	}
	if err := dev.Backend.Rewind(ctx); err != nil {
		return nil, fmt.Errorf("rewinding %s: %w", dev.Name, device.Classify(err))
	}
	if recycle {
		if err := dev.Backend.Truncate(ctx); err != nil {
			return nil, fmt.Errorf("truncating %s for recycle: %w", label.VolumeName, device.Classify(err))
		}
		dev.UpdateInfo(func(info *device.VolCatInfo) {
			info.Blocks, info.Bytes, info.Files, info.Writes = 0, 0, 0, 0
			info.FirstWritten, info.LastWritten = time.Time{}, time.Time{}
			info.Status = device.StatusAppend
		})
	}
	dev.ResetBlockNumbers()

	if err := m.writeInterchangeLabels(ctx, ctl, label.VolumeName); err != nil {
		return nil, err
	}
	if err := m.writeLabelBlock(ctx, ctl, label); err != nil {
		return nil, err
	}
	if err := m.verify(ctx, ctl, label); err != nil {
		return nil, err
	}
	if err := ctl.UpdateCatalog(ctx); err != nil {
		return label, err
	}
	m.logger.Info("volume label rewritten", "device", dev.Name, "volume", label.VolumeName, "recycle", recycle)
	return label, nil
}

// writeInterchangeLabels writes VOL1, HDR1, HDR2 and a file mark when
// configured. Only tape devices carry interchange labels.
func (m *Manager) writeInterchangeLabels(ctx context.Context, ctl *control.Control, volumeName string) error {
	if m.config.Type == TypeNative {
		return nil
	}
	dev := ctl.Dev
	if !dev.Capabilities().Tape {
		m.logger.Warn("interchange labels are only written on tape devices",
			"device", dev.Name, "label_type", m.config.Type.String())
		return nil
	}
	records, err := interchangeLabels(m.config.Type, volumeName, m.config.HostName, dev.MaxBlockSize, m.clock.Now())
	if err != nil {
		return err
	}
	for _, record := range records {
		if _, err := dev.Backend.Write(ctx, record); err != nil {
			return fmt.Errorf("writing %s label on %s: %w", m.config.Type, dev.Name, device.Classify(err))
		}
	}
	if err := dev.Backend.WriteEOF(ctx, 1); err != nil {
		return fmt.Errorf("writing file mark after %s labels: %w", m.config.Type, device.Classify(err))
	}
	dev.AddFile(1)
	return nil
}

// writeLabelBlock writes label as the only record of a block, marked
// as a finalized volume label, bypassing any spool.
func (m *Manager) writeLabelBlock(ctx context.Context, ctl *control.Control, label *VolumeLabel) error {
	label.LabelType = VolLabel
	label.WriteTime = m.clock.Now().UTC().Truncate(time.Microsecond)
	payload := MarshalVolumeLabel(label)

	b := ctl.Block
	b.Empty()
	if !b.Fits(len(payload)) {
		return fmt.Errorf("volume label of %d bytes does not fit a %d-byte block", len(payload), len(b.Buf))
	}
	b.WriteRecord(ctl.NewRecord(VolLabel, 0, payload))
	if err := ctl.WriteBlock(ctx, b); err != nil {
		return fmt.Errorf("writing volume label to %s: %w", ctl.Dev.Name, err)
	}
	b.Empty()
	return nil
}

// verify reads the label back unless the device streams, then moves
// to the end of data for appending.
func (m *Manager) verify(ctx context.Context, ctl *control.Control, written *VolumeLabel) error {
	dev := ctl.Dev
	if err := dev.Backend.Sync(ctx); err != nil {
		return fmt.Errorf("syncing %s after label write: %w", dev.Name, device.Classify(err))
	}
	if !dev.Capabilities().Streaming {
		read, status, err := m.ReadVolumeLabel(ctx, ctl, written.VolumeName)
		if status != StatusOK {
			return fmt.Errorf("%w: label verification on %s: %s: %w", device.ErrHardware, dev.Name, status, err)
		}
		if read.ID != written.ID || read.Version != written.Version || !read.LabelTime.Equal(written.LabelTime) {
			return fmt.Errorf("%w: label read back from %s differs from the label written", device.ErrHardware, dev.Name)
		}
		if err := ctl.Fire(ctx, control.EventLabelVerified); err != nil {
			return err
		}
	}
	ctl.Block.Empty()
	if err := dev.Backend.EndOfData(ctx); err != nil {
		return fmt.Errorf("positioning %s at end of data: %w", dev.Name, device.Classify(err))
	}
	return nil
}

// WriteSessionLabel appends a start or end of session label to the
// job's block. The current block is written out first when the label
// does not fit in its remaining space. Before an end label a spooling
// job's spool is committed.
func (m *Manager) WriteSessionLabel(ctx context.Context, ctl *control.Control, labelType int32, info SessionInfo) error {
	if labelType != SOSLabel && labelType != EOSLabel {
		return fmt.Errorf("%w: %s", ErrNotSessionLabel, TypeName(labelType))
	}
	label := &SessionLabel{
		Type:        labelType,
		ID:          ID,
		Version:     Version,
		JobID:       ctl.JobID,
		WriteTime:   m.clock.Now().UTC().Truncate(time.Microsecond),
		PoolName:    info.PoolName,
		PoolType:    info.PoolType,
		JobName:     info.JobName,
		ClientName:  info.ClientName,
		Job:         info.Job,
		FileSetName: info.FileSetName,
		JobType:     info.JobType,
		JobLevel:    info.JobLevel,
		FileSetMD5:  info.FileSetMD5,
	}
	if labelType == EOSLabel {
		label.JobFiles = info.JobFiles
		label.JobBytes = info.JobBytes
		label.JobErrors = info.JobErrors
		label.JobStatus = info.JobStatus
	}

	// The end label records where the job's data landed, so spooled
	// blocks must reach the device first.
	if labelType == EOSLabel && ctl.Spooler != nil {
		if err := ctl.Spooler.Commit(ctx); err != nil {
			return fmt.Errorf("committing spool before %s: %w", TypeName(labelType), err)
		}
	}

	// The payload size does not depend on the block positions, which
	// are filled in after any flush so they include the flushed block.
	size := len(MarshalSessionLabel(label))
	if !ctl.Block.Fits(size) {
		if err := ctl.WriteBlockToDevice(ctx); err != nil {
			return err
		}
		if !ctl.Block.Fits(size) {
			return fmt.Errorf("%s of %d bytes does not fit an empty %d-byte block",
				TypeName(labelType), size, len(ctl.Block.Buf))
		}
	}
	if labelType == EOSLabel {
		positions := ctl.Positions()
		label.StartBlock = positions.StartBlock
		label.EndBlock = positions.EndBlock
		label.StartFile = positions.StartFile
		label.EndFile = positions.EndFile
	}
	if !ctl.Block.WriteRecord(ctl.NewRecord(labelType, int32(ctl.JobID), MarshalSessionLabel(label))) {
		return fmt.Errorf("%s did not fit the block", TypeName(labelType))
	}
	m.logger.Debug("session label written", "label", TypeName(labelType), "job_id", ctl.JobID)
	return nil
}

// UnserializeSessionLabel decodes a session label record.
func UnserializeSessionLabel(rec *block.Record) (*SessionLabel, error) {
	if rec.FileIndex != SOSLabel && rec.FileIndex != EOSLabel {
		return nil, fmt.Errorf("%w: %s", ErrNotSessionLabel, TypeName(rec.FileIndex))
	}
	label, err := unmarshalSessionLabel(rec.Data, rec.FileIndex)
	if err != nil {
		return nil, err
	}
	if !knownID(label.ID) {
		return nil, fmt.Errorf("%w: unknown id %q", ErrFormat, label.ID)
	}
	label.VolSessionID = rec.VolSessionID
	label.VolSessionTime = rec.VolSessionTime
	return label, nil
}
