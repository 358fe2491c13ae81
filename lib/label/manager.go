// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bureau-foundation/mediavault/lib/block"
	"github.com/bureau-foundation/mediavault/lib/clock"
	"github.com/bureau-foundation/mediavault/lib/control"
	"github.com/bureau-foundation/mediavault/lib/device"
)

// Config configures a Manager.
type Config struct {
	// Type selects interchange labels written ahead of the volume
	// label on tape devices.
	Type Type

	Program        string
	ProgramVersion string
	ProgramDate    string

	// HostName is recorded in new labels. Empty uses os.Hostname.
	HostName string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager reads and writes labels through a job's control handle.
type Manager struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger
}

// New returns a Manager.
func New(config Config) *Manager {
	if config.Program == "" {
		config.Program = "mediavault"
	}
	if config.HostName == "" {
		config.HostName, _ = os.Hostname()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		config: config,
		clock:  clock.OrReal(config.Clock),
		logger: logger,
	}
}

// ReadVolumeLabel rewinds the device and reads the volume label,
// skipping interchange labels on tape. volumeName, when not empty,
// must match the label. The volume is never modified.
//
// The returned error is nil only with StatusOK. A name mismatch wraps
// device.ErrWrongVolume.
func (m *Manager) ReadVolumeLabel(ctx context.Context, ctl *control.Control, volumeName string) (*VolumeLabel, Status, error) {
	dev := ctl.Dev
	if err := dev.Backend.Rewind(ctx); err != nil {
		return nil, statusFor(err), fmt.Errorf("rewinding %s: %w", dev.Name, device.Classify(err))
	}
	ctl.Block.Empty()

	if dev.Capabilities().Tape {
		status, err := m.skipInterchangeLabels(ctx, ctl, volumeName)
		if status != StatusOK {
			return nil, status, err
		}
	}

	if err := ctl.ReadBlock(ctx, ctl.Block); err != nil {
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, device.ErrFileMark), errors.Is(err, block.ErrBadMagic):
			return nil, StatusNoLabel, fmt.Errorf("no label on %s: %w", dev.Name, err)
		case errors.Is(err, device.ErrNoMedia):
			return nil, StatusNoMedia, err
		default:
			return nil, StatusIOError, fmt.Errorf("reading label block on %s: %w", dev.Name, err)
		}
	}

	var rec block.Record
	complete, err := ctl.Block.ReadRecord(&rec)
	if err != nil || !complete {
		return nil, StatusNoLabel, fmt.Errorf("label block on %s holds no complete record: %w", dev.Name, errors.Join(err, ErrFormat))
	}
	if rec.FileIndex != PreLabel && rec.FileIndex != VolLabel {
		return nil, StatusNoLabel, fmt.Errorf("first record on %s is %s, not a volume label", dev.Name, TypeName(rec.FileIndex))
	}

	label, err := UnmarshalVolumeLabel(rec.Data, rec.FileIndex)
	if err != nil {
		return nil, StatusNoLabel, err
	}
	if !knownID(label.ID) {
		return nil, StatusNoLabel, fmt.Errorf("volume on %s has unknown label id %q", dev.Name, label.ID)
	}
	if !supportedVersion(label.Version) {
		return label, StatusVersionMismatch, fmt.Errorf("volume %s has label version %d, want %d",
			label.VolumeName, label.Version, Version)
	}
	if label.LabelType != VolLabel {
		return label, StatusLabelTypeError, fmt.Errorf("volume %s has a %s, want %s",
			label.VolumeName, TypeName(label.LabelType), TypeName(VolLabel))
	}
	if volumeName != "" && label.VolumeName != volumeName {
		return label, StatusNameMismatch, fmt.Errorf("%w: wanted %s, found %s on %s",
			device.ErrWrongVolume, volumeName, label.VolumeName, dev.Name)
	}

	if err := ctl.Fire(ctx, control.EventLabelRead); err != nil {
		return label, StatusIOError, err
	}
	m.logger.Debug("volume label read", "device", dev.Name, "volume", label.VolumeName,
		"version", label.Version, "pool", label.PoolName)
	return label, StatusOK, nil
}

// skipInterchangeLabels consumes a VOL1/HDR1/HDR2 group and its file
// mark if the tape starts with one. Otherwise the tape is left at the
// first record.
func (m *Manager) skipInterchangeLabels(ctx context.Context, ctl *control.Control, volumeName string) (Status, error) {
	backend := ctl.Dev.Backend
	n, err := backend.Read(ctx, ctl.Block.Buf)
	switch {
	case errors.Is(err, io.EOF):
		return StatusNoLabel, fmt.Errorf("blank tape on %s: %w", ctl.Dev.Name, err)
	case errors.Is(err, device.ErrFileMark):
		return StatusNoLabel, fmt.Errorf("tape on %s starts with a file mark", ctl.Dev.Name)
	case err != nil:
		return statusFor(err), fmt.Errorf("reading first record on %s: %w", ctl.Dev.Name, device.Classify(err))
	}

	labelType, volser, ok := parseVOL1(ctl.Block.Buf[:n])
	if !ok {
		if err := backend.BackspaceRecord(ctx, 1); err != nil {
			return StatusIOError, fmt.Errorf("backspacing over first record: %w", device.Classify(err))
		}
		return StatusOK, nil
	}
	if volumeName != "" && volser != interchangeName(volumeName) {
		return StatusNameMismatch, fmt.Errorf("%w: %s label names %s, wanted %s",
			device.ErrWrongVolume, labelType, volser, volumeName)
	}
	for range 8 {
		_, err := backend.Read(ctx, ctl.Block.Buf)
		if errors.Is(err, device.ErrFileMark) {
			ctl.Dev.AddFile(1)
			return StatusOK, nil
		}
		if err != nil {
			return statusFor(err), fmt.Errorf("reading %s header labels: %w", labelType, device.Classify(err))
		}
	}
	return StatusLabelTypeError, fmt.Errorf("%s labels on %s are not followed by a file mark", labelType, ctl.Dev.Name)
}

func interchangeName(volumeName string) string {
	volser := volumeName
	if len(volser) > maxVolser {
		volser = volser[:maxVolser]
	}
	return strings.ToUpper(volser)
}

func statusFor(err error) Status {
	if errors.Is(device.Classify(err), device.ErrNoMedia) {
		return StatusNoMedia
	}
	return StatusIOError
}
